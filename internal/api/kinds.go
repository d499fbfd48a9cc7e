package api

import "net/http"

type kindsResponse struct {
	Kinds []string `json:"kinds"`
}

func (s *Server) handleListKinds(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, kindsResponse{Kinds: s.engine.Registry().Kinds()})
}
