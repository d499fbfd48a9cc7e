package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job state constants.
const (
	StatePending State = "pending"
	StateLeased  State = "leased"
	StateDone    State = "done"
	StateDead    State = "dead"
)

// States lists every job state in lifecycle order.
var States = []State{StatePending, StateLeased, StateDone, StateDead}

// validTransitions maps each state to the set of states it may transition to.
// leased→leased is a reclaim of an expired lease by another owner.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateLeased: true,
	},
	StateLeased: {
		StateLeased:  true,
		StatePending: true,
		StateDone:    true,
		StateDead:    true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a state from which a job never moves again.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDead
}

// Valid reports whether s is a known job state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateDone, StateDead:
		return true
	}
	return false
}

// Envelope is the tagged payload of a job: Kind selects the registered
// handler and Payload is passed to it untouched.
type Envelope struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

// NewEnvelope JSON-encodes v as the payload of a job of the given kind.
func NewEnvelope(kind string, v any) (Envelope, error) {
	if kind == "" {
		return Envelope{}, fmt.Errorf("envelope: kind is required")
	}
	if v == nil {
		return Envelope{Kind: kind}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: encode %q payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: b}, nil
}

// Job is a durable unit of work tracked through pending→leased→done/dead.
type Job struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Payload        []byte     `json:"payload,omitempty"`
	State          State      `json:"state"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	NotBefore      time.Time  `json:"not_before"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Envelope returns the job's tagged payload.
func (j *Job) Envelope() Envelope {
	return Envelope{Kind: j.Kind, Payload: j.Payload}
}

// LeaseActive reports whether the job holds a lease that has not expired at now.
func (j *Job) LeaseActive(now time.Time) bool {
	return j.State == StateLeased && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.Before(now)
}
