// Package worker runs leased jobs on a fixed set of execution units.
//
// Handlers are looked up by the job's envelope kind. Whatever a handler does,
// including panicking, is turned into a reported outcome: payload failures
// never escape the pool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is wrapped in a PayloadError when no handler is registered
// for a job's kind.
var ErrUnknownKind = errors.New("no handler registered for kind")

// HandlerFunc executes one job payload. It should return promptly once ctx
// is cancelled.
type HandlerFunc func(ctx context.Context, payload []byte) error

// PayloadError reports that a job's payload failed to execute: the handler
// returned an error, panicked, or could not be resolved.
type PayloadError struct {
	Kind  string
	Err   error
	Panic bool
}

func (e *PayloadError) Error() string {
	if e.Panic {
		return fmt.Sprintf("%s: panic: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// Registry maps envelope kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (r *Registry) Handle(kind string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Register registers a typed handler for kind. The payload is JSON-decoded
// into T before h is called; an empty payload leaves T at its zero value.
func Register[T any](r *Registry, kind string, h func(ctx context.Context, args T) error) {
	r.Handle(kind, func(ctx context.Context, payload []byte) error {
		var args T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		return h(ctx, args)
	})
}

// Lookup returns the handler registered for kind.
func (r *Registry) Lookup(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds, sorted for a stable API response.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
