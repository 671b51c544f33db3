// Package classifierstate holds the single flag shared between the
// pipeline (which sets it after boot) and the router (which reads it to
// decide whether to call the classifier at all).
package classifierstate

import "sync/atomic"

// State is a concurrency-safe up/down flag.
type State struct {
	up atomic.Bool
}

// New creates a State, initially down.
func New() *State {
	return &State{}
}

// Up reports whether the classifier backend is believed to be running.
func (s *State) Up() bool {
	return s.up.Load()
}

// Set updates the flag.
func (s *State) Set(up bool) {
	s.up.Store(up)
}
