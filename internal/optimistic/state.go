// Package optimistic holds the pieces shared by the record stores: an immutable state cell with
// snapshot capture, the per-store loading/error status and the change event dispatcher.
package optimistic

import "sync"

// State publishes one value of S at a time. Values handed to Mutate must be treated as
// immutable: the mutation builds a new value and the cell swaps it in one step, so a value
// returned as a snapshot never changes after it was captured.
type State[S any] struct {
	mu    sync.RWMutex
	value S
}

// NewState constructs a cell holding initial.
func NewState[S any](initial S) *State[S] {
	return &State[S]{value: initial}
}

// Current returns the published value.
func (s *State[S]) Current() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Mutate derives the next value from the current one and publishes it. The previous value is
// returned as the rollback snapshot. When next returns an error nothing is published.
func (s *State[S]) Mutate(next func(current S) (S, error)) (S, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.value
	updated, err := next(previous)
	if err != nil {
		return previous, err
	}
	s.value = updated
	return previous, nil
}

// Swap is Mutate for derivations that cannot fail.
func (s *State[S]) Swap(next func(current S) S) S {
	previous, _ := s.Mutate(func(current S) (S, error) {
		return next(current), nil
	})
	return previous
}

// Restore publishes snapshot wholesale, discarding anything applied since it was captured.
func (s *State[S]) Restore(snapshot S) {
	s.mu.Lock()
	s.value = snapshot
	s.mu.Unlock()
}
