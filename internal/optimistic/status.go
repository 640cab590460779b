package optimistic

import "sync"

// StatusSnapshot is the observable status of a store at one point in time.
type StatusSnapshot struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// Status is a single loading flag plus a single error slot shared by every operation of a
// store. The last operation to write wins.
type Status struct {
	mu      sync.RWMutex
	loading bool
	message string
}

// BeginLoading raises the loading flag.
func (s *Status) BeginLoading() {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
}

// EndLoading lowers the loading flag.
func (s *Status) EndLoading() {
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
}

// SetError stores message in the error slot.
func (s *Status) SetError(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// ClearError empties the error slot.
func (s *Status) ClearError() {
	s.SetError("")
}

// Snapshot returns the current flag and error.
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{Loading: s.loading, Error: s.message}
}
