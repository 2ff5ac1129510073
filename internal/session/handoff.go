package session

import (
	"sync"

	"github.com/zombor/pillchecker/internal/drug"
)

// Assignment is a request to fill one slot, produced by the scan or
// suggestion flow and consumed by the slot owner.
// Candidate wins over Name when both are set.
type Assignment struct {
	Slot      int
	Name      string
	Candidate *drug.Candidate
}

// Handoff carries at most one pending Assignment. Take clears it, so an
// assignment is applied exactly once.
type Handoff struct {
	mu      sync.Mutex
	pending *Assignment
}

// Offer replaces any pending assignment with a
func (h *Handoff) Offer(a Assignment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = &a
}

// Take returns and clears the pending assignment
func (h *Handoff) Take() (Assignment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return Assignment{}, false
	}
	a := *h.pending
	h.pending = nil
	return a, true
}
