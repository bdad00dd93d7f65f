package service

import "sync"

// CancelFlags is the shared out-of-band cancellation signal set. The
// panel runner consults it at the start of every round; in-flight
// panelist calls are allowed to finish and their results discarded.
type CancelFlags struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewCancelFlags creates an empty flag set.
func NewCancelFlags() *CancelFlags {
	return &CancelFlags{set: make(map[string]struct{})}
}

// Set marks a review as cancelled.
func (c *CancelFlags) Set(reviewID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set[reviewID] = struct{}{}
}

// Cancelled reports whether a review has been cancelled.
func (c *CancelFlags) Cancelled(reviewID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[reviewID]
	return ok
}

// Clear removes the flag once the review reaches a terminal state.
func (c *CancelFlags) Clear(reviewID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.set, reviewID)
}
