package session

import "sync"

// IDAllocator hands out session ids starting at 1.  One allocator is
// shared by every session of an agent.
type IDAllocator struct {
	mu   sync.Mutex
	next int
}

// Next returns a fresh id.
func (a *IDAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}
