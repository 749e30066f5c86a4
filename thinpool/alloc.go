package thinpool

import "sync"

// IDAllocator issues device identifiers within one pool's namespace.
//
// Allocation is a monotonically increasing counter: a released ID is never
// handed out again within the allocator's lifetime, so a delayed or failed
// release of the underlying resource can never alias a new volume onto an
// old identifier. The allocator is owned by exactly one Pool and passed
// around explicitly, never process-global.
type IDAllocator struct {
	mu   sync.Mutex
	next uint32
	live map[uint32]struct{}
}

// NewIDAllocator creates an allocator starting at ID 0.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{live: make(map[uint32]struct{})}
}

// NewIDAllocatorAt creates an allocator for an adopted pool: next is the
// first ID to issue and live holds the IDs currently in use in the pool.
func NewIDAllocatorAt(next uint32, live []uint32) *IDAllocator {
	a := &IDAllocator{next: next, live: make(map[uint32]struct{}, len(live))}
	for _, id := range live {
		a.live[id] = struct{}{}
		if id >= a.next {
			a.next = id + 1
		}
	}
	return a
}

// Allocate returns an identifier not currently live in the pool.
func (a *IDAllocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.live[id] = struct{}{}
	return id
}

// Release marks id as no longer live. Releasing a non-live or unknown ID is
// a no-op so teardown code can be safely re-entrant.
func (a *IDAllocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, id)
}

// Live reports whether id is currently live.
func (a *IDAllocator) Live(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[id]
	return ok
}

// LiveCount returns the number of live IDs.
func (a *IDAllocator) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
