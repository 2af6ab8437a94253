package service

import "sync"

// stampedeTracker counts cache misses in progress per key. A count above one
// means callers missed the same key at once; singleflight collapses their
// upstream calls, and the tracker makes the overlap visible in metrics.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[string]int)}
}

// RecordMiss registers a miss for key and returns the number now in progress.
// Pair every call with RecordHit once the miss is resolved.
func (st *stampedeTracker) RecordMiss(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[key]++
	return st.active[key]
}

// RecordHit marks one miss for key as resolved.
func (st *stampedeTracker) RecordHit(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch n := st.active[key]; {
	case n > 1:
		st.active[key] = n - 1
	case n == 1:
		delete(st.active, key)
	}
}

// InProgress returns the number of unresolved misses for key.
func (st *stampedeTracker) InProgress(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}
