package sync

import (
	"sync"
	"sync/atomic"
)

// lazy holds a value computed on first use and dropped by Reset. Lookups
// shared by several entities of a run (the person to primary account map,
// the set of eligible member accounts) are loaded through it once per run.
//
// A failed load is not cached; the next Get retries. lazy is safe for
// concurrent use.
type lazy[T any] struct {
	done uint32
	m    sync.Mutex
	val  T
}

// Get returns the cached value, calling load if there is none.
func (l *lazy[T]) Get(load func() (T, error)) (T, error) {
	// Fast path: already loaded
	if atomic.LoadUint32(&l.done) == 1 {
		return l.val, nil
	}

	// Slow path: acquire lock and double-check
	l.m.Lock()
	defer l.m.Unlock()

	if l.done == 0 {
		v, err := load()
		if err != nil {
			var zero T
			return zero, err
		}
		l.val = v
		atomic.StoreUint32(&l.done, 1)
	}
	return l.val, nil
}

// Reset drops the cached value. If a load is in progress, Reset blocks
// until it completes.
func (l *lazy[T]) Reset() {
	l.m.Lock()
	defer l.m.Unlock()

	var zero T
	l.val = zero
	atomic.StoreUint32(&l.done, 0)
}

// Loaded reports whether a value is cached.
func (l *lazy[T]) Loaded() bool {
	return atomic.LoadUint32(&l.done) == 1
}
