package catalog

import (
	"sync"
	"sync/atomic"
)

// Live holds the process-wide current snapshot. Readers never block; the
// mutex only serialises publishers around the swap itself.
type Live struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewLive returns a holder in the unloaded state.
func NewLive() *Live {
	return &Live{}
}

// Publish replaces the live snapshot and returns the previous one, if any.
func (l *Live) Publish(s *Snapshot) *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.Swap(s)
}

// Current returns the live snapshot or ErrDatabaseUnavailable before the
// first publish. Callers keep the returned pointer for the whole operation.
func (l *Live) Current() (*Snapshot, error) {
	s := l.current.Load()
	if s == nil {
		return nil, ErrDatabaseUnavailable
	}
	return s, nil
}

// Loaded reports whether a snapshot has been published.
func (l *Live) Loaded() bool {
	return l.current.Load() != nil
}
