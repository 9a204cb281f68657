package downloader

import (
	"slices"
	"sync"

	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
)

// listenerSet is a copy-on-write list of listeners. Snapshots are never modified, so they can be
// iterated without holding the lock.
type listenerSet struct {
	mu     sync.Mutex
	list   []rcache.Listener
	closed bool
}

// add returns false if the set is already closed.
func (s *listenerSet) add(l rcache.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.list = append(slices.Clip(s.list), l)
	return true
}

func (s *listenerSet) snapshot() []rcache.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.list
}

// close returns the final snapshot. All following calls of add are rejected.
func (s *listenerSet) close() []rcache.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return s.list
}

// notify calls fn for every listener. A panic in one listener doesn't affect the others.
func notify(listeners []rcache.Listener, fn func(l rcache.Listener)) {
	for _, l := range listeners {
		callListener(l, fn)
	}
}

func callListener(l rcache.Listener, fn func(l rcache.Listener)) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Errorf("listener panicked: %v", r)
		}
	}()

	fn(l)
}
