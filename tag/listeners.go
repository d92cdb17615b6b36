package tag

import (
	"sync"

	"taglink/supervision"
)

// ListenerSet is a concurrency-safe set of listeners keyed by pointer.
// The zero value is ready to use.
type ListenerSet struct {
	mu        sync.RWMutex
	listeners []*Listener
}

// Add registers l and reports whether it was newly added.
func (s *ListenerSet) Add(l *Listener) bool {
	if l == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(l) >= 0 {
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

// Remove unregisters l and reports whether it was registered.
func (s *ListenerSet) Remove(l *Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(l)
	if i < 0 {
		return false
	}
	s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
	return true
}

// Clear unregisters every listener.
func (s *ListenerSet) Clear() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}

// Contains reports whether l is registered.
func (s *ListenerSet) Contains(l *Listener) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(l) >= 0
}

// Len returns the number of registered listeners.
func (s *ListenerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *ListenerSet) indexLocked(l *Listener) int {
	for i, existing := range s.listeners {
		if existing == l {
			return i
		}
	}
	return -1
}

// Notify delivers base to every registered listener. The first listener
// receives base itself and every other listener its own clone, all taken
// before the first callback runs. A panicking listener is reported to
// onPanic and does not stop delivery to the rest.
func (s *ListenerSet) Notify(base *Tag, ev *supervision.Event, onPanic func(recovered interface{})) {
	s.mu.RLock()
	targets := make([]*Listener, len(s.listeners))
	copy(targets, s.listeners)
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	snaps := make([]*Tag, len(targets))
	snaps[0] = base
	for i := 1; i < len(targets); i++ {
		snaps[i] = base.Clone()
	}
	for i, l := range targets {
		Deliver(l, snaps[i], ev.Clone(), onPanic)
	}
}

// Deliver calls l with snap, recovering a panic into onPanic.
func Deliver(l *Listener, snap *Tag, ev *supervision.Event, onPanic func(recovered interface{})) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	if l.OnUpdate != nil {
		l.OnUpdate(snap)
	}
	if ev != nil && l.OnSupervision != nil {
		l.OnSupervision(snap, ev)
	}
}
