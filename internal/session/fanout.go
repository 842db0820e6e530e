package session

import (
	"sync"

	"github.com/google/uuid"
)

// observerSet is the set of observers attached to one session.
type observerSet struct {
	mu        sync.RWMutex
	observers map[string]Observer
}

func newObserverSet() *observerSet {
	return &observerSet{observers: make(map[string]Observer)}
}

// add attaches obs and returns its handle.
func (s *observerSet) add(obs Observer) string {
	handle := uuid.New().String()
	s.mu.Lock()
	s.observers[handle] = obs
	s.mu.Unlock()
	return handle
}

// remove detaches the observer with handle and reports whether it was
// attached.
func (s *observerSet) remove(handle string) (Observer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.observers[handle]
	if ok {
		delete(s.observers, handle)
	}
	return obs, ok
}

func (s *observerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

// drain detaches and returns every observer.
func (s *observerSet) drain() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, 0, len(s.observers))
	for handle, obs := range s.observers {
		out = append(out, obs)
		delete(s.observers, handle)
	}
	return out
}

// deliver pushes event to every observer. Observers whose Push fails are
// removed, closed, and their handles returned.
func (s *observerSet) deliver(event Event) []string {
	s.mu.RLock()
	targets := make(map[string]Observer, len(s.observers))
	for handle, obs := range s.observers {
		targets[handle] = obs
	}
	s.mu.RUnlock()

	var pruned []string
	for handle, obs := range targets {
		if err := obs.Push(event); err != nil {
			if _, ok := s.remove(handle); ok {
				obs.Close()
				pruned = append(pruned, handle)
			}
		}
	}
	return pruned
}
