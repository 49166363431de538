package kv

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Notifier fans change events out to registered listeners. Backends embed one
// to implement Store.Subscribe. The zero value is ready to use.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[uuid.UUID]Listener
}

type subscription struct {
	once     sync.Once
	id       uuid.UUID
	notifier *Notifier
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.notifier.mu.Lock()
		delete(s.notifier.listeners, s.id)
		s.notifier.mu.Unlock()
	})
}

// Subscribe registers listener and returns a handle to remove it.
func (n *Notifier) Subscribe(listener Listener) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[uuid.UUID]Listener)
	}
	id := uuid.New()
	n.listeners[id] = listener
	return &subscription{id: id, notifier: n}
}

// Post delivers ev to every registered listener on the calling goroutine.
func (n *Notifier) Post(ev ChangeEvent) {
	n.mu.RLock()
	listeners := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.RUnlock()

	ev.Keys = slices.Clone(ev.Keys)
	for _, l := range listeners {
		l(ev)
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
