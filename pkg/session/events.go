package session

import (
	"sync"
)

// EventType names a visible change of the session.
type EventType string

const (
	EventCreated   EventType = "created"
	EventDestroyed EventType = "destroyed"
	EventOwnership EventType = "ownership"
	EventScale     EventType = "scale"
	EventIndex     EventType = "index"
	EventPinned    EventType = "pinned"
)

// Event is what display clients are told after the loop changed something.
type Event struct {
	Type     EventType `json:"type"`
	ObjectID string    `json:"object_id"`
	Template string    `json:"template,omitempty"`
	Owner    string    `json:"owner,omitempty"`
	Epoch    uint64    `json:"epoch,omitempty"`
	Index    int       `json:"index"`
	Scale    float64   `json:"scale,omitempty"`
	Pinned   bool      `json:"pinned,omitempty"`
}

type watchers struct {
	next  int
	fns   map[int]func(Event)
	mutex sync.RWMutex
}

func newWatchers() *watchers {
	return &watchers{fns: make(map[int]func(Event))}
}

func (w *watchers) add(fn func(Event)) func() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	id := w.next
	w.next++
	w.fns[id] = fn
	return func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()
		delete(w.fns, id)
	}
}

func (w *watchers) emit(e Event) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	for _, fn := range w.fns {
		fn(e)
	}
}

func (w *watchers) Len() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.fns)
}

// Watch registers fn for every event. fn runs on the loop and must not
// block; the returned function unregisters it.
func (s *Session) Watch(fn func(Event)) func() {
	return s.watchers.add(fn)
}
