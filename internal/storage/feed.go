package storage

import (
	"errors"
	"sync"

	"github.com/skshohagmiah/flowsync/internal/document"
)

// ErrFeedOverflow terminates a watcher that cannot keep up with the write
// rate. Only the lagging watcher is affected.
var ErrFeedOverflow = errors.New("changefeed buffer overflow")

// EventType classifies a row-level change.
type EventType int

const (
	EventAdd EventType = iota
	EventChange
	EventRemove
)

// Event is one row-level change published by the store.
type Event struct {
	Type EventType
	Old  document.Document
	New  document.Document
}

// Hub fans row-level change events out to per-collection watchers. Events
// for one document are delivered in commit order; there is no ordering
// guarantee across documents beyond commit order of their batches.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[uint64]*Watcher
	nextID   uint64
}

// Watcher is one subscription to a collection's change events.
type Watcher struct {
	hub        *Hub
	collection string
	id         uint64
	ch         chan Event

	mu     sync.Mutex
	err    error
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[uint64]*Watcher)}
}

// Subscribe registers a watcher on a collection. buf bounds how far the
// watcher may lag before it is terminated with ErrFeedOverflow.
func (h *Hub) Subscribe(collection string, buf int) *Watcher {
	if buf <= 0 {
		buf = 1024
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	w := &Watcher{
		hub:        h,
		collection: collection,
		id:         h.nextID,
		ch:         make(chan Event, buf),
	}
	coll, ok := h.watchers[collection]
	if !ok {
		coll = make(map[uint64]*Watcher)
		h.watchers[collection] = coll
	}
	coll[w.id] = w
	return w
}

// Publish delivers events to every watcher of the collection. A watcher
// whose buffer is full is failed and dropped; publishing never blocks a
// commit.
func (h *Hub) Publish(collection string, events []Event) {
	h.mu.Lock()
	var lagging []*Watcher
	for _, w := range h.watchers[collection] {
		for _, ev := range events {
			select {
			case w.ch <- ev:
			default:
				lagging = append(lagging, w)
			}
		}
	}
	h.mu.Unlock()

	for _, w := range lagging {
		w.fail(ErrFeedOverflow)
	}
}

// Events returns the watcher's event channel. The channel is closed when
// the watcher is closed or fails; check Err afterwards.
func (w *Watcher) Events() <-chan Event {
	return w.ch
}

// Err returns the terminal error, if any, after the event channel closes.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close detaches the watcher. Idempotent.
func (w *Watcher) Close() {
	w.fail(nil)
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.err = err
	w.mu.Unlock()

	w.hub.mu.Lock()
	if coll, ok := w.hub.watchers[w.collection]; ok {
		delete(coll, w.id)
	}
	w.hub.mu.Unlock()

	close(w.ch)
}
