package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/protocol"
	"github.com/skshohagmiah/flowsync/internal/query"
	"github.com/skshohagmiah/flowsync/internal/storage"
)

const feedBuffer = 1024

// Feed is one live changefeed over a plan. Events arrive in commit order;
// the initial snapshot is followed by a synced state marker, then live
// changes until the feed is closed or fails.
type Feed struct {
	events  chan protocol.ChangeEvent
	watcher *storage.Watcher
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events returns the feed's event channel. It is closed on termination;
// check Err afterwards.
func (f *Feed) Events() <-chan protocol.ChangeEvent {
	return f.events
}

// Err returns the terminal error, if any, after the event channel closes.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close stops the feed. Idempotent.
func (f *Feed) Close() {
	f.cancel()
}

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Watch opens a live feed over a plan. The hub subscription is taken
// before the initial scan, so a write racing the snapshot surfaces as a
// live event rather than being lost; applying it over the snapshot is
// idempotent on the client state.
func (b *Backend) Watch(ctx context.Context, plan *query.ScanPlan) (*Feed, error) {
	watcher := b.store.Hub().Subscribe(plan.Collection, feedBuffer)

	var docs []document.Document
	var err error
	if plan.IncludeOffsets {
		// Offset computation needs the full matching set, not just the
		// window, so the document sliding in after a removal is known.
		docs, err = b.collect(ctx, plan, -1)
	} else {
		docs, err = b.Fetch(ctx, plan)
	}
	if err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		events:  make(chan protocol.ChangeEvent, feedBuffer),
		watcher: watcher,
		cancel:  cancel,
	}
	st := newFeedState(plan, docs)
	go f.run(ctx, st)
	return f, nil
}

func (f *Feed) run(ctx context.Context, st *feedState) {
	defer close(f.events)
	defer f.watcher.Close()

	for _, ev := range st.initial() {
		if !f.send(ctx, ev) {
			return
		}
	}
	if !f.send(ctx, protocol.ChangeEvent{Type: protocol.ChangeState, State: protocol.StateSynced}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events():
			if !ok {
				f.setErr(f.watcher.Err())
				return
			}
			for _, out := range st.apply(ev) {
				if !f.send(ctx, out) {
					return
				}
			}
		}
	}
}

func (f *Feed) send(ctx context.Context, ev protocol.ChangeEvent) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// feedState tracks what the client currently sees so row-level store
// events can be translated into result-set change events. For offset
// feeds it keeps the full matching set sorted by the plan order; for flat
// feeds a membership set suffices.
type feedState struct {
	plan  *query.ScanPlan
	limit int

	all     []document.Document
	members map[string]bool
}

func newFeedState(plan *query.ScanPlan, docs []document.Document) *feedState {
	st := &feedState{plan: plan, limit: plan.Limit}
	if plan.IncludeOffsets {
		st.all = docs
		return st
	}
	st.members = make(map[string]bool, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Key(); ok {
			st.members[key] = true
		}
	}
	st.all = docs
	return st
}

// initial emits the snapshot as initial events, with offsets when the
// plan is windowed.
func (st *feedState) initial() []protocol.ChangeEvent {
	docs := st.all
	if st.plan.IncludeOffsets && st.limit >= 0 && len(docs) > st.limit {
		docs = docs[:st.limit]
	}
	out := make([]protocol.ChangeEvent, 0, len(docs))
	for i, doc := range docs {
		ev := protocol.ChangeEvent{Type: protocol.ChangeInitial, NewVal: doc}
		if st.plan.IncludeOffsets {
			ev.NewOffset = intPtr(i)
		}
		out = append(out, ev)
	}
	return out
}

func (st *feedState) apply(ev storage.Event) []protocol.ChangeEvent {
	if st.plan.IncludeOffsets {
		return st.applyWindowed(ev)
	}
	return st.applyFlat(ev)
}

// applyFlat emits id-addressed events for point and set feeds. Membership
// is tracked explicitly so a snapshot-racing add degrades to a change and
// a document changing out of the match set emits a remove. An unordered
// limit caps the set at the first matching documents seen; a remove frees
// a slot but nothing slides in, since without an order there is no notion
// of the next document.
func (st *feedState) applyFlat(ev storage.Event) []protocol.ChangeEvent {
	key, ok := eventKey(ev)
	if !ok {
		return nil
	}
	newMatch := ev.New != nil && st.plan.Matches(ev.New)
	existed := st.members[key]

	switch {
	case newMatch && !existed:
		if st.limit >= 0 && len(st.members) >= st.limit {
			return nil
		}
		st.members[key] = true
		return []protocol.ChangeEvent{{Type: protocol.ChangeAdd, NewVal: ev.New}}
	case newMatch && existed:
		return []protocol.ChangeEvent{{Type: protocol.ChangeChange, OldVal: ev.Old, NewVal: ev.New}}
	case !newMatch && existed:
		delete(st.members, key)
		old := ev.Old
		if old == nil {
			old = document.Document{"id": key}
		}
		return []protocol.ChangeEvent{{Type: protocol.ChangeRemove, OldVal: old}}
	default:
		return nil
	}
}

// applyWindowed translates a row-level event into offset-addressed window
// patches. The four boundary cases are: a document entering a full window
// pushes the last one out; a document leaving the window slides the next
// one in; a move within the window is a single change with both offsets;
// movement entirely outside the window emits nothing. Removes are always
// emitted before the adds that follow from them.
func (st *feedState) applyWindowed(ev storage.Event) []protocol.ChangeEvent {
	key, ok := eventKey(ev)
	if !ok {
		return nil
	}
	newMatch := ev.New != nil && st.plan.Matches(ev.New)

	limit := st.limit
	oldPos := st.indexOfKey(key)
	existed := oldPos >= 0
	oldLen := len(st.all)

	var prevDoc, lastBefore document.Document
	if existed {
		prevDoc = st.all[oldPos]
	}
	if oldLen >= limit && limit > 0 {
		lastBefore = st.all[limit-1]
	}

	if existed {
		st.all = append(st.all[:oldPos], st.all[oldPos+1:]...)
	}
	newPos := -1
	if newMatch {
		newPos = st.insertSorted(ev.New)
	}

	oldIn := existed && oldPos < limit
	newIn := newMatch && newPos < limit

	var out []protocol.ChangeEvent
	switch {
	case !existed && !newMatch:
		// Nothing the client can see.

	case !existed && newMatch:
		if !newIn {
			return nil
		}
		if oldLen >= limit {
			out = append(out, protocol.ChangeEvent{
				Type:      protocol.ChangeRemove,
				OldVal:    lastBefore,
				OldOffset: intPtr(limit - 1),
			})
		}
		out = append(out, protocol.ChangeEvent{
			Type:      protocol.ChangeAdd,
			NewVal:    ev.New,
			NewOffset: intPtr(newPos),
		})

	case existed && !newMatch:
		if !oldIn {
			return nil
		}
		out = append(out, protocol.ChangeEvent{
			Type:      protocol.ChangeRemove,
			OldVal:    prevDoc,
			OldOffset: intPtr(oldPos),
		})
		if len(st.all) >= limit {
			out = append(out, protocol.ChangeEvent{
				Type:      protocol.ChangeAdd,
				NewVal:    st.all[limit-1],
				NewOffset: intPtr(limit - 1),
			})
		}

	default: // existed && newMatch
		switch {
		case oldIn && newIn:
			out = append(out, protocol.ChangeEvent{
				Type:      protocol.ChangeChange,
				OldVal:    prevDoc,
				NewVal:    ev.New,
				OldOffset: intPtr(oldPos),
				NewOffset: intPtr(newPos),
			})
		case oldIn && !newIn:
			out = append(out, protocol.ChangeEvent{
				Type:      protocol.ChangeRemove,
				OldVal:    prevDoc,
				OldOffset: intPtr(oldPos),
			})
			if len(st.all) >= limit {
				out = append(out, protocol.ChangeEvent{
					Type:      protocol.ChangeAdd,
					NewVal:    st.all[limit-1],
					NewOffset: intPtr(limit - 1),
				})
			}
		case !oldIn && newIn:
			out = append(out, protocol.ChangeEvent{
				Type:      protocol.ChangeRemove,
				OldVal:    lastBefore,
				OldOffset: intPtr(limit - 1),
			})
			out = append(out, protocol.ChangeEvent{
				Type:      protocol.ChangeAdd,
				NewVal:    ev.New,
				NewOffset: intPtr(newPos),
			})
		}
	}
	return out
}

func (st *feedState) indexOfKey(key string) int {
	for i, doc := range st.all {
		if k, ok := doc.Key(); ok && k == key {
			return i
		}
	}
	return -1
}

func (st *feedState) insertSorted(doc document.Document) int {
	i := sort.Search(len(st.all), func(i int) bool {
		return st.plan.Less(doc, st.all[i])
	})
	st.all = append(st.all, nil)
	copy(st.all[i+1:], st.all[i:])
	st.all[i] = doc
	return i
}

func eventKey(ev storage.Event) (string, bool) {
	if ev.New != nil {
		return ev.New.Key()
	}
	return ev.Old.Key()
}

func intPtr(i int) *int {
	return &i
}
