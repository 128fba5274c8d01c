package projector

import (
	"fmt"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/protocol"
)

// Mode selects one of the three mutually exclusive projection shapes. It is
// fixed once at plan time from the query shape.
type Mode int

const (
	// Point projects a single nullable document (find).
	Point Mode = iota
	// Set projects an unordered id-keyed set (findAll / full scan).
	Set
	// Windowed projects a bounded ordered array patched by offsets
	// (order + limit).
	Windowed
)

// ModeFor derives the projection mode from the plan shape flags.
func ModeFor(single, orderedLimited bool) Mode {
	switch {
	case single:
		return Point
	case orderedLimited:
		return Windowed
	default:
		return Set
	}
}

// Snapshot is the complete client-visible state after one applied event.
type Snapshot struct {
	Point bool
	Doc   document.Document // point mode; nil means "no document"
	Docs  []document.Document
}

// Projector folds a stream of change events into one state value per
// subscription. Events received before the synced marker build the initial
// state silently; the first emission happens on synced (an explicit empty
// snapshot if nothing matched), and every applied event after that emits a
// complete snapshot.
type Projector struct {
	mode   Mode
	limit  int
	synced bool

	point  document.Document
	keys   []string
	docs   map[string]document.Document
	window []document.Document
}

// New creates a projector. limit caps Windowed and Set modes; -1 means
// unlimited.
func New(mode Mode, limit int) *Projector {
	return &Projector{
		mode:  mode,
		limit: limit,
		docs:  make(map[string]document.Document),
	}
}

// Apply folds one event into the state. It reports whether the caller
// should emit a snapshot. An unrecognized event type is a protocol error
// terminating this subscription only.
func (p *Projector) Apply(ev protocol.ChangeEvent) (bool, error) {
	if ev.Type == protocol.ChangeState {
		if ev.State == protocol.StateSynced && !p.synced {
			p.synced = true
			return true, nil
		}
		return false, nil
	}

	var err error
	switch p.mode {
	case Point:
		err = p.applyPoint(ev)
	case Set:
		err = p.applySet(ev)
	case Windowed:
		err = p.applyWindow(ev)
	}
	if err != nil {
		return false, err
	}
	return p.synced, nil
}

// Snapshot returns a copy of the current client-visible state.
func (p *Projector) Snapshot() Snapshot {
	switch p.mode {
	case Point:
		return Snapshot{Point: true, Doc: p.point}
	case Windowed:
		return Snapshot{Docs: append([]document.Document(nil), p.window...)}
	default:
		docs := make([]document.Document, 0, len(p.keys))
		for _, k := range p.keys {
			docs = append(docs, p.docs[k])
		}
		return Snapshot{Docs: docs}
	}
}

// applyPoint replaces the single value. The feed is already scoped to one
// document by the plan, so no id filtering happens here.
func (p *Projector) applyPoint(ev protocol.ChangeEvent) error {
	switch ev.Type {
	case protocol.ChangeInitial, protocol.ChangeAdd, protocol.ChangeChange:
		p.point = ev.NewVal
	case protocol.ChangeRemove, protocol.ChangeUninitial:
		p.point = nil
	default:
		return fmt.Errorf("unrecognized change event type %q", ev.Type)
	}
	return nil
}

func (p *Projector) applySet(ev protocol.ChangeEvent) error {
	switch ev.Type {
	case protocol.ChangeInitial, protocol.ChangeAdd:
		p.insertSet(ev.NewVal)
	case protocol.ChangeChange:
		p.insertSet(ev.NewVal)
	case protocol.ChangeRemove, protocol.ChangeUninitial:
		key, ok := ev.OldVal.Key()
		if !ok {
			return fmt.Errorf("remove event without an id")
		}
		p.removeSet(key)
	default:
		return fmt.Errorf("unrecognized change event type %q", ev.Type)
	}
	return nil
}

func (p *Projector) insertSet(doc document.Document) {
	key, ok := doc.Key()
	if !ok {
		return
	}
	if _, exists := p.docs[key]; !exists {
		// An unordered limit caps the set; documents past the cap are
		// dropped rather than displacing a member.
		if p.limit >= 0 && len(p.keys) >= p.limit {
			return
		}
		p.keys = append(p.keys, key)
	}
	p.docs[key] = doc
}

func (p *Projector) removeSet(key string) {
	if _, exists := p.docs[key]; !exists {
		return
	}
	delete(p.docs, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// applyWindow patches the bounded ordered array. A changed document may
// move position, so change handles the old position before the new one;
// replace-in-place only happens when both offsets are absent.
func (p *Projector) applyWindow(ev protocol.ChangeEvent) error {
	switch ev.Type {
	case protocol.ChangeRemove, protocol.ChangeUninitial:
		if ev.OldOffset != nil {
			p.spliceOut(*ev.OldOffset)
		} else if i := p.indexOf(ev.OldVal); i >= 0 {
			p.spliceOut(i)
		}

	case protocol.ChangeInitial, protocol.ChangeAdd:
		if ev.NewOffset != nil {
			p.spliceIn(*ev.NewOffset, ev.NewVal)
		} else {
			p.window = append(p.window, ev.NewVal)
		}
		p.truncate()

	case protocol.ChangeChange:
		if ev.OldOffset == nil && ev.NewOffset == nil {
			if i := p.indexOf(ev.NewVal); i >= 0 {
				p.window[i] = ev.NewVal
			}
			return nil
		}
		if ev.OldOffset != nil {
			p.spliceOut(*ev.OldOffset)
		}
		if ev.NewOffset != nil {
			p.spliceIn(*ev.NewOffset, ev.NewVal)
		} else if i := p.indexOf(ev.NewVal); i >= 0 {
			p.window[i] = ev.NewVal
		}
		p.truncate()

	default:
		return fmt.Errorf("unrecognized change event type %q", ev.Type)
	}
	return nil
}

func (p *Projector) spliceOut(i int) {
	if i < 0 || i >= len(p.window) {
		return
	}
	p.window = append(p.window[:i], p.window[i+1:]...)
}

func (p *Projector) spliceIn(i int, doc document.Document) {
	if i < 0 {
		i = 0
	}
	if i >= len(p.window) {
		p.window = append(p.window, doc)
		return
	}
	p.window = append(p.window, nil)
	copy(p.window[i+1:], p.window[i:])
	p.window[i] = doc
}

func (p *Projector) truncate() {
	if p.limit >= 0 && len(p.window) > p.limit {
		p.window = p.window[:p.limit]
	}
}

func (p *Projector) indexOf(doc document.Document) int {
	key, ok := doc.Key()
	if !ok {
		return -1
	}
	for i, d := range p.window {
		if k, ok := d.Key(); ok && k == key {
			return i
		}
	}
	return -1
}
