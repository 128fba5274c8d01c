package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skshohagmiah/flowsync/internal/document"
)

// PatchOp is one operation of the compact watch protocol variant. Positional
// paths ("/data/3") address the ordered window; id paths ("/data/id/<key>")
// address unordered sets; "/state" carries stream state markers.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// EventToPatch converts one change event to its patch serialization. The
// two wire shapes are alternative serializations of the same projector
// semantics; converting back with PatchToEvents yields events the projector
// applies to the same effect.
func EventToPatch(ev ChangeEvent) []PatchOp {
	switch ev.Type {
	case ChangeState:
		return []PatchOp{{Op: "replace", Path: "/state", Value: ev.State}}

	case ChangeInitial, ChangeAdd:
		if ev.NewOffset != nil {
			return []PatchOp{{Op: "add", Path: offsetPath(*ev.NewOffset), Value: ev.NewVal}}
		}
		return []PatchOp{{Op: "add", Path: idPath(ev.NewVal), Value: ev.NewVal}}

	case ChangeRemove, ChangeUninitial:
		if ev.OldOffset != nil {
			return []PatchOp{{Op: "remove", Path: offsetPath(*ev.OldOffset)}}
		}
		return []PatchOp{{Op: "remove", Path: idPath(ev.OldVal)}}

	case ChangeChange:
		if ev.OldOffset == nil && ev.NewOffset == nil {
			return []PatchOp{{Op: "replace", Path: idPath(ev.NewVal), Value: ev.NewVal}}
		}
		var ops []PatchOp
		if ev.OldOffset != nil {
			ops = append(ops, PatchOp{Op: "remove", Path: offsetPath(*ev.OldOffset)})
		}
		if ev.NewOffset != nil {
			ops = append(ops, PatchOp{Op: "add", Path: offsetPath(*ev.NewOffset), Value: ev.NewVal})
		} else {
			ops = append(ops, PatchOp{Op: "replace", Path: idPath(ev.NewVal), Value: ev.NewVal})
		}
		return ops

	default:
		return nil
	}
}

// PatchToEvents converts patch operations back into change events.
func PatchToEvents(ops []PatchOp) ([]ChangeEvent, error) {
	out := make([]ChangeEvent, 0, len(ops))
	for _, op := range ops {
		ev, err := patchToEvent(op)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func patchToEvent(op PatchOp) (ChangeEvent, error) {
	if op.Path == "/state" {
		state, _ := op.Value.(string)
		return ChangeEvent{Type: ChangeState, State: state}, nil
	}

	if key, ok := strings.CutPrefix(op.Path, "/data/id/"); ok {
		switch op.Op {
		case "add":
			return ChangeEvent{Type: ChangeAdd, NewVal: toDocument(op.Value)}, nil
		case "remove":
			return ChangeEvent{Type: ChangeRemove, OldVal: document.Document{"id": key}}, nil
		case "replace":
			return ChangeEvent{Type: ChangeChange, NewVal: toDocument(op.Value)}, nil
		}
		return ChangeEvent{}, fmt.Errorf("unsupported patch op %q", op.Op)
	}

	if rest, ok := strings.CutPrefix(op.Path, "/data/"); ok {
		offset, err := strconv.Atoi(rest)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("malformed patch path %q", op.Path)
		}
		switch op.Op {
		case "add":
			return ChangeEvent{Type: ChangeAdd, NewVal: toDocument(op.Value), NewOffset: &offset}, nil
		case "remove":
			return ChangeEvent{Type: ChangeRemove, OldOffset: &offset}, nil
		}
		return ChangeEvent{}, fmt.Errorf("unsupported patch op %q", op.Op)
	}

	return ChangeEvent{}, fmt.Errorf("malformed patch path %q", op.Path)
}

func offsetPath(i int) string {
	return "/data/" + strconv.Itoa(i)
}

func idPath(doc document.Document) string {
	key, _ := doc.Key()
	return "/data/id/" + key
}

func toDocument(v interface{}) document.Document {
	if v == nil {
		return nil
	}
	if doc, ok := v.(document.Document); ok {
		return doc
	}
	if m, ok := v.(map[string]interface{}); ok {
		return document.Document(m)
	}
	return nil
}
