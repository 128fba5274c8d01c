package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/query"
)

func TestParseQueryOptionsFull(t *testing.T) {
	raw := json.RawMessage(`{
		"collection": "msgs",
		"findAll": [{"owner": "a"}],
		"order": [["ts"], "descending"],
		"above": [{"ts": 5}, "open"],
		"limit": 10
	}`)
	d, err := ParseQueryOptions(raw)
	if err != nil {
		t.Fatalf("ParseQueryOptions failed: %v", err)
	}
	if d.Collection != "msgs" {
		t.Fatalf("Unexpected collection %q", d.Collection)
	}
	if len(d.FindRows) != 1 || d.FindRows[0]["owner"] != "a" {
		t.Fatalf("Unexpected findAll: %v", d.FindRows)
	}
	if d.Dir != query.Descending || len(d.Order) != 1 || d.Order[0] != "ts" {
		t.Fatalf("Unexpected order: %v %v", d.Order, d.Dir)
	}
	if d.Above == nil || d.Above.Field != "ts" || !d.Above.Open {
		t.Fatalf("Unexpected above bound: %+v", d.Above)
	}
	if d.LimitRows != 10 {
		t.Fatalf("Unexpected limit %d", d.LimitRows)
	}
}

func TestParseQueryOptionsOrderShorthand(t *testing.T) {
	// A single string field and an omitted direction are accepted.
	raw := json.RawMessage(`{"collection": "msgs", "order": ["ts"]}`)
	d, err := ParseQueryOptions(raw)
	if err != nil {
		t.Fatalf("ParseQueryOptions failed: %v", err)
	}
	if d.Order[0] != "ts" || d.Dir != query.Ascending {
		t.Fatalf("Unexpected order: %v %v", d.Order, d.Dir)
	}
}

func TestParseQueryOptionsBoundDefaultsClosed(t *testing.T) {
	raw := json.RawMessage(`{"collection": "msgs", "above": [{"id": "a"}]}`)
	d, err := ParseQueryOptions(raw)
	if err != nil {
		t.Fatalf("ParseQueryOptions failed: %v", err)
	}
	if d.Above.Open {
		t.Fatal("Omitted openness must default to closed")
	}
}

func TestParseQueryOptionsErrors(t *testing.T) {
	cases := []string{
		`not json`,
		`{"collection": "msgs", "order": [["ts"], "descending", "extra"]}`,
		`{"collection": "msgs", "order": [3]}`,
		`{"collection": "msgs", "above": [{"id": "a"}, "ajar"]}`,
		`{"collection": "msgs", "find": "a", "limit": 1}`,
		`{"collection": ""}`,
	}
	for i, c := range cases {
		_, err := ParseQueryOptions(json.RawMessage(c))
		if err == nil {
			t.Fatalf("Case %d unexpectedly parsed", i)
		}
		if !errors.Is(err, query.ErrInvalidQuery) {
			t.Fatalf("Case %d error does not wrap ErrInvalidQuery: %v", i, err)
		}
	}
}

func TestQueryOptionsRoundTrip(t *testing.T) {
	descs := []query.Description{
		query.NewDescription("msgs").Find("a"),
		query.NewDescription("msgs").
			FindAll(map[string]interface{}{"owner": "a"}).
			OrderBy(query.Ascending, "ts").
			Limit(5),
		query.NewDescription("msgs").
			OrderBy(query.Descending, "score").
			AboveBound(map[string]interface{}{"score": 1.0}, true).
			BelowBound(map[string]interface{}{"score": 9.0}, false),
	}
	for i, d := range descs {
		if err := d.Validate(); err != nil {
			t.Fatalf("Case %d invalid: %v", i, err)
		}
		raw, err := EncodeQueryOptions(d)
		if err != nil {
			t.Fatalf("Case %d encode failed: %v", i, err)
		}
		back, err := ParseQueryOptions(raw)
		if err != nil {
			t.Fatalf("Case %d re-parse failed: %v", i, err)
		}
		if back.Collection != d.Collection || back.LimitRows != d.LimitRows || back.Dir != d.Dir {
			t.Fatalf("Case %d round trip drifted: %+v vs %+v", i, back, d)
		}
		if (back.Above == nil) != (d.Above == nil) {
			t.Fatalf("Case %d lost the above bound", i)
		}
		if d.Above != nil && (back.Above.Field != d.Above.Field || back.Above.Open != d.Above.Open) {
			t.Fatalf("Case %d above drifted: %+v vs %+v", i, back.Above, d.Above)
		}
	}
}

func TestEncodeDocumentsNullSemantics(t *testing.T) {
	resp, err := EncodeDocuments(7, []document.Document{nil})
	if err != nil {
		t.Fatalf("EncodeDocuments failed: %v", err)
	}
	if string(resp.Data[0]) != "null" {
		t.Fatalf("Expected a JSON null, got %s", resp.Data[0])
	}

	docs, err := DecodeDocuments(resp)
	if err != nil {
		t.Fatalf("DecodeDocuments failed: %v", err)
	}
	if docs[0] != nil {
		t.Fatalf("Expected nil to survive the round trip, got %v", docs[0])
	}
}

func TestChangeEventOffsetsOmittedWhenAbsent(t *testing.T) {
	resp, err := EncodeEvents(1, ChangeEvent{Type: ChangeAdd, NewVal: document.Document{"id": "a"}})
	if err != nil {
		t.Fatalf("EncodeEvents failed: %v", err)
	}
	events, err := DecodeEvents(resp)
	if err != nil {
		t.Fatalf("DecodeEvents failed: %v", err)
	}
	if events[0].NewOffset != nil || events[0].OldOffset != nil {
		t.Fatal("Absent offsets must stay nil, not decode as zero")
	}
}

func TestPatchOffsetForms(t *testing.T) {
	two := 2
	ops := EventToPatch(ChangeEvent{
		Type:      ChangeAdd,
		NewVal:    document.Document{"id": "a"},
		NewOffset: &two,
	})
	if len(ops) != 1 || ops[0].Op != "add" || ops[0].Path != "/data/2" {
		t.Fatalf("Unexpected ops: %+v", ops)
	}

	events, err := PatchToEvents(ops)
	if err != nil {
		t.Fatalf("PatchToEvents failed: %v", err)
	}
	if events[0].Type != ChangeAdd || events[0].NewOffset == nil || *events[0].NewOffset != 2 {
		t.Fatalf("Round trip drifted: %+v", events[0])
	}
}

func TestPatchIDForms(t *testing.T) {
	ops := EventToPatch(ChangeEvent{Type: ChangeRemove, OldVal: document.Document{"id": "k1"}})
	if ops[0].Op != "remove" || ops[0].Path != "/data/id/k1" {
		t.Fatalf("Unexpected ops: %+v", ops)
	}

	events, err := PatchToEvents(ops)
	if err != nil {
		t.Fatalf("PatchToEvents failed: %v", err)
	}
	if events[0].Type != ChangeRemove || events[0].OldVal["id"] != "k1" {
		t.Fatalf("Round trip drifted: %+v", events[0])
	}
}

// An offset change decomposes into remove+add; replaying those through the
// projector is equivalent to the original move.
func TestPatchChangeDecomposes(t *testing.T) {
	oldOff, newOff := 2, 0
	ops := EventToPatch(ChangeEvent{
		Type:      ChangeChange,
		OldVal:    document.Document{"id": "a", "x": 1.0},
		NewVal:    document.Document{"id": "a", "x": 2.0},
		OldOffset: &oldOff,
		NewOffset: &newOff,
	})
	if len(ops) != 2 {
		t.Fatalf("Expected remove+add, got %+v", ops)
	}
	if ops[0].Op != "remove" || ops[0].Path != "/data/2" {
		t.Fatalf("Unexpected first op: %+v", ops[0])
	}
	if ops[1].Op != "add" || ops[1].Path != "/data/0" {
		t.Fatalf("Unexpected second op: %+v", ops[1])
	}
}

func TestPatchStateMarker(t *testing.T) {
	ops := EventToPatch(ChangeEvent{Type: ChangeState, State: StateSynced})
	if len(ops) != 1 || ops[0].Path != "/state" || ops[0].Value != StateSynced {
		t.Fatalf("Unexpected ops: %+v", ops)
	}

	events, err := PatchToEvents(ops)
	if err != nil {
		t.Fatalf("PatchToEvents failed: %v", err)
	}
	if events[0].Type != ChangeState || events[0].State != StateSynced {
		t.Fatalf("Round trip drifted: %+v", events[0])
	}
}

func TestPatchRejectsMalformedPaths(t *testing.T) {
	for _, op := range []PatchOp{
		{Op: "add", Path: "/nonsense"},
		{Op: "add", Path: "/data/notanumber"},
		{Op: "move", Path: "/data/1"},
	} {
		if _, err := PatchToEvents([]PatchOp{op}); err == nil {
			t.Fatalf("Expected an error for %+v", op)
		}
	}
}
