package query

import (
	"testing"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/index"
)

func newTestPlanner(t *testing.T, autoCreate bool) (*Planner, *index.Registry) {
	t.Helper()
	registry := index.NewRegistry(func(_ string, idx *index.Index) {
		idx.SetReady()
	})
	return NewPlanner(index.NewMatcher(registry, autoCreate)), registry
}

func TestPlanFindByID(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	plan, indexes, err := p.Plan(NewDescription("msgs").Find("abc"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.Single {
		t.Fatal("Expected a single-document plan")
	}
	if len(plan.Scans) != 1 {
		t.Fatalf("Expected one scan, got %d", len(plan.Scans))
	}
	scan := plan.Scans[0]
	if scan.Index != index.NameOf([]string{"id"}) {
		t.Fatalf("Expected the identity index, got %s", scan.Index)
	}
	if scan.Left[0].Kind != BoundValue || scan.Right[0].Kind != BoundValue {
		t.Fatal("Expected the id pinned on both sides")
	}
	if len(indexes) != 1 {
		t.Fatalf("Expected one index, got %d", len(indexes))
	}
}

func TestPlanFullScanUsesIdentityIndex(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	plan, _, err := p.Plan(NewDescription("msgs"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Single || plan.IncludeOffsets {
		t.Fatal("A full scan is a plain set")
	}
	scan := plan.Scans[0]
	if scan.Left[0].Kind != BoundMin || scan.Right[0].Kind != BoundMax {
		t.Fatal("Expected an unbounded scan")
	}
}

func TestPlanFindAllUnionDedup(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	d := NewDescription("msgs").FindAll(
		map[string]interface{}{"owner": "a"},
		map[string]interface{}{"owner": "b"},
		map[string]interface{}{"owner": "a"},
	)
	plan, _, err := p.Plan(d)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Scans) != 2 {
		t.Fatalf("Expected identical candidates to collapse, got %d scans", len(plan.Scans))
	}
}

func TestPlanOrderLimitWindow(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	plan, _, err := p.Plan(NewDescription("msgs").OrderBy(Descending, "score").Limit(2))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.IncludeOffsets {
		t.Fatal("order+limit must include offsets")
	}
	if !plan.Descending || plan.Limit != 2 {
		t.Fatalf("Unexpected plan shape: %+v", plan)
	}
	if plan.Scans[0].Index != index.NameOf([]string{"score"}) {
		t.Fatalf("Expected the score index, got %s", plan.Scans[0].Index)
	}
}

func TestPlanNoIndexWithoutAutoCreate(t *testing.T) {
	p, _ := newTestPlanner(t, false)

	_, _, err := p.Plan(NewDescription("msgs").OrderBy(Ascending, "score"))
	if err == nil {
		t.Fatal("Expected an index resolution error")
	}
}

func TestPlanCompoundIndexForFindAllWithOrder(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	d := NewDescription("msgs").
		FindAll(map[string]interface{}{"owner": "a"}).
		OrderBy(Ascending, "ts")
	plan, _, err := p.Plan(d)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	scan := plan.Scans[0]
	if scan.Index != index.NameOf([]string{"owner", "ts"}) {
		t.Fatalf("Expected a compound [owner,ts] index, got %s", scan.Index)
	}
	// owner pinned, ts unbounded
	if scan.Left[0].Kind != BoundValue || scan.Left[1].Kind != BoundMin || scan.Right[1].Kind != BoundMax {
		t.Fatalf("Unexpected bounds: %+v", scan)
	}
}

func TestOpenAboveFlipsTrailingSentinels(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	d := NewDescription("msgs").
		FindAll(map[string]interface{}{"owner": "a"}).
		OrderBy(Ascending, "ts").
		AboveBound(map[string]interface{}{"ts": 5.0}, true)
	_, _, err := p.Plan(d)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	// ts is the last index field, so openness lands on the tuple itself.
	plan, _, _ := p.Plan(d)
	scan := plan.Scans[0]
	if !scan.LeftOpen {
		t.Fatal("Expected LeftOpen for an open above on the last index field")
	}
}

func TestScanMatchesBounds(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	d := NewDescription("msgs").
		OrderBy(Ascending, "score").
		AboveBound(map[string]interface{}{"score": 10.0}, false).
		BelowBound(map[string]interface{}{"score": 20.0}, false)
	plan, _, err := p.Plan(d)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	cases := []struct {
		score float64
		want  bool
	}{
		{9, false},
		{10, true}, // closed bounds include their boundary values
		{15, true},
		{20, true},
		{20.5, false},
	}
	for _, c := range cases {
		doc := document.Document{"id": "x", "score": c.score}
		if got := plan.Matches(doc); got != c.want {
			t.Fatalf("score %v: expected match=%v, got %v", c.score, c.want, got)
		}
	}
}

func TestScanMatchesOpenAbove(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	d := NewDescription("msgs").
		OrderBy(Ascending, "score").
		AboveBound(map[string]interface{}{"score": 10.0}, true)
	plan, _, err := p.Plan(d)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Matches(document.Document{"id": "x", "score": 10.0}) {
		t.Fatal("Open above must exclude the bound value")
	}
	if !plan.Matches(document.Document{"id": "x", "score": 10.5}) {
		t.Fatal("Open above must admit values past the bound")
	}
}

func TestScanMatchesMissingFieldAsNull(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	// The key encoding writes a missing field as null, so the match
	// predicate has to agree: an unbounded ordered scan admits documents
	// lacking the order field.
	plan, _, err := p.Plan(NewDescription("msgs").OrderBy(Ascending, "score"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.Matches(document.Document{"id": "a"}) {
		t.Fatal("A document without the order field must match an unbounded scan")
	}

	// Null sorts below every number, so a lower bound excludes it.
	bounded, _, err := p.Plan(NewDescription("msgs").
		OrderBy(Ascending, "score").
		AboveBound(map[string]interface{}{"score": 10.0}, false))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if bounded.Matches(document.Document{"id": "a"}) {
		t.Fatal("Null must stay below a numeric lower bound")
	}
}

func TestBoundOutsideCandidateFieldsExtendsIndex(t *testing.T) {
	p, _ := newTestPlanner(t, true)

	// Without an order term the bound field resolves to id; the planned
	// index must cover it or the bound would be dropped on the floor.
	d := NewDescription("msgs").
		FindAll(map[string]interface{}{"owner": "a"}).
		AboveBound(map[string]interface{}{"id": "5"}, false)
	plan, _, err := p.Plan(d)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	scan := plan.Scans[0]
	if scan.Index != index.NameOf([]string{"owner", "id"}) {
		t.Fatalf("Expected a compound [owner,id] index, got %s", scan.Index)
	}
	if scan.Left[1].Kind != BoundValue || scan.Left[1].Value != "5" {
		t.Fatalf("Expected the lower bound pinned on id, got %+v", scan.Left)
	}
	if plan.Matches(document.Document{"id": "1", "owner": "a"}) {
		t.Fatal("Ids below the bound must not match")
	}
	if !plan.Matches(document.Document{"id": "7", "owner": "a"}) {
		t.Fatal("Ids past the bound must match")
	}
}

func TestPlanLess(t *testing.T) {
	plan := &ScanPlan{Order: []string{"score"}}
	a := document.Document{"id": "a", "score": 1.0}
	b := document.Document{"id": "b", "score": 2.0}
	if !plan.Less(a, b) || plan.Less(b, a) {
		t.Fatal("Ascending order broken")
	}

	// Equal order values fall back to the id tiebreak.
	c := document.Document{"id": "c", "score": 1.0}
	if !plan.Less(a, c) {
		t.Fatal("Expected id tiebreak to order a before c")
	}

	plan.Descending = true
	if !plan.Less(b, a) {
		t.Fatal("Descending order broken")
	}
}
