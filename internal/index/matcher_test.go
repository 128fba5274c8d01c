package index

import "testing"

func TestMatchDegenerateUsesPrimary(t *testing.T) {
	m := NewMatcher(NewRegistry(nil), false)
	idx, err := m.Match("msgs", nil, nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if idx.Name != NameOf([]string{"id"}) {
		t.Fatalf("Expected the identity index, got %s", idx.Name)
	}
	if idx.State() != StateReady {
		t.Fatal("The identity index is always ready")
	}
}

func TestMatchFuzzyPermutation(t *testing.T) {
	r := NewRegistry(nil)
	idx := NewIndex([]string{"b", "a", "ts"})
	idx.SetReady()
	r.Add("msgs", idx)

	m := NewMatcher(r, false)

	// Fuzzy fields may appear in any order in the index prefix.
	got, err := m.Match("msgs", []string{"a", "b"}, []string{"ts"})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got != idx {
		t.Fatalf("Expected %s, got %s", idx.Name, got.Name)
	}

	// The ordered suffix is positional.
	if _, err := m.Match("msgs", []string{"ts", "a"}, []string{"b"}); err == nil {
		t.Fatal("Expected no match when the ordered field is not the suffix")
	}
}

func TestMatchRejectsExtraFields(t *testing.T) {
	r := NewRegistry(nil)
	idx := NewIndex([]string{"a", "b"})
	idx.SetReady()
	r.Add("msgs", idx)

	m := NewMatcher(r, false)
	if _, err := m.Match("msgs", []string{"a"}, nil); err == nil {
		t.Fatal("An index with extra fields must not match")
	}
}

func TestMatchPrefersReady(t *testing.T) {
	r := NewRegistry(nil)
	pending := NewIndex([]string{"a"})
	r.Add("msgs", pending)
	ready := NewIndex([]string{"a", "ts"})
	ready.SetReady()
	r.Add("msgs", ready)

	m := NewMatcher(r, false)
	got, err := m.Match("msgs", []string{"a"}, []string{"ts"})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got != ready {
		t.Fatal("Expected the ready index")
	}

	got, err = m.Match("msgs", []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got != pending {
		t.Fatal("A pending exact match beats no match")
	}
}

func TestMatchAutoCreate(t *testing.T) {
	built := make(chan string, 1)
	r := NewRegistry(nil)
	r.SetBuilder(func(collection string, idx *Index) {
		built <- idx.Name
		idx.SetReady()
	})

	m := NewMatcher(r, true)
	idx, err := m.Match("msgs", []string{"owner"}, []string{"ts"})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if idx.Name != NameOf([]string{"owner", "ts"}) {
		t.Fatalf("Unexpected created index %s", idx.Name)
	}

	if name := <-built; name != idx.Name {
		t.Fatalf("Builder got %s", name)
	}
	<-idx.Ready()
	if idx.State() != StateReady {
		t.Fatal("Expected the created index to become ready")
	}
}

func TestReadyLatchIsOneWay(t *testing.T) {
	idx := NewIndex([]string{"a"})
	idx.SetReady()
	idx.SetError(ErrNotFound)
	if idx.State() != StateReady {
		t.Fatal("Ready must never be un-latched")
	}
}

func TestRegistrySnapshotExcludesPrimary(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("msgs", NewIndex([]string{"a"}))

	snap := r.Snapshot()
	if len(snap["msgs"]) != 1 || snap["msgs"][0][0] != "a" {
		t.Fatalf("Unexpected snapshot: %v", snap)
	}
}
