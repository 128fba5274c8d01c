package query

import (
	"errors"
	"strings"
	"testing"
)

func TestLegalChains(t *testing.T) {
	chains := []Description{
		NewDescription("msgs").Find("id1"),
		NewDescription("msgs").FindAll(map[string]interface{}{"owner": "a"}),
		NewDescription("msgs").OrderBy(Ascending, "ts").Limit(10),
		NewDescription("msgs").OrderBy(Descending, "ts").AboveBound(map[string]interface{}{"ts": 5.0}, false).Limit(3),
		NewDescription("msgs").AboveBound(map[string]interface{}{"id": "a"}, false).BelowBound(map[string]interface{}{"id": "z"}, true),
		NewDescription("msgs").FindAll(map[string]interface{}{"owner": "a"}).OrderBy(Ascending, "ts"),
	}
	for i, d := range chains {
		if err := d.Validate(); err != nil {
			t.Fatalf("Chain %d unexpectedly invalid: %v", i, err)
		}
	}
}

func TestIllegalChains(t *testing.T) {
	chains := []Description{
		NewDescription("msgs").Find("a").Limit(1),
		NewDescription("msgs").Limit(1).OrderBy(Ascending, "ts"),
		NewDescription("msgs").Find("a").Find("b"),
		NewDescription("msgs").FindAll(map[string]interface{}{"a": 1.0}).Find("b"),
		NewDescription("msgs").OrderBy(Ascending, "ts").OrderBy(Ascending, "x"),
		NewDescription(""),
	}
	for i, d := range chains {
		err := d.Validate()
		if err == nil {
			t.Fatalf("Chain %d unexpectedly valid", i)
		}
		if !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("Chain %d error does not wrap ErrInvalidQuery: %v", i, err)
		}
	}
}

func TestFindScalarShorthand(t *testing.T) {
	d := NewDescription("msgs").Find("abc")
	if err := d.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d.FindRow["id"] != "abc" {
		t.Fatalf("Expected scalar find to become {id: value}, got %v", d.FindRow)
	}
}

func TestBoundFieldMustMatchOrderHead(t *testing.T) {
	d := NewDescription("msgs").
		OrderBy(Ascending, "ts", "name").
		AboveBound(map[string]interface{}{"name": "x"}, false)
	err := d.Validate()
	if err == nil {
		t.Fatal("Expected a validation error")
	}
	if !strings.Contains(err.Error(), `the field in above must match the first key of order ("ts")`) {
		t.Fatalf("Unexpected error message: %v", err)
	}
}

func TestBareBoundResolvesToOrderHead(t *testing.T) {
	d := NewDescription("msgs").OrderBy(Ascending, "ts").AboveBound(5.0, false)
	if err := d.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d.Above.Field != "ts" {
		t.Fatalf("Expected bare bound to resolve to %q, got %q", "ts", d.Above.Field)
	}
}

func TestBareBoundWithoutOrderResolvesToID(t *testing.T) {
	d := NewDescription("msgs").AboveBound("m", false)
	if err := d.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d.Above.Field != "id" {
		t.Fatalf("Expected bound field %q, got %q", "id", d.Above.Field)
	}
}

func TestConflictingBoundFields(t *testing.T) {
	d := NewDescription("msgs").
		AboveBound(map[string]interface{}{"a": 1.0}, false).
		BelowBound(map[string]interface{}{"b": 2.0}, false)
	if d.Validate() == nil {
		t.Fatal("Expected an error for bounds on different fields")
	}
}

func TestNegativeLimit(t *testing.T) {
	if NewDescription("msgs").Limit(-1).Validate() == nil {
		t.Fatal("Expected an error for a negative limit")
	}
}

func TestShapeFlags(t *testing.T) {
	d := NewDescription("msgs").Find("a")
	if !d.IsFind() || d.IsOrderedLimited() {
		t.Fatal("find should be single, not windowed")
	}
	d = NewDescription("msgs").OrderBy(Ascending, "ts").Limit(2)
	if d.IsFind() || !d.IsOrderedLimited() {
		t.Fatal("order+limit should be windowed")
	}
	d = NewDescription("msgs").OrderBy(Ascending, "ts")
	if d.IsOrderedLimited() {
		t.Fatal("order without limit is not windowed")
	}
}
