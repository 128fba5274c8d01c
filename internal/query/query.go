package query

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery is wrapped by every validation failure. Validation errors
// are always local and synchronous; they surface before any I/O is attempted.
var ErrInvalidQuery = errors.New("invalid query")

// Direction of an ordered scan.
type Direction string

const (
	Ascending  Direction = "ascending"
	Descending Direction = "descending"
)

// BoundSpec is one side of a range restriction. Field is the bound field
// name; when a bare value was given on the wire the field is resolved to the
// leading order field at validation time.
type BoundSpec struct {
	Field string
	Value interface{}
	Open  bool
}

// term identifies one builder transition. Invalid chains are rejected by
// table lookup rather than by method absence.
type term int

const (
	termCollection term = iota
	termFind
	termFindAll
	termOrder
	termAbove
	termBelow
	termLimit
)

var termNames = map[term]string{
	termCollection: "collection",
	termFind:       "find",
	termFindAll:    "findAll",
	termOrder:      "order",
	termAbove:      "above",
	termBelow:      "below",
	termLimit:      "limit",
}

// legalNext lists the terms that may follow each term. find is terminal
// apart from fetch/watch; limit terminates the chain entirely.
var legalNext = map[term][]term{
	termCollection: {termFind, termFindAll, termOrder, termAbove, termBelow, termLimit},
	termFind:       {},
	termFindAll:    {termOrder, termAbove, termBelow, termLimit},
	termOrder:      {termAbove, termBelow, termLimit},
	termAbove:      {termOrder, termBelow, termLimit},
	termBelow:      {termOrder, termAbove, termLimit},
	termLimit:      {},
}

// Description is an immutable query specification built by chaining term
// methods. Each transition returns a copy; an illegal transition records a
// sticky error surfaced by Validate.
type Description struct {
	Collection string
	FindRow    map[string]interface{}
	FindRows   []map[string]interface{}
	Order      []string
	Dir        Direction
	Above      *BoundSpec
	Below      *BoundSpec
	LimitRows  int // -1 when unset

	last term
	err  error
}

// NewDescription starts a query over a collection.
func NewDescription(collection string) Description {
	d := Description{Collection: collection, LimitRows: -1, last: termCollection}
	if collection == "" {
		d.err = fmt.Errorf("%w: collection name must not be empty", ErrInvalidQuery)
	}
	return d
}

func (d Description) transition(next term) Description {
	if d.err != nil {
		return d
	}
	for _, t := range legalNext[d.last] {
		if t == next {
			d.last = next
			return d
		}
	}
	d.err = fmt.Errorf("%w: %s cannot follow %s", ErrInvalidQuery, termNames[next], termNames[d.last])
	return d
}

// Find restricts the query to a single document matched by equality on the
// given fields. A bare scalar is shorthand for {id: value}.
func (d Description) Find(spec interface{}) Description {
	d = d.transition(termFind)
	if d.err != nil {
		return d
	}
	row, err := findObject(spec)
	if err != nil {
		d.err = err
		return d
	}
	d.FindRow = row
	return d
}

// FindAll restricts the query to the union of documents matching any of the
// given equality specs. Duplicate identical specs collapse to one.
func (d Description) FindAll(specs ...interface{}) Description {
	d = d.transition(termFindAll)
	if d.err != nil {
		return d
	}
	if len(specs) == 0 {
		d.err = fmt.Errorf("%w: findAll requires at least one argument", ErrInvalidQuery)
		return d
	}
	rows := make([]map[string]interface{}, 0, len(specs))
	for _, spec := range specs {
		row, err := findObject(spec)
		if err != nil {
			d.err = err
			return d
		}
		rows = append(rows, row)
	}
	d.FindRows = rows
	return d
}

// OrderBy sets the sort fields and direction.
func (d Description) OrderBy(dir Direction, fields ...string) Description {
	d = d.transition(termOrder)
	if d.err != nil {
		return d
	}
	if len(fields) == 0 {
		d.err = fmt.Errorf("%w: order requires at least one field", ErrInvalidQuery)
		return d
	}
	if dir != Ascending && dir != Descending {
		d.err = fmt.Errorf("%w: order direction must be %q or %q", ErrInvalidQuery, Ascending, Descending)
		return d
	}
	d.Order = append([]string(nil), fields...)
	d.Dir = dir
	return d
}

// AboveBound sets the lower bound of the scan.
func (d Description) AboveBound(spec interface{}, open bool) Description {
	d = d.transition(termAbove)
	if d.err != nil {
		return d
	}
	if d.Above != nil {
		d.err = fmt.Errorf("%w: above was already applied", ErrInvalidQuery)
		return d
	}
	b, err := boundSpec(spec, open)
	if err != nil {
		d.err = err
		return d
	}
	d.Above = b
	return d
}

// BelowBound sets the upper bound of the scan.
func (d Description) BelowBound(spec interface{}, open bool) Description {
	d = d.transition(termBelow)
	if d.err != nil {
		return d
	}
	if d.Below != nil {
		d.err = fmt.Errorf("%w: below was already applied", ErrInvalidQuery)
		return d
	}
	b, err := boundSpec(spec, open)
	if err != nil {
		d.err = err
		return d
	}
	d.Below = b
	return d
}

// Limit caps the result set. Nothing may be chained after it.
func (d Description) Limit(n int) Description {
	d = d.transition(termLimit)
	if d.err != nil {
		return d
	}
	if n < 0 {
		d.err = fmt.Errorf("%w: limit must be a non-negative integer", ErrInvalidQuery)
		return d
	}
	d.LimitRows = n
	return d
}

// IsFind reports whether the query resolves to a single nullable document.
func (d Description) IsFind() bool { return d.FindRow != nil }

// IsOrderedLimited reports whether the result is an ordered window with
// positional offsets.
func (d Description) IsOrderedLimited() bool {
	return len(d.Order) > 0 && d.LimitRows >= 0
}

// Validate checks the fully-built description. Cross-term rules that cannot
// be expressed by the transition table live here.
func (d Description) Validate() error {
	if d.err != nil {
		return d.err
	}

	if d.Above != nil {
		if err := d.checkBoundField(d.Above, "above"); err != nil {
			return err
		}
	}
	if d.Below != nil {
		if err := d.checkBoundField(d.Below, "below"); err != nil {
			return err
		}
	}
	if d.Above != nil && d.Below != nil && d.Above.Field != "" && d.Below.Field != "" &&
		d.Above.Field != d.Below.Field {
		return fmt.Errorf("%w: above field %q conflicts with below field %q",
			ErrInvalidQuery, d.Above.Field, d.Below.Field)
	}
	return nil
}

// checkBoundField enforces that a bound references the first key of order
// when order is present, and resolves bare-value bounds to that key.
func (d Description) checkBoundField(b *BoundSpec, name string) error {
	if len(d.Order) > 0 {
		if b.Field == "" {
			b.Field = d.Order[0]
			return nil
		}
		if b.Field != d.Order[0] {
			return fmt.Errorf("%w: the field in %s must match the first key of order (%q)",
				ErrInvalidQuery, name, d.Order[0])
		}
		return nil
	}
	if b.Field == "" {
		b.Field = "id"
	}
	return nil
}

// findObject validates and normalizes a find/findAll argument.
func findObject(spec interface{}) (map[string]interface{}, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: find argument must not be null", ErrInvalidQuery)
	}
	switch v := spec.(type) {
	case map[string]interface{}:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: find argument must not be an empty object", ErrInvalidQuery)
		}
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case string, float64, float32, int, int64, int32, bool:
		return map[string]interface{}{"id": v}, nil
	default:
		return nil, fmt.Errorf("%w: find argument must be an object or an index scalar", ErrInvalidQuery)
	}
}

// boundSpec normalizes an above/below argument. An object form pins the
// bound field; a bare value leaves the field to be resolved against order.
func boundSpec(spec interface{}, open bool) (*BoundSpec, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: bound value must not be null", ErrInvalidQuery)
	}
	if obj, ok := spec.(map[string]interface{}); ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%w: bound object must have exactly one field", ErrInvalidQuery)
		}
		for field, value := range obj {
			return &BoundSpec{Field: field, Value: value, Open: open}, nil
		}
	}
	switch spec.(type) {
	case string, float64, float32, int, int64, int32, bool:
		return &BoundSpec{Value: spec, Open: open}, nil
	}
	return nil, fmt.Errorf("%w: bound must be an object or an index scalar", ErrInvalidQuery)
}
