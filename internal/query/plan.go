package query

import (
	"fmt"
	"reflect"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/index"
)

// BoundKind distinguishes real bound values from the unbounded sentinels.
type BoundKind int

const (
	BoundValue BoundKind = iota
	BoundMin             // sorts before every real value
	BoundMax             // sorts after every real value
)

// Bound is one side of a per-field range component.
type Bound struct {
	Kind  BoundKind
	Value interface{}
}

// IndexScan is one bounded range scan over a single index. Left and Right
// are aligned with Fields; LeftOpen/RightOpen apply to the whole tuple.
type IndexScan struct {
	Index     string
	Fields    []string
	Left      []Bound
	Right     []Bound
	LeftOpen  bool
	RightOpen bool
}

// ScanPlan is the executable form of a query: one or more identically
// ordered sub-scans (union-all for multi-candidate findAll), a global limit,
// and the projection shape flags the feed machinery needs.
type ScanPlan struct {
	Collection     string
	Order          []string
	Descending     bool
	Limit          int // -1 means unlimited
	IncludeOffsets bool
	Single         bool
	Scans          []IndexScan
}

// Planner converts validated query descriptions into scan plans.
type Planner struct {
	matcher *index.Matcher
}

// NewPlanner creates a planner resolving indexes through the given matcher.
func NewPlanner(matcher *index.Matcher) *Planner {
	return &Planner{matcher: matcher}
}

// Plan validates the description and builds its scan plan. Indexes returned
// inside the plan may still be pending; the executor waits for readiness.
func (p *Planner) Plan(d Description) (*ScanPlan, []*index.Index, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}

	plan := &ScanPlan{
		Collection:     d.Collection,
		Order:          append([]string(nil), d.Order...),
		Descending:     d.Dir == Descending,
		Limit:          d.LimitRows,
		IncludeOffsets: d.IsOrderedLimited(),
		Single:         d.IsFind(),
	}

	candidates := d.candidates()
	orderFields := d.Order
	if len(orderFields) == 0 {
		// A bound without an order term still has to land on an indexed
		// field, or buildScan would silently drop it.
		if f := d.boundField(); f != "" {
			orderFields = []string{f}
		}
	}
	var indexes []*index.Index
	for _, cand := range candidates {
		fuzzy, ordered := splitFields(cand, orderFields)
		idx, err := p.matcher.Match(d.Collection, fuzzy, ordered)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving index for %s: %w", d.Collection, err)
		}
		scan, err := buildScan(idx, cand, d.Above, d.Below)
		if err != nil {
			return nil, nil, err
		}
		plan.Scans = append(plan.Scans, scan)
		indexes = append(indexes, idx)
	}
	return plan, indexes, nil
}

// candidates returns one equality spec per sub-scan: every findAll entry, or
// one synthetic entry for find / full scan. Identical findAll entries
// collapse; distinct ones keep union-all semantics.
func (d Description) candidates() []map[string]interface{} {
	if d.FindRow != nil {
		return []map[string]interface{}{d.FindRow}
	}
	if len(d.FindRows) == 0 {
		return []map[string]interface{}{{}}
	}
	out := make([]map[string]interface{}, 0, len(d.FindRows))
	for _, row := range d.FindRows {
		dup := false
		for _, seen := range out {
			if reflect.DeepEqual(seen, row) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, row)
		}
	}
	return out
}

// boundField returns the resolved field the range bounds apply to, if any.
// Validation guarantees above and below agree on the field.
func (d Description) boundField() string {
	if d.Above != nil {
		return d.Above.Field
	}
	if d.Below != nil {
		return d.Below.Field
	}
	return ""
}

// splitFields computes the index requirements of one candidate: the fuzzy
// set is every field the candidate pins that is not already an order field.
func splitFields(cand map[string]interface{}, order []string) (fuzzy, ordered []string) {
	inOrder := make(map[string]bool, len(order))
	for _, f := range order {
		inOrder[f] = true
	}
	for f := range cand {
		if !inOrder[f] {
			fuzzy = append(fuzzy, f)
		}
	}
	sortStrings(fuzzy)
	return fuzzy, order
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// buildScan computes the per-field bound components for one candidate over
// its resolved index. For each field in index order: the candidate's own
// value is an equality pin, the above/below value applies on its bound
// field, and everything else gets an unbounded sentinel oriented by the
// open/closed semantics of the nearest bound.
func buildScan(idx *index.Index, cand map[string]interface{}, above, below *BoundSpec) (IndexScan, error) {
	scan := IndexScan{
		Index:  idx.Name,
		Fields: idx.Fields,
		Left:   make([]Bound, len(idx.Fields)),
		Right:  make([]Bound, len(idx.Fields)),
	}

	seenAbove := false
	seenBelow := false
	for i, field := range idx.Fields {
		if v, ok := cand[field]; ok {
			scan.Left[i] = Bound{Kind: BoundValue, Value: v}
			scan.Right[i] = Bound{Kind: BoundValue, Value: v}
			continue
		}

		if above != nil && above.Field == field {
			scan.Left[i] = Bound{Kind: BoundValue, Value: above.Value}
			seenAbove = true
		} else if above != nil && above.Open && seenAbove {
			// An open lower bound excludes rows equal to the bound value;
			// the trailing sentinel flips to maxval so the comparison
			// remains a valid range.
			scan.Left[i] = Bound{Kind: BoundMax}
		} else {
			scan.Left[i] = Bound{Kind: BoundMin}
		}

		if below != nil && below.Field == field {
			scan.Right[i] = Bound{Kind: BoundValue, Value: below.Value}
			seenBelow = true
		} else if below != nil && below.Open && seenBelow {
			scan.Right[i] = Bound{Kind: BoundMin}
		} else {
			scan.Right[i] = Bound{Kind: BoundMax}
		}
	}

	// With no trailing fields the sentinels cannot absorb openness; the
	// scan itself must exclude the boundary tuple.
	if above != nil && above.Open && boundIsLast(idx.Fields, above.Field) {
		scan.LeftOpen = true
	}
	if below != nil && below.Open && boundIsLast(idx.Fields, below.Field) {
		scan.RightOpen = true
	}
	return scan, nil
}

func boundIsLast(fields []string, field string) bool {
	return len(fields) > 0 && fields[len(fields)-1] == field
}

// Matches reports whether a document falls inside this scan's bounds. The
// comparison is lexicographic over the whole index tuple, matching what a
// range scan over the encoded index keys would admit: a missing field
// compares as null, exactly as the key encoding writes it.
func (s IndexScan) Matches(doc document.Document) bool {
	tuple := make([]interface{}, len(s.Fields))
	for i, field := range s.Fields {
		tuple[i] = doc[field]
	}

	cl := compareToBounds(tuple, s.Left)
	if cl < 0 || (cl == 0 && s.LeftOpen) {
		return false
	}
	cr := compareToBounds(tuple, s.Right)
	if cr > 0 || (cr == 0 && s.RightOpen) {
		return false
	}
	return true
}

// compareToBounds orders a value tuple against a bound tuple, treating the
// minval/maxval sentinels as below/above every real value.
func compareToBounds(tuple []interface{}, bounds []Bound) int {
	for i, b := range bounds {
		switch b.Kind {
		case BoundMin:
			return 1
		case BoundMax:
			return -1
		default:
			if c := document.Compare(tuple[i], b.Value); c != 0 {
				return c
			}
		}
	}
	return 0
}

// Matches reports whether any sub-scan admits the document (union-all).
func (p *ScanPlan) Matches(doc document.Document) bool {
	for _, s := range p.Scans {
		if s.Matches(doc) {
			return true
		}
	}
	return false
}

// SortKey extracts the order-field tuple of a document, with the canonical
// id key appended as a stable tiebreak.
func (p *ScanPlan) SortKey(doc document.Document) []interface{} {
	key := make([]interface{}, 0, len(p.Order)+1)
	for _, f := range p.Order {
		key = append(key, doc[f])
	}
	key = append(key, document.KeyOf(doc.ID()))
	return key
}

// Less orders two documents per the plan's order fields and direction.
func (p *ScanPlan) Less(a, b document.Document) bool {
	c := document.CompareTuples(p.SortKey(a), p.SortKey(b))
	if p.Descending {
		return c > 0
	}
	return c < 0
}
