package index

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Common errors
var (
	ErrNotFound    = errors.New("index not found")
	ErrNotReady    = errors.New("index not ready")
	ErrUnsupported = errors.New("geo and multi indexes are not supported")
)

// State tracks index readiness. Ready is a one-way latch: once an index
// identity reports ready it never goes back to pending.
type State int

const (
	StatePending State = iota
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Index describes a named compound index over a collection.
type Index struct {
	Name   string
	Fields []string
	Geo    bool
	Multi  bool

	mu    sync.Mutex
	state State
	err   error
	ready chan struct{}
}

// NewIndex creates an index record in the pending state.
func NewIndex(fields []string) *Index {
	return &Index{
		Name:   NameOf(fields),
		Fields: append([]string(nil), fields...),
		ready:  make(chan struct{}),
	}
}

// NameOf derives the canonical index name from its field list.
func NameOf(fields []string) string {
	return "flowsync_[" + strings.Join(fields, ",") + "]"
}

// State returns the current readiness state.
func (idx *Index) State() State {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.state
}

// Err returns the build error for an index in the error state.
func (idx *Index) Err() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.err
}

// SetReady latches the index into the ready state. Safe to call more than
// once; the first call wins.
func (idx *Index) SetReady() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.state != StatePending {
		return
	}
	idx.state = StateReady
	close(idx.ready)
}

// SetError moves a pending index into the error state.
func (idx *Index) SetError(err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.state != StatePending {
		return
	}
	idx.state = StateError
	idx.err = err
	close(idx.ready)
}

// Ready returns a channel closed once the index leaves the pending state.
func (idx *Index) Ready() <-chan struct{} {
	return idx.ready
}

// PrimaryFields is the field list of the identity index every collection has.
var PrimaryFields = []string{"id"}

// Primary returns a ready identity index record.
func Primary() *Index {
	idx := NewIndex(PrimaryFields)
	idx.SetReady()
	return idx
}

// Registry holds the known indexes per collection. Readers tolerate
// eventually-consistent readiness: an index may still report pending even
// though its build raced to completion moments earlier.
type Registry struct {
	mu      sync.RWMutex
	byColl  map[string]map[string]*Index
	builder Builder
}

// Builder backfills a freshly created index. It is invoked on its own
// goroutine and must call SetReady or SetError on the index when done.
type Builder func(collection string, idx *Index)

// NewRegistry creates an empty registry. builder may be nil, in which case
// created indexes stay pending until something else resolves them.
func NewRegistry(builder Builder) *Registry {
	return &Registry{
		byColl:  make(map[string]map[string]*Index),
		builder: builder,
	}
}

// SetBuilder installs the backfill hook. Needed because the builder
// usually closes over the registry itself.
func (r *Registry) SetBuilder(builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builder = builder
}

// Collection returns the indexes known for a collection, always including
// the primary identity index.
func (r *Registry) Collection(collection string) []*Index {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*Index{r.primaryLocked(collection)}
	for _, idx := range r.byColl[collection] {
		if idx.Name == NameOf(PrimaryFields) {
			continue
		}
		out = append(out, idx)
	}
	// Map iteration order is random; keep lookups deterministic.
	sort.Slice(out[1:], func(i, j int) bool { return out[i+1].Name < out[j+1].Name })
	return out
}

func (r *Registry) primaryLocked(collection string) *Index {
	if coll, ok := r.byColl[collection]; ok {
		if idx, ok := coll[NameOf(PrimaryFields)]; ok {
			return idx
		}
	}
	return Primary()
}

// Get looks up one index by name.
func (r *Registry) Get(collection, name string) (*Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byColl[collection][name]
	return idx, ok
}

// Add registers an index record, returning the existing record if one with
// the same identity is already present.
func (r *Registry) Add(collection string, idx *Index) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll, ok := r.byColl[collection]
	if !ok {
		coll = make(map[string]*Index)
		r.byColl[collection] = coll
		coll[NameOf(PrimaryFields)] = Primary()
	}
	if existing, ok := coll[idx.Name]; ok {
		return existing
	}
	coll[idx.Name] = idx
	return idx
}

// Create registers a pending index and kicks off its backfill.
func (r *Registry) Create(collection string, fields []string) *Index {
	idx := NewIndex(fields)
	got := r.Add(collection, idx)
	if got != idx {
		return got
	}
	if r.builder != nil {
		go r.builder(collection, idx)
	}
	return idx
}

// Snapshot returns collection -> field lists for persisting index metadata.
func (r *Registry) Snapshot() map[string][][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][][]string)
	for coll, indexes := range r.byColl {
		for _, idx := range indexes {
			if idx.Name == NameOf(PrimaryFields) {
				continue
			}
			out[coll] = append(out[coll], idx.Fields)
		}
	}
	return out
}

func (idx *Index) String() string {
	return fmt.Sprintf("Index{%s %s}", idx.Name, idx.State())
}
