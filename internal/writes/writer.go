package writes

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/index"
	"github.com/skshohagmiah/flowsync/internal/storage"
)

// Kind selects the write semantics for a batch.
type Kind int

const (
	// KindStore replaces the whole document, creating it if absent.
	KindStore Kind = iota
	// KindInsert creates the document; an existing id is a duplicate key.
	KindInsert
	// KindUpsert merges into the existing document, creating it if absent.
	KindUpsert
	// KindUpdate merges into the existing document; absence is an error.
	KindUpdate
	// KindReplace replaces the existing document; absence is an error.
	KindReplace
	// KindRemove deletes the existing document; absence is an error.
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindInsert:
		return "insert"
	case KindUpsert:
		return "upsert"
	case KindUpdate:
		return "update"
	case KindReplace:
		return "replace"
	case KindRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// requiresOld reports whether the kind refuses to act on a missing document.
func (k Kind) requiresOld() bool {
	return k == KindUpdate || k == KindReplace || k == KindRemove
}

// merges reports whether the kind merges into the old document instead of
// replacing it wholesale.
func (k Kind) merges() bool {
	return k == KindUpsert || k == KindUpdate
}

// Validator gates one write given the stored and proposed documents.
// proposed is nil for removes; old is nil when the document does not exist
// yet. Returning false denies the write.
type Validator func(kind Kind, old, proposed document.Document) bool

// ValidatorFactory supplies the current validator, or nil when no
// permission gate applies.
type ValidatorFactory func() Validator

// Outcome is the per-row result of a batch. Exactly one of Doc and Err is
// set; Doc carries the id and new version on success.
type Outcome struct {
	Doc document.Document
	Err error
}

// Engine applies write batches with optimistic-concurrency retry. Rows in
// a batch succeed or fail independently; one bad row never aborts its
// siblings.
type Engine struct {
	store    *storage.Store
	registry *index.Registry
	log      *logrus.Logger
}

// NewEngine creates a write engine over a store and index registry.
func NewEngine(store *storage.Store, registry *index.Registry, log *logrus.Logger) *Engine {
	return &Engine{store: store, registry: registry, log: log}
}

// row is the engine-internal state of one batch slot.
type row struct {
	slot   int
	id     string
	doc    document.Document
	pinned bool
	pin    int64
}

// Execute applies one batch. rows holds the decoded request payload; a
// non-object element fails its own slot only. The returned slice always
// has one outcome per input row, in input order. A zero deadline means no
// timeout; the deadline is only consulted between rounds, never before the
// first, so a batch always gets at least one attempt.
func (e *Engine) Execute(ctx context.Context, collection string, kind Kind, input []interface{}, factory ValidatorFactory, deadline time.Time) []Outcome {
	outcomes := make([]Outcome, len(input))
	pending := e.prepare(kind, input, outcomes)

	defs := e.registry.Collection(collection)
	round := 0
	for len(pending) > 0 {
		if round > 0 && e.expired(ctx, deadline) {
			for _, r := range pending {
				outcomes[r.slot] = Outcome{Err: document.ErrTimeout}
			}
			return outcomes
		}
		round++

		pending = e.runRound(collection, kind, pending, factory, defs, outcomes)
	}
	return outcomes
}

// ExecuteOne is the single-document convenience form: a failed row
// surfaces as a returned error instead of an embedded one.
func (e *Engine) ExecuteOne(ctx context.Context, collection string, kind Kind, doc interface{}, factory ValidatorFactory, deadline time.Time) (document.Document, error) {
	outcomes := e.Execute(ctx, collection, kind, []interface{}{doc}, factory, deadline)
	out := outcomes[0]
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Doc, nil
}

// prepare validates row shapes and resolves ids and version pins. Rows
// failing local validation are resolved immediately and never reach the
// store.
func (e *Engine) prepare(kind Kind, input []interface{}, outcomes []Outcome) []*row {
	var pending []*row
	for i, raw := range input {
		doc, err := coerceRow(kind, raw)
		if err != nil {
			outcomes[i] = Outcome{Err: err}
			continue
		}

		id, hasID := doc.Key()
		if !hasID {
			if kind.requiresOld() {
				// No id means nothing to look up.
				outcomes[i] = Outcome{Err: document.ErrInvalidDocument}
				continue
			}
			id = document.GenerateID()
			doc = doc.Clone()
			doc["id"] = id
		}

		pending = append(pending, &row{
			slot:   i,
			id:     id,
			doc:    doc,
			pinned: doc.HasVersion(),
			pin:    doc.Version(),
		})
	}
	return pending
}

// runRound performs one fetch-validate-write round and returns the rows
// eligible for retry.
func (e *Engine) runRound(collection string, kind Kind, pending []*row, factory ValidatorFactory, defs []*index.Index, outcomes []Outcome) []*row {
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.id
	}
	olds, err := e.store.GetBatch(collection, ids)
	if err != nil {
		for _, r := range pending {
			outcomes[r.slot] = Outcome{Err: err}
		}
		return nil
	}

	var validator Validator
	if factory != nil {
		validator = factory()
	}

	var writes []storage.Write
	var writers []*row
	for _, r := range pending {
		old := olds[r.id]

		if kind.requiresOld() && old == nil {
			outcomes[r.slot] = Outcome{Err: document.ErrMissing}
			continue
		}

		expected := document.NoVersion
		switch {
		case kind == KindInsert:
			// Insert never adopts an existing version; an existing
			// document must fail as a duplicate.
		case r.pinned:
			expected = r.pin
		case old != nil:
			// Unpinned write over an existing document adopts the
			// found version so a concurrent writer still conflicts.
			expected = old.Version()
		}

		var proposed document.Document
		if kind != KindRemove {
			if kind.merges() && old != nil {
				proposed = old.Merge(r.doc)
			} else {
				proposed = r.doc
			}
		}

		if validator != nil && !validator(kind, old, proposed) {
			outcomes[r.slot] = Outcome{Err: document.ErrNotPermitted}
			continue
		}

		writes = append(writes, storage.Write{
			Key:      r.id,
			Doc:      proposed,
			Delete:   kind == KindRemove,
			Expected: expected,
			Insert:   kind == KindInsert,
		})
		writers = append(writers, r)
	}

	if len(writes) == 0 {
		return nil
	}

	results, err := e.store.ApplyWrites(collection, writes, defs)
	if err != nil {
		for _, r := range writers {
			outcomes[r.slot] = Outcome{Err: err}
		}
		return nil
	}

	var retry []*row
	for i, res := range results {
		r := writers[i]
		switch {
		case res.Err == nil:
			outcomes[r.slot] = Outcome{Doc: acknowledgment(r.id, res.NewDoc)}
		case errors.Is(res.Err, document.ErrVersionConflict) && !r.pinned:
			// Lost a race against an unrelated writer; the next round
			// re-reads and adopts the fresh version.
			retry = append(retry, r)
		default:
			outcomes[r.slot] = Outcome{Err: res.Err}
		}
	}
	return retry
}

func (e *Engine) expired(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && time.Now().After(deadline)
}

// acknowledgment builds the {id, version} response row.
func acknowledgment(id string, newDoc document.Document) document.Document {
	ack := document.Document{"id": id}
	if newDoc != nil {
		ack[document.VersionField] = newDoc.Version()
	}
	return ack
}

// coerceRow normalizes one raw batch element. Removes accept a bare id in
// place of an object.
func coerceRow(kind Kind, raw interface{}) (document.Document, error) {
	switch v := raw.(type) {
	case document.Document:
		return v, nil
	case map[string]interface{}:
		return document.Document(v), nil
	default:
		if kind == KindRemove {
			switch raw.(type) {
			case string, float64, float32, int, int64, int32, bool:
				return document.Document{"id": raw}, nil
			}
		}
		return nil, document.ErrNotObject
	}
}
