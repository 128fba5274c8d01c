package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/index"
	"github.com/skshohagmiah/flowsync/internal/query"
	"github.com/skshohagmiah/flowsync/internal/storage"
)

// Backend executes scan plans against the store, as one-shot fetches or as
// live feeds. It owns index readiness waiting and backfill scheduling.
type Backend struct {
	store    *storage.Store
	registry *index.Registry
	log      *logrus.Logger
}

// New creates a backend over a store and an index registry.
func New(store *storage.Store, registry *index.Registry, log *logrus.Logger) *Backend {
	return &Backend{store: store, registry: registry, log: log}
}

// WaitReady blocks until every given index leaves the pending state. An
// index that failed to build surfaces its build error.
func (b *Backend) WaitReady(ctx context.Context, indexes []*index.Index) error {
	for _, idx := range indexes {
		select {
		case <-idx.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
		if idx.State() == index.StateError {
			return fmt.Errorf("index %s failed to build: %w", idx.Name, idx.Err())
		}
	}
	return nil
}

// Fetch executes a plan once, returning the bounded, ordered, unioned
// result set. Sub-scans are union-all: duplicates across distinct findAll
// candidates are not removed.
func (b *Backend) Fetch(ctx context.Context, plan *query.ScanPlan) ([]document.Document, error) {
	limit := plan.Limit
	if plan.Single {
		limit = 1
	}
	return b.collect(ctx, plan, limit)
}

// collect runs the plan's sub-scans with an explicit limit override. A
// negative limit collects the full matching set, which the watch engine
// needs to compute window offsets.
func (b *Backend) collect(ctx context.Context, plan *query.ScanPlan, limit int) ([]document.Document, error) {
	var docs []document.Document
	for _, scan := range plan.Scans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ids []string
		err := b.store.ScanIndex(plan.Collection, scan, plan.Descending, limit, func(id string) bool {
			ids = append(ids, id)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("scan of %s failed: %w", scan.Index, err)
		}
		loaded, err := b.store.GetBatch(plan.Collection, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if doc, ok := loaded[id]; ok {
				docs = append(docs, doc)
			}
		}
	}

	// Each sub-scan is pre-ordered identically; a multi-scan union still
	// needs a global merge when an order was requested.
	if len(plan.Scans) > 1 && len(plan.Order) > 0 {
		sort.SliceStable(docs, func(i, j int) bool { return plan.Less(docs[i], docs[j]) })
	}
	if limit >= 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// FetchOne executes a single-document plan, returning nil (not an error)
// when nothing matches.
func (b *Backend) FetchOne(ctx context.Context, plan *query.ScanPlan) (document.Document, error) {
	docs, err := b.Fetch(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// EnsureReady resolves and awaits the plan's indexes in one step.
func (b *Backend) EnsureReady(ctx context.Context, indexes []*index.Index) error {
	return b.WaitReady(ctx, indexes)
}

// Builder returns the registry builder closure backfilling created indexes
// and persisting the index metadata afterwards.
func Builder(store *storage.Store, registry *index.Registry, log *logrus.Logger) index.Builder {
	return func(collection string, idx *index.Index) {
		log.WithFields(logrus.Fields{
			"collection": collection,
			"index":      idx.Name,
		}).Info("building index")

		if err := store.BuildIndex(collection, idx); err != nil {
			log.WithError(err).WithField("index", idx.Name).Error("index build failed")
			idx.SetError(err)
			return
		}
		idx.SetReady()

		if err := store.SaveIndexMeta(registry.Snapshot()); err != nil {
			log.WithError(err).Warn("failed to persist index metadata")
		}
	}
}

// RestoreIndexes populates a registry from persisted metadata. Restored
// indexes are latched ready immediately: readiness is a one-way latch and
// their entries already exist on disk.
func RestoreIndexes(store *storage.Store, registry *index.Registry) error {
	meta, err := store.LoadIndexMeta()
	if err != nil {
		return fmt.Errorf("failed to load index metadata: %w", err)
	}
	for collection, fieldLists := range meta {
		for _, fields := range fieldLists {
			idx := index.NewIndex(fields)
			idx.SetReady()
			registry.Add(collection, idx)
		}
	}
	return nil
}
