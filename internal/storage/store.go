package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/index"
	"github.com/skshohagmiah/flowsync/internal/query"
)

// Store provides BadgerDB-backed document storage with compound index
// entries and a changefeed hub. Documents are encoded with msgpack at rest.
type Store struct {
	db  *badger.DB
	hub *Hub

	// Writes are serialized so that the read-check-write sequence inside
	// ApplyWrites is atomic against concurrent batches and feed events are
	// published in commit order.
	writeMu sync.Mutex
}

// New opens (or creates) a store at the given path.
func New(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.DetectConflicts = false
	opts.CompactL0OnClose = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &Store{db: db, hub: NewHub()}, nil
}

// Close closes the underlying BadgerDB instance.
func (s *Store) Close() error {
	return s.db.Close()
}

// Hub returns the store's changefeed hub.
func (s *Store) Hub() *Hub {
	return s.hub
}

// Get retrieves one document by its canonical id key. A missing document is
// (nil, nil), not an error.
func (s *Store) Get(collection, id string) (document.Document, error) {
	var doc document.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &doc)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetBatch retrieves many documents in one read transaction. Missing ids
// are simply absent from the result map.
func (s *Store) GetBatch(collection string, ids []string) (map[string]document.Document, error) {
	out := make(map[string]document.Document, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(docKey(collection, id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var doc document.Document
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			out[id] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write is one conditional document write. Expected is the version the
// stored document must currently have (document.NoVersion for "must not
// exist yet"). Insert additionally rejects any existing document as a
// duplicate primary key rather than a version conflict.
type Write struct {
	Key      string
	Doc      document.Document // ignored for deletes
	Delete   bool
	Expected int64
	Insert   bool
}

// WriteResult is the per-row outcome of ApplyWrites.
type WriteResult struct {
	OldDoc document.Document
	NewDoc document.Document
	Err    error
}

// ApplyWrites applies a batch of conditional writes in one transaction.
// Rows succeed or fail independently; a failed row never aborts its
// siblings. Index entries for every given index definition are maintained,
// and change events are published to the hub after commit.
func (s *Store) ApplyWrites(collection string, writes []Write, defs []*index.Index) ([]WriteResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	results := make([]WriteResult, len(writes))
	var events []Event

	err := s.db.Update(func(txn *badger.Txn) error {
		events = events[:0]
		for i, w := range writes {
			old, err := getInTxn(txn, collection, w.Key)
			if err != nil {
				results[i] = WriteResult{Err: err}
				continue
			}
			results[i] = s.applyOne(txn, collection, w, old, defs, &events)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write batch failed: %w", err)
	}

	if len(events) > 0 {
		s.hub.Publish(collection, events)
	}
	return results, nil
}

func (s *Store) applyOne(txn *badger.Txn, collection string, w Write, old document.Document, defs []*index.Index, events *[]Event) WriteResult {
	oldVersion := old.Version()

	if w.Insert && old != nil {
		return WriteResult{OldDoc: old, Err: document.ErrDuplicateKey}
	}
	if oldVersion != w.Expected {
		return WriteResult{OldDoc: old, Err: document.ErrVersionConflict}
	}

	if w.Delete {
		if err := txn.Delete(docKey(collection, w.Key)); err != nil {
			return WriteResult{OldDoc: old, Err: err}
		}
		if err := removeIndexEntries(txn, collection, w.Key, old, defs); err != nil {
			return WriteResult{OldDoc: old, Err: err}
		}
		*events = append(*events, Event{Type: EventRemove, Old: old})
		return WriteResult{OldDoc: old}
	}

	doc := w.Doc.Clone()
	doc.SetVersion(oldVersion + 1)

	data, err := msgpack.Marshal(doc)
	if err != nil {
		return WriteResult{OldDoc: old, Err: fmt.Errorf("failed to marshal document: %w", err)}
	}
	if err := txn.Set(docKey(collection, w.Key), data); err != nil {
		return WriteResult{OldDoc: old, Err: err}
	}
	if err := removeIndexEntries(txn, collection, w.Key, old, defs); err != nil {
		return WriteResult{OldDoc: old, Err: err}
	}
	if err := addIndexEntries(txn, collection, w.Key, doc, defs); err != nil {
		return WriteResult{OldDoc: old, Err: err}
	}

	if old == nil {
		*events = append(*events, Event{Type: EventAdd, New: doc})
	} else {
		*events = append(*events, Event{Type: EventChange, Old: old, New: doc})
	}
	return WriteResult{OldDoc: old, NewDoc: doc}
}

func getInTxn(txn *badger.Txn, collection, id string) (document.Document, error) {
	item, err := txn.Get(docKey(collection, id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document.Document
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &doc)
	}); err != nil {
		return nil, err
	}
	return doc, nil
}

func addIndexEntries(txn *badger.Txn, collection, id string, doc document.Document, defs []*index.Index) error {
	for _, def := range defs {
		key := indexEntryKey(collection, def.Name, def.Fields, doc, id)
		if err := txn.Set(key, []byte(id)); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(txn *badger.Txn, collection, id string, doc document.Document, defs []*index.Index) error {
	if doc == nil {
		return nil
	}
	for _, def := range defs {
		key := indexEntryKey(collection, def.Name, def.Fields, doc, id)
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// ScanIndex walks one bounded index range in tuple order, calling fn with
// each document id. fn returns false to stop early. limit < 0 scans the
// whole range.
func (s *Store) ScanIndex(collection string, scan query.IndexScan, reverse bool, limit int, fn func(id string) bool) error {
	prefix := indexPrefix(collection, scan.Index)

	lower := append(append([]byte(nil), prefix...), encodeBounds(nil, scan.Left)...)
	if scan.LeftOpen {
		lower = append(lower, tagMax)
	}
	upper := append(append([]byte(nil), prefix...), encodeBounds(nil, scan.Right)...)
	if !scan.RightOpen {
		upper = append(upper, tagMax)
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := lower
		if reverse {
			seek = upper
		}

		count := 0
		for it.Seek(seek); it.Valid(); it.Next() {
			key := it.Item().Key()
			if reverse {
				if bytes.Compare(key, upper) >= 0 {
					continue
				}
				if bytes.Compare(key, lower) < 0 {
					break
				}
			} else {
				if bytes.Compare(key, upper) >= 0 {
					break
				}
			}

			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			if !fn(id) {
				return nil
			}
			count++
			if limit >= 0 && count >= limit {
				return nil
			}
		}
		return nil
	})
}

// ScanCollection walks every document in a collection. Used for index
// backfills and full scans over the identity index.
func (s *Store) ScanCollection(collection string, fn func(id string, doc document.Document) bool) error {
	prefix := docPrefix(collection)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			id := docKeyID(collection, item.Key())
			var doc document.Document
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			if !fn(id, doc) {
				return nil
			}
		}
		return nil
	})
}

// BuildIndex backfills index entries for every existing document. The
// backfill holds the write lock across the scan and the flush, so a write
// cannot slip between them and strand an entry for a superseded tuple;
// writes after it are serialized behind it and maintain the new index
// themselves (the registry hands the pending index to ApplyWrites).
func (s *Store) BuildIndex(collection string, idx *index.Index) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	type entry struct {
		key []byte
		id  string
	}
	var pending []entry

	err := s.ScanCollection(collection, func(id string, doc document.Document) bool {
		pending = append(pending, entry{
			key: indexEntryKey(collection, idx.Name, idx.Fields, doc, id),
			id:  id,
		})
		return true
	})
	if err != nil {
		return fmt.Errorf("index backfill scan failed: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range pending {
		if err := wb.Set(e.key, []byte(e.id)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// SaveIndexMeta persists the registry's collection -> field lists mapping.
func (s *Store) SaveIndexMeta(meta map[string][][]string) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal index metadata: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey("indexes"), data)
	})
}

// LoadIndexMeta reads persisted index metadata. A fresh store returns an
// empty map.
func (s *Store) LoadIndexMeta() (map[string][][]string, error) {
	meta := make(map[string][][]string)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey("indexes"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err == badger.ErrKeyNotFound {
		return meta, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}
