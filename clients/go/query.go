package flowsync

import (
	"context"
	"encoding/json"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/projector"
	"github.com/skshohagmiah/flowsync/internal/protocol"
	"github.com/skshohagmiah/flowsync/internal/query"
)

// Document is a schemaless JSON document keyed by "id".
type Document = document.Document

// Collection scopes queries and writes to one named collection.
type Collection struct {
	c    *Client
	name string
}

// Collection returns a handle on a named collection.
func (c *Client) Collection(name string) *Collection {
	return &Collection{c: c, name: name}
}

// Query is an immutable query under construction. Term methods return a
// new value; an illegal chain surfaces as a validation error at Fetch or
// Watch time, before anything is sent.
type Query struct {
	c    *Client
	desc query.Description
}

// Query starts an unrestricted query over the collection.
func (col *Collection) Query() Query {
	return Query{c: col.c, desc: query.NewDescription(col.name)}
}

// Find restricts to a single document by equality; a bare scalar is
// shorthand for {id: value}.
func (col *Collection) Find(spec interface{}) Query {
	q := col.Query()
	q.desc = q.desc.Find(spec)
	return q
}

// FindAll restricts to the union of documents matching any given spec.
func (col *Collection) FindAll(specs ...interface{}) Query {
	q := col.Query()
	q.desc = q.desc.FindAll(specs...)
	return q
}

// Order sorts the result by the given fields.
func (col *Collection) Order(dir query.Direction, fields ...string) Query {
	return col.Query().Order(dir, fields...)
}

// Order sorts the result by the given fields.
func (q Query) Order(dir query.Direction, fields ...string) Query {
	q.desc = q.desc.OrderBy(dir, fields...)
	return q
}

// Above sets the inclusive or exclusive lower bound.
func (q Query) Above(spec interface{}, open bool) Query {
	q.desc = q.desc.AboveBound(spec, open)
	return q
}

// Below sets the inclusive or exclusive upper bound.
func (q Query) Below(spec interface{}, open bool) Query {
	q.desc = q.desc.BelowBound(spec, open)
	return q
}

// Limit caps the result size. Nothing may be chained after it.
func (q Query) Limit(n int) Query {
	q.desc = q.desc.Limit(n)
	return q
}

// Fetch executes the query once.
func (q Query) Fetch(ctx context.Context) ([]Document, error) {
	raw, err := q.options(false)
	if err != nil {
		return nil, err
	}
	resp, err := q.c.roundTrip(ctx, protocol.TypeQuery, raw, false)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeDocuments(resp)
}

// FetchOne executes the query once and returns the first result, or nil
// when nothing matched.
func (q Query) FetchOne(ctx context.Context) (Document, error) {
	docs, err := q.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Watch subscribes to the query as a live feed.
func (q Query) Watch(ctx context.Context) (*Subscription, error) {
	raw, err := q.options(q.c.opts.UsePatches)
	if err != nil {
		return nil, err
	}

	mode := projector.ModeFor(q.desc.IsFind(), q.desc.IsOrderedLimited())
	sub := newSubscription(q.c, q.c.nextID.Add(1), mode, q.desc.LimitRows)
	if err := q.c.subscribe(sub, raw); err != nil {
		return nil, err
	}
	go sub.loop()
	return sub, nil
}

// options validates the description and serializes it to wire options.
func (q Query) options(usePatches bool) (json.RawMessage, error) {
	if err := q.desc.Validate(); err != nil {
		return nil, err
	}
	raw, err := protocol.EncodeQueryOptions(q.desc)
	if err != nil {
		return nil, err
	}
	if !usePatches {
		return raw, nil
	}

	var opts map[string]interface{}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, err
	}
	opts["protocol"] = "patch"
	return json.Marshal(opts)
}
