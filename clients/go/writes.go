package flowsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/protocol"
)

// WriteAck is the per-row outcome of a write batch, positionally matching
// the input. Version is the document's new optimistic-concurrency counter.
type WriteAck struct {
	ID      string
	Version int64
	Err     error
}

// Store writes whole documents, creating them when absent.
func (col *Collection) Store(ctx context.Context, rows ...interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeStore, rows)
}

// Insert creates documents; an existing id fails that row.
func (col *Collection) Insert(ctx context.Context, rows ...interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeInsert, rows)
}

// Upsert merges into existing documents, creating them when absent.
func (col *Collection) Upsert(ctx context.Context, rows ...interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeUpsert, rows)
}

// Update merges into existing documents; a missing document fails its row.
func (col *Collection) Update(ctx context.Context, rows ...interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeUpdate, rows)
}

// Replace overwrites existing documents; a missing document fails its row.
func (col *Collection) Replace(ctx context.Context, rows ...interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeReplace, rows)
}

// Remove deletes documents by id or by {id: ...} object.
func (col *Collection) Remove(ctx context.Context, rows ...interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeRemove, rows)
}

// RemoveAll deletes many documents by id in one batch.
func (col *Collection) RemoveAll(ctx context.Context, ids []interface{}) ([]WriteAck, error) {
	return col.write(ctx, protocol.TypeRemoveAll, ids)
}

// StoreOne is the single-document form of Store: a failed row surfaces as
// the returned error.
func (col *Collection) StoreOne(ctx context.Context, row interface{}) (WriteAck, error) {
	return col.writeOne(ctx, protocol.TypeStore, row)
}

// InsertOne is the single-document form of Insert.
func (col *Collection) InsertOne(ctx context.Context, row interface{}) (WriteAck, error) {
	return col.writeOne(ctx, protocol.TypeInsert, row)
}

// UpsertOne is the single-document form of Upsert.
func (col *Collection) UpsertOne(ctx context.Context, row interface{}) (WriteAck, error) {
	return col.writeOne(ctx, protocol.TypeUpsert, row)
}

// UpdateOne is the single-document form of Update.
func (col *Collection) UpdateOne(ctx context.Context, row interface{}) (WriteAck, error) {
	return col.writeOne(ctx, protocol.TypeUpdate, row)
}

// ReplaceOne is the single-document form of Replace.
func (col *Collection) ReplaceOne(ctx context.Context, row interface{}) (WriteAck, error) {
	return col.writeOne(ctx, protocol.TypeReplace, row)
}

// RemoveOne is the single-document form of Remove.
func (col *Collection) RemoveOne(ctx context.Context, row interface{}) (WriteAck, error) {
	return col.writeOne(ctx, protocol.TypeRemove, row)
}

func (col *Collection) writeOne(ctx context.Context, typ string, row interface{}) (WriteAck, error) {
	acks, err := col.write(ctx, typ, []interface{}{row})
	if err != nil {
		return WriteAck{}, err
	}
	if len(acks) != 1 {
		return WriteAck{}, fmt.Errorf("expected one write outcome, got %d", len(acks))
	}
	if acks[0].Err != nil {
		return WriteAck{}, acks[0].Err
	}
	return acks[0], nil
}

func (col *Collection) write(ctx context.Context, typ string, rows []interface{}) ([]WriteAck, error) {
	opts := protocol.WriteOptions{Collection: col.name}
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal write row: %w", err)
		}
		opts.Data = append(opts.Data, raw)
	}
	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		opts.TimeoutMS = &ms
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	resp, err := col.c.roundTrip(ctx, typ, raw, false)
	if err != nil {
		return nil, err
	}

	acks := make([]WriteAck, 0, len(resp.Data))
	for _, rawRow := range resp.Data {
		acks = append(acks, decodeAck(rawRow))
	}
	return acks, nil
}

func decodeAck(raw json.RawMessage) WriteAck {
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return WriteAck{Err: fmt.Errorf("malformed write response row: %w", err)}
	}
	if msg, ok := row["error"].(string); ok {
		code, _ := row["error_code"].(float64)
		return WriteAck{Err: &ServerError{Msg: msg, Code: int(code)}}
	}

	ack := WriteAck{}
	if id, ok := row["id"]; ok && id != nil {
		ack.ID = document.KeyOf(id)
	}
	ack.Version = document.Document(row).Version()
	return ack
}
