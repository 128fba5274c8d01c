package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/skshohagmiah/flowsync/internal/document"
)

// Request types understood by the server.
const (
	TypeHandshake       = "handshake"
	TypeQuery           = "query"
	TypeSubscribe       = "subscribe"
	TypeEndSubscription = "end_subscription"
	TypeStore           = "store"
	TypeInsert          = "insert"
	TypeUpsert          = "upsert"
	TypeUpdate          = "update"
	TypeReplace         = "replace"
	TypeRemove          = "remove"
	TypeRemoveAll       = "removeAll"
)

// Response stream states.
const (
	StateSynced   = "synced"
	StateComplete = "complete"
)

// Error codes for the taxonomy of failures a request can surface.
const (
	CodeValidation = 1
	CodeConflict   = 2
	CodePermission = 3
	CodeNotFound   = 4
	CodeTimeout    = 5
	CodeTransport  = 6
	CodeProtocol   = 7
	CodeInternal   = 8
)

// Request is the outbound client envelope. Every application request on a
// connection carries a strictly increasing request id.
type Request struct {
	RequestID uint64          `json:"request_id"`
	Type      string          `json:"type"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// Response is the inbound envelope, demultiplexed solely by request id.
type Response struct {
	RequestID uint64            `json:"request_id"`
	Data      []json.RawMessage `json:"data,omitempty"`
	Error     *string           `json:"error,omitempty"`
	ErrorCode int               `json:"error_code,omitempty"`
	State     string            `json:"state,omitempty"`
	Patch     []PatchOp         `json:"patch,omitempty"`
}

// ErrorResponse builds an error envelope for one request.
func ErrorResponse(requestID uint64, code int, err error) Response {
	msg := err.Error()
	return Response{RequestID: requestID, Error: &msg, ErrorCode: code}
}

// Change event types carried inside subscription responses.
const (
	ChangeInitial   = "initial"
	ChangeAdd       = "add"
	ChangeChange    = "change"
	ChangeRemove    = "remove"
	ChangeUninitial = "uninitial"
	ChangeState     = "state"
)

// ChangeEvent is the unit emitted by a live changefeed. Offsets are present
// only for ordered+limited queries; their absence means "unordered, patch
// by id".
type ChangeEvent struct {
	Type      string            `json:"type"`
	OldVal    document.Document `json:"old_val,omitempty"`
	NewVal    document.Document `json:"new_val,omitempty"`
	OldOffset *int              `json:"old_offset,omitempty"`
	NewOffset *int              `json:"new_offset,omitempty"`
	State     string            `json:"state,omitempty"`
}

// EncodeEvents marshals change events into a response's data list.
func EncodeEvents(requestID uint64, events ...ChangeEvent) (Response, error) {
	resp := Response{RequestID: requestID}
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return Response{}, fmt.Errorf("failed to marshal change event: %w", err)
		}
		resp.Data = append(resp.Data, raw)
	}
	return resp, nil
}

// DecodeEvents unmarshals a subscription response's data list.
func DecodeEvents(resp Response) ([]ChangeEvent, error) {
	out := make([]ChangeEvent, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var ev ChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("malformed change event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// EncodeDocuments marshals documents into a response's data list. A nil
// document encodes as JSON null (find's null semantics).
func EncodeDocuments(requestID uint64, docs []document.Document) (Response, error) {
	resp := Response{RequestID: requestID}
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return Response{}, fmt.Errorf("failed to marshal document: %w", err)
		}
		resp.Data = append(resp.Data, raw)
	}
	return resp, nil
}

// DecodeDocuments unmarshals a one-shot response's data list.
func DecodeDocuments(resp Response) ([]document.Document, error) {
	out := make([]document.Document, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var doc document.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("malformed document: %w", err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// Handshake methods.
const (
	HandshakeMethodAnonymous = "anonymous"
	HandshakeMethodToken     = "token"
)

// HandshakeOptions opens a connection. Method is "token" or "anonymous".
type HandshakeOptions struct {
	Method string `json:"method"`
	Token  string `json:"token,omitempty"`
}

// HandshakeResult is returned in the handshake response's data list.
type HandshakeResult struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// WriteOptions carries a write batch. Data rows stay raw until the write
// engine validates each one independently.
type WriteOptions struct {
	Collection string            `json:"collection"`
	Data       []json.RawMessage `json:"data"`
	TimeoutMS  *int64            `json:"timeout_ms,omitempty"`
}

// SubscribeExtra are the subscription-only option keys, decoded separately
// from the query vocabulary.
type SubscribeExtra struct {
	Protocol string `json:"protocol,omitempty"` // "" (events) or "patch"
}
