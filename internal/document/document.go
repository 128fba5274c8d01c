package document

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotObject       = errors.New("Row to be written must be an object")
	ErrMissing         = errors.New("The document was missing")
	ErrNotPermitted    = errors.New("Operation not permitted")
	ErrTimeout         = errors.New("Operation timed out")
	ErrDuplicateKey    = errors.New("Duplicate primary key")
	ErrVersionConflict = errors.New("Version conflict")
	ErrInvalidDocument = errors.New("invalid document")
)

// VersionField is the reserved optimistic-concurrency attribute carried by
// every stored document. It increases by exactly 1 per successful write.
const VersionField = "$hz_v$"

// NoVersion marks a document that has never been written.
const NoVersion int64 = -1

// Document represents a single document in a collection
type Document map[string]interface{}

// ID returns the document's id field, or nil if absent.
func (d Document) ID() interface{} {
	if d == nil {
		return nil
	}
	return d["id"]
}

// Key returns the canonical string form of the document's id, used as the
// storage key. Numeric ids coming off the wire arrive as float64; integral
// values are normalized so that 1 and 1.0 key the same document.
func (d Document) Key() (string, bool) {
	id, ok := d["id"]
	if !ok || id == nil {
		return "", false
	}
	return KeyOf(id), true
}

// KeyOf converts an arbitrary id value to its canonical storage key.
func KeyOf(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case float32:
		return KeyOf(float64(v))
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GenerateID returns a fresh engine-generated document id.
func GenerateID() string {
	return uuid.New().String()
}

// Version returns the document's stored version, or NoVersion if the
// version attribute is absent.
func (d Document) Version() int64 {
	if d == nil {
		return NoVersion
	}
	raw, ok := d[VersionField]
	if !ok {
		return NoVersion
	}
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return NoVersion
	}
}

// HasVersion reports whether the caller pinned an explicit version on the
// document.
func (d Document) HasVersion() bool {
	if d == nil {
		return false
	}
	_, ok := d[VersionField]
	return ok
}

// SetVersion stamps the version attribute.
func (d Document) SetVersion(v int64) {
	d[VersionField] = v
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with fields from other laid on top.
func (d Document) Merge(other Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
