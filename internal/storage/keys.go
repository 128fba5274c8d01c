package storage

import (
	"encoding/binary"
	"math"

	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/query"
)

// Key spaces. Document keys sort by collection then id; index keys sort by
// collection, index name, encoded field tuple, then id, so that an index
// range scan walks documents in tuple order.
//
// Document key: d <00> collection <00> id
// Index key:    i <00> collection <00> indexName <00> encTuple encString(id)
// Metadata key: m <00> name

const keySep = 0x00

func docKey(collection, id string) []byte {
	out := make([]byte, 0, len(collection)+len(id)+4)
	out = append(out, 'd', keySep)
	out = append(out, collection...)
	out = append(out, keySep)
	out = append(out, id...)
	return out
}

func docPrefix(collection string) []byte {
	out := make([]byte, 0, len(collection)+4)
	out = append(out, 'd', keySep)
	out = append(out, collection...)
	out = append(out, keySep)
	return out
}

func docKeyID(collection string, key []byte) string {
	return string(key[len(docPrefix(collection)):])
}

func indexPrefix(collection, indexName string) []byte {
	out := make([]byte, 0, len(collection)+len(indexName)+6)
	out = append(out, 'i', keySep)
	out = append(out, collection...)
	out = append(out, keySep)
	out = append(out, indexName...)
	out = append(out, keySep)
	return out
}

func metaKey(name string) []byte {
	out := make([]byte, 0, len(name)+3)
	out = append(out, 'm', keySep)
	out = append(out, name...)
	return out
}

// Value tags. Tag order must agree with document.Compare's type ranking:
// null < bool < number < string. 0x00 and 0xFF are reserved for the
// unbounded sentinels and never appear in real keys.
const (
	tagMin    = 0x00
	tagNull   = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x10
	tagString = 0x20
	tagMax    = 0xFF
)

// appendValue encodes one scalar so that byte comparison of encodings
// matches document.Compare of the values.
func appendValue(dst []byte, v interface{}) []byte {
	switch t := v.(type) {
	case nil:
		return append(dst, tagNull)
	case bool:
		if t {
			return append(dst, tagTrue)
		}
		return append(dst, tagFalse)
	case string:
		return appendString(dst, t)
	default:
		return appendNumber(dst, document.ToFloat(v))
	}
}

// appendNumber encodes a float64 order-preservingly: positive values get
// the sign bit set, negative values are fully inverted.
func appendNumber(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	dst = append(dst, tagNumber)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return append(dst, buf[:]...)
}

// appendString escapes embedded zero bytes (00 -> 00 FF) and terminates
// with a bare 00 so shorter strings sort before their extensions.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, tagString)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, s[i])
		}
	}
	return append(dst, 0x00)
}

// encodeTuple encodes the index-field values of a document.
func encodeTuple(fields []string, doc document.Document) []byte {
	out := make([]byte, 0, 16*len(fields))
	for _, f := range fields {
		out = appendValue(out, doc[f])
	}
	return out
}

func indexEntryKey(collection, indexName string, fields []string, doc document.Document, id string) []byte {
	key := indexPrefix(collection, indexName)
	key = append(key, encodeTuple(fields, doc)...)
	return appendString(key, id)
}

// encodeBounds encodes one side of a scan range, mapping the minval/maxval
// sentinels to the reserved tag bytes.
func encodeBounds(dst []byte, bounds []query.Bound) []byte {
	for _, b := range bounds {
		switch b.Kind {
		case query.BoundMin:
			dst = append(dst, tagMin)
		case query.BoundMax:
			dst = append(dst, tagMax)
		default:
			dst = appendValue(dst, b.Value)
		}
	}
	return dst
}
