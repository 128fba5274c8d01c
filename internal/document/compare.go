package document

import "strings"

// Type rank for cross-type ordering: null < bool < number < string.
// The index key encoding in internal/storage must agree with this order.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// Compare orders two scalar values. Values of different types order by type
// rank; unsupported types compare equal within their rank.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		av, bv := a.(bool), b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case 2:
		av, bv := ToFloat(a), ToFloat(b)
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	default:
		return 0
	}
}

// CompareTuples orders two field-value tuples lexicographically.
func CompareTuples(a, b []interface{}) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// ToFloat converts any numeric value to float64, else 0.
func ToFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
