// Package types provides the core data model for LodgeDB: column types,
// typed values, rows, and table schemas shared by every engine component.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType enumerates the value types a column may hold.
type ColumnType string

const (
	TypeInt       ColumnType = "INTEGER"
	TypeFloat     ColumnType = "REAL"
	TypeText      ColumnType = "TEXT"
	TypeBool      ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Value is a single column value. Valid dynamic types are int64, float64,
// string, bool, time.Time, and nil for SQL NULL.
type Value = interface{}

// Normalize coerces a raw value into the canonical dynamic type for the
// given column type. Integers arriving as int or float64 (e.g. from JSON
// decoding) are converted to int64; RFC 3339 strings become time.Time for
// timestamp columns.
func Normalize(ct ColumnType, v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}

	switch ct {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if x == float64(int64(x)) {
				return int64(x), nil
			}
		case string:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n, nil
			}
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			if t, err := time.Parse(time.RFC3339, x); err == nil {
				return t.UTC(), nil
			}
			if t, err := time.Parse("2006-01-02", x); err == nil {
				return t.UTC(), nil
			}
		case int64:
			return time.Unix(x, 0).UTC(), nil
		}
	}
	return nil, fmt.Errorf("types: value %v (%T) is not assignable to %s", v, v, ct)
}

// Compare orders two values of the same canonical type. nil sorts before
// every non-nil value. The result is negative, zero, or positive in the
// usual manner.
func Compare(a, b Value) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		case float64:
			return compareFloat(float64(av), bv)
		}
	case float64:
		switch bv := b.(type) {
		case float64:
			return compareFloat(av, bv)
		case int64:
			return compareFloat(av, float64(bv))
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
			return 0
		}
	}

	// Incomparable dynamic types: fall back to formatted ordering so that
	// sorting stays total and deterministic.
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CompareTuples orders two value tuples lexicographically. When one tuple is
// a strict prefix of the other, the shorter tuple sorts first; this is what
// makes left-prefix lookups on composite indexes work.
func CompareTuples(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// EncodeKey renders a value tuple as a canonical string usable as a map key.
// The encoding is injective but not order-preserving; ordered traversal goes
// through the index B-tree, never through encoded keys.
func EncodeKey(vals []Value) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		switch x := v.(type) {
		case nil:
			sb.WriteString("\x00")
		case int64:
			sb.WriteString("i:")
			sb.WriteString(strconv.FormatInt(x, 10))
		case float64:
			sb.WriteString("f:")
			sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		case string:
			// Length prefix keeps a 0x1f inside the payload from reading
			// as a tuple separator.
			sb.WriteString("s:")
			sb.WriteString(strconv.Itoa(len(x)))
			sb.WriteByte(':')
			sb.WriteString(x)
		case bool:
			sb.WriteString("b:")
			sb.WriteString(strconv.FormatBool(x))
		case time.Time:
			sb.WriteString("t:")
			sb.WriteString(x.UTC().Format(time.RFC3339Nano))
		default:
			sb.WriteString("x:")
			sb.WriteString(fmt.Sprint(x))
		}
	}
	return sb.String()
}
