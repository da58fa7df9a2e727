// Package record defines SQL values, their ordering, and the row and key
// encodings stored in B-trees.
//
// A Value is one of nil (NULL), int64 (INTEGER), float64 (REAL), string
// (TEXT) or []byte (BLOB). Values order as NULL < numbers < TEXT < BLOB.
// INTEGER and REAL compare numerically; when equal, INTEGER sorts first.
package record

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a SQL value.
type Value = any

// Type is the storage class of a value.
type Type int

const (
	TypeNull Type = iota
	TypeInteger
	TypeReal
	TypeText
	TypeBlob
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// TypeOf returns the storage class of a normalised value.
func TypeOf(v Value) Type {
	switch v.(type) {
	case nil:
		return TypeNull
	case int64:
		return TypeInteger
	case float64:
		return TypeReal
	case string:
		return TypeText
	case []byte:
		return TypeBlob
	default:
		return TypeNull
	}
}

// class groups INTEGER and REAL so they compare numerically.
func class(t Type) int {
	switch t {
	case TypeNull:
		return 0
	case TypeInteger, TypeReal:
		return 1
	case TypeText:
		return 2
	default:
		return 3
	}
}

// Compare orders two normalised values.
func Compare(a, b Value) int {
	ta, tb := TypeOf(a), TypeOf(b)
	if ca, cb := class(ta), class(tb); ca != cb {
		return cmpInt(ca, cb)
	}
	switch ta {
	case TypeNull:
		return 0
	case TypeText:
		return strings.Compare(a.(string), b.(string))
	case TypeBlob:
		return bytes.Compare(a.([]byte), b.([]byte))
	}
	if ta == TypeInteger && tb == TypeInteger {
		return cmpInt(a.(int64), b.(int64))
	}
	fa, fb := toFloat(a), toFloat(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return cmpInt(int(ta), int(tb))
}

func cmpInt[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v Value) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// Normalize converts a Go value bound by a caller into a Value.
func Normalize(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return normFloat(float64(x)), nil
	case float64:
		return normFloat(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return x, nil
	case []byte:
		if x == nil {
			return []byte{}, nil
		}
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

func normFloat(f float64) Value {
	if math.IsNaN(f) {
		return nil
	}
	if f == 0 {
		return float64(0)
	}
	return f
}

// Truth evaluates v in a boolean context. NULL is neither true nor false.
func Truth(v Value) (truth bool, null bool) {
	switch x := v.(type) {
	case nil:
		return false, true
	case int64:
		return x != 0, false
	case float64:
		return x != 0, false
	case string:
		f, _ := parseNumericPrefix(x)
		return f != 0, false
	case []byte:
		f, _ := parseNumericPrefix(string(x))
		return f != 0, false
	}
	return false, true
}

// parseNumericPrefix reads the leading number of s, as SQL does when text is
// used in arithmetic. It reports whether the whole string was numeric.
func parseNumericPrefix(s string) (float64, bool) {
	t := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f, true
	}
	end := 0
	for end < len(t) {
		c := t[end]
		if (c >= '0' && c <= '9') || c == '.' || ((c == '-' || c == '+') && end == 0) || c == 'e' || c == 'E' {
			end++
			continue
		}
		break
	}
	for end > 0 {
		if f, err := strconv.ParseFloat(t[:end], 64); err == nil {
			return f, false
		}
		end--
	}
	return 0, false
}

// Text renders v the way SQL casts it to TEXT.
func Text(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return FormatReal(x)
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

// FormatReal prints a REAL with a decimal point or exponent so it never
// reads back as an INTEGER.
func FormatReal(f float64) string {
	if math.IsInf(f, 1) {
		return "Inf"
	}
	if math.IsInf(f, -1) {
		return "-Inf"
	}
	s := strconv.FormatFloat(f, 'g', 15, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// Numeric converts v to a number for arithmetic. NULL stays NULL.
func Numeric(v Value) Value {
	switch x := v.(type) {
	case nil, int64, float64:
		return x
	case string:
		return textToNumber(x)
	case []byte:
		return textToNumber(string(x))
	}
	return nil
}

func textToNumber(s string) Value {
	t := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	f, _ := parseNumericPrefix(t)
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 && !strings.ContainsAny(t, ".eE") {
		return int64(f)
	}
	return f
}

// Clone returns a copy of v that does not alias page memory.
func Clone(v Value) Value {
	if b, ok := v.([]byte); ok {
		return bytes.Clone(b)
	}
	return v
}
