package record

import (
	"math"
	"strconv"
	"strings"
)

// Affinity is the preferred storage class of a column.
type Affinity int

const (
	AffinityBlob Affinity = iota
	AffinityText
	AffinityNumeric
	AffinityInteger
	AffinityReal
)

func (a Affinity) String() string {
	switch a {
	case AffinityText:
		return "TEXT"
	case AffinityNumeric:
		return "NUMERIC"
	case AffinityInteger:
		return "INTEGER"
	case AffinityReal:
		return "REAL"
	default:
		return "BLOB"
	}
}

// AffinityOf derives the affinity of a declared column type.
func AffinityOf(declType string) Affinity {
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case t == "" || strings.Contains(t, "BLOB"):
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityNumeric
	}
}

// Apply converts v towards the affinity's storage class where that loses no
// information.
func (a Affinity) Apply(v Value) Value {
	switch a {
	case AffinityText:
		switch x := v.(type) {
		case int64, float64:
			return Text(x)
		}
	case AffinityNumeric, AffinityInteger:
		switch x := v.(type) {
		case string:
			if n, ok := parseExactNumber(x); ok {
				return integral(n)
			}
		case float64:
			return integral(x)
		}
	case AffinityReal:
		switch x := v.(type) {
		case int64:
			return float64(x)
		case string:
			if n, ok := parseExactNumber(x); ok {
				if f, isFloat := n.(float64); isFloat {
					return f
				}
				return float64(n.(int64))
			}
		}
	}
	return v
}

// parseExactNumber parses s when the whole string is a number.
func parseExactNumber(s string) (Value, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil, false
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f, true
	}
	return nil, false
}

// integral turns a REAL with no fractional part into an INTEGER.
func integral(v Value) Value {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && f >= -9.223372036854775e18 && f < 9.223372036854775e18 {
		return int64(f)
	}
	return f
}
