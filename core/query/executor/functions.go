package executor

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

type scalarFunc struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	fn               func(args []record.Value) (record.Value, error)
}

var scalars map[string]scalarFunc

func init() {
	scalars = map[string]scalarFunc{
		"LOWER":     {1, 1, nullSafe(func(v record.Value) record.Value { return strings.ToLower(record.Text(v)) })},
		"UPPER":     {1, 1, nullSafe(func(v record.Value) record.Value { return strings.ToUpper(record.Text(v)) })},
		"LENGTH":    {1, 1, nullSafe(length)},
		"ABS":       {1, 1, abs},
		"TYPEOF":    {1, 1, func(a []record.Value) (record.Value, error) { return record.TypeOf(a[0]).String(), nil }},
		"COALESCE":  {2, -1, coalesce},
		"IFNULL":    {2, 2, coalesce},
		"NULLIF":    {2, 2, nullif},
		"SUBSTR":    {2, 3, substr},
		"SUBSTRING": {2, 3, substr},
		"TRIM":      {1, 2, trimmer(strings.Trim)},
		"LTRIM":     {1, 2, trimmer(strings.TrimLeft)},
		"RTRIM":     {1, 2, trimmer(strings.TrimRight)},
		"REPLACE":   {3, 3, replace},
		"INSTR":     {2, 2, instr},
		"ROUND":     {1, 2, round},
		"HEX":       {1, 1, func(a []record.Value) (record.Value, error) { return hexOf(a[0]), nil }},
		"QUOTE":     {1, 1, func(a []record.Value) (record.Value, error) { return quote(a[0]), nil }},
		"MIN":       {2, -1, extreme(-1)},
		"MAX":       {2, -1, extreme(1)},
		"IIF":       {3, 3, iif},
	}
}

// checkFunctions verifies that every call in exprs names a known function
// with a valid number of arguments.
func checkFunctions(exprs ...parser.Expr) error {
	var err error
	for _, e := range exprs {
		parser.Walk(e, func(x parser.Expr) bool {
			call, ok := x.(*parser.FuncCall)
			if !ok || err != nil {
				return err == nil
			}
			err = checkCall(call)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func checkCall(call *parser.FuncCall) error {
	n := len(call.Args)
	if planner.IsAggregate(call) {
		ok := n == 1
		switch call.Name {
		case "COUNT":
			ok = call.Star && n == 0 || !call.Star && n == 1
		case "GROUP_CONCAT":
			ok = n == 1 || n == 2
		}
		if call.Star && call.Name != "COUNT" {
			ok = false
		}
		if !ok {
			return dberror.New(dberror.KindSchema, "wrong number of arguments to function %s()", call.Name)
		}
		return nil
	}
	f, ok := scalars[call.Name]
	if !ok {
		return dberror.New(dberror.KindSchema, "no such function: %s", call.Name)
	}
	if call.Star || call.Distinct || n < f.minArgs || (f.maxArgs >= 0 && n > f.maxArgs) {
		return dberror.New(dberror.KindSchema, "wrong number of arguments to function %s()", call.Name)
	}
	return nil
}

func callScalar(name string, args []record.Value) (record.Value, error) {
	f, ok := scalars[name]
	if !ok {
		return nil, dberror.New(dberror.KindSchema, "no such function: %s", name)
	}
	return f.fn(args)
}

func nullSafe(fn func(record.Value) record.Value) func([]record.Value) (record.Value, error) {
	return func(args []record.Value) (record.Value, error) {
		if args[0] == nil {
			return nil, nil
		}
		return fn(args[0]), nil
	}
}

func length(v record.Value) record.Value {
	switch x := v.(type) {
	case []byte:
		return int64(len(x))
	case string:
		return int64(utf8.RuneCountInString(x))
	}
	return int64(utf8.RuneCountInString(record.Text(v)))
}

func abs(args []record.Value) (record.Value, error) {
	switch n := record.Numeric(args[0]).(type) {
	case int64:
		if n == math.MinInt64 {
			return nil, dberror.New(dberror.KindSchema, "integer overflow")
		}
		if n < 0 {
			return -n, nil
		}
		return n, nil
	case float64:
		return math.Abs(n), nil
	}
	return nil, nil
}

func coalesce(args []record.Value) (record.Value, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func nullif(args []record.Value) (record.Value, error) {
	if args[0] != nil && args[1] != nil && record.Compare(args[0], args[1]) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func iif(args []record.Value) (record.Value, error) {
	if t, null := record.Truth(args[0]); t && !null {
		return args[1], nil
	}
	return args[2], nil
}

// substr follows SQL's 1-based positions: a negative start counts from the
// end and a negative length takes characters before start.
func substr(args []record.Value) (record.Value, error) {
	for _, a := range args {
		if a == nil {
			return nil, nil
		}
	}
	blob, isBlob := args[0].([]byte)
	var units []rune
	if !isBlob {
		units = []rune(record.Text(args[0]))
	}
	size := int64(len(units))
	if isBlob {
		size = int64(len(blob))
	}
	start := intArg(args[1])
	length := size + 1
	if len(args) == 3 {
		length = intArg(args[2])
	}
	switch {
	case start < 0:
		start = size + start
		if start < 0 {
			length += start
			start = 0
		}
	case start > 0:
		start--
	default:
		length--
	}
	if length < 0 {
		start += length
		length = -length
		if start < 0 {
			length += start
			start = 0
		}
	}
	end := min(start+length, size)
	if start > size || end <= start {
		if isBlob {
			return []byte{}, nil
		}
		return "", nil
	}
	if isBlob {
		return append([]byte(nil), blob[start:end]...), nil
	}
	return string(units[start:end]), nil
}

func intArg(v record.Value) int64 {
	switch n := record.Numeric(v).(type) {
	case int64:
		return n
	case float64:
		return floatToInt(n)
	}
	return 0
}

func trimmer(fn func(string, string) string) func([]record.Value) (record.Value, error) {
	return func(args []record.Value) (record.Value, error) {
		if args[0] == nil || len(args) == 2 && args[1] == nil {
			return nil, nil
		}
		cut := " "
		if len(args) == 2 {
			cut = record.Text(args[1])
		}
		return fn(record.Text(args[0]), cut), nil
	}
}

func replace(args []record.Value) (record.Value, error) {
	for _, a := range args {
		if a == nil {
			return nil, nil
		}
	}
	s, old := record.Text(args[0]), record.Text(args[1])
	if old == "" {
		return s, nil
	}
	return strings.ReplaceAll(s, old, record.Text(args[2])), nil
}

func instr(args []record.Value) (record.Value, error) {
	if args[0] == nil || args[1] == nil {
		return nil, nil
	}
	h, n := record.Text(args[0]), record.Text(args[1])
	i := strings.Index(h, n)
	if i < 0 {
		return int64(0), nil
	}
	return int64(utf8.RuneCountInString(h[:i]) + 1), nil
}

func round(args []record.Value) (record.Value, error) {
	if args[0] == nil || len(args) == 2 && args[1] == nil {
		return nil, nil
	}
	digits := int64(0)
	if len(args) == 2 {
		digits = max(intArg(args[1]), 0)
	}
	f := toFloat(record.Numeric(args[0]))
	if digits > 15 {
		return f, nil
	}
	s := strconv.FormatFloat(f, 'f', int(digits), 64)
	out, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, dberror.New(dberror.KindSchema, "round: %v", err)
	}
	return out, nil
}

func hexOf(v record.Value) record.Value {
	var b []byte
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		b = x
	default:
		b = []byte(record.Text(x))
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

func quote(v record.Value) record.Value {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return parser.QuoteString(x)
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(x)) + "'"
	}
	return record.Text(v)
}

// extreme returns the scalar MIN (dir -1) or MAX (dir 1); any NULL argument
// yields NULL.
func extreme(dir int) func([]record.Value) (record.Value, error) {
	return func(args []record.Value) (record.Value, error) {
		best := args[0]
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
			if record.Compare(a, best)*dir > 0 {
				best = a
			}
		}
		return best, nil
	}
}
