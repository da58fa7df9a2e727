package connection

import (
	"slices"
	"strings"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
)

// Named binds a value to a named parameter. The name may be given with or
// without its prefix (:, @ or $).
type Named struct {
	Name  string
	Value any
}

// bindArgs maps call arguments to parameter slots. Named parameters take
// values from Named arguments or from a single map[string]any; the other
// arguments fill the remaining slots in order.
func bindArgs(p *parser.Parsed, args []any) ([]record.Value, error) {
	named := make(map[string]any)
	var positional []any
	for _, a := range args {
		switch v := a.(type) {
		case Named:
			named[trimPrefix(v.Name)] = v.Value
		case map[string]any:
			for k, x := range v {
				named[trimPrefix(k)] = x
			}
		default:
			positional = append(positional, a)
		}
	}
	if p.Params == 0 {
		if len(args) > 0 {
			return nil, dberror.New(dberror.KindMisuse, "too many parameter values were provided")
		}
		return nil, nil
	}

	vals := make([]record.Value, p.Params)
	isNamed := make([]bool, p.Params)
	for key, slot := range p.Names {
		isNamed[slot-1] = true
		v, ok := named[trimPrefix(key)]
		if !ok {
			return nil, dberror.New(dberror.KindMisuse, "missing named parameter %q", key)
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, err
		}
		vals[slot-1] = nv
	}
	free := 0
	for i := range vals {
		if isNamed[i] {
			continue
		}
		if free >= len(positional) {
			return nil, dberror.New(dberror.KindMisuse, "too few parameter values were provided")
		}
		nv, err := normalize(positional[free])
		if err != nil {
			return nil, err
		}
		vals[i] = nv
		free++
	}
	if free < len(positional) {
		return nil, dberror.New(dberror.KindMisuse, "too many parameter values were provided")
	}
	return vals, nil
}

func trimPrefix(name string) string {
	return strings.TrimLeft(name, ":@$")
}

// normalize converts a bound Go value, copying byte slices so later changes
// by the caller do not reach the statement.
func normalize(v any) (record.Value, error) {
	nv, err := record.Normalize(v)
	if err != nil {
		return nil, dberror.New(dberror.KindMisuse, "%v", err)
	}
	if b, ok := nv.([]byte); ok {
		return slices.Clone(b), nil
	}
	return nv, nil
}
