package executor

import (
	"math"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

// row is the current row of one source.
type row struct {
	rowid int64
	vals  []record.Value
}

// evaluator computes expressions against the current row of every source.
type evaluator struct {
	plan   *planner.Plan
	params []record.Value
	rows   []row
	// aggs holds the final aggregate values once a group is complete.
	aggs map[*parser.FuncCall]record.Value
}

func newEvaluator(plan *planner.Plan, params []record.Value) *evaluator {
	return &evaluator{plan: plan, params: params, rows: make([]row, len(plan.Sources))}
}

func (ev *evaluator) column(ref *parser.ColumnRef) (record.Value, error) {
	slot, ok := ev.plan.Refs[ref]
	if !ok {
		return nil, dberror.New(dberror.KindSchema, "no such column: %s", ref.String())
	}
	r := ev.rows[slot.Source]
	t := ev.plan.Sources[slot.Source].Table
	if t.IsRowID(slot.Column) {
		if r.vals == nil {
			return nil, nil
		}
		return r.rowid, nil
	}
	if slot.Column >= len(r.vals) {
		return nil, nil
	}
	return r.vals[slot.Column], nil
}

// truth evaluates e as a WHERE condition: NULL counts as false.
func (ev *evaluator) truth(e parser.Expr) (bool, error) {
	v, err := ev.eval(e)
	if err != nil {
		return false, err
	}
	t, null := record.Truth(v)
	return t && !null, nil
}

func (ev *evaluator) eval(e parser.Expr) (record.Value, error) {
	switch x := e.(type) {
	case *parser.Literal:
		return x.Value, nil
	case *parser.Param:
		if x.Index < 1 || x.Index > len(ev.params) {
			return nil, nil
		}
		return ev.params[x.Index-1], nil
	case *parser.ColumnRef:
		return ev.column(x)
	case *parser.UnaryExpr:
		return ev.unary(x)
	case *parser.BinaryExpr:
		return ev.binary(x)
	case *parser.IsNullExpr:
		v, err := ev.eval(x.X)
		if err != nil {
			return nil, err
		}
		return boolValue((v == nil) != x.Not), nil
	case *parser.BetweenExpr:
		return ev.between(x)
	case *parser.InExpr:
		return ev.in(x)
	case *parser.LikeExpr:
		return ev.like(x)
	case *parser.CastExpr:
		v, err := ev.eval(x.X)
		if err != nil {
			return nil, err
		}
		return cast(v, x.Type), nil
	case *parser.FuncCall:
		if planner.IsAggregate(x) {
			if ev.aggs == nil {
				return nil, dberror.New(dberror.KindSchema, "misuse of aggregate function %s()", x.Name)
			}
			return ev.aggs[x], nil
		}
		args := make([]record.Value, len(x.Args))
		for i, a := range x.Args {
			v, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return callScalar(x.Name, args)
	}
	return nil, dberror.New(dberror.KindSchema, "unsupported expression %s", e.String())
}

func boolValue(b bool) record.Value {
	if b {
		return int64(1)
	}
	return int64(0)
}

func (ev *evaluator) unary(x *parser.UnaryExpr) (record.Value, error) {
	v, err := ev.eval(x.X)
	if err != nil || v == nil {
		return nil, err
	}
	switch x.Op {
	case parser.OpNot:
		t, _ := record.Truth(v)
		return boolValue(!t), nil
	case parser.OpNeg:
		switch n := record.Numeric(v).(type) {
		case int64:
			if n == math.MinInt64 {
				return -float64(n), nil
			}
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, nil
	}
	return v, nil
}

func (ev *evaluator) binary(x *parser.BinaryExpr) (record.Value, error) {
	switch x.Op {
	case parser.OpAnd, parser.OpOr:
		return ev.logical(x)
	}
	l, err := ev.eval(x.L)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(x.R)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case parser.OpIs, parser.OpIsNot:
		eq := l == nil && r == nil
		if l != nil && r != nil {
			l, r = ev.coerce(x.L, l, x.R, r)
			eq = record.Compare(l, r) == 0
		}
		return boolValue(eq == (x.Op == parser.OpIs)), nil
	}
	if l == nil || r == nil {
		return nil, nil
	}
	if x.Op.Comparison() {
		l, r = ev.coerce(x.L, l, x.R, r)
		return compareOp(x.Op, record.Compare(l, r)), nil
	}
	if x.Op == parser.OpConcat {
		return record.Text(l) + record.Text(r), nil
	}
	return arith(x.Op, record.Numeric(l), record.Numeric(r))
}

// coerce applies comparison affinity to the operands of a comparison.
func (ev *evaluator) coerce(le parser.Expr, l record.Value, re parser.Expr, r record.Value) (record.Value, record.Value) {
	la, lok := ev.plan.Affinity(le)
	ra, rok := ev.plan.Affinity(re)
	toL, toR := planner.CompareAffinity(la, lok, ra, rok)
	if toL != nil {
		l = toL.Apply(l)
	}
	if toR != nil {
		r = toR.Apply(r)
	}
	return l, r
}

func compareOp(op parser.BinaryOp, c int) record.Value {
	switch op {
	case parser.OpEq:
		return boolValue(c == 0)
	case parser.OpNe:
		return boolValue(c != 0)
	case parser.OpLt:
		return boolValue(c < 0)
	case parser.OpLe:
		return boolValue(c <= 0)
	case parser.OpGt:
		return boolValue(c > 0)
	default:
		return boolValue(c >= 0)
	}
}

func (ev *evaluator) logical(x *parser.BinaryExpr) (record.Value, error) {
	l, err := ev.eval(x.L)
	if err != nil {
		return nil, err
	}
	lt, lnull := record.Truth(l)
	if x.Op == parser.OpAnd && !lt && !lnull {
		return int64(0), nil
	}
	if x.Op == parser.OpOr && lt {
		return int64(1), nil
	}
	r, err := ev.eval(x.R)
	if err != nil {
		return nil, err
	}
	rt, rnull := record.Truth(r)
	if x.Op == parser.OpAnd {
		switch {
		case !rt && !rnull:
			return int64(0), nil
		case lnull || rnull:
			return nil, nil
		}
		return int64(1), nil
	}
	switch {
	case rt:
		return int64(1), nil
	case lnull || rnull:
		return nil, nil
	}
	return int64(0), nil
}

func arith(op parser.BinaryOp, l, r record.Value) (record.Value, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case parser.OpAdd:
			if s := li + ri; (s > li) == (ri > 0) {
				return s, nil
			}
		case parser.OpSub:
			if d := li - ri; (d < li) == (ri > 0) {
				return d, nil
			}
		case parser.OpMul:
			if li == 0 || ri == 0 {
				return int64(0), nil
			}
			if p := li * ri; p/ri == li && !(li == -1 && ri == math.MinInt64) && !(ri == -1 && li == math.MinInt64) {
				return p, nil
			}
		case parser.OpDiv:
			if ri == 0 {
				return nil, nil
			}
			if li == math.MinInt64 && ri == -1 {
				return -float64(li), nil
			}
			return li / ri, nil
		case parser.OpMod:
			if ri == 0 {
				return nil, nil
			}
			if ri == -1 {
				return int64(0), nil
			}
			return li % ri, nil
		}
	}
	lf, rf := toFloat(l), toFloat(r)
	var out float64
	switch op {
	case parser.OpAdd:
		out = lf + rf
	case parser.OpSub:
		out = lf - rf
	case parser.OpMul:
		out = lf * rf
	case parser.OpDiv:
		if rf == 0 {
			return nil, nil
		}
		out = lf / rf
	case parser.OpMod:
		lt, rt := math.Trunc(lf), math.Trunc(rf)
		if rt == 0 {
			return nil, nil
		}
		out = math.Mod(lt, rt)
	}
	if math.IsNaN(out) {
		return nil, nil
	}
	return out, nil
}

func toFloat(v record.Value) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func (ev *evaluator) between(x *parser.BetweenExpr) (record.Value, error) {
	v, err := ev.eval(x.X)
	if err != nil {
		return nil, err
	}
	lo, err := ev.eval(x.Lo)
	if err != nil {
		return nil, err
	}
	hi, err := ev.eval(x.Hi)
	if err != nil {
		return nil, err
	}
	var geLo, leHi record.Value
	if v != nil && lo != nil {
		a, b := ev.coerce(x.X, v, x.Lo, lo)
		geLo = boolValue(record.Compare(a, b) >= 0)
	}
	if v != nil && hi != nil {
		a, b := ev.coerce(x.X, v, x.Hi, hi)
		leHi = boolValue(record.Compare(a, b) <= 0)
	}
	res := and3(geLo, leHi)
	if x.Not && res != nil {
		t, _ := record.Truth(res)
		return boolValue(!t), nil
	}
	return res, nil
}

// and3 is three-valued AND over 0, 1 and NULL.
func and3(a, b record.Value) record.Value {
	if a == int64(0) || b == int64(0) {
		return int64(0)
	}
	if a == nil || b == nil {
		return nil
	}
	return int64(1)
}

func (ev *evaluator) in(x *parser.InExpr) (record.Value, error) {
	v, err := ev.eval(x.X)
	if err != nil {
		return nil, err
	}
	if len(x.List) == 0 {
		return boolValue(x.Not), nil
	}
	if v == nil {
		return nil, nil
	}
	sawNull := false
	found := false
	for _, item := range x.List {
		w, err := ev.eval(item)
		if err != nil {
			return nil, err
		}
		if w == nil {
			sawNull = true
			continue
		}
		a, b := ev.coerce(x.X, v, item, w)
		if record.Compare(a, b) == 0 {
			found = true
			break
		}
	}
	switch {
	case found:
		return boolValue(!x.Not), nil
	case sawNull:
		return nil, nil
	}
	return boolValue(x.Not), nil
}

func (ev *evaluator) like(x *parser.LikeExpr) (record.Value, error) {
	v, err := ev.eval(x.X)
	if err != nil {
		return nil, err
	}
	pat, err := ev.eval(x.Pattern)
	if err != nil {
		return nil, err
	}
	if v == nil || pat == nil {
		return nil, nil
	}
	return boolValue(likeMatch(record.Text(pat), record.Text(v)) != x.Not), nil
}

// likeMatch implements LIKE: % matches any run, _ one character, and ASCII
// letters match case-insensitively.
func likeMatch(pattern, s string) bool {
	p, t := []rune(pattern), []rune(s)
	var pi, ti int
	star, mark := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && p[pi] == '%':
			star, mark = pi, ti
			pi++
		case pi < len(p) && (p[pi] == '_' || foldASCII(p[pi]) == foldASCII(t[ti])):
			pi++
			ti++
		case star >= 0:
			pi = star + 1
			mark++
			ti = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

func foldASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 'a' - 'A'
	}
	return r
}

// cast converts v to the storage class named by typ.
func cast(v record.Value, typ string) record.Value {
	if v == nil {
		return nil
	}
	switch record.AffinityOf(typ) {
	case record.AffinityInteger:
		switch x := v.(type) {
		case int64:
			return x
		case float64:
			return floatToInt(x)
		default:
			switch n := record.Numeric(record.Text(v)).(type) {
			case int64:
				return n
			case float64:
				return floatToInt(n)
			}
			return int64(0)
		}
	case record.AffinityReal:
		switch n := record.Numeric(v).(type) {
		case int64:
			return float64(n)
		case float64:
			return n
		}
		return float64(0)
	case record.AffinityText:
		return record.Text(v)
	case record.AffinityNumeric:
		if b, ok := v.([]byte); ok {
			return record.Numeric(string(b))
		}
		return record.Numeric(v)
	}
	switch x := v.(type) {
	case string:
		return []byte(x)
	case int64, float64:
		return []byte(record.Text(x))
	}
	return v
}

func floatToInt(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// columnValue returns column c of a stored row, substituting the row id for
// the INTEGER PRIMARY KEY column.
func columnValue(t *catalog.Table, vals []record.Value, rowid int64, c int) record.Value {
	if t.IsRowID(c) {
		return rowid
	}
	if c >= len(vals) {
		return nil
	}
	return vals[c]
}
