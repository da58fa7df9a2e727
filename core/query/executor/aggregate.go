package executor

import (
	"math"
	"strings"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

// accumulator folds the argument values of one aggregate call.
type accumulator interface {
	step(args []record.Value) error
	result() record.Value
}

func newAccumulator(call *parser.FuncCall) accumulator {
	switch call.Name {
	case "COUNT":
		return &countAcc{star: call.Star}
	case "SUM":
		return &sumAcc{}
	case "TOTAL":
		return &sumAcc{total: true}
	case "AVG":
		return &avgAcc{}
	case "MIN":
		return &extremeAcc{dir: -1}
	case "MAX":
		return &extremeAcc{dir: 1}
	case "GROUP_CONCAT":
		return &concatAcc{}
	}
	return nil
}

type countAcc struct {
	star bool
	n    int64
}

func (a *countAcc) step(args []record.Value) error {
	if a.star || args[0] != nil {
		a.n++
	}
	return nil
}

func (a *countAcc) result() record.Value { return a.n }

// sumAcc implements SUM and TOTAL. SUM stays an integer while every input
// is one and fails on overflow; TOTAL is always a float.
type sumAcc struct {
	total   bool
	seen    bool
	isFloat bool
	i       int64
	f       float64
}

func (a *sumAcc) step(args []record.Value) error {
	if args[0] == nil {
		return nil
	}
	a.seen = true
	switch n := record.Numeric(args[0]).(type) {
	case int64:
		if !a.isFloat {
			s := a.i + n
			if (s > a.i) != (n > 0) && n != 0 {
				if !a.total {
					return dberror.New(dberror.KindSchema, "integer overflow")
				}
				a.isFloat = true
				a.f = float64(a.i) + float64(n)
				return nil
			}
			a.i = s
			return nil
		}
		a.f += float64(n)
	case float64:
		if !a.isFloat {
			a.isFloat = true
			a.f = float64(a.i)
		}
		a.f += n
	}
	return nil
}

func (a *sumAcc) result() record.Value {
	switch {
	case a.total && a.isFloat:
		return a.f
	case a.total:
		return float64(a.i)
	case !a.seen:
		return nil
	case a.isFloat:
		return a.f
	}
	return a.i
}

type avgAcc struct {
	n   int64
	sum float64
}

func (a *avgAcc) step(args []record.Value) error {
	if args[0] == nil {
		return nil
	}
	a.n++
	a.sum += toFloat(record.Numeric(args[0]))
	return nil
}

func (a *avgAcc) result() record.Value {
	if a.n == 0 {
		return nil
	}
	avg := a.sum / float64(a.n)
	if math.IsNaN(avg) {
		return nil
	}
	return avg
}

type extremeAcc struct {
	dir  int
	best record.Value
}

func (a *extremeAcc) step(args []record.Value) error {
	v := args[0]
	if v == nil {
		return nil
	}
	if a.best == nil || record.Compare(v, a.best)*a.dir > 0 {
		a.best = record.Clone(v)
	}
	return nil
}

func (a *extremeAcc) result() record.Value { return a.best }

type concatAcc struct {
	b    strings.Builder
	seen bool
}

func (a *concatAcc) step(args []record.Value) error {
	if args[0] == nil {
		return nil
	}
	if a.seen {
		sep := ","
		if len(args) > 1 {
			sep = record.Text(args[1])
		}
		a.b.WriteString(sep)
	}
	a.seen = true
	a.b.WriteString(record.Text(args[0]))
	return nil
}

func (a *concatAcc) result() record.Value {
	if !a.seen {
		return nil
	}
	return a.b.String()
}

// aggState evaluates every aggregate call of a query over all its rows.
type aggState struct {
	calls []*parser.FuncCall
	accs  []accumulator
	// seen holds the encoded arguments already folded by DISTINCT calls.
	seen []map[string]struct{}
	// last is the final row of every source, which bare columns read.
	last []row
	rows int64
}

func newAggState(plan *planner.Plan) *aggState {
	s := &aggState{}
	collect := func(e parser.Expr) {
		parser.Walk(e, func(x parser.Expr) bool {
			call, ok := x.(*parser.FuncCall)
			if !ok || !planner.IsAggregate(call) {
				return true
			}
			s.calls = append(s.calls, call)
			s.accs = append(s.accs, newAccumulator(call))
			var seen map[string]struct{}
			if call.Distinct {
				seen = make(map[string]struct{})
			}
			s.seen = append(s.seen, seen)
			return false
		})
	}
	for _, o := range plan.Output {
		collect(o.Expr)
	}
	for _, k := range plan.OrderBy {
		if k.Output < 0 {
			collect(k.Expr)
		}
	}
	return s
}

func (s *aggState) step(ev *evaluator) error {
	s.rows++
	for i, call := range s.calls {
		args := make([]record.Value, len(call.Args))
		for j, a := range call.Args {
			v, err := ev.eval(a)
			if err != nil {
				return err
			}
			args[j] = v
		}
		if seen := s.seen[i]; seen != nil && len(args) > 0 {
			if args[0] == nil {
				continue
			}
			k := string(record.AppendKey(nil, args[0]))
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		if err := s.accs[i].step(args); err != nil {
			return err
		}
	}
	s.last = append(s.last[:0], ev.rows...)
	return nil
}

// finish installs the aggregate results and the last row into ev. With no
// input rows every source reads as NULL.
func (s *aggState) finish(ev *evaluator) {
	ev.aggs = make(map[*parser.FuncCall]record.Value, len(s.calls))
	for i, call := range s.calls {
		ev.aggs[call] = s.accs[i].result()
	}
	if s.rows == 0 {
		for i := range ev.rows {
			ev.rows[i] = row{}
		}
		return
	}
	copy(ev.rows, s.last)
}
