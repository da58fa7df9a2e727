package executor

import (
	"context"
	"sort"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

// Rows is the lazy result of a query. Rows are produced one at a time as
// Next is called; ORDER BY without a usable access path and aggregates
// read their whole input on the first call.
type Rows struct {
	columns []string
	// tables holds the source table of each column, "" when computed.
	tables  []string
	produce func() ([]record.Value, bool, error)
	cur     []record.Value
	err     error
	done    bool
	onClose []func()
}

// Columns returns the result column names.
func (r *Rows) Columns() []string { return r.columns }

// Tables returns the source table of each result column; computed columns
// have "". It is nil for results that read no table.
func (r *Rows) Tables() []string { return r.tables }

// Next advances to the next row and reports whether there is one.
func (r *Rows) Next() bool {
	if r.done {
		return false
	}
	vals, ok, err := r.produce()
	if err != nil || !ok {
		r.err = err
		r.Close()
		return false
	}
	r.cur = vals
	return true
}

// Values returns the current row. The slice is owned by the caller.
func (r *Rows) Values() []record.Value { return r.cur }

// Err returns the error that ended the iteration, if any.
func (r *Rows) Err() error { return r.err }

// Close ends the iteration early. It is safe to call more than once.
func (r *Rows) Close() {
	if r.done {
		return
	}
	r.done = true
	r.cur = nil
	for _, fn := range r.onClose {
		fn()
	}
	r.onClose = nil
}

// OnClose registers fn to run when the iteration ends.
func (r *Rows) OnClose(fn func()) {
	if r.done {
		fn()
		return
	}
	r.onClose = append(r.onClose, fn)
}

// sortRow is a projected row with the values its sort keys compare.
type sortRow struct {
	vals []record.Value
	keys []record.Value
}

// Query starts a SELECT.
func Query(ctx context.Context, env *Env, stmt *parser.SelectStmt) (*Rows, error) {
	if err := checkSelect(stmt); err != nil {
		return nil, err
	}
	plan, err := planner.PlanSelect(env.Schema, stmt)
	if err != nil {
		return nil, err
	}
	ev := newEvaluator(plan, env.Params)
	limit, offset, err := limits(ev, plan)
	if err != nil {
		return nil, err
	}
	columns := make([]string, len(plan.Output))
	tables := make([]string, len(plan.Output))
	for i, o := range plan.Output {
		columns[i] = o.Name
		tables[i] = plan.OutputTable(i)
	}
	sc := newScanner(ctx, env.Tree, plan, ev)

	project := func() ([]record.Value, error) {
		out := make([]record.Value, len(plan.Output))
		for i, o := range plan.Output {
			v, err := ev.eval(o.Expr)
			if err != nil {
				return nil, err
			}
			out[i] = record.Clone(v)
		}
		return out, nil
	}

	var produce func() ([]record.Value, bool, error)
	switch {
	case plan.Aggregate:
		produce = onceProducer(func() ([]record.Value, error) {
			agg := newAggState(plan)
			for {
				ok, err := sc.next()
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				if err := agg.step(ev); err != nil {
					return nil, err
				}
			}
			agg.finish(ev)
			return project()
		})
	default:
		produce = func() ([]record.Value, bool, error) {
			ok, err := sc.next()
			if err != nil || !ok {
				return nil, false, err
			}
			vals, err := project()
			return vals, err == nil, err
		}
	}

	if len(plan.OrderBy) > 0 && !plan.Ordered && !plan.Aggregate {
		produce = sorted(ctx, plan, ev, sc, project)
	}
	if plan.Distinct {
		produce = distinct(produce)
	}
	produce = window(produce, limit, offset)
	return &Rows{columns: columns, tables: tables, produce: produce}, nil
}

func checkSelect(stmt *parser.SelectStmt) error {
	exprs := []parser.Expr{stmt.Where, stmt.Limit, stmt.Offset}
	for _, c := range stmt.Columns {
		exprs = append(exprs, c.Expr)
	}
	for _, f := range stmt.From {
		exprs = append(exprs, f.On)
	}
	for _, o := range stmt.OrderBy {
		exprs = append(exprs, o.Expr)
	}
	return checkFunctions(exprs...)
}

// limits evaluates LIMIT and OFFSET. A negative limit means no limit.
func limits(ev *evaluator, plan *planner.Plan) (limit, offset int64, err error) {
	limit = -1
	get := func(e parser.Expr) (int64, error) {
		v, err := ev.eval(e)
		if err != nil {
			return 0, err
		}
		n, ok := record.AffinityInteger.Apply(v).(int64)
		if !ok {
			return 0, dberror.New(dberror.KindSchema, "datatype mismatch")
		}
		return n, nil
	}
	if plan.Limit != nil {
		if limit, err = get(plan.Limit); err != nil {
			return 0, 0, err
		}
	}
	if plan.Offset != nil {
		if offset, err = get(plan.Offset); err != nil {
			return 0, 0, err
		}
	}
	return limit, max(offset, 0), nil
}

func onceProducer(fn func() ([]record.Value, error)) func() ([]record.Value, bool, error) {
	done := false
	return func() ([]record.Value, bool, error) {
		if done {
			return nil, false, nil
		}
		done = true
		vals, err := fn()
		return vals, err == nil, err
	}
}

func distinct(in func() ([]record.Value, bool, error)) func() ([]record.Value, bool, error) {
	seen := make(map[string]struct{})
	return func() ([]record.Value, bool, error) {
		for {
			vals, ok, err := in()
			if err != nil || !ok {
				return nil, false, err
			}
			k := string(record.IndexKeyPrefix(vals))
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			return vals, true, nil
		}
	}
}

// sorted reads every row, then yields them in ORDER BY order. The sort is
// stable so equal keys keep their scan order.
func sorted(ctx context.Context, plan *planner.Plan, ev *evaluator, sc *scanner, project func() ([]record.Value, error)) func() ([]record.Value, bool, error) {
	var rows []sortRow
	pos := -1
	return func() ([]record.Value, bool, error) {
		if pos < 0 {
			pos = 0
			for {
				ok, err := sc.next()
				if err != nil {
					return nil, false, err
				}
				if !ok {
					break
				}
				vals, err := project()
				if err != nil {
					return nil, false, err
				}
				keys := make([]record.Value, len(plan.OrderBy))
				for i, k := range plan.OrderBy {
					if k.Output >= 0 {
						keys[i] = vals[k.Output]
						continue
					}
					v, err := ev.eval(k.Expr)
					if err != nil {
						return nil, false, err
					}
					keys[i] = record.Clone(v)
				}
				rows = append(rows, sortRow{vals: vals, keys: keys})
			}
			if err := ctx.Err(); err != nil {
				return nil, false, interrupted(err)
			}
			sort.SliceStable(rows, func(i, j int) bool {
				for k, key := range plan.OrderBy {
					c := record.Compare(rows[i].keys[k], rows[j].keys[k])
					if c == 0 {
						continue
					}
					if key.Desc {
						return c > 0
					}
					return c < 0
				}
				return false
			})
		}
		if pos >= len(rows) {
			return nil, false, nil
		}
		r := rows[pos]
		rows[pos] = sortRow{}
		pos++
		return r.vals, true, nil
	}
}

func window(in func() ([]record.Value, bool, error), limit, offset int64) func() ([]record.Value, bool, error) {
	var emitted int64
	return func() ([]record.Value, bool, error) {
		for ; offset > 0; offset-- {
			_, ok, err := in()
			if err != nil || !ok {
				return nil, false, err
			}
		}
		if limit >= 0 && emitted >= limit {
			return nil, false, nil
		}
		vals, ok, err := in()
		if ok {
			emitted++
		}
		return vals, ok, err
	}
}
