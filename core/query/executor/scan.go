package executor

import (
	"context"
	"math"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

// sourceIter yields the candidate rows of one source in access path order.
type sourceIter interface {
	next() (row, bool, error)
}

type emptyIter struct{}

func (emptyIter) next() (row, bool, error) { return row{}, false, nil }

// tableIter walks a range of a table tree.
type tableIter struct {
	table *catalog.Table
	cur   *btree.Cursor
	first bool
}

func (it *tableIter) next() (row, bool, error) {
	if !it.first {
		if err := it.cur.Next(); err != nil {
			return row{}, false, err
		}
	}
	it.first = false
	if !it.cur.Valid() {
		return row{}, false, nil
	}
	rowid, err := record.DecodeRowID(it.cur.Key())
	if err != nil {
		return row{}, false, dberror.Wrap(dberror.KindCorruption, "scan", err)
	}
	payload, err := it.cur.Value()
	if err != nil {
		return row{}, false, err
	}
	vals, err := decodeStored(it.table, payload, rowid)
	if err != nil {
		return row{}, false, err
	}
	return row{rowid: rowid, vals: vals}, true, nil
}

// indexIter walks a range of an index and fetches each entry's row.
type indexIter struct {
	tree  *btree.Tree
	table *catalog.Table
	cur   *btree.Cursor
	first bool
}

func (it *indexIter) next() (row, bool, error) {
	if !it.first {
		if err := it.cur.Next(); err != nil {
			return row{}, false, err
		}
	}
	it.first = false
	if !it.cur.Valid() {
		return row{}, false, nil
	}
	rowid, err := record.IndexKeyRowID(it.cur.Key())
	if err != nil {
		return row{}, false, dberror.Wrap(dberror.KindCorruption, "scan", err)
	}
	return fetchRow(it.tree, it.table, rowid)
}

// fetchRow reads the row an index entry points at. A missing row means the
// index and its table disagree.
func fetchRow(tree *btree.Tree, t *catalog.Table, rowid int64) (row, bool, error) {
	payload, ok, err := tree.Get(t.Root, record.EncodeRowID(rowid))
	if err != nil {
		return row{}, false, err
	}
	if !ok {
		return row{}, false, dberror.New(dberror.KindCorruption, "index of %s refers to missing row %d", t.Name, rowid)
	}
	vals, err := decodeStored(t, payload, rowid)
	if err != nil {
		return row{}, false, err
	}
	return row{rowid: rowid, vals: vals}, true, nil
}

// decodeStored decodes a row payload, pads it to the table's width and puts
// the row id in the INTEGER PRIMARY KEY column.
func decodeStored(t *catalog.Table, payload []byte, rowid int64) ([]record.Value, error) {
	vals, err := record.DecodeRow(payload)
	if err != nil {
		return nil, dberror.Wrap(dberror.KindCorruption, "decode", err)
	}
	for len(vals) < len(t.Columns) {
		vals = append(vals, nil)
	}
	if t.RowIDAlias >= 0 {
		vals[t.RowIDAlias] = rowid
	}
	return vals, nil
}

func interrupted(cause error) error {
	return &dberror.Error{Kind: dberror.KindInterrupt, Op: "step", Msg: "interrupted", Err: cause}
}

// scanner joins the plan's sources by nested loops. After next reports
// true, the evaluator holds the current row of every source.
type scanner struct {
	ctx   context.Context
	tree  *btree.Tree
	plan  *planner.Plan
	ev    *evaluator
	iters []sourceIter
	// level is the source to advance next; -1 once exhausted.
	level   int
	started bool
}

func newScanner(ctx context.Context, tree *btree.Tree, plan *planner.Plan, ev *evaluator) *scanner {
	return &scanner{ctx: ctx, tree: tree, plan: plan, ev: ev, iters: make([]sourceIter, len(plan.Sources))}
}

func (s *scanner) next() (bool, error) {
	if !s.started {
		s.started = true
		for _, f := range s.plan.Filters {
			ok, err := s.ev.truth(f)
			if err != nil {
				return false, err
			}
			if !ok {
				s.level = -1
				return false, nil
			}
		}
		if len(s.plan.Sources) == 0 {
			// A query without FROM produces one row.
			s.level = -1
			return true, nil
		}
		if err := s.open(0); err != nil {
			return false, err
		}
	} else if s.level >= 0 {
		s.level = len(s.iters) - 1
	}
	for s.level >= 0 {
		if err := s.ctx.Err(); err != nil {
			return false, interrupted(err)
		}
		ok, err := s.advance(s.level)
		if err != nil {
			return false, err
		}
		if !ok {
			s.ev.rows[s.level] = row{}
			s.level--
			continue
		}
		if s.level == len(s.iters)-1 {
			return true, nil
		}
		s.level++
		if err := s.open(s.level); err != nil {
			return false, err
		}
	}
	return false, nil
}

// advance moves source i to its next row that passes the source's filters.
func (s *scanner) advance(i int) (bool, error) {
	src := s.plan.Sources[i]
next:
	for {
		r, ok, err := s.iters[i].next()
		if err != nil || !ok {
			return false, err
		}
		s.ev.rows[i] = r
		for _, f := range src.Filters {
			pass, err := s.ev.truth(f)
			if err != nil {
				return false, err
			}
			if !pass {
				continue next
			}
		}
		return true, nil
	}
}

// open starts source i's access path, evaluating its bounds against the
// current rows of the outer sources.
func (s *scanner) open(i int) error {
	src := s.plan.Sources[i]
	a := src.Access
	t := src.Table
	var lo, hi []byte
	empty := false
	var err error
	switch a.Kind {
	case planner.RowIDLookup, planner.RowIDRange:
		lo, hi, empty, err = s.rowidBounds(a)
	case planner.IndexLookup, planner.IndexRange:
		lo, hi, empty, err = s.indexBounds(a)
	}
	if err != nil {
		return err
	}
	if empty {
		s.iters[i] = emptyIter{}
		return nil
	}
	switch a.Kind {
	case planner.IndexLookup, planner.IndexRange, planner.IndexScan:
		cur, err := s.tree.Range(a.Index.Root, lo, hi)
		if err != nil {
			return err
		}
		s.iters[i] = &indexIter{tree: s.tree, table: t, cur: cur, first: true}
	default:
		cur, err := s.tree.Range(t.Root, lo, hi)
		if err != nil {
			return err
		}
		s.iters[i] = &tableIter{table: t, cur: cur, first: true}
	}
	return nil
}

func (s *scanner) boundValue(b *planner.Bound) (record.Value, error) {
	v, err := s.ev.eval(b.Expr)
	if err != nil {
		return nil, err
	}
	if b.Convert != nil {
		v = b.Convert.Apply(v)
	}
	return v, nil
}

// rowidBounds turns row id constraints into a key range of the table tree.
// The range may be wider than the constraint; filters recheck every row.
func (s *scanner) rowidBounds(a planner.Access) (lo, hi []byte, empty bool, err error) {
	if a.Eq != nil {
		v, err := s.boundValue(a.Eq)
		if err != nil {
			return nil, nil, false, err
		}
		id, ok := v.(int64)
		if !ok {
			return nil, nil, true, nil
		}
		lo = record.EncodeRowID(id)
		return lo, append(record.EncodeRowID(id), 0), false, nil
	}
	if a.Lo != nil {
		v, err := s.boundValue(a.Lo)
		if err != nil {
			return nil, nil, false, err
		}
		switch x := v.(type) {
		case int64:
			lo = record.EncodeRowID(x)
		case float64:
			c := math.Ceil(x)
			switch {
			case c >= math.MaxInt64:
				return nil, nil, true, nil
			case c > math.MinInt64:
				lo = record.EncodeRowID(int64(c))
			}
		default:
			// NULL matches nothing; TEXT and BLOB rank above every row id.
			return nil, nil, true, nil
		}
	}
	if a.Hi != nil {
		v, err := s.boundValue(a.Hi)
		if err != nil {
			return nil, nil, false, err
		}
		switch x := v.(type) {
		case nil:
			return nil, nil, true, nil
		case int64:
			hi = append(record.EncodeRowID(x), 0)
		case float64:
			f := math.Floor(x)
			switch {
			case f < math.MinInt64:
				return nil, nil, true, nil
			case f < math.MaxInt64:
				hi = append(record.EncodeRowID(int64(f)), 0)
			}
		}
	}
	return lo, hi, false, nil
}

// indexBounds turns constraints on an index's first column into a key
// range of the index tree. NULL keys are never in range.
func (s *scanner) indexBounds(a planner.Access) (lo, hi []byte, empty bool, err error) {
	if a.Eq != nil {
		v, err := s.boundValue(a.Eq)
		if err != nil {
			return nil, nil, false, err
		}
		if v == nil {
			return nil, nil, true, nil
		}
		prefix := record.AppendKey(nil, v)
		return prefix, record.PrefixEnd(prefix), false, nil
	}
	lo = record.PrefixEnd(record.AppendKey(nil, nil))
	if a.Lo != nil {
		v, err := s.boundValue(a.Lo)
		if err != nil {
			return nil, nil, false, err
		}
		if v == nil {
			return nil, nil, true, nil
		}
		lo = record.AppendKey(nil, v)
	}
	if a.Hi != nil {
		v, err := s.boundValue(a.Hi)
		if err != nil {
			return nil, nil, false, err
		}
		if v == nil {
			return nil, nil, true, nil
		}
		hi = record.PrefixEnd(record.AppendKey(nil, v))
	}
	return lo, hi, false, nil
}
