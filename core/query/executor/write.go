package executor

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

// writableTable resolves the target of an INSERT, UPDATE or DELETE.
func writableTable(env *Env, name string) (*catalog.Table, error) {
	t, ok := env.Schema.Table(name)
	if !ok {
		return nil, dberror.New(dberror.KindSchema, "no such table: %s", name)
	}
	if t.System {
		return nil, dberror.New(dberror.KindSchema, "table %s may not be modified", t.Name)
	}
	return t, nil
}

// indexValues returns the values of ix's columns for a stored row.
func indexValues(t *catalog.Table, ix *catalog.Index, vals []record.Value, rowid int64) []record.Value {
	out := make([]record.Value, len(ix.Columns))
	for i, c := range ix.Columns {
		out[i] = columnValue(t, vals, rowid, c)
	}
	return out
}

// storedRow returns vals as written to the table tree: the INTEGER PRIMARY
// KEY column is kept in the key only.
func storedRow(t *catalog.Table, vals []record.Value) []record.Value {
	if t.RowIDAlias < 0 {
		return vals
	}
	out := append([]record.Value(nil), vals...)
	out[t.RowIDAlias] = nil
	return out
}

func insertRow(env *Env, t *catalog.Table, rowid int64, vals []record.Value) error {
	if err := env.Tree.Insert(t.Root, record.EncodeRowID(rowid), record.EncodeRow(storedRow(t, vals))); err != nil {
		return err
	}
	for _, ix := range t.Indexes {
		if err := env.Tree.Insert(ix.Root, record.EncodeIndexKey(indexValues(t, ix, vals, rowid), rowid), nil); err != nil {
			return err
		}
	}
	return nil
}

func deleteRow(env *Env, t *catalog.Table, rowid int64, vals []record.Value) error {
	for _, ix := range t.Indexes {
		found, err := env.Tree.Delete(ix.Root, record.EncodeIndexKey(indexValues(t, ix, vals, rowid), rowid))
		if err != nil {
			return err
		}
		if !found {
			return dberror.New(dberror.KindCorruption, "index %s has no entry for row %d", ix.Name, rowid)
		}
	}
	found, err := env.Tree.Delete(t.Root, record.EncodeRowID(rowid))
	if err != nil {
		return err
	}
	if !found {
		return dberror.New(dberror.KindCorruption, "table %s has no row %d", t.Name, rowid)
	}
	return nil
}

// loadRow reads one row by row id.
func loadRow(env *Env, t *catalog.Table, rowid int64) ([]record.Value, bool, error) {
	payload, ok, err := env.Tree.Get(t.Root, record.EncodeRowID(rowid))
	if err != nil || !ok {
		return nil, false, err
	}
	vals, err := decodeStored(t, payload, rowid)
	return vals, err == nil, err
}

// uniqueConflicts returns the rows other than self whose values collide
// with vals in a unique index. NULLs never collide.
func uniqueConflicts(env *Env, t *catalog.Table, ix *catalog.Index, vals []record.Value, rowid, self int64) ([]int64, error) {
	key := indexValues(t, ix, vals, rowid)
	for _, v := range key {
		if v == nil {
			return nil, nil
		}
	}
	prefix := record.IndexKeyPrefix(key)
	cur, err := env.Tree.Range(ix.Root, prefix, record.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	var out []int64
	for cur.Valid() {
		other, err := record.IndexKeyRowID(cur.Key())
		if err != nil {
			return nil, dberror.Wrap(dberror.KindCorruption, "unique", err)
		}
		if other != self {
			out = append(out, other)
		}
		if err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func uniqueViolation(t *catalog.Table, ix *catalog.Index) error {
	name := ix.ConstraintName(t)
	return dberror.Constraint(name, "UNIQUE constraint failed: %s", name)
}

func notNullViolation(t *catalog.Table, c int) error {
	name := t.ColumnName(c)
	return dberror.Constraint(name, "NOT NULL constraint failed: %s", name)
}

func rowidViolation(t *catalog.Table) error {
	c := catalog.RowIDColumn
	if t.RowIDAlias >= 0 {
		c = t.RowIDAlias
	}
	name := t.ColumnName(c)
	return dberror.Constraint(name, "UNIQUE constraint failed: %s", name)
}

// checkNotNull returns the first NOT NULL column of vals holding NULL, or -1.
func checkNotNull(t *catalog.Table, vals []record.Value) int {
	for i, c := range t.Columns {
		if c.NotNull && i != t.RowIDAlias && vals[i] == nil {
			return i
		}
	}
	return -1
}

// nextRowID picks the row id for a row inserted without one.
func nextRowID(env *Env, t *catalog.Table) (int64, error) {
	last, _, ok, err := env.Tree.Last(t.Root)
	if err != nil || !ok {
		return 1, err
	}
	id, err := record.DecodeRowID(last)
	if err != nil {
		return 0, dberror.Wrap(dberror.KindCorruption, "insert", err)
	}
	if id == math.MaxInt64 {
		return 0, dberror.New(dberror.KindIO, "database or disk is full: no row id left in %s", t.Name)
	}
	return id + 1, nil
}

func execInsert(ctx context.Context, env *Env, stmt *parser.InsertStmt) (Result, error) {
	t, err := writableTable(env, stmt.Table)
	if err != nil {
		return Result{}, err
	}
	targets, err := insertTargets(t, stmt.Columns)
	if err != nil {
		return Result{}, err
	}
	var exprs []parser.Expr
	for _, r := range stmt.Rows {
		exprs = append(exprs, r...)
	}
	if err := checkFunctions(exprs...); err != nil {
		return Result{}, err
	}
	plan, err := planner.PlanValues(exprs...)
	if err != nil {
		return Result{}, err
	}
	ev := newEvaluator(plan, env.Params)
	var res Result
	for _, exprRow := range stmt.Rows {
		if err := ctx.Err(); err != nil {
			return res, interrupted(err)
		}
		if len(exprRow) > 0 || len(stmt.Columns) > 0 {
			if len(exprRow) != len(targets) {
				if len(stmt.Columns) == 0 {
					return res, dberror.New(dberror.KindSchema, "table %s has %d columns but %d values were supplied", t.Name, len(targets), len(exprRow))
				}
				return res, dberror.New(dberror.KindSchema, "%d values for %d columns", len(exprRow), len(targets))
			}
		}
		given := make([]record.Value, len(exprRow))
		for i, e := range exprRow {
			v, err := ev.eval(e)
			if err != nil {
				return res, err
			}
			given[i] = record.Clone(v)
		}
		inserted, rowid, err := insertOne(env, ev, t, targets[:len(given)], given, stmt.Conflict)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Changes++
			res.LastInsertID = rowid
		}
	}
	return res, nil
}

// insertTargets maps INSERT's column list to column positions. Without a
// list every column is a target.
func insertTargets(t *catalog.Table, names []string) ([]int, error) {
	if len(names) == 0 {
		out := make([]int, len(t.Columns))
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := make([]int, len(names))
	for i, n := range names {
		c, ok := t.ColumnIndex(n)
		if !ok {
			return nil, dberror.New(dberror.KindSchema, "table %s has no column named %s", t.Name, n)
		}
		for _, prev := range out[:i] {
			if prev == c {
				return nil, dberror.New(dberror.KindSchema, "column %s specified more than once", n)
			}
		}
		out[i] = c
	}
	return out, nil
}

// insertOne inserts one row of given values for the target columns.
// It reports whether a row was written.
func insertOne(env *Env, ev *evaluator, t *catalog.Table, targets []int, given []record.Value, conflict parser.ConflictAction) (bool, int64, error) {
	vals := make([]record.Value, len(t.Columns))
	supplied := make([]bool, len(t.Columns))
	var explicit record.Value
	for i, c := range targets {
		if t.IsRowID(c) {
			explicit = given[i]
		}
		if c >= 0 {
			vals[c] = given[i]
			supplied[c] = true
		}
	}
	for i, col := range t.Columns {
		if supplied[i] || col.Default == nil {
			continue
		}
		v, err := ev.eval(col.Default)
		if err != nil {
			return false, 0, err
		}
		vals[i] = v
	}
	for i := range vals {
		if i != t.RowIDAlias {
			vals[i] = t.Columns[i].Affinity.Apply(vals[i])
		}
	}

	var rowid int64
	if explicit != nil {
		id, ok := record.AffinityInteger.Apply(explicit).(int64)
		if !ok {
			return false, 0, dberror.New(dberror.KindSchema, "datatype mismatch")
		}
		rowid = id
	} else {
		id, err := nextRowID(env, t)
		if err != nil {
			return false, 0, err
		}
		rowid = id
	}
	if t.RowIDAlias >= 0 {
		vals[t.RowIDAlias] = rowid
	}

	if c := checkNotNull(t, vals); c >= 0 {
		if conflict == parser.ConflictIgnore {
			return false, 0, nil
		}
		return false, 0, notNullViolation(t, c)
	}

	// Collect every conflict before mutating anything.
	var victims []int64
	if explicit != nil {
		exists, err := env.Tree.Has(t.Root, record.EncodeRowID(rowid))
		if err != nil {
			return false, 0, err
		}
		if exists {
			switch conflict {
			case parser.ConflictIgnore:
				return false, 0, nil
			case parser.ConflictReplace:
				victims = append(victims, rowid)
			default:
				return false, 0, rowidViolation(t)
			}
		}
	}
	for _, ix := range t.Indexes {
		if !ix.Unique {
			continue
		}
		others, err := uniqueConflicts(env, t, ix, vals, rowid, rowid)
		if err != nil {
			return false, 0, err
		}
		if len(others) == 0 {
			continue
		}
		switch conflict {
		case parser.ConflictIgnore:
			return false, 0, nil
		case parser.ConflictReplace:
			victims = append(victims, others...)
		default:
			return false, 0, uniqueViolation(t, ix)
		}
	}
	if err := removeRows(env, t, victims); err != nil {
		return false, 0, err
	}
	if err := insertRow(env, t, rowid, vals); err != nil {
		return false, 0, err
	}
	return true, rowid, nil
}

// removeRows deletes rows displaced by REPLACE, each once.
func removeRows(env *Env, t *catalog.Table, rowids []int64) error {
	done := make(map[int64]bool, len(rowids))
	for _, id := range rowids {
		if done[id] {
			continue
		}
		done[id] = true
		vals, ok, err := loadRow(env, t, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := deleteRow(env, t, id, vals); err != nil {
			return err
		}
	}
	return nil
}

// target is a row selected by UPDATE or DELETE.
type target struct {
	rowid int64
	vals  []record.Value
}

// collect runs the row selection of plan to completion before anything is
// modified.
func collect(ctx context.Context, env *Env, plan *planner.Plan, ev *evaluator) ([]target, error) {
	sc := newScanner(ctx, env.Tree, plan, ev)
	var out []target
	for {
		ok, err := sc.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		r := ev.rows[0]
		out = append(out, target{rowid: r.rowid, vals: r.vals})
	}
}

func execUpdate(ctx context.Context, env *Env, stmt *parser.UpdateStmt) (Result, error) {
	t, err := writableTable(env, stmt.Table)
	if err != nil {
		return Result{}, err
	}
	cols := make([]int, len(stmt.Set))
	exprs := make([]parser.Expr, len(stmt.Set))
	for i, a := range stmt.Set {
		c, ok := t.ColumnIndex(a.Column)
		if !ok {
			return Result{}, dberror.New(dberror.KindSchema, "no such column: %s", a.Column)
		}
		cols[i], exprs[i] = c, a.Value
	}
	if err := checkFunctions(append([]parser.Expr{stmt.Where}, exprs...)...); err != nil {
		return Result{}, err
	}
	plan, err := planner.PlanScan(env.Schema, t.Name, stmt.Where, exprs...)
	if err != nil {
		return Result{}, err
	}
	ev := newEvaluator(plan, env.Params)
	targets, err := collect(ctx, env, plan, ev)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, tg := range targets {
		if err := ctx.Err(); err != nil {
			return res, interrupted(err)
		}
		ev.rows[0] = row{rowid: tg.rowid, vals: tg.vals}
		vals := append([]record.Value(nil), tg.vals...)
		rowid := tg.rowid
		for i, c := range cols {
			v, err := ev.eval(exprs[i])
			if err != nil {
				return res, err
			}
			v = record.Clone(v)
			if t.IsRowID(c) {
				id, ok := record.AffinityInteger.Apply(v).(int64)
				if !ok {
					return res, dberror.New(dberror.KindSchema, "datatype mismatch")
				}
				rowid = id
				continue
			}
			vals[c] = t.Columns[c].Affinity.Apply(v)
		}
		if t.RowIDAlias >= 0 {
			vals[t.RowIDAlias] = rowid
		}
		if c := checkNotNull(t, vals); c >= 0 {
			return res, notNullViolation(t, c)
		}
		if rowid != tg.rowid {
			exists, err := env.Tree.Has(t.Root, record.EncodeRowID(rowid))
			if err != nil {
				return res, err
			}
			if exists {
				return res, rowidViolation(t)
			}
		}
		for _, ix := range t.Indexes {
			if !ix.Unique {
				continue
			}
			others, err := uniqueConflicts(env, t, ix, vals, rowid, tg.rowid)
			if err != nil {
				return res, err
			}
			if len(others) > 0 {
				return res, uniqueViolation(t, ix)
			}
		}
		if err := deleteRow(env, t, tg.rowid, tg.vals); err != nil {
			return res, err
		}
		if err := insertRow(env, t, rowid, vals); err != nil {
			return res, err
		}
		res.Changes++
	}
	return res, nil
}

func execDelete(ctx context.Context, env *Env, stmt *parser.DeleteStmt) (Result, error) {
	t, err := writableTable(env, stmt.Table)
	if err != nil {
		return Result{}, err
	}
	if stmt.Where == nil {
		return truncate(ctx, env, t)
	}
	if err := checkFunctions(stmt.Where); err != nil {
		return Result{}, err
	}
	plan, err := planner.PlanScan(env.Schema, t.Name, stmt.Where)
	if err != nil {
		return Result{}, err
	}
	ev := newEvaluator(plan, env.Params)
	targets, err := collect(ctx, env, plan, ev)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, tg := range targets {
		if err := deleteRow(env, t, tg.rowid, tg.vals); err != nil {
			return res, err
		}
		res.Changes++
	}
	return res, nil
}

// truncate deletes every row of t by clearing its trees.
func truncate(ctx context.Context, env *Env, t *catalog.Table) (Result, error) {
	cur, err := env.Tree.Seek(t.Root, nil)
	if err != nil {
		return Result{}, err
	}
	var n int64
	for cur.Valid() {
		if err := ctx.Err(); err != nil {
			return Result{}, interrupted(err)
		}
		n++
		if err := cur.Next(); err != nil {
			return Result{}, err
		}
	}
	if err := env.Tree.Clear(t.Root); err != nil {
		return Result{}, err
	}
	for _, ix := range t.Indexes {
		if err := env.Tree.Clear(ix.Root); err != nil {
			return Result{}, err
		}
	}
	env.logger().Debug("table cleared", zap.String("table", t.Name), zap.Int64("rows", n))
	return Result{Changes: n}, nil
}
