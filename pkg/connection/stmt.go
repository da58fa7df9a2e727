package connection

import (
	"context"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/executor"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
)

// Result reports the effect of Run.
type Result struct {
	// Changes counts the rows inserted, updated or deleted by the statement.
	Changes int64
	// LastInsertID is the row id of the most recent successful insert on
	// the connection.
	LastInsertID int64
}

// Column describes a result column. Table, Column and Type are empty for
// columns computed from expressions.
type Column struct {
	Name   string
	Table  string
	Column string
	// Type is the declared type of the source column.
	Type string
}

// Stmt is a prepared statement. It is parsed once and may run any number of
// times with different parameters.
type Stmt struct {
	conn   *Conn
	parsed *parser.Parsed
	source string

	bound     []record.Value
	rows      *Rows
	finalized bool
}

// Source returns the SQL text the statement was prepared from.
func (s *Stmt) Source() string { return s.source }

// Reader reports whether the statement returns rows.
func (s *Stmt) Reader() bool {
	switch s.parsed.Stmt.(type) {
	case *parser.SelectStmt, *parser.ExplainStmt, *parser.PragmaStmt:
		return true
	}
	return false
}

// ReadOnly reports whether running the statement leaves the database
// unchanged.
func (s *Stmt) ReadOnly() bool { return executor.IsReadOnly(s.parsed.Stmt) }

// ParamCount is the number of parameter slots.
func (s *Stmt) ParamCount() int { return s.parsed.Params }

// Busy reports whether an iteration started by Iterate is still open.
func (s *Stmt) Busy() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.rows != nil
}

// Bind binds parameters permanently. A bound statement runs without
// arguments.
func (s *Stmt) Bind(args ...any) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.bound != nil {
		return dberror.New(dberror.KindMisuse, "the bind method can only be invoked once per statement object")
	}
	params, err := bindArgs(s.parsed, args)
	if err != nil {
		return err
	}
	if params == nil {
		params = []record.Value{}
	}
	s.bound = params
	return nil
}

// Columns describes the result columns of a query against the current
// schema. Statements that return no rows have no columns; PRAGMA columns
// are only known once it runs.
func (s *Stmt) Columns() ([]Column, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	switch st := s.parsed.Stmt.(type) {
	case *parser.ExplainStmt:
		return []Column{{Name: "detail"}}, nil
	case *parser.SelectStmt:
		var cols []Column
		err := s.conn.view(func(env *executor.Env) error {
			plan, err := planner.PlanSelect(env.Schema, st)
			if err != nil {
				return err
			}
			cols = make([]Column, len(plan.Output))
			for i, o := range plan.Output {
				cols[i] = describe(plan, o)
			}
			return nil
		})
		return cols, err
	}
	return nil, nil
}

func describe(plan *planner.Plan, o planner.Output) Column {
	col := Column{Name: o.Name}
	ref, ok := o.Expr.(*parser.ColumnRef)
	if !ok {
		return col
	}
	slot, ok := plan.Refs[ref]
	if !ok {
		return col
	}
	t := plan.Sources[slot.Source].Table
	col.Table = t.Name
	switch {
	case slot.Column == catalog.RowIDColumn:
		col.Column, col.Type = "rowid", "INTEGER"
	default:
		col.Column = t.Columns[slot.Column].Name
		col.Type = t.Columns[slot.Column].Type
	}
	return col
}

func (s *Stmt) usable() error {
	if err := s.conn.usable(); err != nil {
		return err
	}
	if s.finalized {
		return dberror.New(dberror.KindClosed, "this statement has been finalized")
	}
	return nil
}

func (s *Stmt) params(args []any) ([]record.Value, error) {
	if s.bound == nil {
		return bindArgs(s.parsed, args)
	}
	if len(args) > 0 {
		return nil, dberror.New(dberror.KindMisuse, "this statement already has bound parameters")
	}
	return s.bound, nil
}

// start runs the statement, resetting an iteration still open on it.
func (s *Stmt) start(ctx context.Context, args []any) (*Rows, executor.Result, error) {
	if err := s.usable(); err != nil {
		return nil, executor.Result{}, err
	}
	params, err := s.params(args)
	if err != nil {
		return nil, executor.Result{}, err
	}
	if s.rows != nil {
		s.rows.closeLocked()
	}
	rows, res, err := s.conn.execute(ctx, s.parsed, params)
	if rows != nil {
		rows.stmt = s
		rows.sql = s.parsed.SQL
	}
	return rows, res, err
}

func (s *Stmt) requireReader() error {
	if !s.Reader() {
		return dberror.New(dberror.KindMisuse, "this statement does not return data; use Run instead")
	}
	return nil
}

// Run executes the statement. Rows of a query are discarded.
func (s *Stmt) Run(args ...any) (Result, error) {
	return s.RunContext(context.Background(), args...)
}

func (s *Stmt) RunContext(ctx context.Context, args ...any) (Result, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	rows, res, err := s.start(ctx, args)
	if err != nil {
		return Result{}, err
	}
	if rows != nil {
		rows.closeLocked()
	}
	return Result{Changes: res.Changes, LastInsertID: s.conn.lastInsertID}, nil
}

// Get returns the first result row, or nil when there is none.
func (s *Stmt) Get(args ...any) (*Row, error) {
	return s.GetContext(context.Background(), args...)
}

func (s *Stmt) GetContext(ctx context.Context, args ...any) (*Row, error) {
	if err := s.requireReader(); err != nil {
		return nil, err
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	rows, _, err := s.start(ctx, args)
	if err != nil {
		return nil, err
	}
	defer rows.closeLocked()
	if !rows.nextLocked() {
		return nil, rows.err
	}
	row := rows.row
	return &row, nil
}

// All returns every result row.
func (s *Stmt) All(args ...any) ([]Row, error) {
	return s.AllContext(context.Background(), args...)
}

func (s *Stmt) AllContext(ctx context.Context, args ...any) ([]Row, error) {
	if err := s.requireReader(); err != nil {
		return nil, err
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	rows, _, err := s.start(ctx, args)
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.nextLocked() {
		out = append(out, rows.row)
	}
	if rows.err != nil {
		return nil, rows.err
	}
	return out, nil
}

// Iterate starts a lazy iteration over the result rows. Running the
// statement again closes it.
func (s *Stmt) Iterate(args ...any) (*Rows, error) {
	return s.IterateContext(context.Background(), args...)
}

func (s *Stmt) IterateContext(ctx context.Context, args ...any) (*Rows, error) {
	if err := s.requireReader(); err != nil {
		return nil, err
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	rows, _, err := s.start(ctx, args)
	if err != nil {
		return nil, err
	}
	s.rows = rows
	return rows, nil
}

// Close finalizes the statement. Closing it twice is a no-op.
func (s *Stmt) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalize()
	if s.conn.stmts != nil {
		delete(s.conn.stmts, s)
	}
	return nil
}

func (s *Stmt) finalize() {
	s.finalized = true
	if s.rows != nil {
		s.rows.closeLocked()
	}
}
