// Package executor runs parsed statements against a page view: queries as
// lazy row iterators, and INSERT, UPDATE, DELETE and DDL as direct B-tree
// mutations inside the caller's transaction.
//
// The executor never begins or ends transactions. The connection layer
// wraps every call in a savepoint so a failed statement leaves no partial
// effects.
package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/planner"
	"github.com/sushant-115/gojolite/core/record"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Env is what a statement executes against.
type Env struct {
	Tree *btree.Tree
	// Pager is the page view behind Tree; DDL updates its header.
	Pager  *pagemanager.Manager
	Schema *catalog.Schema
	// Params holds the bound parameter values by slot.
	Params []record.Value
	Logger *zap.Logger
}

// NewEnv builds an Env over page view m.
func NewEnv(m *pagemanager.Manager, s *catalog.Schema, params []record.Value, logger *zap.Logger) *Env {
	return &Env{Tree: btree.New(m), Pager: m, Schema: s, Params: params, Logger: logger}
}

func (env *Env) logger() *zap.Logger {
	if env.Logger == nil {
		return zap.NewNop()
	}
	return env.Logger
}

// Result reports the effect of a data-modifying statement.
type Result struct {
	// Changes counts the rows inserted, updated or deleted.
	Changes int64
	// LastInsertID is the row id of the last inserted row, zero when the
	// statement inserted none.
	LastInsertID int64
}

// Exec runs a data-modifying or DDL statement. sql is the statement's text,
// recorded in the schema for CREATE statements.
func Exec(ctx context.Context, env *Env, stmt parser.Statement, sql string) (Result, error) {
	switch s := stmt.(type) {
	case *parser.InsertStmt:
		return execInsert(ctx, env, s)
	case *parser.UpdateStmt:
		return execUpdate(ctx, env, s)
	case *parser.DeleteStmt:
		return execDelete(ctx, env, s)
	case *parser.CreateTableStmt:
		return Result{}, execCreateTable(env, s, sql)
	case *parser.CreateIndexStmt:
		return Result{}, execCreateIndex(ctx, env, s, sql)
	case *parser.DropTableStmt:
		return Result{}, execDropTable(env, s)
	case *parser.DropIndexStmt:
		return Result{}, execDropIndex(env, s)
	}
	return Result{}, dberror.New(dberror.KindMisuse, "cannot execute %T", stmt)
}

// IsQuery reports whether stmt produces rows.
func IsQuery(stmt parser.Statement) bool {
	switch stmt.(type) {
	case *parser.SelectStmt, *parser.ExplainStmt:
		return true
	}
	return false
}

// IsReadOnly reports whether stmt leaves the database unchanged.
func IsReadOnly(stmt parser.Statement) bool {
	switch s := stmt.(type) {
	case *parser.SelectStmt, *parser.ExplainStmt, *parser.BeginStmt, *parser.CommitStmt, *parser.RollbackStmt:
		return true
	case *parser.PragmaStmt:
		// Only assigning user_version writes to the file.
		return s.Value == nil || !strings.EqualFold(s.Name, "user_version")
	}
	return false
}

// Explain describes how stmt would run, one line per step.
func Explain(env *Env, stmt parser.Statement) ([]string, error) {
	var (
		plan *planner.Plan
		err  error
	)
	switch s := stmt.(type) {
	case *parser.SelectStmt:
		plan, err = planner.PlanSelect(env.Schema, s)
	case *parser.UpdateStmt:
		exprs := make([]parser.Expr, len(s.Set))
		for i, a := range s.Set {
			exprs[i] = a.Value
		}
		plan, err = planner.PlanScan(env.Schema, s.Table, s.Where, exprs...)
	case *parser.DeleteStmt:
		plan, err = planner.PlanScan(env.Schema, s.Table, s.Where)
	case *parser.InsertStmt:
		return []string{fmt.Sprintf("INSERT INTO %s", s.Table)}, nil
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return plan.Details(), nil
}

// ExplainRows returns the plan of an EXPLAIN QUERY PLAN statement as rows
// with a single detail column.
func ExplainRows(env *Env, stmt *parser.ExplainStmt) (*Rows, error) {
	lines, err := Explain(env, stmt.Stmt)
	if err != nil {
		return nil, err
	}
	return StaticRows([]string{"detail"}, linesToRows(lines)), nil
}

func linesToRows(lines []string) [][]record.Value {
	out := make([][]record.Value, len(lines))
	for i, l := range lines {
		out[i] = []record.Value{l}
	}
	return out
}

// StaticRows returns Rows over precomputed values.
func StaticRows(columns []string, rows [][]record.Value) *Rows {
	pos := 0
	return &Rows{columns: columns, produce: func() ([]record.Value, bool, error) {
		if pos >= len(rows) {
			return nil, false, nil
		}
		pos++
		return rows[pos-1], true, nil
	}}
}
