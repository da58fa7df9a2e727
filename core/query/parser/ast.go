package parser

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/orsinium-labs/enum"
)

// Node is implemented by every AST node.
type Node interface {
	String() string
}

// Statement is one SQL statement. The concrete types form a closed set.
type Statement interface {
	Node
	statement()
}

// Expr is a scalar expression.
type Expr interface {
	Node
	expr()
}

// ConflictAction is the OR clause of INSERT.
type ConflictAction enum.Member[string]

var (
	ConflictAbort   = ConflictAction{"ABORT"}
	ConflictReplace = ConflictAction{"REPLACE"}
	ConflictIgnore  = ConflictAction{"IGNORE"}

	ConflictActions = enum.New(ConflictAbort, ConflictReplace, ConflictIgnore)
)

// BeginMode is the locking mode of BEGIN.
type BeginMode enum.Member[string]

var (
	BeginDeferred  = BeginMode{"DEFERRED"}
	BeginImmediate = BeginMode{"IMMEDIATE"}
	BeginExclusive = BeginMode{"EXCLUSIVE"}

	BeginModes = enum.New(BeginDeferred, BeginImmediate, BeginExclusive)
)

// --- Statements ---

type ColumnDef struct {
	Name          string
	Type          string
	PrimaryKey    bool
	Desc          bool
	Autoincrement bool
	NotNull       bool
	Unique        bool
	Default       Expr
}

type CreateTableStmt struct {
	Name        string
	IfNotExists bool
	Columns     []ColumnDef
	// PrimaryKey and Unique hold table constraints.
	PrimaryKey []string
	Unique     [][]string
}

type IndexedColumn struct {
	Name string
	Desc bool
}

type CreateIndexStmt struct {
	Name        string
	Table       string
	Unique      bool
	IfNotExists bool
	Columns     []IndexedColumn
}

type DropTableStmt struct {
	Name     string
	IfExists bool
}

type DropIndexStmt struct {
	Name     string
	IfExists bool
}

type InsertStmt struct {
	Table    string
	Columns  []string
	Rows     [][]Expr
	Conflict ConflictAction
}

type ResultColumn struct {
	// Star is set for * and table.*; Table names the qualifier.
	Star  bool
	Table string
	Expr  Expr
	Alias string
	// Text is the source text of Expr, used as the default column name.
	Text string
}

type TableRef struct {
	Name  string
	Alias string
	// On is the join condition attached to this table, nil for the first
	// table and comma joins.
	On Expr
}

// RefName is the name columns of this table are qualified with.
func (t TableRef) RefName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

type OrderTerm struct {
	Expr Expr
	Desc bool
}

type SelectStmt struct {
	Distinct bool
	Columns  []ResultColumn
	From     []TableRef
	Where    Expr
	OrderBy  []OrderTerm
	Limit    Expr
	Offset   Expr
}

type Assignment struct {
	Column string
	Value  Expr
}

type UpdateStmt struct {
	Table string
	Set   []Assignment
	Where Expr
}

type DeleteStmt struct {
	Table string
	Where Expr
}

type BeginStmt struct {
	Mode BeginMode
}

type CommitStmt struct{}

type RollbackStmt struct{}

type PragmaStmt struct {
	Name string
	// Value is the assigned or called argument, nil for a read.
	Value Expr
}

type ExplainStmt struct {
	Stmt Statement
}

func (*CreateTableStmt) statement() {}
func (*CreateIndexStmt) statement() {}
func (*DropTableStmt) statement()   {}
func (*DropIndexStmt) statement()   {}
func (*InsertStmt) statement()      {}
func (*SelectStmt) statement()      {}
func (*UpdateStmt) statement()      {}
func (*DeleteStmt) statement()      {}
func (*BeginStmt) statement()       {}
func (*CommitStmt) statement()      {}
func (*RollbackStmt) statement()    {}
func (*PragmaStmt) statement()      {}
func (*ExplainStmt) statement()     {}

func (s *CreateTableStmt) String() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if s.IfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(QuoteIdent(s.Name))
	b.WriteString("(")
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(c.Name))
		if c.Type != "" {
			b.WriteString(" " + c.Type)
		}
		if c.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
			if c.Desc {
				b.WriteString(" DESC")
			}
			if c.Autoincrement {
				b.WriteString(" AUTOINCREMENT")
			}
		}
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		if c.Unique {
			b.WriteString(" UNIQUE")
		}
		if c.Default != nil {
			b.WriteString(" DEFAULT (" + c.Default.String() + ")")
		}
	}
	if len(s.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (" + joinIdents(s.PrimaryKey) + ")")
	}
	for _, u := range s.Unique {
		b.WriteString(", UNIQUE (" + joinIdents(u) + ")")
	}
	b.WriteString(")")
	return b.String()
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func (s *CreateIndexStmt) String() string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if s.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	if s.IfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(QuoteIdent(s.Name) + " ON " + QuoteIdent(s.Table) + "(")
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(c.Name))
		if c.Desc {
			b.WriteString(" DESC")
		}
	}
	b.WriteString(")")
	return b.String()
}

func (s *DropTableStmt) String() string { return "DROP TABLE " + QuoteIdent(s.Name) }
func (s *DropIndexStmt) String() string { return "DROP INDEX " + QuoteIdent(s.Name) }

func (s *InsertStmt) String() string {
	var b strings.Builder
	b.WriteString("INSERT ")
	if s.Conflict != ConflictAbort {
		b.WriteString("OR " + s.Conflict.Value + " ")
	}
	b.WriteString("INTO " + QuoteIdent(s.Table))
	if len(s.Columns) > 0 {
		b.WriteString("(" + joinIdents(s.Columns) + ")")
	}
	b.WriteString(" VALUES ")
	for i, row := range s.Rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + joinExprs(row) + ")")
	}
	return b.String()
}

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func (s *SelectStmt) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		switch {
		case c.Star && c.Table != "":
			b.WriteString(QuoteIdent(c.Table) + ".*")
		case c.Star:
			b.WriteString("*")
		default:
			b.WriteString(c.Expr.String())
			if c.Alias != "" {
				b.WriteString(" AS " + QuoteIdent(c.Alias))
			}
		}
	}
	for i, t := range s.From {
		switch {
		case i == 0:
			b.WriteString(" FROM ")
		case t.On != nil:
			b.WriteString(" JOIN ")
		default:
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(t.Name))
		if t.Alias != "" {
			b.WriteString(" AS " + QuoteIdent(t.Alias))
		}
		if t.On != nil {
			b.WriteString(" ON " + t.On.String())
		}
	}
	if s.Where != nil {
		b.WriteString(" WHERE " + s.Where.String())
	}
	for i, o := range s.OrderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.Expr.String())
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	if s.Limit != nil {
		b.WriteString(" LIMIT " + s.Limit.String())
	}
	if s.Offset != nil {
		b.WriteString(" OFFSET " + s.Offset.String())
	}
	return b.String()
}

func (s *UpdateStmt) String() string {
	parts := make([]string, len(s.Set))
	for i, a := range s.Set {
		parts[i] = QuoteIdent(a.Column) + " = " + a.Value.String()
	}
	out := "UPDATE " + QuoteIdent(s.Table) + " SET " + strings.Join(parts, ", ")
	if s.Where != nil {
		out += " WHERE " + s.Where.String()
	}
	return out
}

func (s *DeleteStmt) String() string {
	out := "DELETE FROM " + QuoteIdent(s.Table)
	if s.Where != nil {
		out += " WHERE " + s.Where.String()
	}
	return out
}

func (s *BeginStmt) String() string  { return "BEGIN " + s.Mode.Value }
func (*CommitStmt) String() string    { return "COMMIT" }
func (*RollbackStmt) String() string  { return "ROLLBACK" }
func (s *ExplainStmt) String() string { return "EXPLAIN QUERY PLAN " + s.Stmt.String() }

func (s *PragmaStmt) String() string {
	if s.Value == nil {
		return "PRAGMA " + s.Name
	}
	return "PRAGMA " + s.Name + " = " + s.Value.String()
}

// --- Expressions ---

// Literal is a constant: nil, int64, float64, string or []byte.
type Literal struct {
	Value any
}

// Param is a bound parameter. Index is 1-based; Name includes its prefix
// character for named parameters.
type Param struct {
	Index int
	Name  string
}

type ColumnRef struct {
	Table  string
	Column string
}

type UnaryOp int

const (
	OpNeg UnaryOp = iota
	OpPlus
	OpNot
)

type UnaryExpr struct {
	Op UnaryOp
	X  Expr
}

type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpConcat
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIs
	OpIsNot
	OpAnd
	OpOr
)

var binaryOpText = map[BinaryOp]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%", OpConcat: "||",
	OpEq: "=", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpIs: "IS", OpIsNot: "IS NOT", OpAnd: "AND", OpOr: "OR",
}

func (op BinaryOp) String() string { return binaryOpText[op] }

// Comparison reports whether op is one of = != < <= > >=.
func (op BinaryOp) Comparison() bool { return op >= OpEq && op <= OpGe }

// Swap returns the operator with its operands exchanged: a < b is b > a.
func (op BinaryOp) Swap() BinaryOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return op
}

type BinaryExpr struct {
	Op   BinaryOp
	L, R Expr
}

type IsNullExpr struct {
	X   Expr
	Not bool
}

type BetweenExpr struct {
	X, Lo, Hi Expr
	Not       bool
}

type InExpr struct {
	X    Expr
	List []Expr
	Not  bool
}

type LikeExpr struct {
	X, Pattern Expr
	Not        bool
}

type CastExpr struct {
	X    Expr
	Type string
}

// FuncCall is a scalar or aggregate function call. Star marks COUNT(*).
type FuncCall struct {
	Name     string
	Args     []Expr
	Star     bool
	Distinct bool
}

func (*Literal) expr()     {}
func (*Param) expr()       {}
func (*ColumnRef) expr()   {}
func (*UnaryExpr) expr()   {}
func (*BinaryExpr) expr()  {}
func (*IsNullExpr) expr()  {}
func (*BetweenExpr) expr() {}
func (*InExpr) expr()      {}
func (*LikeExpr) expr()    {}
func (*CastExpr) expr()    {}
func (*FuncCall) expr()    {}

func (e *Literal) String() string {
	switch v := e.Value.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return QuoteString(v)
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(v)) + "'"
	}
	return fmt.Sprint(e.Value)
}

func (e *Param) String() string {
	if e.Name != "" {
		return e.Name
	}
	return "?" + strconv.Itoa(e.Index)
}

func (e *ColumnRef) String() string {
	if e.Table != "" {
		return QuoteIdent(e.Table) + "." + QuoteIdent(e.Column)
	}
	return QuoteIdent(e.Column)
}

func (e *UnaryExpr) String() string {
	switch e.Op {
	case OpNeg:
		return "-" + e.X.String()
	case OpPlus:
		return "+" + e.X.String()
	default:
		return "NOT " + e.X.String()
	}
}

func (e *BinaryExpr) String() string {
	return "(" + e.L.String() + " " + e.Op.String() + " " + e.R.String() + ")"
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return e.X.String() + " IS NOT NULL"
	}
	return e.X.String() + " IS NULL"
}

func (e *BetweenExpr) String() string {
	not := ""
	if e.Not {
		not = "NOT "
	}
	return e.X.String() + " " + not + "BETWEEN " + e.Lo.String() + " AND " + e.Hi.String()
}

func (e *InExpr) String() string {
	not := ""
	if e.Not {
		not = "NOT "
	}
	return e.X.String() + " " + not + "IN (" + joinExprs(e.List) + ")"
}

func (e *LikeExpr) String() string {
	not := ""
	if e.Not {
		not = "NOT "
	}
	return e.X.String() + " " + not + "LIKE " + e.Pattern.String()
}

func (e *CastExpr) String() string {
	return "CAST(" + e.X.String() + " AS " + e.Type + ")"
}

func (e *FuncCall) String() string {
	if e.Star {
		return e.Name + "(*)"
	}
	if e.Distinct {
		return e.Name + "(DISTINCT " + joinExprs(e.Args) + ")"
	}
	return e.Name + "(" + joinExprs(e.Args) + ")"
}

// Walk calls fn for e and each of its subexpressions, depth first. fn
// returning false prunes the subtree.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *UnaryExpr:
		Walk(x.X, fn)
	case *BinaryExpr:
		Walk(x.L, fn)
		Walk(x.R, fn)
	case *IsNullExpr:
		Walk(x.X, fn)
	case *BetweenExpr:
		Walk(x.X, fn)
		Walk(x.Lo, fn)
		Walk(x.Hi, fn)
	case *InExpr:
		Walk(x.X, fn)
		for _, item := range x.List {
			Walk(item, fn)
		}
	case *LikeExpr:
		Walk(x.X, fn)
		Walk(x.Pattern, fn)
	case *CastExpr:
		Walk(x.X, fn)
	case *FuncCall:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	}
}
