// Package parser turns SQL text into statements of the supported dialect.
package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Parsed is one statement of a script together with its parameter slots.
type Parsed struct {
	Stmt Statement
	// SQL is the source text of the statement without the trailing semicolon.
	SQL string
	// Params is the number of parameter slots.
	Params int
	// Names maps named parameters (including their prefix) to slots.
	Names map[string]int
}

// Parse parses a script of zero or more semicolon separated statements.
func Parse(sql string) ([]*Parsed, error) {
	toks, err := tokenize(sql)
	if err != nil {
		var lerr *lexer.Error
		if errors.As(err, &lerr) {
			return nil, &dberror.Error{Kind: dberror.KindSyntax, Op: "parse", SQL: sql,
				Msg: fmt.Sprintf("%s at %d:%d", lerr.Message(), lerr.Pos.Line, lerr.Pos.Column)}
		}
		return nil, &dberror.Error{Kind: dberror.KindSyntax, Op: "parse", SQL: sql, Err: err}
	}
	p := &parser{sql: sql, toks: toks}
	var out []*Parsed
	for {
		for p.op(";") {
		}
		if p.atEnd() {
			return out, nil
		}
		start := p.peek().Pos.Offset
		p.params, p.names = 0, nil
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		end := p.peek().Pos.Offset
		if !p.atEnd() && !p.check(";") {
			return nil, p.errorf("expected end of statement")
		}
		out = append(out, &Parsed{
			Stmt:   stmt,
			SQL:    strings.TrimSpace(sql[start:end]),
			Params: p.params,
			Names:  p.names,
		})
	}
}

// ParseOne parses exactly one statement.
func ParseOne(sql string) (*Parsed, error) {
	stmts, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	switch len(stmts) {
	case 0:
		return nil, &dberror.Error{Kind: dberror.KindMisuse, Op: "prepare", SQL: sql, Msg: "the supplied SQL string contains no statements"}
	case 1:
		return stmts[0], nil
	default:
		return nil, &dberror.Error{Kind: dberror.KindMisuse, Op: "prepare", SQL: sql, Msg: "the supplied SQL string contains more than one statement"}
	}
}

// ParseExpr parses a standalone expression, e.g. a column default.
func ParseExpr(sql string) (Expr, error) {
	toks, err := tokenize(sql)
	if err != nil {
		return nil, &dberror.Error{Kind: dberror.KindSyntax, Op: "parse", SQL: sql, Err: err}
	}
	p := &parser{sql: sql, toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, p.errorf("unexpected input after expression")
	}
	return e, nil
}

type parser struct {
	sql    string
	toks   []lexer.Token
	pos    int
	params int
	names  map[string]int
}

// --- Token helpers ---

func (p *parser) peek() lexer.Token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) lexer.Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() lexer.Token {
	t := p.toks[p.pos]
	if !t.EOF() {
		p.pos++
	}
	return t
}

func (p *parser) atEnd() bool { return p.peek().EOF() }

// check reports whether the next token is the operator op.
func (p *parser) check(op string) bool {
	t := p.peek()
	return t.Type == tokOp && t.Value == op
}

func (p *parser) op(op string) bool {
	if p.check(op) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectOp(op string) error {
	if !p.op(op) {
		return p.errorf("expected %q", op)
	}
	return nil
}

func isKeyword(t lexer.Token, kw string) bool {
	return t.Type == tokIdent && strings.EqualFold(t.Value, kw)
}

func (p *parser) checkKeyword(kw string) bool { return isKeyword(p.peek(), kw) }

func (p *parser) keyword(kw string) bool {
	if p.checkKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

// keywords matches a sequence of keywords, consuming nothing on mismatch.
func (p *parser) keywords(kws ...string) bool {
	for i, kw := range kws {
		if !isKeyword(p.peekAt(i), kw) {
			return false
		}
	}
	p.pos += len(kws)
	return true
}

func (p *parser) expectKeyword(kws ...string) error {
	for _, kw := range kws {
		if !p.keyword(kw) {
			return p.errorf("expected %s", kw)
		}
	}
	return nil
}

// ident parses a bare or quoted identifier.
func (p *parser) ident(what string) (string, error) {
	t := p.peek()
	switch {
	case t.Type == tokQuotedIdent:
		p.pos++
		return unquoteIdent(t.Value), nil
	case t.Type == tokIdent && !reserved[strings.ToUpper(t.Value)]:
		p.pos++
		return t.Value, nil
	case t.Type == tokString:
		// SQLite accepts string literals as identifiers in DDL.
		p.pos++
		return unquoteString(t.Value), nil
	}
	return "", p.errorf("expected %s", what)
}

func (p *parser) errorf(format string, args ...any) error {
	t := p.peek()
	near := t.Value
	if t.EOF() {
		near = "end of input"
	}
	return &dberror.Error{
		Kind: dberror.KindSyntax,
		Op:   "parse",
		SQL:  p.sql,
		Msg:  fmt.Sprintf("near %q at %d:%d: %s", near, t.Pos.Line, t.Pos.Column, fmt.Sprintf(format, args...)),
	}
}

// --- Statements ---

func (p *parser) parseStatement() (Statement, error) {
	switch {
	case p.keyword("EXPLAIN"):
		p.keywords("QUERY", "PLAN")
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return &ExplainStmt{Stmt: inner}, nil
	case p.keyword("SELECT"):
		return p.parseSelect()
	case p.keyword("INSERT"):
		return p.parseInsert(ConflictAbort)
	case p.keyword("REPLACE"):
		return p.parseInsertInto(ConflictReplace)
	case p.keyword("UPDATE"):
		return p.parseUpdate()
	case p.keyword("DELETE"):
		return p.parseDelete()
	case p.keyword("CREATE"):
		return p.parseCreate()
	case p.keyword("DROP"):
		return p.parseDrop()
	case p.keyword("BEGIN"):
		mode := BeginDeferred
		for _, m := range BeginModes.Members() {
			if p.keyword(m.Value) {
				mode = m
				break
			}
		}
		p.keyword("TRANSACTION")
		return &BeginStmt{Mode: mode}, nil
	case p.keyword("COMMIT"), p.keyword("END"):
		p.keyword("TRANSACTION")
		return &CommitStmt{}, nil
	case p.keyword("ROLLBACK"):
		p.keyword("TRANSACTION")
		if p.checkKeyword("TO") {
			return nil, p.errorf("ROLLBACK TO is not supported")
		}
		return &RollbackStmt{}, nil
	case p.keyword("PRAGMA"):
		return p.parsePragma()
	}
	return nil, p.errorf("expected a statement")
}

func (p *parser) parseCreate() (Statement, error) {
	unique := p.keyword("UNIQUE")
	switch {
	case p.keyword("INDEX"):
		return p.parseCreateIndex(unique)
	case !unique && p.keyword("TABLE"):
		return p.parseCreateTable()
	}
	return nil, p.errorf("expected TABLE or INDEX")
}

func (p *parser) ifNotExists() bool { return p.keywords("IF", "NOT", "EXISTS") }

func (p *parser) parseCreateTable() (*CreateTableStmt, error) {
	stmt := &CreateTableStmt{IfNotExists: p.ifNotExists()}
	var err error
	if stmt.Name, err = p.ident("table name"); err != nil {
		return nil, err
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	for {
		p.constraintName()
		switch {
		case p.keywords("PRIMARY", "KEY"):
			cols, err := p.parseIdentList()
			if err != nil {
				return nil, err
			}
			if stmt.PrimaryKey != nil {
				return nil, p.errorf("table %q has more than one primary key", stmt.Name)
			}
			stmt.PrimaryKey = cols
		case p.keyword("UNIQUE"):
			cols, err := p.parseIdentList()
			if err != nil {
				return nil, err
			}
			stmt.Unique = append(stmt.Unique, cols)
		default:
			if len(stmt.PrimaryKey) > 0 || len(stmt.Unique) > 0 {
				return nil, p.errorf("column definitions must precede table constraints")
			}
			col, err := p.parseColumnDef()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
		}
		if !p.op(",") {
			break
		}
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	if len(stmt.Columns) == 0 {
		return nil, p.errorf("table %q has no columns", stmt.Name)
	}
	return stmt, nil
}

// constraintName skips an optional CONSTRAINT name prefix.
func (p *parser) constraintName() {
	if p.keyword("CONSTRAINT") {
		_, _ = p.ident("constraint name")
	}
}

func (p *parser) parseIdentList() ([]string, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	var names []string
	for {
		name, err := p.ident("column name")
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		p.keyword("ASC")
		p.keyword("DESC")
		if !p.op(",") {
			break
		}
	}
	return names, p.expectOp(")")
}

func (p *parser) parseColumnDef() (ColumnDef, error) {
	var col ColumnDef
	var err error
	if col.Name, err = p.ident("column name"); err != nil {
		return col, err
	}
	col.Type = p.parseTypeName()
	for {
		p.constraintName()
		switch {
		case p.keywords("PRIMARY", "KEY"):
			col.PrimaryKey = true
			p.keyword("ASC")
			col.Desc = p.keyword("DESC")
			col.Autoincrement = p.keyword("AUTOINCREMENT")
		case p.keywords("NOT", "NULL"):
			col.NotNull = true
		case p.keyword("NULL"):
		case p.keyword("UNIQUE"):
			col.Unique = true
		case p.keyword("DEFAULT"):
			if col.Default, err = p.parseDefault(); err != nil {
				return col, err
			}
		case p.keyword("COLLATE"):
			name, err := p.ident("collation name")
			if err != nil {
				return col, err
			}
			if !strings.EqualFold(name, "BINARY") {
				return col, p.errorf("unsupported collation %s", name)
			}
		default:
			return col, nil
		}
	}
}

// parseTypeName reads a declared type such as VARCHAR(20) or DOUBLE PRECISION.
func (p *parser) parseTypeName() string {
	var words []string
	for {
		t := p.peek()
		if t.Type != tokIdent || reserved[strings.ToUpper(t.Value)] ||
			isKeyword(t, "PRIMARY") || isKeyword(t, "CONSTRAINT") || isKeyword(t, "COLLATE") {
			break
		}
		words = append(words, t.Value)
		p.pos++
	}
	if len(words) == 0 {
		return ""
	}
	typ := strings.Join(words, " ")
	if p.check("(") {
		start := p.peek().Pos.Offset
		depth := 0
		for !p.atEnd() {
			t := p.next()
			if t.Type == tokOp && t.Value == "(" {
				depth++
			} else if t.Type == tokOp && t.Value == ")" {
				depth--
				if depth == 0 {
					typ += p.sql[start : t.Pos.Offset+1]
					break
				}
			}
		}
	}
	return typ
}

func (p *parser) parseDefault() (Expr, error) {
	if p.op("(") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return e, p.expectOp(")")
	}
	if p.check("-") || p.check("+") {
		return p.parseUnary()
	}
	t := p.peek()
	if t.Type == tokIdent && !isKeyword(t, "NULL") && !isKeyword(t, "TRUE") && !isKeyword(t, "FALSE") {
		// DEFAULT bareword is taken as a string.
		p.pos++
		return &Literal{Value: t.Value}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parseCreateIndex(unique bool) (*CreateIndexStmt, error) {
	stmt := &CreateIndexStmt{Unique: unique, IfNotExists: p.ifNotExists()}
	var err error
	if stmt.Name, err = p.ident("index name"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	if stmt.Table, err = p.ident("table name"); err != nil {
		return nil, err
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	for {
		name, err := p.ident("column name")
		if err != nil {
			return nil, err
		}
		col := IndexedColumn{Name: name}
		p.keyword("ASC")
		col.Desc = p.keyword("DESC")
		stmt.Columns = append(stmt.Columns, col)
		if !p.op(",") {
			break
		}
	}
	return stmt, p.expectOp(")")
}

func (p *parser) parseDrop() (Statement, error) {
	index := p.keyword("INDEX")
	if !index {
		if err := p.expectKeyword("TABLE"); err != nil {
			return nil, err
		}
	}
	ifExists := p.keywords("IF", "EXISTS")
	name, err := p.ident("name")
	if err != nil {
		return nil, err
	}
	if index {
		return &DropIndexStmt{Name: name, IfExists: ifExists}, nil
	}
	return &DropTableStmt{Name: name, IfExists: ifExists}, nil
}

func (p *parser) parseInsert(conflict ConflictAction) (*InsertStmt, error) {
	if p.keyword("OR") {
		found := false
		for _, c := range ConflictActions.Members() {
			if p.keyword(c.Value) {
				conflict, found = c, true
				break
			}
		}
		if !found {
			return nil, p.errorf("expected REPLACE, IGNORE or ABORT")
		}
	}
	return p.parseInsertInto(conflict)
}

func (p *parser) parseInsertInto(conflict ConflictAction) (*InsertStmt, error) {
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	stmt := &InsertStmt{Conflict: conflict}
	var err error
	if stmt.Table, err = p.ident("table name"); err != nil {
		return nil, err
	}
	if p.check("(") {
		if stmt.Columns, err = p.parseIdentList(); err != nil {
			return nil, err
		}
	}
	if p.keywords("DEFAULT", "VALUES") {
		stmt.Rows = [][]Expr{nil}
		return stmt, nil
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		if err := p.expectOp("("); err != nil {
			return nil, err
		}
		row, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		if len(stmt.Rows) > 0 && len(row) != len(stmt.Rows[0]) {
			return nil, p.errorf("all VALUES must have the same number of terms")
		}
		stmt.Rows = append(stmt.Rows, row)
		if !p.op(",") {
			return stmt, nil
		}
	}
}

func (p *parser) parseUpdate() (*UpdateStmt, error) {
	stmt := &UpdateStmt{}
	var err error
	if stmt.Table, err = p.ident("table name"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	for {
		col, err := p.ident("column name")
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("="); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Set = append(stmt.Set, Assignment{Column: col, Value: v})
		if !p.op(",") {
			break
		}
	}
	if p.keyword("WHERE") {
		if stmt.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func (p *parser) parseDelete() (*DeleteStmt, error) {
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	stmt := &DeleteStmt{}
	var err error
	if stmt.Table, err = p.ident("table name"); err != nil {
		return nil, err
	}
	if p.keyword("WHERE") {
		if stmt.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func (p *parser) parsePragma() (*PragmaStmt, error) {
	name, err := p.ident("pragma name")
	if err != nil {
		return nil, err
	}
	if p.op(".") {
		// Schema qualifiers other than main are not supported.
		if !strings.EqualFold(name, "main") {
			return nil, p.errorf("unknown database %s", name)
		}
		if name, err = p.ident("pragma name"); err != nil {
			return nil, err
		}
	}
	stmt := &PragmaStmt{Name: strings.ToLower(name)}
	switch {
	case p.op("="):
		stmt.Value, err = p.parsePragmaValue()
	case p.op("("):
		if stmt.Value, err = p.parsePragmaValue(); err == nil {
			err = p.expectOp(")")
		}
	}
	return stmt, err
}

// parsePragmaValue accepts a signed number, a string or a bare word.
func (p *parser) parsePragmaValue() (Expr, error) {
	t := p.peek()
	if t.Type == tokIdent || t.Type == tokQuotedIdent {
		p.pos++
		return &Literal{Value: unquoteIdent(t.Value)}, nil
	}
	return p.parseUnary()
}

func (p *parser) parseSelect() (*SelectStmt, error) {
	stmt := &SelectStmt{}
	if !p.keyword("ALL") {
		stmt.Distinct = p.keyword("DISTINCT")
	}
	for {
		col, err := p.parseResultColumn()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if !p.op(",") {
			break
		}
	}
	if p.keyword("FROM") {
		ref, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		stmt.From = append(stmt.From, ref)
		for {
			if p.op(",") {
				if ref, err = p.parseTableRef(); err != nil {
					return nil, err
				}
				stmt.From = append(stmt.From, ref)
				continue
			}
			if p.checkKeyword("LEFT") {
				return nil, p.errorf("outer joins are not supported")
			}
			if !p.keyword("JOIN") && !p.keywords("INNER", "JOIN") && !p.keywords("CROSS", "JOIN") {
				break
			}
			if ref, err = p.parseTableRef(); err != nil {
				return nil, err
			}
			ref.On = &Literal{Value: int64(1)}
			if p.keyword("ON") {
				if ref.On, err = p.parseExpr(); err != nil {
					return nil, err
				}
			}
			stmt.From = append(stmt.From, ref)
		}
	}
	var err error
	if p.keyword("WHERE") {
		if stmt.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.checkKeyword("GROUP") || p.checkKeyword("HAVING") {
		return nil, p.errorf("GROUP BY is not supported")
	}
	if p.keywords("ORDER", "BY") {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Expr: e}
			if !p.keyword("ASC") {
				term.Desc = p.keyword("DESC")
			}
			stmt.OrderBy = append(stmt.OrderBy, term)
			if !p.op(",") {
				break
			}
		}
	}
	if p.keyword("LIMIT") {
		if stmt.Limit, err = p.parseExpr(); err != nil {
			return nil, err
		}
		switch {
		case p.keyword("OFFSET"):
			if stmt.Offset, err = p.parseExpr(); err != nil {
				return nil, err
			}
		case p.op(","):
			// LIMIT offset, count
			stmt.Offset = stmt.Limit
			if stmt.Limit, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
	}
	return stmt, nil
}

func (p *parser) parseResultColumn() (ResultColumn, error) {
	if p.op("*") {
		return ResultColumn{Star: true}, nil
	}
	t := p.peek()
	if (t.Type == tokIdent || t.Type == tokQuotedIdent) && isOpToken(p.peekAt(1), ".") && isOpToken(p.peekAt(2), "*") {
		p.pos += 3
		return ResultColumn{Star: true, Table: unquoteIdent(t.Value)}, nil
	}
	start := t.Pos.Offset
	e, err := p.parseExpr()
	if err != nil {
		return ResultColumn{}, err
	}
	col := ResultColumn{Expr: e, Text: strings.TrimSpace(p.sql[start:p.peek().Pos.Offset])}
	if p.keyword("AS") {
		if col.Alias, err = p.ident("alias"); err != nil {
			return col, err
		}
	} else if a := p.peek(); a.Type == tokQuotedIdent || a.Type == tokIdent && !reserved[strings.ToUpper(a.Value)] {
		col.Alias, _ = p.ident("alias")
	}
	return col, nil
}

func isOpToken(t lexer.Token, op string) bool { return t.Type == tokOp && t.Value == op }

func (p *parser) parseTableRef() (TableRef, error) {
	name, err := p.ident("table name")
	if err != nil {
		return TableRef{}, err
	}
	ref := TableRef{Name: name}
	if p.keyword("AS") {
		ref.Alias, err = p.ident("alias")
	} else if a := p.peek(); a.Type == tokQuotedIdent || a.Type == tokIdent && !reserved[strings.ToUpper(a.Value)] {
		ref.Alias, err = p.ident("alias")
	}
	return ref, err
}
