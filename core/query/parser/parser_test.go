package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
)

func parseOne(t *testing.T, sql string) Statement {
	t.Helper()
	p, err := ParseOne(sql)
	require.NoError(t, err, sql)
	return p.Stmt
}

func TestParseScript(t *testing.T) {
	stmts, err := Parse(`
		CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT);;
		INSERT INTO kv VALUES (1, 'one');
		-- trailing comment
		SELECT v FROM kv WHERE k = 1`)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.IsType(t, &CreateTableStmt{}, stmts[0].Stmt)
	assert.IsType(t, &InsertStmt{}, stmts[1].Stmt)
	assert.IsType(t, &SelectStmt{}, stmts[2].Stmt)
	assert.Equal(t, "INSERT INTO kv VALUES (1, 'one')", stmts[1].SQL)
	assert.Equal(t, "SELECT v FROM kv WHERE k = 1", stmts[2].SQL)

	empty, err := Parse("  ;  -- nothing\n")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseOneCount(t *testing.T) {
	_, err := ParseOne("")
	assert.ErrorIs(t, err, dberror.ErrMisuse)

	_, err = ParseOne("SELECT 1; SELECT 2")
	assert.ErrorIs(t, err, dberror.ErrMisuse)
}

func TestCreateTable(t *testing.T) {
	stmt := parseOne(t, `CREATE TABLE IF NOT EXISTS "user data" (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email VARCHAR(255) NOT NULL UNIQUE,
		score DOUBLE PRECISION DEFAULT -1.5,
		note DEFAULT hello,
		CONSTRAINT pk_extra UNIQUE (email, score)
	)`).(*CreateTableStmt)

	assert.Equal(t, "user data", stmt.Name)
	assert.True(t, stmt.IfNotExists)
	require.Len(t, stmt.Columns, 4)

	id := stmt.Columns[0]
	assert.Equal(t, "INTEGER", id.Type)
	assert.True(t, id.PrimaryKey)
	assert.True(t, id.Autoincrement)

	email := stmt.Columns[1]
	assert.Equal(t, "VARCHAR(255)", email.Type)
	assert.True(t, email.NotNull)
	assert.True(t, email.Unique)

	score := stmt.Columns[2]
	assert.Equal(t, "DOUBLE PRECISION", score.Type)
	assert.Equal(t, &Literal{Value: -1.5}, score.Default)

	note := stmt.Columns[3]
	assert.Empty(t, note.Type)
	assert.Equal(t, &Literal{Value: "hello"}, note.Default)

	assert.Equal(t, [][]string{{"email", "score"}}, stmt.Unique)
}

func TestCreateTableErrors(t *testing.T) {
	for _, sql := range []string{
		"CREATE TABLE t ()",
		"CREATE TABLE t (a, PRIMARY KEY (a), b)",
		"CREATE TABLE t (a PRIMARY KEY, PRIMARY KEY (a), PRIMARY KEY (a))",
		"CREATE TABLE t (a TEXT COLLATE NOCASE)",
		"CREATE UNIQUE TABLE t (a)",
		"CREATE TABLE select (a)",
	} {
		_, err := ParseOne(sql)
		assert.ErrorIs(t, err, dberror.ErrSyntax, sql)
	}
}

func TestCreateAndDropIndex(t *testing.T) {
	ix := parseOne(t, "CREATE UNIQUE INDEX IF NOT EXISTS by_name ON users (last DESC, first)").(*CreateIndexStmt)
	assert.Equal(t, &CreateIndexStmt{
		Name:        "by_name",
		Table:       "users",
		Unique:      true,
		IfNotExists: true,
		Columns:     []IndexedColumn{{Name: "last", Desc: true}, {Name: "first"}},
	}, ix)

	assert.Equal(t, &DropIndexStmt{Name: "by_name", IfExists: true}, parseOne(t, "DROP INDEX IF EXISTS by_name"))
	assert.Equal(t, &DropTableStmt{Name: "users"}, parseOne(t, "DROP TABLE users"))
}

func TestInsert(t *testing.T) {
	stmt := parseOne(t, "INSERT INTO kv (k, v) VALUES (1, 'a'), (2, NULL)").(*InsertStmt)
	assert.Equal(t, "kv", stmt.Table)
	assert.Equal(t, []string{"k", "v"}, stmt.Columns)
	assert.Equal(t, ConflictAbort, stmt.Conflict)
	require.Len(t, stmt.Rows, 2)
	assert.Equal(t, &Literal{Value: "a"}, stmt.Rows[0][1])
	assert.Equal(t, &Literal{Value: nil}, stmt.Rows[1][1])

	tests := []struct {
		sql  string
		want ConflictAction
	}{
		{"INSERT OR REPLACE INTO kv VALUES (1)", ConflictReplace},
		{"INSERT OR IGNORE INTO kv VALUES (1)", ConflictIgnore},
		{"INSERT OR ABORT INTO kv VALUES (1)", ConflictAbort},
		{"REPLACE INTO kv VALUES (1)", ConflictReplace},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseOne(t, tt.sql).(*InsertStmt).Conflict, tt.sql)
	}

	def := parseOne(t, "INSERT INTO kv DEFAULT VALUES").(*InsertStmt)
	assert.Equal(t, [][]Expr{nil}, def.Rows)

	for _, sql := range []string{
		"INSERT OR FAIL INTO kv VALUES (1)",
		"INSERT INTO kv VALUES (1), (1, 2)",
		"INSERT INTO kv SELECT 1",
	} {
		_, err := ParseOne(sql)
		assert.ErrorIs(t, err, dberror.ErrSyntax, sql)
	}
}

func TestSelect(t *testing.T) {
	stmt := parseOne(t, `SELECT DISTINCT b.title AS name, count(*) n, a.*
		FROM books b JOIN authors AS a ON a.id = b.author
		WHERE b.year >= 2000 ORDER BY 1 DESC, b.title LIMIT 10 OFFSET 5`).(*SelectStmt)

	assert.True(t, stmt.Distinct)
	require.Len(t, stmt.Columns, 3)
	assert.Equal(t, "name", stmt.Columns[0].Alias)
	assert.Equal(t, "b.title", stmt.Columns[0].Text)
	assert.Equal(t, &ColumnRef{Table: "b", Column: "title"}, stmt.Columns[0].Expr)
	assert.Equal(t, "n", stmt.Columns[1].Alias)
	assert.Equal(t, &FuncCall{Name: "COUNT", Star: true}, stmt.Columns[1].Expr)
	assert.Equal(t, ResultColumn{Star: true, Table: "a"}, stmt.Columns[2])

	require.Len(t, stmt.From, 2)
	assert.Equal(t, "b", stmt.From[0].RefName())
	assert.Nil(t, stmt.From[0].On)
	assert.Equal(t, "a", stmt.From[1].Alias)
	assert.Equal(t, "(a.id = b.author)", stmt.From[1].On.String())

	assert.Equal(t, "(b.year >= 2000)", stmt.Where.String())
	require.Len(t, stmt.OrderBy, 2)
	assert.True(t, stmt.OrderBy[0].Desc)
	assert.False(t, stmt.OrderBy[1].Desc)
	assert.Equal(t, &Literal{Value: int64(10)}, stmt.Limit)
	assert.Equal(t, &Literal{Value: int64(5)}, stmt.Offset)
}

func TestSelectJoinForms(t *testing.T) {
	stmt := parseOne(t, "SELECT * FROM a, b CROSS JOIN c INNER JOIN d ON d.x = a.x").(*SelectStmt)
	require.Len(t, stmt.From, 4)
	assert.Nil(t, stmt.From[1].On)
	assert.Equal(t, &Literal{Value: int64(1)}, stmt.From[2].On)
	assert.NotNil(t, stmt.From[3].On)

	// LIMIT offset, count
	lim := parseOne(t, "SELECT * FROM a LIMIT 3, 7").(*SelectStmt)
	assert.Equal(t, &Literal{Value: int64(7)}, lim.Limit)
	assert.Equal(t, &Literal{Value: int64(3)}, lim.Offset)
}

func TestUnsupportedSelects(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM a LEFT JOIN b ON a.x = b.x",
		"SELECT x, count(*) FROM a GROUP BY x",
		"SELECT * FROM a WHERE x IN (SELECT y FROM b)",
		"SELECT (SELECT 1)",
		"SELECT * FROM",
		"SELEC 1",
		"SELECT 'unterminated",
	} {
		_, err := ParseOne(sql)
		assert.ErrorIs(t, err, dberror.ErrSyntax, sql)
	}
}

func TestSyntaxErrorPosition(t *testing.T) {
	_, err := ParseOne("SELECT a\nFROM t WHERE")
	require.Error(t, err)
	var e *dberror.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, dberror.KindSyntax, e.Kind)
	assert.Contains(t, e.Msg, `near "end of input"`)
	assert.Contains(t, e.Msg, "expected an expression")

	_, err = ParseOne("SELECT a FROM t\nWHERE a = = 1")
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Msg, `near "=" at 2:11`)
}

func TestUpdateDelete(t *testing.T) {
	up := parseOne(t, "UPDATE kv SET v = v || '!', n = n + 1 WHERE k BETWEEN 1 AND 3").(*UpdateStmt)
	assert.Equal(t, "kv", up.Table)
	require.Len(t, up.Set, 2)
	assert.Equal(t, "v", up.Set[0].Column)
	assert.Equal(t, "(v || '!')", up.Set[0].Value.String())
	assert.Equal(t, "k BETWEEN 1 AND 3", up.Where.String())

	del := parseOne(t, "DELETE FROM kv").(*DeleteStmt)
	assert.Equal(t, &DeleteStmt{Table: "kv"}, del)
}

func TestTransactionStatements(t *testing.T) {
	assert.Equal(t, &BeginStmt{Mode: BeginDeferred}, parseOne(t, "BEGIN"))
	assert.Equal(t, &BeginStmt{Mode: BeginImmediate}, parseOne(t, "BEGIN IMMEDIATE TRANSACTION"))
	assert.Equal(t, &BeginStmt{Mode: BeginExclusive}, parseOne(t, "begin exclusive"))
	assert.Equal(t, &CommitStmt{}, parseOne(t, "COMMIT"))
	assert.Equal(t, &CommitStmt{}, parseOne(t, "END TRANSACTION"))
	assert.Equal(t, &RollbackStmt{}, parseOne(t, "ROLLBACK"))

	_, err := ParseOne("ROLLBACK TO sp1")
	assert.ErrorIs(t, err, dberror.ErrSyntax)
}

func TestPragma(t *testing.T) {
	tests := []struct {
		sql  string
		want *PragmaStmt
	}{
		{"PRAGMA page_size", &PragmaStmt{Name: "page_size"}},
		{"PRAGMA main.USER_VERSION = 7", &PragmaStmt{Name: "user_version", Value: &Literal{Value: int64(7)}}},
		{"PRAGMA cache_size = -2000", &PragmaStmt{Name: "cache_size", Value: &Literal{Value: int64(-2000)}}},
		{"PRAGMA journal_mode = wal", &PragmaStmt{Name: "journal_mode", Value: &Literal{Value: "wal"}}},
		{"PRAGMA table_info(kv)", &PragmaStmt{Name: "table_info", Value: &Literal{Value: "kv"}}},
		{"PRAGMA table_info('kv')", &PragmaStmt{Name: "table_info", Value: &Literal{Value: "kv"}}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseOne(t, tt.sql), tt.sql)
	}

	_, err := ParseOne("PRAGMA temp.page_size")
	assert.ErrorIs(t, err, dberror.ErrSyntax)
}

func TestExplain(t *testing.T) {
	for _, sql := range []string{"EXPLAIN SELECT 1", "EXPLAIN QUERY PLAN SELECT 1"} {
		stmt := parseOne(t, sql).(*ExplainStmt)
		assert.IsType(t, &SelectStmt{}, stmt.Stmt)
	}
}

func TestParameters(t *testing.T) {
	p, err := ParseOne("SELECT ?, ?, :name, @other, :name, ?")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Params)
	assert.Equal(t, map[string]int{":name": 3, "@other": 4}, p.Names)
	cols := p.Stmt.(*SelectStmt).Columns
	assert.Equal(t, &Param{Index: 1}, cols[0].Expr)
	assert.Equal(t, &Param{Index: 3, Name: ":name"}, cols[4].Expr)
	assert.Equal(t, &Param{Index: 5}, cols[5].Expr)

	p, err = ParseOne("SELECT ?3, ?1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Params)

	_, err = ParseOne("SELECT ?0")
	assert.ErrorIs(t, err, dberror.ErrSyntax)

	// Slots restart for every statement of a script.
	stmts, err := Parse("SELECT ?; SELECT ?, ?")
	require.NoError(t, err)
	assert.Equal(t, 1, stmts[0].Params)
	assert.Equal(t, 2, stmts[1].Params)
}

func TestExpressionPrecedence(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"(1 + 2) * 3", "((1 + 2) * 3)"},
		{"a OR b AND c", "(a OR (b AND c))"},
		{"NOT a = b", "NOT (a = b)"},
		{"a < b = c < d", "((a < b) = (c < d))"},
		{"'a' || 'b' * 2", "(('a' || 'b') * 2)"},
		{"a <> b", "(a != b)"},
		{"a == b", "(a = b)"},
		{"a IS NOT NULL", "a IS NOT NULL"},
		{"a ISNULL", "a IS NULL"},
		{"a IS NOT b", "(a IS NOT b)"},
		{"a NOT IN (1, 2)", "a NOT IN (1, 2)"},
		{"a NOT LIKE 'x%'", "a NOT LIKE 'x%'"},
		{"a NOT BETWEEN 1 AND 2", "a NOT BETWEEN 1 AND 2"},
		{"-5", "-5"},
		{"-a", "-a"},
		{"CAST(a AS INTEGER)", "CAST(a AS INTEGER)"},
		{"upper(x)", "UPPER(x)"},
		{"count(DISTINCT x)", "COUNT(DISTINCT x)"},
		{"\"select\"", `"select"`},
		{"x'0aff'", "X'0AFF'"},
		{"0x10", "16"},
		{"1.5e3", "1500"},
		{"'it''s'", "'it''s'"},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.sql)
		require.NoError(t, err, tt.sql)
		assert.Equal(t, tt.want, e.String(), tt.sql)
	}
}

func TestLiteralValues(t *testing.T) {
	tests := []struct {
		sql  string
		want any
	}{
		{"42", int64(42)},
		{"-9223372036854775808", int64(-9223372036854775808)},
		{"9223372036854775808", 9223372036854775808.0},
		{".5", 0.5},
		{"NULL", nil},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.sql)
		require.NoError(t, err, tt.sql)
		assert.Equal(t, &Literal{Value: tt.want}, e, tt.sql)
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "plain_name", QuoteIdent("plain_name"))
	assert.Equal(t, `"two words"`, QuoteIdent("two words"))
	assert.Equal(t, `"order"`, QuoteIdent("order"))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
	assert.Equal(t, `"1st"`, QuoteIdent("1st"))
}
