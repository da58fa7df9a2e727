package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

type memSource struct {
	s        *pagemanager.MemStorage
	pageSize uint32
}

func (m memSource) ReadPage(id pagemanager.PageID) ([]byte, error) {
	return pagemanager.ReadPage(m.s, id, m.pageSize)
}

// harness runs statements against an in-memory page view, reloading the
// schema after DDL the way a connection does.
type harness struct {
	t      *testing.T
	m      *pagemanager.Manager
	schema *catalog.Schema
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	const pageSize = 1024
	h := pagemanager.NewFileHeader(pageSize, true)
	m := pagemanager.NewManager(memSource{s: pagemanager.NewMemStorage(nil), pageSize: pageSize}, h, false)
	require.NoError(t, btree.New(m).InitRoot(pagemanager.SchemaRootPageID, btree.TableTree))
	return &harness{t: t, m: m}
}

func (h *harness) env(params ...any) *Env {
	h.t.Helper()
	if !h.schema.Fresh(h.m.Header()) {
		s, err := catalog.Load(btree.New(h.m), h.m.Header())
		require.NoError(h.t, err)
		h.schema = s
	}
	vals := make([]record.Value, len(params))
	for i, p := range params {
		v, err := record.Normalize(p)
		require.NoError(h.t, err)
		vals[i] = v
	}
	return NewEnv(h.m, h.schema, vals, nil)
}

func (h *harness) exec(sql string, params ...any) (Result, error) {
	h.t.Helper()
	parsed, err := parser.ParseOne(sql)
	if err != nil {
		return Result{}, err
	}
	return Exec(context.Background(), h.env(params...), parsed.Stmt, parsed.SQL)
}

func (h *harness) mustExec(sql string, params ...any) Result {
	h.t.Helper()
	res, err := h.exec(sql, params...)
	require.NoError(h.t, err, sql)
	return res
}

func (h *harness) queryErr(sql string, params ...any) ([][]record.Value, error) {
	h.t.Helper()
	parsed, err := parser.ParseOne(sql)
	if err != nil {
		return nil, err
	}
	rows, err := Query(context.Background(), h.env(params...), parsed.Stmt.(*parser.SelectStmt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]record.Value
	for rows.Next() {
		out = append(out, rows.Values())
	}
	return out, rows.Err()
}

func (h *harness) query(sql string, params ...any) [][]record.Value {
	h.t.Helper()
	out, err := h.queryErr(sql, params...)
	require.NoError(h.t, err, sql)
	return out
}

func (h *harness) explain(sql string) []string {
	h.t.Helper()
	parsed, err := parser.ParseOne(sql)
	require.NoError(h.t, err)
	lines, err := Explain(h.env(), parsed.Stmt)
	require.NoError(h.t, err)
	return lines
}

func tuple(vals ...record.Value) []record.Value { return vals }

func TestKeyValueScenario(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)")
	for i, v := range []string{"a", "b", "c"} {
		res := h.mustExec("INSERT INTO kv (v) VALUES (?)", v)
		assert.EqualValues(t, 1, res.Changes)
		assert.EqualValues(t, i+1, res.LastInsertID)
	}
	assert.Equal(t, [][]record.Value{tuple("b")}, h.query("SELECT v FROM kv WHERE k = 2"))
	assert.Equal(t, []string{"SEARCH kv USING INTEGER PRIMARY KEY (rowid=?)"}, h.explain("SELECT v FROM kv WHERE k = 2"))

	// The key column reads back the row id and text keys convert.
	assert.Equal(t, [][]record.Value{tuple(int64(3), "c")}, h.query("SELECT * FROM kv WHERE k = '3'"))

	res := h.mustExec("UPDATE kv SET v = 'B' WHERE k = 2")
	assert.EqualValues(t, 1, res.Changes)
	res = h.mustExec("DELETE FROM kv WHERE k >= 3")
	assert.EqualValues(t, 1, res.Changes)
	assert.Equal(t, [][]record.Value{tuple(int64(1), "a"), tuple(int64(2), "B")}, h.query("SELECT k, v FROM kv"))
}

func TestInsertExplicitRowIDConflicts(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)")
	h.mustExec("INSERT INTO kv VALUES (10, 'x')")

	_, err := h.exec("INSERT INTO kv VALUES (10, 'y')")
	require.ErrorIs(t, err, dberror.ErrConstraint)
	var de *dberror.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "kv.k", de.Constraint)

	res := h.mustExec("INSERT OR IGNORE INTO kv VALUES (10, 'y')")
	assert.EqualValues(t, 0, res.Changes)
	res = h.mustExec("INSERT OR REPLACE INTO kv VALUES (10, 'z')")
	assert.EqualValues(t, 1, res.Changes)
	assert.Equal(t, [][]record.Value{tuple("z")}, h.query("SELECT v FROM kv"))

	// Automatic row ids continue after the largest one.
	res = h.mustExec("INSERT INTO kv (v) VALUES ('next')")
	assert.EqualValues(t, 11, res.LastInsertID)

	_, err = h.exec("INSERT INTO kv VALUES ('abc', 'bad')")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestUniqueIndexConstraint(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE, name TEXT NOT NULL DEFAULT 'anon')")
	h.mustExec("INSERT INTO users (email) VALUES ('a@x'), ('b@x')")

	_, err := h.exec("INSERT INTO users (email) VALUES ('a@x')")
	require.ErrorIs(t, err, dberror.ErrConstraint)
	var de *dberror.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "users.email", de.Constraint)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed: users.email")

	_, err = h.exec("UPDATE users SET email = 'a@x' WHERE id = 2")
	assert.ErrorIs(t, err, dberror.ErrConstraint)

	// NULLs never collide.
	h.mustExec("INSERT INTO users (email) VALUES (NULL), (NULL)")

	_, err = h.exec("INSERT INTO users (email, name) VALUES ('c@x', NULL)")
	require.ErrorIs(t, err, dberror.ErrConstraint)
	assert.Contains(t, err.Error(), "NOT NULL constraint failed: users.name")

	assert.Equal(t, [][]record.Value{tuple("anon")}, h.query("SELECT name FROM users WHERE email = 'b@x'"))
	assert.Equal(t, []string{"SEARCH users USING INDEX sqlite_autoindex_users_1 (email=?)"},
		h.explain("SELECT name FROM users WHERE email = 'b@x'"))

	// Updating a row to its own value is not a conflict.
	res := h.mustExec("UPDATE users SET email = 'b@x' WHERE id = 2")
	assert.EqualValues(t, 1, res.Changes)
}

func TestIndexMaintenance(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a INTEGER, b TEXT)")
	for i := 1; i <= 50; i++ {
		h.mustExec("INSERT INTO t VALUES (?, ?)", i%10, "row")
	}
	h.mustExec("CREATE INDEX t_a ON t (a)")
	assert.Equal(t, [][]record.Value{tuple(int64(5))}, h.query("SELECT COUNT(*) FROM t WHERE a = 3"))
	assert.Equal(t, []string{"SEARCH t USING INDEX t_a (a=?)"}, h.explain("SELECT * FROM t WHERE a = 3"))

	h.mustExec("UPDATE t SET a = 100 WHERE a = 3")
	assert.Equal(t, [][]record.Value{tuple(int64(0))}, h.query("SELECT COUNT(*) FROM t WHERE a = 3"))
	assert.Equal(t, [][]record.Value{tuple(int64(5))}, h.query("SELECT COUNT(*) FROM t WHERE a = 100"))

	res := h.mustExec("DELETE FROM t WHERE a >= 8")
	assert.EqualValues(t, 15, res.Changes)
	assert.Equal(t, [][]record.Value{tuple(int64(35))}, h.query("SELECT COUNT(*) FROM t"))
	assert.Equal(t, [][]record.Value{tuple(int64(35))}, h.query("SELECT COUNT(*) FROM t WHERE a < 8"))

	res = h.mustExec("DELETE FROM t")
	assert.EqualValues(t, 35, res.Changes)
	assert.Empty(t, h.query("SELECT * FROM t WHERE a = 1"))

	tbl, ok := h.schema.Table("t")
	require.True(t, ok)
	stats, err := btree.New(h.m).Verify(tbl.Indexes[0].Root)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestCreateUniqueIndexOverDuplicates(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a)")
	h.mustExec("INSERT INTO t VALUES (1), (2), (1)")
	_, err := h.exec("CREATE UNIQUE INDEX t_a ON t (a)")
	assert.ErrorIs(t, err, dberror.ErrConstraint)
}

func TestOrderLimitOffset(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE p (name TEXT, score INTEGER)")
	h.mustExec("INSERT INTO p VALUES ('a', 3), ('b', 1), ('c', 2), ('d', 2), ('e', NULL)")

	assert.Equal(t, [][]record.Value{tuple("a"), tuple("c"), tuple("d"), tuple("b"), tuple("e")},
		h.query("SELECT name FROM p ORDER BY score DESC"))
	assert.Equal(t, [][]record.Value{tuple("c"), tuple("d")},
		h.query("SELECT name FROM p ORDER BY score DESC LIMIT 2 OFFSET 1"))
	assert.Equal(t, [][]record.Value{tuple("e", nil), tuple("b", int64(1))},
		h.query("SELECT name, score FROM p ORDER BY 2 LIMIT 2"))
	assert.Equal(t, [][]record.Value{tuple(int64(2)), tuple(int64(3))},
		h.query("SELECT DISTINCT score AS s FROM p WHERE score >= 2 ORDER BY s"))
	assert.Len(t, h.query("SELECT * FROM p LIMIT -1"), 5)

	_, err := h.queryErr("SELECT name FROM p ORDER BY 3")
	assert.ErrorIs(t, err, dberror.ErrSchema)
	_, err = h.queryErr("SELECT name FROM p LIMIT 'x'")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestRowIDOrderSkipsSort(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (id INTEGER PRIMARY KEY, v)")
	h.mustExec("CREATE INDEX t_v ON t (v)")
	assert.Equal(t, []string{"SCAN t"}, h.explain("SELECT * FROM t ORDER BY id"))
	assert.Equal(t, []string{"SCAN t USING INDEX t_v"}, h.explain("SELECT * FROM t ORDER BY v"))
	assert.Equal(t, []string{"SCAN t", "USE TEMP B-TREE FOR ORDER BY"}, h.explain("SELECT * FROM t ORDER BY v DESC"))

	h.mustExec("INSERT INTO t (v) VALUES (3), (1), (2)")
	assert.Equal(t, [][]record.Value{tuple(int64(1)), tuple(int64(2)), tuple(int64(3))}, h.query("SELECT v FROM t ORDER BY v"))
}

func TestAggregates(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE n (x, label TEXT)")

	assert.Equal(t, [][]record.Value{tuple(int64(0), nil, nil, nil, float64(0))},
		h.query("SELECT COUNT(*), SUM(x), AVG(x), MAX(x), TOTAL(x) FROM n"))

	h.mustExec("INSERT INTO n VALUES (1, 'a'), (2, 'b'), (2, 'c'), (NULL, 'd'), (5, 'e')")
	assert.Equal(t, [][]record.Value{tuple(int64(5), int64(4), int64(10), 2.5, int64(1), int64(5), int64(3))},
		h.query("SELECT COUNT(*), COUNT(x), SUM(x), AVG(x), MIN(x), MAX(x), COUNT(DISTINCT x) FROM n"))
	assert.Equal(t, [][]record.Value{tuple("a,b,c,d,e", "e")},
		h.query("SELECT GROUP_CONCAT(label), label FROM n"))
	assert.Equal(t, [][]record.Value{tuple(int64(11))}, h.query("SELECT SUM(x) + 1 FROM n"))

	_, err := h.queryErr("SELECT x FROM n WHERE COUNT(*) > 1")
	assert.ErrorIs(t, err, dberror.ErrSchema)
	_, err = h.queryErr("SELECT SUM(x, 1) FROM n")
	assert.ErrorIs(t, err, dberror.ErrSchema)

	h.mustExec("INSERT INTO n VALUES (9223372036854775807, 'big')")
	_, err = h.queryErr("SELECT SUM(x) FROM n")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestJoin(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT)")
	h.mustExec("CREATE TABLE books (title TEXT, author_id INTEGER)")
	h.mustExec("INSERT INTO authors VALUES (1, 'le guin'), (2, 'banks')")
	h.mustExec("INSERT INTO books VALUES ('dispossessed', 1), ('excession', 2), ('lathe', 1), ('orphan', 9)")

	got := h.query("SELECT b.title, a.name FROM books b JOIN authors a ON a.id = b.author_id ORDER BY b.title")
	assert.Equal(t, [][]record.Value{
		tuple("dispossessed", "le guin"),
		tuple("excession", "banks"),
		tuple("lathe", "le guin"),
	}, got)
	assert.Equal(t, []string{
		"SCAN books AS b",
		"SEARCH authors AS a USING INTEGER PRIMARY KEY (rowid=?)",
		"USE TEMP B-TREE FOR ORDER BY",
	}, h.explain("SELECT b.title, a.name FROM books b JOIN authors a ON a.id = b.author_id ORDER BY b.title"))

	assert.Len(t, h.query("SELECT * FROM authors, books"), 8)

	_, err := h.queryErr("SELECT name FROM authors, authors")
	assert.ErrorIs(t, err, dberror.ErrSchema)
	_, err = h.queryErr("SELECT id FROM authors a, books b, authors c")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestScalarExpressions(t *testing.T) {
	tests := []struct {
		sql  string
		want record.Value
	}{
		{"SELECT 1 + 2", int64(3)},
		{"SELECT 7 / 2", int64(3)},
		{"SELECT 7.0 / 2", 3.5},
		{"SELECT 7 % 0", nil},
		{"SELECT 9223372036854775807 + 1", 9223372036854775808.0},
		{"SELECT 'a' || 1", "a1"},
		{"SELECT NULL = NULL", nil},
		{"SELECT NULL IS NULL", int64(1)},
		{"SELECT 1 < 2", int64(1)},
		{"SELECT 1 = 1.0", int64(0)},
		{"SELECT 3 IN (1, 2, 3)", int64(1)},
		{"SELECT 4 NOT IN (1, NULL)", nil},
		{"SELECT 5 BETWEEN 1 AND 10", int64(1)},
		{"SELECT 'Abc' LIKE 'a%'", int64(1)},
		{"SELECT 'abc' LIKE 'a_'", int64(0)},
		{"SELECT NULL OR 1", int64(1)},
		{"SELECT NULL AND 0", int64(0)},
		{"SELECT NOT 0", int64(1)},
		{"SELECT CAST('12' AS INTEGER)", int64(12)},
		{"SELECT CAST(3.9 AS INTEGER)", int64(3)},
		{"SELECT CAST(1 AS TEXT)", "1"},
		{"SELECT LOWER('ABC')", "abc"},
		{"SELECT UPPER(NULL)", nil},
		{"SELECT LENGTH('héllo')", int64(5)},
		{"SELECT ABS(-3)", int64(3)},
		{"SELECT COALESCE(NULL, NULL, 2)", int64(2)},
		{"SELECT IFNULL(NULL, 'x')", "x"},
		{"SELECT NULLIF(1, 1)", nil},
		{"SELECT TYPEOF(1.5)", "real"},
		{"SELECT TYPEOF(x'00')", "blob"},
		{"SELECT SUBSTR('hello', 2, 3)", "ell"},
		{"SELECT SUBSTR('hello', -3)", "llo"},
		{"SELECT TRIM('  x  ')", "x"},
		{"SELECT REPLACE('aXbX', 'X', '-')", "a-b-"},
		{"SELECT INSTR('hello', 'l')", int64(3)},
		{"SELECT ROUND(2.567, 2)", 2.57},
		{"SELECT HEX('ab')", "6162"},
		{"SELECT QUOTE('it''s')", "'it''s'"},
		{"SELECT MAX(1, 5, 3)", int64(5)},
		{"SELECT MIN(1, NULL)", nil},
		{"SELECT -(-9223372036854775807 - 1)", 9223372036854775808.0},
	}
	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			got := h.query(tt.sql)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0][0])
		})
	}
}

func TestUnknownFunctions(t *testing.T) {
	h := newHarness(t)
	_, err := h.queryErr("SELECT NOPE(1)")
	require.ErrorIs(t, err, dberror.ErrSchema)
	assert.Contains(t, err.Error(), "no such function: NOPE")
	_, err = h.queryErr("SELECT LOWER(1, 2)")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestParameters(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a INTEGER, b TEXT)")
	h.mustExec("INSERT INTO t VALUES (?1, ?2), (?1 + 1, ?2)", 10, "x")
	assert.Equal(t, [][]record.Value{tuple(int64(11), "x")}, h.query("SELECT a, b FROM t WHERE a > ?", 10))
	// Text parameters convert to the column's numeric affinity.
	assert.Equal(t, [][]record.Value{tuple(int64(10))}, h.query("SELECT a FROM t WHERE a = ?", "10"))
}

func TestSchemaErrors(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a UNIQUE)")

	tests := []struct {
		name string
		sql  string
	}{
		{"duplicate table", "CREATE TABLE t (b)"},
		{"reserved name", "CREATE TABLE sqlite_x (a)"},
		{"unknown table", "INSERT INTO nope VALUES (1)"},
		{"unknown column", "INSERT INTO t (zz) VALUES (1)"},
		{"too many values", "INSERT INTO t VALUES (1, 2)"},
		{"drop missing", "DROP TABLE nope"},
		{"drop automatic index", "DROP INDEX sqlite_autoindex_t_1"},
		{"write schema table", "DELETE FROM sqlite_schema"},
		{"index on missing column", "CREATE INDEX t_z ON t (z)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.exec(tt.sql)
			assert.ErrorIs(t, err, dberror.ErrSchema)
		})
	}

	h.mustExec("CREATE TABLE IF NOT EXISTS t (b)")
	h.mustExec("DROP TABLE IF EXISTS nope")
	h.mustExec("DROP INDEX IF EXISTS nope")
}

func TestDropTableFreesPages(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a TEXT UNIQUE, b)")
	h.mustExec("CREATE INDEX t_b ON t (b)")
	for i := 0; i < 200; i++ {
		h.mustExec("INSERT INTO t VALUES (?, ?)", "value number "+string(rune('a'+i%26))+string(rune('a'+i/26)), i)
	}
	before := h.m.Header().FreeListCount
	h.mustExec("DROP TABLE t")
	assert.Greater(t, h.m.Header().FreeListCount, before)
	assert.Empty(t, h.query("SELECT * FROM sqlite_schema"))
	_, err := h.queryErr("SELECT * FROM t")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestSchemaTableIsReadable(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a PRIMARY KEY)")
	h.mustExec("CREATE INDEX t_a2 ON t (a)")
	got := h.query("SELECT type, name, tbl_name, sql FROM sqlite_master ORDER BY name")
	assert.Equal(t, [][]record.Value{
		tuple("index", "sqlite_autoindex_t_1", "t", nil),
		tuple("table", "t", "t", "CREATE TABLE t (a PRIMARY KEY)"),
		tuple("index", "t_a2", "t", "CREATE INDEX t_a2 ON t (a)"),
	}, got)
}

func TestInterruptStopsScan(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a)")
	h.mustExec("INSERT INTO t VALUES (1), (2), (3)")

	ctx, cancel := context.WithCancel(context.Background())
	parsed, err := parser.ParseOne("SELECT a FROM t")
	require.NoError(t, err)
	rows, err := Query(ctx, h.env(), parsed.Stmt.(*parser.SelectStmt))
	require.NoError(t, err)
	require.True(t, rows.Next())
	cancel()
	assert.False(t, rows.Next())
	assert.ErrorIs(t, rows.Err(), dberror.ErrInterrupt)
	assert.Nil(t, rows.Values())

	closed := false
	rows.OnClose(func() { closed = true })
	assert.True(t, closed)
}

func TestExplainRows(t *testing.T) {
	h := newHarness(t)
	h.mustExec("CREATE TABLE t (a)")
	parsed, err := parser.ParseOne("EXPLAIN QUERY PLAN SELECT * FROM t WHERE rowid > 5")
	require.NoError(t, err)
	rows, err := ExplainRows(h.env(), parsed.Stmt.(*parser.ExplainStmt))
	require.NoError(t, err)
	assert.Equal(t, []string{"detail"}, rows.Columns())
	require.True(t, rows.Next())
	assert.Equal(t, []record.Value{"SEARCH t USING INTEGER PRIMARY KEY (rowid>?)"}, rows.Values())
	assert.False(t, rows.Next())
}
