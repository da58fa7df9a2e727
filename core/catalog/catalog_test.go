package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestTree(t *testing.T) (*btree.Tree, *pagemanager.Manager) {
	t.Helper()
	const pageSize = 1024
	h := pagemanager.NewFileHeader(pageSize, true)
	m := pagemanager.NewManager(memSource{s: pagemanager.NewMemStorage(nil), pageSize: pageSize}, h, false)
	tr := btree.New(m)
	require.NoError(t, tr.InitRoot(pagemanager.SchemaRootPageID, btree.TableTree))
	return tr, m
}

func createTable(t *testing.T, sql string) *Table {
	t.Helper()
	parsed, err := parser.ParseOne(sql)
	require.NoError(t, err)
	tbl, err := NewTable(parsed.Stmt.(*parser.CreateTableStmt), parsed.SQL)
	require.NoError(t, err)
	return tbl
}

func TestNewTableConstraints(t *testing.T) {
	tests := []struct {
		name      string
		sql       string
		alias     int
		autoSets  [][]int
		autoIsPK  bool
		affinites []record.Affinity
	}{
		{
			name:      "integer primary key aliases the row id",
			sql:       "CREATE TABLE kv (id INTEGER PRIMARY KEY, v TEXT)",
			alias:     0,
			affinites: []record.Affinity{record.AffinityInteger, record.AffinityText},
		},
		{
			name:     "text primary key gets an automatic index",
			sql:      "CREATE TABLE users (email TEXT PRIMARY KEY, age INT)",
			alias:    -1,
			autoSets: [][]int{{0}},
			autoIsPK: true,
		},
		{
			name:     "int is not integer",
			sql:      "CREATE TABLE t (id INT PRIMARY KEY)",
			alias:    -1,
			autoSets: [][]int{{0}},
			autoIsPK: true,
		},
		{
			name:     "desc integer key is not an alias",
			sql:      "CREATE TABLE t (id INTEGER PRIMARY KEY DESC)",
			alias:    -1,
			autoSets: [][]int{{0}},
			autoIsPK: true,
		},
		{
			name:     "unique columns and table constraints",
			sql:      "CREATE TABLE t (a, b UNIQUE, c, UNIQUE (a, c), UNIQUE (b))",
			alias:    -1,
			autoSets: [][]int{{1}, {0, 2}},
		},
		{
			name:     "table level integer primary key",
			sql:      "CREATE TABLE t (k INTEGER, v, PRIMARY KEY (k), UNIQUE (k))",
			alias:    0,
			autoSets: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := createTable(t, tt.sql)
			assert.Equal(t, tt.alias, tbl.RowIDAlias)
			auto := tbl.AutoIndexes()
			require.Len(t, auto, len(tt.autoSets))
			for i, ix := range auto {
				assert.Equal(t, tt.autoSets[i], ix.Columns)
				assert.True(t, ix.Unique)
				assert.Equal(t, AutoIndexName(tbl.Name, i+1), ix.Name)
			}
			if len(auto) > 0 {
				assert.Equal(t, tt.autoIsPK, auto[0].PrimaryKey)
			}
			for i, a := range tt.affinites {
				assert.Equal(t, a, tbl.Columns[i].Affinity)
			}
		})
	}
}

func TestNewTableRejectsBadDefinitions(t *testing.T) {
	for _, sql := range []string{
		"CREATE TABLE t (a, A)",
		"CREATE TABLE t (a PRIMARY KEY, b PRIMARY KEY)",
		"CREATE TABLE t (a, PRIMARY KEY (zz))",
		"CREATE TABLE t (a, UNIQUE (a, nope))",
	} {
		parsed, err := parser.ParseOne(sql)
		if err != nil {
			// Some definitions are already rejected while parsing.
			assert.Equal(t, dberror.KindSyntax, dberror.KindOf(err), sql)
			continue
		}
		_, err = NewTable(parsed.Stmt.(*parser.CreateTableStmt), parsed.SQL)
		assert.ErrorIs(t, err, dberror.ErrSchema, sql)
	}
}

func TestColumnIndexResolvesRowIDNames(t *testing.T) {
	plain := createTable(t, "CREATE TABLE t (a, b)")
	i, ok := plain.ColumnIndex("ROWID")
	require.True(t, ok)
	assert.Equal(t, RowIDColumn, i)
	assert.Equal(t, "t.rowid", plain.ColumnName(i))

	i, ok = plain.ColumnIndex("B")
	require.True(t, ok)
	assert.Equal(t, 1, i)

	aliased := createTable(t, "CREATE TABLE u (x, id INTEGER PRIMARY KEY)")
	i, ok = aliased.ColumnIndex("oid")
	require.True(t, ok)
	assert.Equal(t, 1, i)
	assert.True(t, aliased.IsRowID(i))
	assert.Equal(t, record.AffinityInteger, aliased.Affinity(i))

	shadowed := createTable(t, "CREATE TABLE w (rowid TEXT)")
	i, ok = shadowed.ColumnIndex("rowid")
	require.True(t, ok)
	assert.Equal(t, 0, i)

	_, ok = plain.ColumnIndex("missing")
	assert.False(t, ok)
}

func TestLoadRoundTrip(t *testing.T) {
	tr, m := newTestTree(t)

	users := createTable(t, "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE NOT NULL, name TEXT DEFAULT 'anon')")
	root, err := tr.Create(btree.TableTree)
	require.NoError(t, err)
	require.NoError(t, AddEntry(tr, Entry{Type: "table", Name: users.Name, TblName: users.Name, RootPage: root, SQL: users.SQL}))
	for _, ix := range users.AutoIndexes() {
		ixRoot, err := tr.Create(btree.IndexTree)
		require.NoError(t, err)
		require.NoError(t, AddEntry(tr, Entry{Type: "index", Name: ix.Name, TblName: users.Name, RootPage: ixRoot}))
	}
	idxSQL := "CREATE INDEX users_name ON users (name)"
	parsed, err := parser.ParseOne(idxSQL)
	require.NoError(t, err)
	byName, err := NewIndex(parsed.Stmt.(*parser.CreateIndexStmt), idxSQL, users)
	require.NoError(t, err)
	ixRoot, err := tr.Create(btree.IndexTree)
	require.NoError(t, err)
	require.NoError(t, AddEntry(tr, Entry{Type: "index", Name: byName.Name, TblName: users.Name, RootPage: ixRoot, SQL: idxSQL}))
	require.NoError(t, BumpVersion(m))

	s, err := Load(tr, m.Header())
	require.NoError(t, err)
	assert.True(t, s.Fresh(m.Header()))
	assert.EqualValues(t, 1, s.Version)

	got, ok := s.Table("USERS")
	require.True(t, ok)
	assert.Equal(t, root, got.Root)
	assert.Equal(t, 0, got.RowIDAlias)
	require.Len(t, got.Indexes, 2)
	assert.Equal(t, "sqlite_autoindex_users_1", got.Indexes[0].Name)
	assert.True(t, got.Indexes[0].Auto)
	assert.Equal(t, []int{1}, got.Indexes[0].Columns)
	assert.Equal(t, "users_name", got.Indexes[1].Name)
	assert.Equal(t, []int{2}, got.Indexes[1].Columns)
	assert.True(t, got.Columns[1].NotNull)
	assert.NotNil(t, got.Columns[2].Default)

	sys, ok := s.Table("sqlite_master")
	require.True(t, ok)
	assert.True(t, sys.System)
	assert.Len(t, s.Tables(), 1)
	assert.Len(t, s.Indexes(), 2)
	assert.True(t, s.Exists("users_name"))

	n, err := RemoveEntries(tr, "users", true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	entries, err := ReadEntries(tr)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadRejectsDanglingIndex(t *testing.T) {
	tr, m := newTestTree(t)
	require.NoError(t, AddEntry(tr, Entry{Type: "index", Name: "orphan", TblName: "nope", RootPage: 3, SQL: "CREATE INDEX orphan ON nope (a)"}))
	_, err := Load(tr, m.Header())
	assert.ErrorIs(t, err, dberror.ErrCorruption)
}

func TestReservedName(t *testing.T) {
	assert.True(t, ReservedName("SQLITE_stuff"))
	assert.False(t, ReservedName("users"))
}
