// Package catalog holds the schema of a database: the tables and indexes
// recorded as rows of the schema tree rooted at page 2.
//
// Each schema row is [type, name, tbl_name, rootpage, sql]. Tables and
// explicitly created indexes store the statement that created them;
// automatic indexes backing PRIMARY KEY and UNIQUE constraints store NULL
// and are rebuilt from their table's definition.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const (
	// SchemaTable is the read-only table exposing the schema rows.
	SchemaTable = "sqlite_schema"
	// schemaAlias is the legacy name of SchemaTable.
	schemaAlias = "sqlite_master"

	autoIndexPrefix = "sqlite_autoindex_"
	reservedPrefix  = "sqlite_"
)

// RowIDColumn is the column index that stands for the row id itself.
const RowIDColumn = -1

var (
	ErrBadSchemaRow = errors.New("malformed schema row")
)

// Column describes one column of a table.
type Column struct {
	Name       string
	Type       string
	Affinity   record.Affinity
	NotNull    bool
	Default    parser.Expr
	PrimaryKey bool
}

// Table is a table and its indexes.
type Table struct {
	Name    string
	Root    pagemanager.PageID
	SQL     string
	Columns []Column
	// RowIDAlias is the position of the INTEGER PRIMARY KEY column, or -1.
	RowIDAlias int
	// Indexes lists the table's indexes, automatic ones first in
	// constraint order.
	Indexes []*Index
	// System marks the builtin schema table.
	System bool

	// unique lists the column sets of the PRIMARY KEY and UNIQUE
	// constraints that need an automatic index.
	unique [][]int
}

// Index is a secondary index. Entries are keyed by the indexed values
// followed by the row id and carry no payload.
type Index struct {
	Name    string
	Table   string
	Root    pagemanager.PageID
	SQL     string
	Columns []int
	Unique  bool
	// Auto marks an index created for a PRIMARY KEY or UNIQUE constraint.
	Auto bool
	// PrimaryKey marks the automatic index of a PRIMARY KEY constraint.
	PrimaryKey bool
}

// ColumnIndex resolves a column name, case-insensitively. The names rowid,
// oid and _rowid_ resolve to RowIDColumn unless a column uses them.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	if IsRowIDName(name) {
		if t.RowIDAlias >= 0 {
			return t.RowIDAlias, true
		}
		return RowIDColumn, true
	}
	return 0, false
}

// IsRowIDName reports whether name is one of the row id aliases.
func IsRowIDName(name string) bool {
	switch strings.ToLower(name) {
	case "rowid", "oid", "_rowid_":
		return true
	}
	return false
}

// ColumnName renders column i as table.column for constraint messages.
func (t *Table) ColumnName(i int) string {
	if i == RowIDColumn {
		return t.Name + ".rowid"
	}
	return t.Name + "." + t.Columns[i].Name
}

// IsRowID reports whether column i holds the row id.
func (t *Table) IsRowID(i int) bool {
	return i == RowIDColumn || i == t.RowIDAlias
}

// Affinity returns the affinity of column i.
func (t *Table) Affinity(i int) record.Affinity {
	if t.IsRowID(i) {
		return record.AffinityInteger
	}
	return t.Columns[i].Affinity
}

// ConstraintName renders the columns of an index for constraint messages.
func (ix *Index) ConstraintName(t *Table) string {
	names := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		names[i] = t.ColumnName(c)
	}
	return strings.Join(names, ", ")
}

// NewTable builds a table definition from CREATE TABLE. Root pages are
// assigned by the caller.
func NewTable(stmt *parser.CreateTableStmt, sql string) (*Table, error) {
	t := &Table{Name: stmt.Name, SQL: sql, RowIDAlias: -1}
	seen := make(map[string]bool, len(stmt.Columns))
	var pk []int
	for i, def := range stmt.Columns {
		key := strings.ToLower(def.Name)
		if seen[key] {
			return nil, dberror.New(dberror.KindSchema, "duplicate column name: %s", def.Name)
		}
		seen[key] = true
		t.Columns = append(t.Columns, Column{
			Name:       def.Name,
			Type:       def.Type,
			Affinity:   record.AffinityOf(def.Type),
			NotNull:    def.NotNull,
			Default:    def.Default,
			PrimaryKey: def.PrimaryKey,
		})
		if def.PrimaryKey {
			if pk != nil || len(stmt.PrimaryKey) > 0 {
				return nil, dberror.New(dberror.KindSchema, "table %q has more than one primary key", stmt.Name)
			}
			pk = []int{i}
		}
	}
	if len(stmt.PrimaryKey) > 0 {
		cols, err := t.resolve(stmt.PrimaryKey)
		if err != nil {
			return nil, err
		}
		pk = cols
		for _, c := range cols {
			t.Columns[c].PrimaryKey = true
		}
	}

	switch {
	case len(pk) == 1 && strings.EqualFold(t.Columns[pk[0]].Type, "INTEGER") && !stmt.Columns[pk[0]].Desc:
		t.RowIDAlias = pk[0]
	case len(pk) > 0:
		t.unique = append(t.unique, pk)
	}
	for i, def := range stmt.Columns {
		if def.Unique && i != t.RowIDAlias {
			t.unique = appendSet(t.unique, []int{i})
		}
	}
	for _, names := range stmt.Unique {
		cols, err := t.resolve(names)
		if err != nil {
			return nil, err
		}
		if len(cols) == 1 && cols[0] == t.RowIDAlias {
			continue
		}
		t.unique = appendSet(t.unique, cols)
	}
	return t, nil
}

func (t *Table) resolve(names []string) ([]int, error) {
	cols := make([]int, len(names))
	for i, name := range names {
		c, ok := t.ColumnIndex(name)
		if !ok || c == RowIDColumn {
			return nil, dberror.New(dberror.KindSchema, "no such column: %s", name)
		}
		cols[i] = c
	}
	return cols, nil
}

// appendSet adds cols unless an identical column set is already present.
func appendSet(sets [][]int, cols []int) [][]int {
	for _, s := range sets {
		if equalInts(s, cols) {
			return sets
		}
	}
	return append(sets, cols)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AutoIndexes returns the automatic indexes the table's constraints need,
// without root pages.
func (t *Table) AutoIndexes() []*Index {
	out := make([]*Index, len(t.unique))
	for i, cols := range t.unique {
		out[i] = &Index{
			Name:       AutoIndexName(t.Name, i+1),
			Table:      t.Name,
			Columns:    cols,
			Unique:     true,
			Auto:       true,
			PrimaryKey: i == 0 && t.Columns[cols[0]].PrimaryKey && t.RowIDAlias < 0,
		}
	}
	return out
}

// AutoIndexName is the name of the n-th automatic index of table.
func AutoIndexName(table string, n int) string {
	return fmt.Sprintf("%s%s_%d", autoIndexPrefix, table, n)
}

// NewIndex builds an index definition from CREATE INDEX over table t.
func NewIndex(stmt *parser.CreateIndexStmt, sql string, t *Table) (*Index, error) {
	ix := &Index{Name: stmt.Name, Table: t.Name, SQL: sql, Unique: stmt.Unique}
	for _, c := range stmt.Columns {
		pos, ok := t.ColumnIndex(c.Name)
		if !ok || pos == RowIDColumn {
			return nil, dberror.New(dberror.KindSchema, "no such column: %s", c.Name)
		}
		ix.Columns = append(ix.Columns, pos)
	}
	return ix, nil
}

// ReservedName reports whether name is reserved for internal objects.
func ReservedName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), reservedPrefix)
}

// Schema is an immutable snapshot of the catalog.
type Schema struct {
	// Version and Counter identify the header state the schema was loaded
	// from.
	Version uint32
	Counter uint64

	tables  map[string]*Table
	indexes map[string]*Index
}

// Fresh reports whether the schema still matches header h.
func (s *Schema) Fresh(h pagemanager.FileHeader) bool {
	return s != nil && s.Version == h.SchemaVersion && s.Counter == h.ChangeCounter
}

// Table looks a table up by name, case-insensitively.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// Index looks an index up by name, case-insensitively.
func (s *Schema) Index(name string) (*Index, bool) {
	ix, ok := s.indexes[strings.ToLower(name)]
	return ix, ok
}

// Exists reports whether a table or index uses name.
func (s *Schema) Exists(name string) bool {
	_, t := s.Table(name)
	_, ix := s.Index(name)
	return t || ix
}

// Tables returns the user tables sorted by name.
func (s *Schema) Tables() []*Table {
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		if !t.System {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Indexes returns every index sorted by name.
func (s *Schema) Indexes() []*Index {
	out := make([]*Index, 0, len(s.indexes))
	for _, ix := range s.indexes {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// systemTable describes the schema tree itself.
func systemTable() *Table {
	text := record.AffinityText
	return &Table{
		Name: SchemaTable,
		Root: pagemanager.SchemaRootPageID,
		Columns: []Column{
			{Name: "type", Type: "TEXT", Affinity: text},
			{Name: "name", Type: "TEXT", Affinity: text},
			{Name: "tbl_name", Type: "TEXT", Affinity: text},
			{Name: "rootpage", Type: "INT", Affinity: record.AffinityInteger},
			{Name: "sql", Type: "TEXT", Affinity: text},
		},
		RowIDAlias: -1,
		System:     true,
	}
}

// Load reads the schema rows through tree.
func Load(tree *btree.Tree, h pagemanager.FileHeader) (*Schema, error) {
	s := &Schema{
		Version: h.SchemaVersion,
		Counter: h.ChangeCounter,
		tables:  make(map[string]*Table),
		indexes: make(map[string]*Index),
	}
	sys := systemTable()
	s.tables[SchemaTable] = sys
	s.tables[schemaAlias] = sys

	entries, err := ReadEntries(tree)
	if err != nil {
		return nil, err
	}
	var indexRows []Entry
	for _, e := range entries {
		switch e.Type {
		case "table":
			t, err := e.table()
			if err != nil {
				return nil, err
			}
			s.tables[strings.ToLower(t.Name)] = t
		case "index":
			indexRows = append(indexRows, e)
		default:
			return nil, corruptSchema("unknown schema object type %q", e.Type)
		}
	}
	for _, e := range indexRows {
		t, ok := s.Table(e.TblName)
		if !ok || t.System {
			return nil, corruptSchema("index %s refers to missing table %s", e.Name, e.TblName)
		}
		ix, err := e.index(t)
		if err != nil {
			return nil, err
		}
		s.indexes[strings.ToLower(ix.Name)] = ix
	}
	for _, t := range s.tables {
		sort.SliceStable(t.Indexes, func(i, j int) bool {
			a, b := t.Indexes[i], t.Indexes[j]
			if a.Auto != b.Auto {
				return a.Auto
			}
			return a.Name < b.Name
		})
	}
	return s, nil
}

func corruptSchema(format string, args ...any) error {
	return dberror.Wrap(dberror.KindCorruption, "load schema",
		fmt.Errorf("%w: %s", ErrBadSchemaRow, fmt.Sprintf(format, args...)))
}

func (e Entry) table() (*Table, error) {
	parsed, err := parser.ParseOne(e.SQL)
	if err != nil {
		return nil, corruptSchema("table %s: %v", e.Name, err)
	}
	stmt, ok := parsed.Stmt.(*parser.CreateTableStmt)
	if !ok {
		return nil, corruptSchema("table %s is not defined by CREATE TABLE", e.Name)
	}
	t, err := NewTable(stmt, e.SQL)
	if err != nil {
		return nil, corruptSchema("table %s: %v", e.Name, err)
	}
	t.Root = e.RootPage
	return t, nil
}

func (e Entry) index(t *Table) (*Index, error) {
	var ix *Index
	if e.SQL == "" {
		var n int
		if _, err := fmt.Sscanf(strings.TrimPrefix(e.Name, autoIndexPrefix+t.Name+"_"), "%d", &n); err != nil {
			return nil, corruptSchema("automatic index %s has no sequence number", e.Name)
		}
		auto := t.AutoIndexes()
		if n < 1 || n > len(auto) {
			return nil, corruptSchema("automatic index %s does not match table %s", e.Name, t.Name)
		}
		ix = auto[n-1]
	} else {
		parsed, err := parser.ParseOne(e.SQL)
		if err != nil {
			return nil, corruptSchema("index %s: %v", e.Name, err)
		}
		stmt, ok := parsed.Stmt.(*parser.CreateIndexStmt)
		if !ok {
			return nil, corruptSchema("index %s is not defined by CREATE INDEX", e.Name)
		}
		if ix, err = NewIndex(stmt, e.SQL, t); err != nil {
			return nil, corruptSchema("index %s: %v", e.Name, err)
		}
	}
	ix.Root = e.RootPage
	t.Indexes = append(t.Indexes, ix)
	return ix, nil
}
