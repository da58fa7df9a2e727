package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
)

// nameTaken returns the error for creating an object named name, or nil
// when the name is free.
func nameTaken(s *catalog.Schema, name string) error {
	if catalog.ReservedName(name) {
		return dberror.New(dberror.KindSchema, "object name reserved for internal use: %s", name)
	}
	if _, ok := s.Table(name); ok {
		return dberror.New(dberror.KindSchema, "table %s already exists", name)
	}
	if _, ok := s.Index(name); ok {
		return dberror.New(dberror.KindSchema, "index %s already exists", name)
	}
	return nil
}

func execCreateTable(env *Env, stmt *parser.CreateTableStmt, sql string) error {
	if stmt.IfNotExists && env.Schema.Exists(stmt.Name) {
		if _, isTable := env.Schema.Table(stmt.Name); isTable {
			return nil
		}
	}
	if err := nameTaken(env.Schema, stmt.Name); err != nil {
		return err
	}
	var defaults []parser.Expr
	for _, c := range stmt.Columns {
		defaults = append(defaults, c.Default)
	}
	if err := checkFunctions(defaults...); err != nil {
		return err
	}
	t, err := catalog.NewTable(stmt, sql)
	if err != nil {
		return err
	}
	root, err := env.Tree.Create(btree.TableTree)
	if err != nil {
		return err
	}
	if err := catalog.AddEntry(env.Tree, catalog.Entry{Type: "table", Name: t.Name, TblName: t.Name, RootPage: root, SQL: sql}); err != nil {
		return err
	}
	for _, ix := range t.AutoIndexes() {
		ixRoot, err := env.Tree.Create(btree.IndexTree)
		if err != nil {
			return err
		}
		if err := catalog.AddEntry(env.Tree, catalog.Entry{Type: "index", Name: ix.Name, TblName: t.Name, RootPage: ixRoot}); err != nil {
			return err
		}
	}
	if err := catalog.BumpVersion(env.Pager); err != nil {
		return err
	}
	env.logger().Info("table created", zap.String("table", t.Name), zap.Uint32("root", uint32(root)))
	return nil
}

func execCreateIndex(ctx context.Context, env *Env, stmt *parser.CreateIndexStmt, sql string) error {
	if stmt.IfNotExists {
		if _, ok := env.Schema.Index(stmt.Name); ok {
			return nil
		}
	}
	if err := nameTaken(env.Schema, stmt.Name); err != nil {
		return err
	}
	t, ok := env.Schema.Table(stmt.Table)
	if !ok {
		return dberror.New(dberror.KindSchema, "no such table: %s", stmt.Table)
	}
	if t.System {
		return dberror.New(dberror.KindSchema, "table %s may not be indexed", t.Name)
	}
	ix, err := catalog.NewIndex(stmt, sql, t)
	if err != nil {
		return err
	}
	root, err := env.Tree.Create(btree.IndexTree)
	if err != nil {
		return err
	}
	ix.Root = root
	n, err := populateIndex(ctx, env, t, ix)
	if err != nil {
		return err
	}
	if err := catalog.AddEntry(env.Tree, catalog.Entry{Type: "index", Name: ix.Name, TblName: t.Name, RootPage: root, SQL: sql}); err != nil {
		return err
	}
	if err := catalog.BumpVersion(env.Pager); err != nil {
		return err
	}
	env.logger().Info("index created", zap.String("index", ix.Name), zap.String("table", t.Name), zap.Int64("entries", n))
	return nil
}

// populateIndex adds an entry for every existing row of t to the new index.
func populateIndex(ctx context.Context, env *Env, t *catalog.Table, ix *catalog.Index) (int64, error) {
	cur, err := env.Tree.Seek(t.Root, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	for ; cur.Valid(); n++ {
		if err := ctx.Err(); err != nil {
			return n, interrupted(err)
		}
		rowid, err := record.DecodeRowID(cur.Key())
		if err != nil {
			return n, dberror.Wrap(dberror.KindCorruption, "create index", err)
		}
		payload, err := cur.Value()
		if err != nil {
			return n, err
		}
		vals, err := decodeStored(t, payload, rowid)
		if err != nil {
			return n, err
		}
		if ix.Unique {
			others, err := uniqueConflicts(env, t, ix, vals, rowid, rowid)
			if err != nil {
				return n, err
			}
			if len(others) > 0 {
				return n, uniqueViolation(t, ix)
			}
		}
		if err := env.Tree.Insert(ix.Root, record.EncodeIndexKey(indexValues(t, ix, vals, rowid), rowid), nil); err != nil {
			return n, err
		}
		if err := cur.Next(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func execDropTable(env *Env, stmt *parser.DropTableStmt) error {
	t, ok := env.Schema.Table(stmt.Name)
	if !ok {
		if stmt.IfExists {
			return nil
		}
		return dberror.New(dberror.KindSchema, "no such table: %s", stmt.Name)
	}
	if t.System {
		return dberror.New(dberror.KindSchema, "table %s may not be dropped", t.Name)
	}
	for _, ix := range t.Indexes {
		if err := env.Tree.Drop(ix.Root); err != nil {
			return err
		}
	}
	if err := env.Tree.Drop(t.Root); err != nil {
		return err
	}
	if _, err := catalog.RemoveEntries(env.Tree, t.Name, true); err != nil {
		return err
	}
	if err := catalog.BumpVersion(env.Pager); err != nil {
		return err
	}
	env.logger().Info("table dropped", zap.String("table", t.Name))
	return nil
}

func execDropIndex(env *Env, stmt *parser.DropIndexStmt) error {
	ix, ok := env.Schema.Index(stmt.Name)
	if !ok {
		if stmt.IfExists {
			return nil
		}
		return dberror.New(dberror.KindSchema, "no such index: %s", stmt.Name)
	}
	if ix.Auto {
		return dberror.New(dberror.KindSchema, "index associated with UNIQUE or PRIMARY KEY constraint cannot be dropped")
	}
	if err := env.Tree.Drop(ix.Root); err != nil {
		return err
	}
	if _, err := catalog.RemoveEntries(env.Tree, ix.Name, false); err != nil {
		return err
	}
	if err := catalog.BumpVersion(env.Pager); err != nil {
		return err
	}
	env.logger().Info("index dropped", zap.String("index", ix.Name))
	return nil
}
