package catalog

import (
	"fmt"
	"math"
	"strings"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/record"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Entry is one row of the schema tree.
type Entry struct {
	RowID    int64
	Type     string
	Name     string
	TblName  string
	RootPage pagemanager.PageID
	// SQL is empty for automatic indexes.
	SQL string
}

func (e Entry) values() []record.Value {
	var sql record.Value
	if e.SQL != "" {
		sql = e.SQL
	}
	return []record.Value{e.Type, e.Name, e.TblName, int64(e.RootPage), sql}
}

func decodeEntry(rowid int64, payload []byte) (Entry, error) {
	vals, err := record.DecodeRow(payload)
	if err != nil {
		return Entry{}, corruptSchema("row %d: %v", rowid, err)
	}
	if len(vals) != 5 {
		return Entry{}, corruptSchema("row %d has %d columns", rowid, len(vals))
	}
	e := Entry{RowID: rowid}
	var ok bool
	if e.Type, ok = vals[0].(string); !ok {
		return e, corruptSchema("row %d: type is %T", rowid, vals[0])
	}
	if e.Name, ok = vals[1].(string); !ok {
		return e, corruptSchema("row %d: name is %T", rowid, vals[1])
	}
	if e.TblName, ok = vals[2].(string); !ok {
		return e, corruptSchema("row %d: tbl_name is %T", rowid, vals[2])
	}
	root, ok := vals[3].(int64)
	if !ok || root <= int64(pagemanager.SchemaRootPageID) || root > math.MaxUint32 {
		return e, corruptSchema("row %d: bad root page %v", rowid, vals[3])
	}
	e.RootPage = pagemanager.PageID(root)
	switch sql := vals[4].(type) {
	case nil:
	case string:
		e.SQL = sql
	default:
		return e, corruptSchema("row %d: sql is %T", rowid, vals[4])
	}
	return e, nil
}

// ReadEntries returns every schema row in row id order.
func ReadEntries(tree *btree.Tree) ([]Entry, error) {
	c, err := tree.Seek(pagemanager.SchemaRootPageID, nil)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for c.Valid() {
		rowid, err := record.DecodeRowID(c.Key())
		if err != nil {
			return nil, corruptSchema("%v", err)
		}
		payload, err := c.Value()
		if err != nil {
			return nil, err
		}
		e, err := decodeEntry(rowid, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddEntry appends a schema row.
func AddEntry(tree *btree.Tree, e Entry) error {
	last, _, ok, err := tree.Last(pagemanager.SchemaRootPageID)
	if err != nil {
		return err
	}
	e.RowID = 1
	if ok {
		prev, err := record.DecodeRowID(last)
		if err != nil {
			return corruptSchema("%v", err)
		}
		e.RowID = prev + 1
	}
	return tree.Insert(pagemanager.SchemaRootPageID, record.EncodeRowID(e.RowID), record.EncodeRow(e.values()))
}

// RemoveEntries deletes the schema rows of the named object, and with
// withDependents also the rows whose tbl_name is name.
func RemoveEntries(tree *btree.Tree, name string, withDependents bool) (int, error) {
	entries, err := ReadEntries(tree)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !strings.EqualFold(e.Name, name) && !(withDependents && strings.EqualFold(e.TblName, name)) {
			continue
		}
		found, err := tree.Delete(pagemanager.SchemaRootPageID, record.EncodeRowID(e.RowID))
		if err != nil {
			return n, err
		}
		if !found {
			return n, dberror.Wrap(dberror.KindCorruption, "drop", fmt.Errorf("%w: row %d vanished", ErrBadSchemaRow, e.RowID))
		}
		n++
	}
	return n, nil
}

// BumpVersion marks a schema change so that every connection reloads.
func BumpVersion(m *pagemanager.Manager) error {
	return m.UpdateHeader(func(h *pagemanager.FileHeader) { h.SchemaVersion++ })
}
