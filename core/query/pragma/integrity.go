package pragma

import (
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/executor"
	"github.com/sushant-115/gojolite/core/record"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const defaultIntegrityErrors = 100

func integrityCheck(c *call) (*executor.Rows, error) {
	limit := int64(defaultIntegrityErrors)
	if c.set {
		n, err := c.int()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			limit = n
		}
	}
	var problems []string
	err := c.host.View(func(env *executor.Env) error {
		var err error
		problems, err = CheckIntegrity(env, int(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(problems) == 0 {
		problems = []string{"ok"}
	}
	rows := make([][]record.Value, len(problems))
	for i, p := range problems {
		rows[i] = []record.Value{p}
	}
	return executor.StaticRows([]string{c.name.Value}, rows), nil
}

// CheckIntegrity verifies every tree of the database, compares each
// index's entry count with its table's row count and accounts for every
// page of the file. It returns at most limit problems; an empty result
// means the file is consistent. Errors other than corruption are returned
// as errors.
func CheckIntegrity(env *executor.Env, limit int) ([]string, error) {
	var problems []string
	report := func(format string, args ...any) {
		if len(problems) < limit {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	h := env.Pager.Header()
	owner := make(map[pagemanager.PageID]string, h.PageCount)
	owner[pagemanager.HeaderPageID] = "file header"
	claim := func(what string, pages []pagemanager.PageID) {
		for _, id := range pages {
			if id == pagemanager.InvalidPageID || uint32(id) > h.PageCount {
				report("%s: page %d is out of range", what, id)
				continue
			}
			if prev, ok := owner[id]; ok {
				report("page %d is used by both %s and %s", id, prev, what)
				continue
			}
			owner[id] = what
		}
	}
	verify := func(what string, root pagemanager.PageID) (entries int, ok bool, err error) {
		st, err := env.Tree.Verify(root)
		if err != nil {
			if dberror.KindOf(err) != dberror.KindCorruption {
				return 0, false, err
			}
			report("%s: %v", what, err)
			return 0, false, nil
		}
		claim(what, st.Pages)
		return st.Entries, true, nil
	}

	if _, _, err := verify("schema", pagemanager.SchemaRootPageID); err != nil {
		return nil, err
	}
	for _, t := range env.Schema.Tables() {
		rows, tableOK, err := verify("table "+t.Name, t.Root)
		if err != nil {
			return nil, err
		}
		for _, ix := range t.Indexes {
			n, ixOK, err := verify("index "+ix.Name, ix.Root)
			if err != nil {
				return nil, err
			}
			if tableOK && ixOK && n != rows {
				report("wrong # of entries in index %s: %d entries for %d rows", ix.Name, n, rows)
			}
		}
	}

	free, err := env.Pager.FreePages()
	switch {
	case dberror.KindOf(err) == dberror.KindCorruption:
		report("free list: %v", err)
	case err != nil:
		return nil, err
	}
	claim("free list", free)

	for id := pagemanager.PageID(1); uint32(id) <= h.PageCount; id++ {
		if _, ok := owner[id]; !ok {
			report("page %d is never used", id)
		}
	}
	return problems, nil
}
