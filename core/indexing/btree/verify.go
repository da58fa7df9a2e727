package btree

import (
	"bytes"
	"fmt"
	"strings"
)

// Stats summarizes a verified tree.
type Stats struct {
	Depth   int
	Entries int
	// Pages lists every page owned by the tree, overflow pages included.
	Pages []PageID
}

// Verify checks the structural invariants of the tree rooted at root: keys
// ascend within and across nodes, separators bound their subtrees, every leaf
// sits at the same depth and overflow chains are well formed.
func (t *Tree) Verify(root PageID) (Stats, error) {
	var st Stats
	n, err := t.load(root)
	if err != nil {
		return st, err
	}
	leafDepth := -1
	kind := kindOf(n.typ)
	var walk func(n *node, depth int, lo, hi []byte) error
	walk = func(n *node, depth int, lo, hi []byte) error {
		if depth > 64 {
			return corruptf("tree at page %d is too deep", root)
		}
		st.Pages = append(st.Pages, n.id)
		if kindOf(n.typ) != kind {
			return corruptf("page %d has type %s in a tree of another kind", n.id, n.typ)
		}
		for i := range n.cells {
			c := &n.cells[i]
			if i > 0 && bytes.Compare(n.cells[i-1].key, c.key) >= 0 {
				return corruptf("page %d: keys out of order at cell %d", n.id, i)
			}
			if lo != nil && bytes.Compare(c.key, lo) <= 0 {
				return corruptf("page %d: key below the lower separator", n.id)
			}
			if hi != nil && bytes.Compare(c.key, hi) > 0 {
				return corruptf("page %d: key above the upper separator", n.id)
			}
			if c.spilled() {
				pages, err := t.chainPages(c.overflow)
				if err != nil {
					return err
				}
				if want := (c.total - len(c.raw) + t.overflowCapacity() - 1) / t.overflowCapacity(); len(pages) != want {
					return corruptf("page %d: overflow chain has %d pages, want %d", n.id, len(pages), want)
				}
				st.Pages = append(st.Pages, pages...)
			}
		}
		if n.leaf() {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return corruptf("leaf %d at depth %d, other leaves at depth %d", n.id, depth, leafDepth)
			}
			if depth > 0 && len(n.cells) == 0 {
				return corruptf("non-root leaf %d is empty", n.id)
			}
			st.Entries += len(n.cells)
			return nil
		}
		for i := 0; i <= len(n.cells); i++ {
			childLo, childHi := lo, hi
			if i > 0 {
				childLo = n.cells[i-1].key
			}
			if i < len(n.cells) {
				childHi = n.cells[i].key
			}
			child, err := t.load(n.childAt(i))
			if err != nil {
				return err
			}
			if err := walk(child, depth+1, childLo, childHi); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(n, 0, nil, nil); err != nil {
		return st, err
	}
	st.Depth = leafDepth + 1
	return st, nil
}

// Dump renders the tree for debugging.
func (t *Tree) Dump(root PageID) (string, error) {
	var b strings.Builder
	var walk func(id PageID, level int) error
	walk = func(id PageID, level int) error {
		n, err := t.load(id)
		if err != nil {
			return err
		}
		indent := strings.Repeat("  ", level)
		fmt.Fprintf(&b, "%sPageID: %d (%s, Cells: %d, Bytes: %d)\n", indent, n.id, n.typ, len(n.cells), n.size())
		if n.leaf() {
			return nil
		}
		for i := 0; i <= len(n.cells); i++ {
			if err := walk(n.childAt(i), level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}
