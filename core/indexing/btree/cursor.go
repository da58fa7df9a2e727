package btree

import (
	"bytes"
	"errors"
)

// ErrCursorEntryGone is returned by Value when the entry under the cursor was
// deleted after the cursor reached it.
var ErrCursorEntryGone = errors.New("cursor entry no longer exists")

type frame struct {
	n   *node
	idx int
}

// Cursor iterates a tree in key order. A cursor survives modifications of
// the tree made through the same pager: it repositions itself after the last
// key it returned.
type Cursor struct {
	tree  *Tree
	root  PageID
	stack []frame
	upper []byte
	gen   uint64
	key   []byte
	valid bool
}

// Seek positions a cursor at the first key >= key. A nil key starts at the
// smallest key.
func (t *Tree) Seek(root PageID, key []byte) (*Cursor, error) {
	return t.Range(root, key, nil)
}

// Range returns a cursor over keys in [lo, hi). Nil bounds are open.
func (t *Tree) Range(root PageID, lo, hi []byte) (*Cursor, error) {
	c := &Cursor{tree: t, root: root, upper: hi}
	if err := c.seek(lo); err != nil {
		return nil, err
	}
	return c, nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the current key. The slice stays valid after the cursor moves.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the value of the current entry.
func (c *Cursor) Value() ([]byte, error) {
	if !c.valid {
		return nil, nil
	}
	if c.tree.pager.Generation() != c.gen {
		key := c.key
		if err := c.seek(key); err != nil {
			return nil, err
		}
		if !c.valid || !bytes.Equal(c.key, key) {
			c.valid = false
			return nil, ErrCursorEntryGone
		}
	}
	top := c.stack[len(c.stack)-1]
	return c.tree.cellValue(&top.n.cells[top.idx])
}

// Next advances to the following entry.
func (c *Cursor) Next() error {
	if !c.valid {
		return nil
	}
	if c.tree.pager.Generation() != c.gen {
		key := c.key
		if err := c.seek(key); err != nil {
			return err
		}
		if !c.valid || !bytes.Equal(c.key, key) {
			// Already past the old entry.
			return nil
		}
	}
	top := &c.stack[len(c.stack)-1]
	top.idx++
	if top.idx >= len(top.n.cells) {
		if err := c.nextLeaf(); err != nil {
			return err
		}
	}
	c.settle()
	return nil
}

func (c *Cursor) seek(key []byte) error {
	c.stack = c.stack[:0]
	c.valid = false
	id := c.root
	for depth := 0; ; depth++ {
		if depth > 64 {
			return corruptf("tree at page %d is too deep", c.root)
		}
		n, err := c.tree.load(id)
		if err != nil {
			return err
		}
		idx := searchNode(n, key)
		c.stack = append(c.stack, frame{n: n, idx: idx})
		if n.leaf() {
			break
		}
		id = n.childAt(idx)
	}
	if top := c.stack[len(c.stack)-1]; top.idx >= len(top.n.cells) {
		if err := c.nextLeaf(); err != nil {
			return err
		}
	}
	c.settle()
	return nil
}

// nextLeaf moves to the first entry of the next non-empty leaf, or
// invalidates the cursor at the end of the tree.
func (c *Cursor) nextLeaf() error {
	for {
		c.stack = c.stack[:len(c.stack)-1]
		for len(c.stack) > 0 {
			top := &c.stack[len(c.stack)-1]
			top.idx++
			if top.idx <= len(top.n.cells) {
				break
			}
			c.stack = c.stack[:len(c.stack)-1]
		}
		if len(c.stack) == 0 {
			return nil
		}
		top := c.stack[len(c.stack)-1]
		id := top.n.childAt(top.idx)
		for {
			n, err := c.tree.load(id)
			if err != nil {
				return err
			}
			c.stack = append(c.stack, frame{n: n})
			if n.leaf() {
				break
			}
			if len(c.stack) > 64 {
				return corruptf("tree at page %d is too deep", c.root)
			}
			id = n.childAt(0)
		}
		if len(c.stack[len(c.stack)-1].n.cells) > 0 {
			return nil
		}
	}
}

// settle records the cursor position after a move.
func (c *Cursor) settle() {
	c.gen = c.tree.pager.Generation()
	c.valid = false
	if len(c.stack) == 0 {
		return
	}
	top := c.stack[len(c.stack)-1]
	if !top.n.leaf() || top.idx >= len(top.n.cells) {
		return
	}
	key := top.n.cells[top.idx].key
	if c.upper != nil && bytes.Compare(key, c.upper) >= 0 {
		return
	}
	c.key = append([]byte(nil), key...)
	c.valid = true
}
