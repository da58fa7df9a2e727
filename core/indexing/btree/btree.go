// Package btree implements B+trees over the pages of a database file. Keys
// and values are byte strings ordered by bytes.Compare; callers encode typed
// keys with an order-preserving encoding. Table trees and index trees share
// the same layout and differ only in their page types.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

type (
	PageID   = pagemanager.PageID
	PageType = pagemanager.PageType
)

const InvalidPageID = pagemanager.InvalidPageID

// --- Error Definitions ---

var (
	ErrNodeOverflow = errors.New("node does not fit in a page")
	ErrKeyTooLarge  = errors.New("key too large")
)

// MaxKeySize bounds keys so a separator never needs more than a handful of
// overflow pages.
const MaxKeySize = 1 << 16

func corruptf(format string, args ...any) error {
	return dberror.New(dberror.KindCorruption, format, args...)
}

// Kind selects the page types of a tree.
type Kind int

const (
	TableTree Kind = iota
	IndexTree
)

func (k Kind) leafType() PageType {
	if k == IndexTree {
		return pagemanager.PageTypeBTreeLeafIndex
	}
	return pagemanager.PageTypeBTreeLeafTable
}

func (k Kind) interiorType() PageType {
	if k == IndexTree {
		return pagemanager.PageTypeBTreeInteriorIndex
	}
	return pagemanager.PageTypeBTreeInteriorTable
}

func kindOf(typ PageType) Kind {
	if typ == pagemanager.PageTypeBTreeLeafIndex || typ == pagemanager.PageTypeBTreeInteriorIndex {
		return IndexTree
	}
	return TableTree
}

// Pager is the page view a tree operates on. *pagemanager.Manager
// implements it.
type Pager interface {
	Read(id PageID) ([]byte, error)
	Write(id PageID, data []byte) error
	Allocate() (PageID, error)
	Free(id PageID) error
	PageSize() uint32
	UsableSize() int
	PageCount() uint32
	// Generation changes whenever a page is written.
	Generation() uint64
}

// Tree provides B+tree operations on the trees stored in a Pager. A tree is
// named by its root page, which never moves for the life of the tree.
type Tree struct {
	pager Pager
}

// New returns a Tree operating on pager.
func New(pager Pager) *Tree {
	return &Tree{pager: pager}
}

func (t *Tree) Pager() Pager { return t.pager }

func (t *Tree) pageCount() uint32 { return t.pager.PageCount() }

// Create allocates an empty tree and returns its root page.
func (t *Tree) Create(kind Kind) (PageID, error) {
	id, err := t.pager.Allocate()
	if err != nil {
		return InvalidPageID, err
	}
	return id, t.InitRoot(id, kind)
}

// InitRoot formats page id as an empty tree of the given kind.
func (t *Tree) InitRoot(id PageID, kind Kind) error {
	return t.store(&node{id: id, typ: kind.leafType()})
}

// pathEntry records a visited interior node and the child index taken.
type pathEntry struct {
	n   *node
	idx int
}

// searchNode returns the index of the first cell whose key is >= key.
func searchNode(n *node, key []byte) int {
	return sort.Search(len(n.cells), func(i int) bool {
		return bytes.Compare(n.cells[i].key, key) >= 0
	})
}

// descend walks from root to the leaf that may hold key.
func (t *Tree) descend(root PageID, key []byte) ([]pathEntry, *node, error) {
	var path []pathEntry
	var kind Kind
	id := root
	for depth := 0; ; depth++ {
		if depth > 64 {
			return nil, nil, corruptf("tree at page %d is too deep", root)
		}
		n, err := t.load(id)
		if err != nil {
			return nil, nil, err
		}
		if depth == 0 {
			kind = kindOf(n.typ)
		} else if kindOf(n.typ) != kind {
			return nil, nil, corruptf("page %d does not belong to the tree at page %d", id, root)
		}
		if n.leaf() {
			return path, n, nil
		}
		idx := searchNode(n, key)
		path = append(path, pathEntry{n: n, idx: idx})
		id = n.childAt(idx)
		if id == InvalidPageID {
			return nil, nil, corruptf("interior page %d has a null child", n.id)
		}
	}
}

// Get returns the value stored under key.
func (t *Tree) Get(root PageID, key []byte) ([]byte, bool, error) {
	_, leaf, err := t.descend(root, key)
	if err != nil {
		return nil, false, err
	}
	i := searchNode(leaf, key)
	if i == len(leaf.cells) || !bytes.Equal(leaf.cells[i].key, key) {
		return nil, false, nil
	}
	v, err := t.cellValue(&leaf.cells[i])
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Has reports whether key is present.
func (t *Tree) Has(root PageID, key []byte) (bool, error) {
	_, leaf, err := t.descend(root, key)
	if err != nil {
		return false, err
	}
	i := searchNode(leaf, key)
	return i < len(leaf.cells) && bytes.Equal(leaf.cells[i].key, key), nil
}

// Insert stores value under key, replacing any existing value.
func (t *Tree) Insert(root PageID, key, value []byte) error {
	if len(key) > MaxKeySize {
		return dberror.Wrap(dberror.KindMisuse, "insert", fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key)))
	}
	path, leaf, err := t.descend(root, key)
	if err != nil {
		return err
	}
	c, err := t.newLeafCell(key, value)
	if err != nil {
		return err
	}
	i := searchNode(leaf, key)
	if i < len(leaf.cells) && bytes.Equal(leaf.cells[i].key, key) {
		if err := t.freeCell(&leaf.cells[i]); err != nil {
			return err
		}
		leaf.cells[i] = c
	} else {
		leaf.cells = insertCell(leaf.cells, i, c)
	}
	return t.settle(path, leaf)
}

func insertCell(cells []cell, i int, c cell) []cell {
	cells = append(cells, cell{})
	copy(cells[i+1:], cells[i:])
	cells[i] = c
	return cells
}

func removeCell(cells []cell, i int) []cell {
	return append(cells[:i], cells[i+1:]...)
}

// settle writes n, splitting it and its ancestors until every node on the
// path fits in a page.
func (t *Tree) settle(path []pathEntry, n *node) error {
	usable := t.pager.UsableSize()
	for {
		if n.size() <= usable {
			return t.store(n)
		}
		if len(path) == 0 {
			return t.splitRoot(n)
		}
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		right, sep, err := t.split(n)
		if err != nil {
			return err
		}
		if err := t.store(n); err != nil {
			return err
		}
		if err := t.store(right); err != nil {
			return err
		}
		p := parent.n
		sep.child = n.id
		p.cells = insertCell(p.cells, parent.idx, sep)
		p.setChildAt(parent.idx+1, right.id)
		n = p
	}
}

// split moves the upper half of n into a new page and returns it with the
// separator cell to insert in the parent. The separator's child is left for
// the caller to set.
func (t *Tree) split(n *node) (*node, cell, error) {
	id, err := t.pager.Allocate()
	if err != nil {
		return nil, cell{}, err
	}
	right := &node{id: id, typ: n.typ}
	left, sep, rest, err := t.divide(n, n.cells, n.right)
	if err != nil {
		return nil, cell{}, err
	}
	n.cells, n.right = left.cells, left.right
	right.cells, right.right = rest.cells, rest.right
	return right, sep, nil
}

type half struct {
	cells []cell
	right PageID
}

// divide partitions cells by byte size. For leaves the separator is a copy of
// the left half's largest key; for interior nodes the middle cell moves up.
func (t *Tree) divide(n *node, cells []cell, right PageID) (half, cell, half, error) {
	total := 0
	for i := range cells {
		total += n.cellSize(&cells[i])
	}
	acc, m := 0, 0
	for m < len(cells) {
		acc += n.cellSize(&cells[m])
		m++
		if acc >= total/2 {
			break
		}
	}
	if n.leaf() {
		m = max(1, min(m, len(cells)-1))
		left := half{cells: append([]cell(nil), cells[:m]...)}
		rest := half{cells: append([]cell(nil), cells[m:]...)}
		sep, err := t.newInteriorCell(left.cells[m-1].key, InvalidPageID)
		if err != nil {
			return half{}, cell{}, half{}, err
		}
		return left, sep, rest, nil
	}
	// m is the index of the cell that moves up.
	m = max(1, min(m-1, len(cells)-2))
	sep := cells[m]
	left := half{cells: append([]cell(nil), cells[:m]...), right: sep.child}
	rest := half{cells: append([]cell(nil), cells[m+1:]...), right: right}
	return left, sep, rest, nil
}

// splitRoot moves the root's contents into two new children so the root
// page stays put.
func (t *Tree) splitRoot(root *node) error {
	kind := kindOf(root.typ)
	leftID, err := t.pager.Allocate()
	if err != nil {
		return err
	}
	rightID, err := t.pager.Allocate()
	if err != nil {
		return err
	}
	left, sep, rest, err := t.divide(root, root.cells, root.right)
	if err != nil {
		return err
	}
	l := &node{id: leftID, typ: root.typ, cells: left.cells, right: left.right}
	r := &node{id: rightID, typ: root.typ, cells: rest.cells, right: rest.right}
	if err := t.store(l); err != nil {
		return err
	}
	if err := t.store(r); err != nil {
		return err
	}
	sep.child = leftID
	root.typ = kind.interiorType()
	root.cells = []cell{sep}
	root.right = rightID
	return t.store(root)
}

// Delete removes key. It reports whether the key was present.
func (t *Tree) Delete(root PageID, key []byte) (bool, error) {
	path, leaf, err := t.descend(root, key)
	if err != nil {
		return false, err
	}
	i := searchNode(leaf, key)
	if i == len(leaf.cells) || !bytes.Equal(leaf.cells[i].key, key) {
		return false, nil
	}
	if err := t.freeCell(&leaf.cells[i]); err != nil {
		return false, err
	}
	leaf.cells = removeCell(leaf.cells, i)
	return true, t.rebalance(path, leaf)
}

// rebalance restores minimum fill from n upward after a deletion: an
// underfull node merges with a sibling when both fit in one page and
// otherwise borrows from it. A root interior node left without keys
// absorbs its only child.
func (t *Tree) rebalance(path []pathEntry, n *node) error {
	minFill := t.pager.UsableSize() / 4
	for {
		if len(path) == 0 {
			if !n.leaf() && len(n.cells) == 0 {
				return t.collapseRoot(n)
			}
			return t.store(n)
		}
		if n.size() >= minFill && (n.leaf() || len(n.cells) > 0) {
			return t.store(n)
		}
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		p := parent.n

		var left, right *node
		sepIdx := parent.idx - 1
		if parent.idx > 0 {
			sib, err := t.load(p.childAt(parent.idx - 1))
			if err != nil {
				return err
			}
			left, right = sib, n
		} else {
			sepIdx = 0
			sib, err := t.load(p.childAt(1))
			if err != nil {
				return err
			}
			left, right = n, sib
		}
		if left.typ != right.typ {
			return corruptf("siblings %d and %d differ in type", left.id, right.id)
		}

		merged, err := t.tryMerge(p, sepIdx, left, right)
		if err != nil {
			return err
		}
		if !merged {
			if err := t.redistribute(p, sepIdx, left, right); err != nil {
				return err
			}
			if p.size() > t.pager.UsableSize() {
				// A longer separator can overflow the parent.
				return t.settle(path, p)
			}
		}
		n = p
	}
}

func (t *Tree) tryMerge(p *node, sepIdx int, left, right *node) (bool, error) {
	sep := p.cells[sepIdx]
	size := left.size() + right.size() - nodeHeaderSize
	if !left.leaf() {
		size += left.cellSize(&sep)
	}
	if size > t.pager.UsableSize() {
		return false, nil
	}
	if left.leaf() {
		left.cells = append(left.cells, right.cells...)
		if err := t.freeCell(&sep); err != nil {
			return false, err
		}
	} else {
		sep.child = left.right
		left.cells = append(append(left.cells, sep), right.cells...)
		left.right = right.right
	}
	p.cells = removeCell(p.cells, sepIdx)
	p.setChildAt(sepIdx, left.id)
	if err := t.store(left); err != nil {
		return false, err
	}
	return true, t.pager.Free(right.id)
}

func (t *Tree) redistribute(p *node, sepIdx int, left, right *node) error {
	old := p.cells[sepIdx]
	all := make([]cell, 0, len(left.cells)+len(right.cells)+1)
	all = append(all, left.cells...)
	if !left.leaf() {
		down := old
		down.child = left.right
		all = append(all, down)
	}
	all = append(all, right.cells...)
	l, sep, r, err := t.divide(left, all, right.right)
	if err != nil {
		return err
	}
	if left.leaf() {
		if err := t.freeCell(&old); err != nil {
			return err
		}
	}
	left.cells, left.right = l.cells, l.right
	right.cells, right.right = r.cells, r.right
	sep.child = left.id
	p.cells[sepIdx] = sep
	if err := t.store(left); err != nil {
		return err
	}
	return t.store(right)
}

func (t *Tree) collapseRoot(root *node) error {
	child, err := t.load(root.right)
	if err != nil {
		return err
	}
	root.typ, root.cells, root.right = child.typ, child.cells, child.right
	if err := t.store(root); err != nil {
		return err
	}
	return t.pager.Free(child.id)
}

// First returns the smallest key and its value.
func (t *Tree) First(root PageID) ([]byte, []byte, bool, error) {
	c, err := t.Seek(root, nil)
	if err != nil || !c.Valid() {
		return nil, nil, false, err
	}
	v, err := c.Value()
	return c.Key(), v, err == nil, err
}

// Last returns the largest key and its value.
func (t *Tree) Last(root PageID) ([]byte, []byte, bool, error) {
	n, err := t.load(root)
	if err != nil {
		return nil, nil, false, err
	}
	for depth := 0; !n.leaf(); depth++ {
		if depth > 64 {
			return nil, nil, false, corruptf("tree at page %d is too deep", root)
		}
		if n, err = t.load(n.right); err != nil {
			return nil, nil, false, err
		}
	}
	if len(n.cells) == 0 {
		return nil, nil, false, nil
	}
	c := &n.cells[len(n.cells)-1]
	v, err := t.cellValue(c)
	if err != nil {
		return nil, nil, false, err
	}
	return c.key, v, true, nil
}

// Clear removes every entry, leaving an empty tree rooted at the same page.
func (t *Tree) Clear(root PageID) error {
	n, err := t.load(root)
	if err != nil {
		return err
	}
	if err := t.freeContents(n); err != nil {
		return err
	}
	return t.store(&node{id: root, typ: kindOf(n.typ).leafType()})
}

// Drop frees every page of the tree, including its root.
func (t *Tree) Drop(root PageID) error {
	n, err := t.load(root)
	if err != nil {
		return err
	}
	if err := t.freeContents(n); err != nil {
		return err
	}
	return t.pager.Free(root)
}

// freeContents frees the overflow chains and descendants of n, not n itself.
func (t *Tree) freeContents(n *node) error {
	for i := range n.cells {
		if err := t.freeCell(&n.cells[i]); err != nil {
			return err
		}
	}
	if n.leaf() {
		return nil
	}
	for i := 0; i <= len(n.cells); i++ {
		child, err := t.load(n.childAt(i))
		if err != nil {
			return err
		}
		if err := t.freeContents(child); err != nil {
			return err
		}
		if err := t.pager.Free(child.id); err != nil {
			return err
		}
	}
	return nil
}

// KindOf returns the kind of the tree rooted at root.
func (t *Tree) KindOf(root PageID) (Kind, error) {
	n, err := t.load(root)
	if err != nil {
		return 0, err
	}
	return kindOf(n.typ), nil
}
