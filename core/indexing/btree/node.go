package btree

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// --- BTree Node Serialization/Deserialization ---

// Node layout within the usable area of a page:
//
//	[0]    page type
//	[1:3]  number of cells (uint16)
//	[3:7]  right-most child (interior nodes only)
//	[7:]   cells
//
// Leaf cell:     uvarint keyLen, uvarint valueLen, local payload, [overflow page]
// Interior cell: child page, uvarint keyLen, local key, [overflow page]
//
// The payload of a leaf cell is key||value. Bytes past maxLocal live in an
// overflow chain whose first page follows the local bytes.
const (
	nodeHeaderSize     = 7
	nodeNumCellsOffset = 1
	nodeRightOffset    = 3
	maxCellOverhead    = 14
)

type cell struct {
	key      []byte // full key, always materialized
	raw      []byte // locally stored payload
	keyLen   int
	total    int // payload length: key for interior cells, key||value for leaf cells
	overflow PageID
	child    PageID
}

func (c *cell) spilled() bool { return c.overflow != InvalidPageID }

type node struct {
	id    PageID
	typ   PageType
	right PageID
	cells []cell
}

func (n *node) leaf() bool {
	return n.typ == pagemanager.PageTypeBTreeLeafTable || n.typ == pagemanager.PageTypeBTreeLeafIndex
}

// childAt returns the i-th child pointer; i == len(cells) is the right-most child.
func (n *node) childAt(i int) PageID {
	if i == len(n.cells) {
		return n.right
	}
	return n.cells[i].child
}

func (n *node) setChildAt(i int, id PageID) {
	if i == len(n.cells) {
		n.right = id
		return
	}
	n.cells[i].child = id
}

func (n *node) cellSize(c *cell) int {
	size := len(c.raw)
	if c.spilled() {
		size += 4
	}
	if n.leaf() {
		return size + uvarintLen(uint64(c.keyLen)) + uvarintLen(uint64(c.total-c.keyLen))
	}
	return size + 4 + uvarintLen(uint64(c.keyLen))
}

func (n *node) size() int {
	size := nodeHeaderSize
	for i := range n.cells {
		size += n.cellSize(&n.cells[i])
	}
	return size
}

func uvarintLen(v uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], v)
}

// serialize writes the node into a fresh page image of pageSize bytes.
func (n *node) serialize(pageSize, usable int) ([]byte, error) {
	if sz := n.size(); sz > usable {
		return nil, fmt.Errorf("%w: node %d needs %d bytes, page holds %d", ErrNodeOverflow, n.id, sz, usable)
	}
	data := make([]byte, pageSize)
	pagemanager.InitPage(data, n.typ)
	binary.LittleEndian.PutUint16(data[nodeNumCellsOffset:], uint16(len(n.cells)))
	if !n.leaf() {
		binary.LittleEndian.PutUint32(data[nodeRightOffset:], uint32(n.right))
	}
	p := nodeHeaderSize
	for i := range n.cells {
		c := &n.cells[i]
		if n.leaf() {
			p += binary.PutUvarint(data[p:], uint64(c.keyLen))
			p += binary.PutUvarint(data[p:], uint64(c.total-c.keyLen))
		} else {
			binary.LittleEndian.PutUint32(data[p:], uint32(c.child))
			p += 4
			p += binary.PutUvarint(data[p:], uint64(c.keyLen))
		}
		p += copy(data[p:], c.raw)
		if c.spilled() {
			binary.LittleEndian.PutUint32(data[p:], uint32(c.overflow))
			p += 4
		}
	}
	return data, nil
}

// deserialize decodes a page image. Keys that spill into overflow pages are
// read back through t so every cell carries its full key.
func (t *Tree) deserialize(id PageID, data []byte) (*node, error) {
	usable := t.pager.UsableSize()
	if len(data) < usable || usable < nodeHeaderSize {
		return nil, corruptf("page %d is truncated", id)
	}
	n := &node{id: id, typ: pagemanager.TypeOf(data)}
	switch n.typ {
	case pagemanager.PageTypeBTreeInteriorTable, pagemanager.PageTypeBTreeLeafTable,
		pagemanager.PageTypeBTreeInteriorIndex, pagemanager.PageTypeBTreeLeafIndex:
	default:
		return nil, corruptf("page %d is not a b-tree node (type %s)", id, n.typ)
	}
	count := int(binary.LittleEndian.Uint16(data[nodeNumCellsOffset:]))
	if !n.leaf() {
		n.right = PageID(binary.LittleEndian.Uint32(data[nodeRightOffset:]))
	}
	n.cells = make([]cell, count)
	body := data[:usable]
	p := nodeHeaderSize
	maxLocal := t.maxLocal()
	for i := 0; i < count; i++ {
		c := &n.cells[i]
		if !n.leaf() {
			if p+4 > len(body) {
				return nil, corruptf("page %d: cell %d out of bounds", id, i)
			}
			c.child = PageID(binary.LittleEndian.Uint32(body[p:]))
			p += 4
		}
		keyLen, k := binary.Uvarint(body[p:])
		if k <= 0 {
			return nil, corruptf("page %d: bad key length in cell %d", id, i)
		}
		p += k
		c.keyLen = int(keyLen)
		c.total = c.keyLen
		if n.leaf() {
			valLen, k := binary.Uvarint(body[p:])
			if k <= 0 {
				return nil, corruptf("page %d: bad value length in cell %d", id, i)
			}
			p += k
			c.total += int(valLen)
		}
		local := min(c.total, maxLocal)
		if p+local > len(body) {
			return nil, corruptf("page %d: cell %d overruns the page", id, i)
		}
		c.raw = body[p : p+local]
		p += local
		if c.total > maxLocal {
			if p+4 > len(body) {
				return nil, corruptf("page %d: cell %d overflow pointer out of bounds", id, i)
			}
			c.overflow = PageID(binary.LittleEndian.Uint32(body[p:]))
			p += 4
			if c.overflow == InvalidPageID {
				return nil, corruptf("page %d: cell %d has no overflow page", id, i)
			}
		}
		key, err := t.cellKey(c)
		if err != nil {
			return nil, err
		}
		c.key = key
	}
	return n, nil
}

func (t *Tree) cellKey(c *cell) ([]byte, error) {
	if c.keyLen <= len(c.raw) {
		return c.raw[:c.keyLen], nil
	}
	rest, err := t.readChain(c.overflow, 0, c.keyLen-len(c.raw))
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, c.keyLen)
	return append(append(key, c.raw...), rest...), nil
}

// cellValue returns the value part of a leaf cell.
func (t *Tree) cellValue(c *cell) ([]byte, error) {
	if c.total <= len(c.raw) {
		return c.raw[c.keyLen:c.total], nil
	}
	value := make([]byte, 0, c.total-c.keyLen)
	off := 0
	if c.keyLen < len(c.raw) {
		value = append(value, c.raw[c.keyLen:]...)
	} else {
		off = c.keyLen - len(c.raw)
	}
	rest, err := t.readChain(c.overflow, off, c.total-c.keyLen-len(value))
	if err != nil {
		return nil, err
	}
	return append(value, rest...), nil
}

// newLeafCell builds a cell for key/value, spilling into overflow pages when
// the payload does not fit locally.
func (t *Tree) newLeafCell(key, value []byte) (cell, error) {
	payload := make([]byte, 0, len(key)+len(value))
	payload = append(append(payload, key...), value...)
	c := cell{keyLen: len(key), total: len(payload)}
	if err := t.spill(&c, payload); err != nil {
		return cell{}, err
	}
	c.key = payload[:len(key)]
	return c, nil
}

// newInteriorCell builds a separator cell pointing at child.
func (t *Tree) newInteriorCell(key []byte, child PageID) (cell, error) {
	key = append([]byte(nil), key...)
	c := cell{keyLen: len(key), total: len(key), child: child}
	if err := t.spill(&c, key); err != nil {
		return cell{}, err
	}
	c.key = key
	return c, nil
}

func (t *Tree) spill(c *cell, payload []byte) error {
	maxLocal := t.maxLocal()
	if len(payload) <= maxLocal {
		c.raw = payload
		return nil
	}
	first, err := t.writeChain(payload[maxLocal:])
	if err != nil {
		return err
	}
	c.raw = payload[:maxLocal]
	c.overflow = first
	return nil
}

// maxLocal bounds the locally stored payload so that at least four cells fit
// in any node.
func (t *Tree) maxLocal() int {
	return (t.pager.UsableSize()-nodeHeaderSize)/4 - maxCellOverhead
}

func (t *Tree) load(id PageID) (*node, error) {
	data, err := t.pager.Read(id)
	if err != nil {
		return nil, err
	}
	return t.deserialize(id, data)
}

func (t *Tree) store(n *node) error {
	data, err := n.serialize(int(t.pager.PageSize()), t.pager.UsableSize())
	if err != nil {
		return err
	}
	return t.pager.Write(n.id, data)
}
