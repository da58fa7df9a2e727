package btree

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Overflow page layout: [0] type, [1:5] next page, [5:9] bytes used, [9:] data.
const overflowHeaderSize = 9

func (t *Tree) overflowCapacity() int {
	return t.pager.UsableSize() - overflowHeaderSize
}

// writeChain stores data in freshly allocated overflow pages and returns the
// first page of the chain.
func (t *Tree) writeChain(data []byte) (PageID, error) {
	capacity := t.overflowCapacity()
	n := (len(data) + capacity - 1) / capacity
	ids := make([]PageID, n)
	for i := range ids {
		id, err := t.pager.Allocate()
		if err != nil {
			return InvalidPageID, err
		}
		ids[i] = id
	}
	for i, id := range ids {
		chunk := data[i*capacity : min(len(data), (i+1)*capacity)]
		page := make([]byte, t.pager.PageSize())
		pagemanager.InitPage(page, pagemanager.PageTypeOverflow)
		if i+1 < n {
			binary.LittleEndian.PutUint32(page[1:5], uint32(ids[i+1]))
		}
		binary.LittleEndian.PutUint32(page[5:9], uint32(len(chunk)))
		copy(page[overflowHeaderSize:], chunk)
		if err := t.pager.Write(id, page); err != nil {
			return InvalidPageID, err
		}
	}
	return ids[0], nil
}

// readChain returns n bytes of the chain starting at offset off.
func (t *Tree) readChain(first PageID, off, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	id := first
	for len(out) < n {
		if id == InvalidPageID {
			return nil, corruptf("overflow chain from page %d ends early", first)
		}
		page, err := t.pager.Read(id)
		if err != nil {
			return nil, err
		}
		if pagemanager.TypeOf(page) != pagemanager.PageTypeOverflow {
			return nil, corruptf("page %d is not an overflow page", id)
		}
		used := int(binary.LittleEndian.Uint32(page[5:9]))
		if used > t.overflowCapacity() {
			return nil, corruptf("overflow page %d claims %d bytes", id, used)
		}
		chunk := page[overflowHeaderSize : overflowHeaderSize+used]
		if off >= len(chunk) {
			off -= len(chunk)
		} else {
			chunk = chunk[off:]
			off = 0
			out = append(out, chunk[:min(len(chunk), n-len(out))]...)
		}
		id = PageID(binary.LittleEndian.Uint32(page[1:5]))
	}
	return out, nil
}

// chainPages lists the pages of an overflow chain.
func (t *Tree) chainPages(first PageID) ([]PageID, error) {
	var ids []PageID
	for id := first; id != InvalidPageID; {
		if len(ids) > int(t.pageCount()) {
			return nil, corruptf("overflow chain from page %d loops", first)
		}
		page, err := t.pager.Read(id)
		if err != nil {
			return nil, err
		}
		if pagemanager.TypeOf(page) != pagemanager.PageTypeOverflow {
			return nil, corruptf("page %d is not an overflow page", id)
		}
		ids = append(ids, id)
		id = PageID(binary.LittleEndian.Uint32(page[1:5]))
	}
	return ids, nil
}

func (t *Tree) freeChain(first PageID) error {
	ids, err := t.chainPages(first)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.pager.Free(id); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) freeCell(c *cell) error {
	if !c.spilled() {
		return nil
	}
	return t.freeChain(c.overflow)
}
