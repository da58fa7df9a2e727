package pagemanager

import (
	"fmt"
	"slices"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Source supplies committed page images. Returned slices are shared and
// must not be modified.
type Source interface {
	ReadPage(id PageID) ([]byte, error)
}

// PageImage is a page number paired with its full image.
type PageImage struct {
	ID   PageID
	Data []byte
}

// Manager is the page view of one transaction. Reads see the transaction's
// own writes first and the committed snapshot otherwise; writes are buffered
// in memory until Flush hands them to the commit protocol.
type Manager struct {
	src    Source
	header FileHeader
	// base is the committed header the view started from.
	base     FileHeader
	readOnly bool
	dirty    map[PageID][]byte
	// gen increases on every mutation so cursors can detect structural
	// changes made underneath them.
	gen        uint64
	savepoints []*savepoint
}

type savepoint struct {
	pre    map[PageID][]byte
	header FileHeader
}

// NewManager returns a page view over src whose committed header is header.
func NewManager(src Source, header FileHeader, readOnly bool) *Manager {
	return &Manager{
		src:      src,
		header:   header,
		base:     header,
		readOnly: readOnly,
		dirty:    make(map[PageID][]byte),
	}
}

// Header returns the working copy of the file header.
func (m *Manager) Header() FileHeader { return m.header }

// UpdateHeader mutates the working header. The change becomes durable with
// the transaction.
func (m *Manager) UpdateHeader(fn func(h *FileHeader)) error {
	if m.readOnly {
		return dberror.Wrap(dberror.KindMisuse, "update header", ErrReadOnly)
	}
	m.capture(HeaderPageID)
	fn(&m.header)
	m.gen++
	return nil
}

func (m *Manager) PageSize() uint32 { return m.header.PageSize }

// UsableSize is the number of bytes per page owners may use.
func (m *Manager) UsableSize() int { return m.header.UsableSize() }

func (m *Manager) PageCount() uint32 { return m.header.PageCount }

func (m *Manager) Generation() uint64 { return m.gen }

func (m *Manager) ReadOnly() bool { return m.readOnly }

// Dirty reports whether the view holds uncommitted changes, including
// changes to the header alone.
func (m *Manager) Dirty() bool { return len(m.dirty) > 0 || m.header != m.base }

// Read returns the image of page id. The slice must not be modified.
func (m *Manager) Read(id PageID) ([]byte, error) {
	if id == InvalidPageID || uint32(id) > m.header.PageCount {
		return nil, dberror.Wrap(dberror.KindCorruption, "read page",
			fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, id, m.header.PageCount))
	}
	if data, ok := m.dirty[id]; ok {
		return data, nil
	}
	return m.src.ReadPage(id)
}

// Write replaces the image of page id. Only whole pages may be written.
func (m *Manager) Write(id PageID, data []byte) error {
	if m.readOnly {
		return dberror.Wrap(dberror.KindMisuse, "write page", ErrReadOnly)
	}
	if len(data) != int(m.header.PageSize) {
		return dberror.Wrap(dberror.KindMisuse, "write page",
			fmt.Errorf("%w: got %d bytes for page %d", ErrPartialWrite, len(data), id))
	}
	if id == InvalidPageID || uint32(id) > m.header.PageCount {
		return dberror.Wrap(dberror.KindCorruption, "write page",
			fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, id, m.header.PageCount))
	}
	m.capture(id)
	m.dirty[id] = slices.Clone(data)
	m.gen++
	return nil
}

// Allocate returns a zeroed page owned by the caller. Free pages are reused
// last-in first-out before the file is extended.
func (m *Manager) Allocate() (PageID, error) {
	if m.readOnly {
		return InvalidPageID, dberror.Wrap(dberror.KindMisuse, "allocate", ErrReadOnly)
	}
	blank := make([]byte, m.header.PageSize)
	if head := m.header.FreeListHead; head != InvalidPageID {
		data, err := m.Read(head)
		if err != nil {
			return InvalidPageID, err
		}
		if TypeOf(data) != PageTypeFreeList {
			return InvalidPageID, dberror.Wrap(dberror.KindCorruption, "allocate",
				fmt.Errorf("%w: page %d has type %s", ErrCorruptFreeList, head, TypeOf(data)))
		}
		next := freeListNext(data)
		if err := m.UpdateHeader(func(h *FileHeader) {
			h.FreeListHead = next
			h.FreeListCount--
		}); err != nil {
			return InvalidPageID, err
		}
		return head, m.Write(head, blank)
	}
	if err := m.UpdateHeader(func(h *FileHeader) { h.PageCount++ }); err != nil {
		return InvalidPageID, err
	}
	id := PageID(m.header.PageCount)
	return id, m.Write(id, blank)
}

// Free returns page id to the free list, making it the next page Allocate
// hands out.
func (m *Manager) Free(id PageID) error {
	if id <= SchemaRootPageID {
		return dberror.Wrap(dberror.KindMisuse, "free", fmt.Errorf("%w: page %d", ErrReservedPage, id))
	}
	data := make([]byte, m.header.PageSize)
	InitPage(data, PageTypeFreeList)
	setFreeListNext(data, m.header.FreeListHead)
	if err := m.Write(id, data); err != nil {
		return err
	}
	return m.UpdateHeader(func(h *FileHeader) {
		h.FreeListHead = id
		h.FreeListCount++
	})
}

// FreePages walks the free list from its head. It fails when the list
// loops, leaves the file or disagrees with the header's count.
func (m *Manager) FreePages() ([]PageID, error) {
	var out []PageID
	seen := make(map[PageID]bool)
	for id := m.header.FreeListHead; id != InvalidPageID; {
		if seen[id] || uint32(id) > m.header.PageCount || id <= SchemaRootPageID {
			return out, dberror.Wrap(dberror.KindCorruption, "free list",
				fmt.Errorf("%w: page %d", ErrCorruptFreeList, id))
		}
		seen[id] = true
		data, err := m.Read(id)
		if err != nil {
			return out, err
		}
		if TypeOf(data) != PageTypeFreeList {
			return out, dberror.Wrap(dberror.KindCorruption, "free list",
				fmt.Errorf("%w: page %d has type %s", ErrCorruptFreeList, id, TypeOf(data)))
		}
		out = append(out, id)
		id = freeListNext(data)
	}
	if uint32(len(out)) != m.header.FreeListCount {
		return out, dberror.Wrap(dberror.KindCorruption, "free list",
			fmt.Errorf("%w: %d pages listed, header counts %d", ErrCorruptFreeList, len(out), m.header.FreeListCount))
	}
	return out, nil
}

// Savepoint opens a nested undo scope and returns its handle.
func (m *Manager) Savepoint() int {
	m.savepoints = append(m.savepoints, &savepoint{
		pre:    make(map[PageID][]byte),
		header: m.header,
	})
	return len(m.savepoints) - 1
}

// RollbackTo undoes every change made since savepoint sp was opened and
// closes sp together with all savepoints nested inside it.
func (m *Manager) RollbackTo(sp int) error {
	if sp < 0 || sp >= len(m.savepoints) {
		return dberror.Wrap(dberror.KindMisuse, "rollback to savepoint", ErrNoSavepoint)
	}
	s := m.savepoints[sp]
	for id, pre := range s.pre {
		if pre == nil {
			delete(m.dirty, id)
		} else {
			m.dirty[id] = pre
		}
	}
	m.header = s.header
	m.savepoints = m.savepoints[:sp]
	m.gen++
	return nil
}

// Release closes savepoint sp and everything nested inside it, keeping the
// changes.
func (m *Manager) Release(sp int) error {
	if sp < 0 || sp >= len(m.savepoints) {
		return dberror.Wrap(dberror.KindMisuse, "release savepoint", ErrNoSavepoint)
	}
	m.savepoints = m.savepoints[:sp]
	return nil
}

// capture remembers the current dirty image of id in every open savepoint
// that has not seen the page yet. A nil entry means the page was clean.
func (m *Manager) capture(id PageID) {
	if id == HeaderPageID {
		// The header is restored from the savepoint's header copy.
		return
	}
	for _, s := range m.savepoints {
		if _, seen := s.pre[id]; seen {
			continue
		}
		s.pre[id] = m.dirty[id]
	}
}

// Flush folds the working header into page 1, seals checksums and returns
// the dirty pages in ascending page order.
func (m *Manager) Flush() ([]PageImage, error) {
	if !m.Dirty() {
		return nil, nil
	}
	page1, err := m.Read(HeaderPageID)
	if err != nil {
		return nil, err
	}
	page1 = slices.Clone(page1)
	m.header.Encode(page1)
	m.dirty[HeaderPageID] = page1

	ids := make([]PageID, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	images := make([]PageImage, 0, len(ids))
	for _, id := range ids {
		data := m.dirty[id]
		if m.header.Checksums() {
			Seal(data)
		}
		images = append(images, PageImage{ID: id, Data: data})
	}
	return images, nil
}

// Discard drops every buffered change. The view must not be used afterwards.
func (m *Manager) Discard() {
	m.dirty = make(map[PageID][]byte)
	m.header = m.base
	m.savepoints = nil
	m.gen++
}
