package pagemanager

import (
	"encoding/binary"
)

// PageID is the 1-based number of a page in the database file.
type PageID uint32

const (
	InvalidPageID PageID = 0
	// HeaderPageID holds the file header.
	HeaderPageID PageID = 1
	// SchemaRootPageID is the root of the schema catalog tree.
	SchemaRootPageID PageID = 2
)

// PageType is stored in byte 0 of every typed page.
type PageType byte

const (
	PageTypeUnknown PageType = iota
	PageTypeFreeList
	PageTypeBTreeInteriorTable
	PageTypeBTreeLeafTable
	PageTypeBTreeInteriorIndex
	PageTypeBTreeLeafIndex
	PageTypeOverflow
)

func (t PageType) String() string {
	switch t {
	case PageTypeFreeList:
		return "freelist"
	case PageTypeBTreeInteriorTable:
		return "interior-table"
	case PageTypeBTreeLeafTable:
		return "leaf-table"
	case PageTypeBTreeInteriorIndex:
		return "interior-index"
	case PageTypeBTreeLeafIndex:
		return "leaf-index"
	case PageTypeOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

const (
	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 65536
	checksumSize    = 4
)

// ValidPageSize reports whether size is a power of two within the supported range.
func ValidPageSize(size uint32) bool {
	return size >= MinPageSize && size <= MaxPageSize && size&(size-1) == 0
}

// TypeOf returns the page type recorded in a page image.
func TypeOf(data []byte) PageType {
	if len(data) == 0 {
		return PageTypeUnknown
	}
	return PageType(data[0])
}

// InitPage zeroes data and stamps it with the given type. An initialized
// B-tree page is an empty node.
func InitPage(data []byte, typ PageType) {
	clear(data)
	data[0] = byte(typ)
}

// Free-list pages: byte 0 type, bytes 1..4 next free page.
func freeListNext(data []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(data[1:5]))
}

func setFreeListNext(data []byte, next PageID) {
	binary.LittleEndian.PutUint32(data[1:5], uint32(next))
}
