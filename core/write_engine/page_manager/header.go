package pagemanager

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
)

const (
	// FileMagic identifies a database file.
	FileMagic uint32 = 0x6010DB1E
	// FormatVersion is the on-disk format version written by this engine.
	FormatVersion uint32 = 1
	// HeaderSize is the number of bytes of page 1 reserved for the header.
	HeaderSize = 100

	flagChecksums uint32 = 1 << 0
)

// FileHeader is the content of the first HeaderSize bytes of page 1.
// All fields have fixed sizes so that binary.Read/Write agree on the layout.
type FileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	Flags         uint32
	SchemaVersion uint32
	UserVersion   uint32
	PageCount     uint32
	FreeListHead  PageID
	FreeListCount uint32
	SchemaRoot    PageID
	ChangeCounter uint64
	_             [HeaderSize - 48]byte
}

// NewFileHeader returns the header of an empty database: page 1 holds the
// header and page 2 the empty schema tree.
func NewFileHeader(pageSize uint32, checksums bool) FileHeader {
	h := FileHeader{
		Magic:      FileMagic,
		Version:    FormatVersion,
		PageSize:   pageSize,
		PageCount:  2,
		SchemaRoot: SchemaRootPageID,
	}
	if checksums {
		h.Flags |= flagChecksums
	}
	return h
}

// Checksums reports whether pages carry a trailing CRC-32.
func (h FileHeader) Checksums() bool { return h.Flags&flagChecksums != 0 }

// UsableSize is the number of bytes of each page available to its owner.
func (h FileHeader) UsableSize() int {
	if h.Checksums() {
		return int(h.PageSize) - checksumSize
	}
	return int(h.PageSize)
}

// Encode writes the header into the first HeaderSize bytes of page.
func (h FileHeader) Encode(page []byte) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	// binary.Write on a fixed-size struct into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, h)
	copy(page[:HeaderSize], buf.Bytes())
}

// DecodeFileHeader parses and validates the header stored in page 1.
func DecodeFileHeader(page []byte) (FileHeader, error) {
	var h FileHeader
	if len(page) < HeaderSize {
		return h, dberror.Wrap(dberror.KindCorruption, "read header", ErrBadMagic)
	}
	if err := binary.Read(bytes.NewReader(page[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, dberror.Wrap(dberror.KindCorruption, "read header", err)
	}
	if h.Magic != FileMagic {
		return h, dberror.Wrap(dberror.KindCorruption, "read header", ErrBadMagic)
	}
	if h.Version != FormatVersion {
		return h, dberror.Wrap(dberror.KindCorruption, "read header",
			fmt.Errorf("%w: unsupported format version %d", ErrBadMagic, h.Version))
	}
	if !ValidPageSize(h.PageSize) {
		return h, dberror.Wrap(dberror.KindCorruption, "read header",
			fmt.Errorf("%w: %d", ErrInvalidPageSize, h.PageSize))
	}
	if h.PageCount < 2 || h.SchemaRoot != SchemaRootPageID {
		return h, dberror.Wrap(dberror.KindCorruption, "read header",
			fmt.Errorf("%w: page count %d, schema root %d", ErrPageOutOfRange, h.PageCount, h.SchemaRoot))
	}
	return h, nil
}

// PeekPageSize reads the page size from a raw header without validating the
// rest. It is used before the page size of an existing file is known.
func PeekPageSize(raw []byte) (uint32, bool) {
	if len(raw) < 12 || binary.LittleEndian.Uint32(raw[0:4]) != FileMagic {
		return 0, false
	}
	size := binary.LittleEndian.Uint32(raw[8:12])
	return size, ValidPageSize(size)
}
