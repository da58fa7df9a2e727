package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const (
	frameFlagCommit uint8 = 1 << 0
	// frameHeaderSize is binary.Size(frameHeader{}).
	frameHeaderSize = 4 + 8 + 1 + 4 + 4
)

// FrameSize is the size a page frame takes in the log for pageSize.
func FrameSize(pageSize uint32) int64 { return frameHeaderSize + int64(pageSize) }

// Frame is a single WAL entry: either a full page image belonging to a
// transaction, or the commit marker that makes the transaction durable.
type Frame struct {
	PageID   pagemanager.PageID
	Sequence uint64
	Commit   bool
	// Data is the page image. For commit markers it holds the page count of
	// the database after the transaction.
	Data []byte
}

type frameHeader struct {
	PageID   uint32
	Sequence uint64
	Flags    uint8
	Length   uint32
	Checksum uint32
}

// Serialize encodes the frame. The checksum covers the WAL salt, the header
// fields and the payload, so frames left over from an earlier WAL generation
// never validate.
func (f *Frame) Serialize(salt uint32) ([]byte, error) {
	hdr := frameHeader{
		PageID:   uint32(f.PageID),
		Sequence: f.Sequence,
		Length:   uint32(len(f.Data)),
	}
	if f.Commit {
		hdr.Flags |= frameFlagCommit
	}
	hdr.Checksum = frameChecksum(salt, hdr, f.Data)

	buf := new(bytes.Buffer)
	buf.Grow(frameHeaderSize + len(f.Data))
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("failed to serialize frame header: %w", err)
	}
	if _, err := buf.Write(f.Data); err != nil {
		return nil, fmt.Errorf("failed to write frame payload: %w", err)
	}
	return buf.Bytes(), nil
}

// readFrame decodes the next frame from r. A short or corrupt frame yields
// errTornFrame; a clean end of input yields io.EOF.
func readFrame(r io.Reader, salt uint32, maxPayload uint32) (Frame, int64, error) {
	var hdr frameHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if err == io.EOF {
			return Frame{}, 0, io.EOF
		}
		return Frame{}, 0, errTornFrame
	}
	if hdr.Length > maxPayload {
		return Frame{}, 0, errTornFrame
	}
	data := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, 0, errTornFrame
	}
	if frameChecksum(salt, hdr, data) != hdr.Checksum {
		return Frame{}, 0, errTornFrame
	}
	f := Frame{
		PageID:   pagemanager.PageID(hdr.PageID),
		Sequence: hdr.Sequence,
		Commit:   hdr.Flags&frameFlagCommit != 0,
		Data:     data,
	}
	return f, int64(frameHeaderSize) + int64(hdr.Length), nil
}

func frameChecksum(salt uint32, hdr frameHeader, data []byte) uint32 {
	var scratch [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(scratch[0:4], salt)
	binary.LittleEndian.PutUint32(scratch[4:8], hdr.PageID)
	binary.LittleEndian.PutUint64(scratch[8:16], hdr.Sequence)
	scratch[16] = hdr.Flags
	binary.LittleEndian.PutUint32(scratch[17:21], hdr.Length)
	h := crc32.NewIEEE()
	h.Write(scratch[:])
	h.Write(data)
	return h.Sum32()
}

func commitPayload(pageCount uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], pageCount)
	return b[:]
}
