package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Seal stores the CRC-32 of data[:len-4] in the last four bytes of data.
func Seal(data []byte) {
	n := len(data) - checksumSize
	binary.LittleEndian.PutUint32(data[n:], crc32.ChecksumIEEE(data[:n]))
}

// Verify checks the trailing checksum written by Seal. An all-zero page is
// accepted: it is a page that was allocated but never written.
func Verify(id PageID, data []byte) error {
	n := len(data) - checksumSize
	stored := binary.LittleEndian.Uint32(data[n:])
	if stored == crc32.ChecksumIEEE(data[:n]) {
		return nil
	}
	if stored == 0 && isZero(data) {
		return nil
	}
	return dberror.Wrap(dberror.KindCorruption, "read page",
		fmt.Errorf("%w: page %d", ErrChecksumMismatch, id))
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
