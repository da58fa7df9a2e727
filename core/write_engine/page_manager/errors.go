package pagemanager

import "errors"

var (
	ErrPageOutOfRange   = errors.New("page number out of range")
	ErrPartialWrite     = errors.New("page writes must cover exactly one page")
	ErrReadOnly         = errors.New("page view is read-only")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrBadMagic         = errors.New("file is not a database")
	ErrInvalidPageSize  = errors.New("invalid page size")
	ErrCorruptFreeList  = errors.New("free list references a page that is not free")
	ErrReservedPage     = errors.New("page is reserved and cannot be freed")
	ErrNoSavepoint      = errors.New("no such savepoint")
)
