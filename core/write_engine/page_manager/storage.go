package pagemanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Storage is the byte-addressed backend underneath a database or WAL file.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

// FileStorage is a Storage backed by an operating system file.
type FileStorage struct {
	file *os.File
}

// OpenFileStorage opens path. With create the file is created when absent.
func OpenFileStorage(path string, readOnly, create bool) (*FileStorage, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	} else if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, dberror.Wrap(dberror.KindIO, "open", fmt.Errorf("failed to open %s: %w", path, err))
	}
	return &FileStorage{file: f}, nil
}

// File exposes the underlying descriptor for advisory locking.
func (s *FileStorage) File() *os.File { return s.file }

func (s *FileStorage) ReadAt(p []byte, off int64) (int, error) { return s.file.ReadAt(p, off) }

func (s *FileStorage) WriteAt(p []byte, off int64) (int, error) { return s.file.WriteAt(p, off) }

func (s *FileStorage) Sync() error { return s.file.Sync() }

func (s *FileStorage) Truncate(size int64) error { return s.file.Truncate(size) }

func (s *FileStorage) Size() (int64, error) {
	fi, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *FileStorage) Close() error { return s.file.Close() }

// MemStorage is an in-memory Storage used for ":memory:" databases and tests.
type MemStorage struct {
	mu     sync.RWMutex
	buf    []byte
	closed bool
}

// NewMemStorage returns an empty in-memory storage, optionally seeded with data.
func NewMemStorage(data []byte) *MemStorage {
	return &MemStorage{buf: append([]byte(nil), data...)}
}

var errStorageClosed = errors.New("storage closed")

func (m *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errStorageClosed
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemStorage) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errStorageClosed
	}
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemStorage) Sync() error { return nil }

func (m *MemStorage) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *MemStorage) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.buf)), nil
}

func (m *MemStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Bytes returns a copy of the stored data.
func (m *MemStorage) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.buf...)
}

// ReadPage reads page id of pageSize bytes from s. Bytes beyond the end of
// the storage read as zero.
func ReadPage(s Storage, id PageID, pageSize uint32) ([]byte, error) {
	if id == InvalidPageID {
		return nil, dberror.Wrap(dberror.KindCorruption, "read page", ErrPageOutOfRange)
	}
	buf := make([]byte, pageSize)
	off := int64(id-1) * int64(pageSize)
	n, err := s.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, dberror.Wrap(dberror.KindIO, "read page", fmt.Errorf("page %d: %w", id, err))
	}
	clear(buf[n:])
	return buf, nil
}

// WritePage writes a full page image at the offset of id.
func WritePage(s Storage, id PageID, data []byte) error {
	off := int64(id-1) * int64(len(data))
	if _, err := s.WriteAt(data, off); err != nil {
		return dberror.Wrap(dberror.KindIO, "write page", fmt.Errorf("page %d: %w", id, err))
	}
	return nil
}
