// Package wal implements the write-ahead log that makes multi-page commits
// atomic. A transaction's page images are appended as frames, followed by a
// commit marker; recovery replays exactly the transactions whose marker is
// present.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const (
	walMagic   uint32 = 0x6010A11E
	walVersion uint32 = 1
	// HeaderSize is the size of the WAL file header.
	HeaderSize = 32
)

var (
	ErrBadWALHeader = errors.New("wal header is invalid")
	ErrPageSize     = errors.New("wal page size does not match the database")
	errTornFrame    = errors.New("torn or corrupt wal frame")
)

type logHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	Salt     uint32
	_        [HeaderSize - 16]byte
}

// Log is the WAL file of one database.
type Log struct {
	mu       sync.Mutex
	storage  pagemanager.Storage
	pageSize uint32
	salt     uint32
	offset   int64
	logger   *zap.Logger
}

// CommittedTxn is a transaction recovered from the log.
type CommittedTxn struct {
	Sequence  uint64
	PageCount uint32
	Pages     []pagemanager.PageImage
}

// Recovery is the result of scanning the log.
type Recovery struct {
	Committed []CommittedTxn
	// Discarded counts frames of transactions without a commit marker.
	Discarded int
	// Torn reports whether the scan stopped at an incomplete frame.
	Torn bool
}

// Open attaches to the WAL stored in storage. An empty or unrecognised file
// is reinitialised; its content cannot belong to a committed transaction.
func Open(storage pagemanager.Storage, pageSize uint32, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{storage: storage, pageSize: pageSize, logger: logger}

	size, err := storage.Size()
	if err != nil {
		return nil, dberror.Wrap(dberror.KindIO, "open wal", err)
	}
	if size < HeaderSize {
		return l, l.Reset()
	}
	raw := make([]byte, HeaderSize)
	if _, err := storage.ReadAt(raw, 0); err != nil {
		return nil, dberror.Wrap(dberror.KindIO, "open wal", err)
	}
	var hdr logHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil || hdr.Magic != walMagic || hdr.Version != walVersion {
		logger.Warn("discarding unrecognised wal file", zap.Int64("size", size))
		return l, l.Reset()
	}
	if hdr.PageSize != pageSize {
		return nil, dberror.Wrap(dberror.KindCorruption, "open wal",
			fmt.Errorf("%w: wal %d, database %d", ErrPageSize, hdr.PageSize, pageSize))
	}
	l.salt = hdr.Salt
	l.offset = size
	return l, nil
}

// Append writes the page frames of transaction seq. They are not durable
// until Sync and not committed until AppendCommit.
func (l *Log) Append(seq uint64, images []pagemanager.PageImage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var buf bytes.Buffer
	for _, img := range images {
		f := Frame{PageID: img.ID, Sequence: seq, Data: img.Data}
		b, err := f.Serialize(l.salt)
		if err != nil {
			return dberror.Wrap(dberror.KindIO, "wal append", err)
		}
		buf.Write(b)
	}
	return l.write(buf.Bytes())
}

// AppendCommit writes the commit marker of transaction seq.
func (l *Log) AppendCommit(seq uint64, pageCount uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := Frame{Sequence: seq, Commit: true, Data: commitPayload(pageCount)}
	b, err := f.Serialize(l.salt)
	if err != nil {
		return dberror.Wrap(dberror.KindIO, "wal commit", err)
	}
	return l.write(b)
}

func (l *Log) write(b []byte) error {
	if _, err := l.storage.WriteAt(b, l.offset); err != nil {
		return dberror.Wrap(dberror.KindIO, "wal write", err)
	}
	l.offset += int64(len(b))
	return nil
}

// Sync makes appended frames durable.
func (l *Log) Sync() error {
	if err := l.storage.Sync(); err != nil {
		return dberror.Wrap(dberror.KindIO, "wal sync", err)
	}
	return nil
}

// Size is the current length of the log in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// Reset truncates the log to an empty header with a new salt.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.salt = uint32(time.Now().UnixNano()) ^ (l.salt + 1)
	hdr := logHeader{Magic: walMagic, Version: walVersion, PageSize: l.pageSize, Salt: l.salt}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	if err := l.storage.Truncate(0); err != nil {
		return dberror.Wrap(dberror.KindIO, "wal reset", err)
	}
	if _, err := l.storage.WriteAt(buf.Bytes(), 0); err != nil {
		return dberror.Wrap(dberror.KindIO, "wal reset", err)
	}
	l.offset = HeaderSize
	return nil
}

// Recover scans the log and returns the committed transactions in log
// order. Frames after the first torn frame are ignored; frames of
// transactions without a commit marker are discarded.
func (l *Log) Recover() (*Recovery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Recovery{}
	if l.offset <= HeaderSize {
		return rec, nil
	}
	reader := bufio.NewReader(io.NewSectionReader(l.storage, HeaderSize, l.offset-HeaderSize))
	pending := make(map[uint64][]pagemanager.PageImage)
	var pos int64 = HeaderSize
	for {
		f, n, err := readFrame(reader, l.salt, l.pageSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			rec.Torn = true
			l.logger.Warn("wal scan stopped at torn frame", zap.Int64("offset", pos))
			break
		}
		pos += n
		if !f.Commit {
			pending[f.Sequence] = append(pending[f.Sequence], pagemanager.PageImage{ID: f.PageID, Data: f.Data})
			continue
		}
		if len(f.Data) != 4 {
			rec.Torn = true
			break
		}
		rec.Committed = append(rec.Committed, CommittedTxn{
			Sequence:  f.Sequence,
			PageCount: binary.LittleEndian.Uint32(f.Data),
			Pages:     pending[f.Sequence],
		})
		delete(pending, f.Sequence)
	}
	for seq, pages := range pending {
		rec.Discarded += len(pages)
		l.logger.Info("discarding uncommitted wal transaction", zap.Uint64("sequence", seq), zap.Int("frames", len(pages)))
	}
	return rec, nil
}

// Merge folds committed transactions into the final image of every touched
// page, in ascending page order, plus the resulting page count.
func (r *Recovery) Merge() ([]pagemanager.PageImage, uint32) {
	latest := make(map[pagemanager.PageID][]byte)
	var pageCount uint32
	for _, txn := range r.Committed {
		for _, img := range txn.Pages {
			latest[img.ID] = img.Data
		}
		pageCount = txn.PageCount
	}
	images := make([]pagemanager.PageImage, 0, len(latest))
	for id, data := range latest {
		if uint32(id) > pageCount {
			continue
		}
		images = append(images, pagemanager.PageImage{ID: id, Data: data})
	}
	slices.SortFunc(images, func(a, b pagemanager.PageImage) int { return int(a.ID) - int(b.ID) })
	return images, pageCount
}

// Close releases the WAL storage.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.storage.Close(); err != nil {
		return dberror.Wrap(dberror.KindIO, "wal close", err)
	}
	return nil
}
