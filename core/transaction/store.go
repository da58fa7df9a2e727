package transaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/write_engine/bufferpool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var (
	ErrDatabaseLocked  = errors.New("database is locked")
	ErrStaleSnapshot   = errors.New("database changed since the transaction's snapshot was taken")
	ErrReadOnlyStore   = errors.New("attempt to write a readonly database")
	ErrNeedsRecovery   = errors.New("database has a pending wal and must be opened read-write once to recover")
	ErrNoDatabase      = errors.New("database file does not exist")
	ErrEmptyReadOnly   = errors.New("cannot initialise an empty database opened read-only")
	ErrOpenedReadOnly  = errors.New("database is already open read-only in this process")
	errInterruptedWait = errors.New("interrupted while waiting for the write lock")
)

// CommitStep names a point in the commit protocol. It is reported to
// Options.FaultHook before the step runs.
type CommitStep int

const (
	StepAppendFrames CommitStep = iota
	StepSyncFrames
	StepAppendMarker
	StepSyncMarker
	StepApply
	StepSyncMain
	StepTruncateWAL
)

func (s CommitStep) String() string {
	switch s {
	case StepAppendFrames:
		return "append-frames"
	case StepSyncFrames:
		return "sync-frames"
	case StepAppendMarker:
		return "append-marker"
	case StepSyncMarker:
		return "sync-marker"
	case StepApply:
		return "apply"
	case StepSyncMain:
		return "sync-main"
	case StepTruncateWAL:
		return "truncate-wal"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Options configure how a store is opened.
type Options struct {
	ReadOnly  bool
	MustExist bool
	// PageSize applies only when a new file is created.
	PageSize uint32
	// CacheSize is the page cache capacity in pages.
	CacheSize int
	// DisableChecksums turns off page checksums for new files.
	DisableChecksums bool
	JournalMode      JournalMode
	Synchronous      SyncMode
	Logger           *zap.Logger
	Metrics          *internaltelemetry.EngineMetrics
	// Image seeds an in-memory store with a serialized database.
	Image []byte
	// FaultHook, when set, is called before each commit step. An error
	// simulates a crash at that point: the store is abandoned with its
	// files left exactly as they are.
	FaultHook func(CommitStep) error
}

var registry = struct {
	sync.Mutex
	stores map[string]*Store
}{stores: make(map[string]*Store)}

// Store is the state shared by every connection to one database file: the
// main file, its WAL, the page cache and the writer lock.
type Store struct {
	path     string
	memory   bool
	readOnly bool

	main    pagemanager.Storage
	walFile pagemanager.Storage
	lockFd  *os.File
	pool    *bufferpool.Pool
	log     *wal.Log
	ckpt    *flushmanager.Checkpointer

	// writer is a one-slot semaphore held by the active write transaction.
	writer chan struct{}

	mu      sync.Mutex
	journal JournalMode
	sync    SyncMode
	refs    int
	failed  error

	faultHook func(CommitStep) error
	logger    *zap.Logger
	metrics   *internaltelemetry.EngineMetrics
}

// OpenStore returns the shared store for path, opening and recovering it on
// first use. Every successful call must be paired with Release.
func OpenStore(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = internaltelemetry.NoopEngineMetrics()
	}
	if path == MemoryPath || path == "" {
		return openMemoryStore(opts)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, dberror.Wrap(dberror.KindIO, "open", err)
	}

	registry.Lock()
	defer registry.Unlock()
	if s, ok := registry.stores[abs]; ok {
		if s.readOnly && !opts.ReadOnly {
			return nil, dberror.Wrap(dberror.KindBusy, "open", ErrOpenedReadOnly)
		}
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s, nil
	}
	s, err := openFileStore(abs, opts)
	if err != nil {
		return nil, err
	}
	registry.stores[abs] = s
	return s, nil
}

func newStore(path string, opts Options) *Store {
	s := &Store{
		path:      path,
		readOnly:  opts.ReadOnly,
		writer:    make(chan struct{}, 1),
		refs:      1,
		journal:   opts.JournalMode,
		sync:      opts.Synchronous,
		faultHook: opts.FaultHook,
		logger:    opts.Logger.Named("store").With(zap.String("path", path)),
		metrics:   opts.Metrics,
	}
	if !JournalModes.Contains(s.journal) || s.journal == JournalMemory {
		s.journal = JournalWAL
	}
	if !SyncModes.Contains(s.sync) {
		s.sync = SyncFull
	}
	return s
}

func openMemoryStore(opts Options) (*Store, error) {
	s := newStore(MemoryPath, opts)
	s.memory = true
	s.readOnly = false
	s.journal = JournalMemory
	s.main = pagemanager.NewMemStorage(opts.Image)
	opts.ReadOnly = false
	header, err := s.loadOrInitialise(opts)
	if err != nil {
		return nil, err
	}
	return s, s.attach(header, opts)
}

func openFileStore(path string, opts Options) (*Store, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if !exists && !errors.Is(statErr, fs.ErrNotExist) {
		return nil, dberror.Wrap(dberror.KindIO, "open", statErr)
	}
	if !exists && (opts.MustExist || opts.ReadOnly) {
		return nil, dberror.Wrap(dberror.KindIO, "open", fmt.Errorf("%w: %s", ErrNoDatabase, path))
	}

	main, err := pagemanager.OpenFileStorage(path, opts.ReadOnly, true)
	if err != nil {
		return nil, err
	}
	s := newStore(path, opts)
	s.main = main
	s.lockFd = main.File()
	ok, err := lockFile(s.lockFd, opts.ReadOnly)
	if err != nil {
		main.Close()
		return nil, dberror.Wrap(dberror.KindIO, "lock", err)
	}
	if !ok {
		main.Close()
		return nil, dberror.Wrap(dberror.KindBusy, "open", fmt.Errorf("%w by another process", ErrDatabaseLocked))
	}

	header, err := s.loadOrInitialise(opts)
	if err != nil {
		s.closeFiles()
		return nil, err
	}
	if err := s.attach(header, opts); err != nil {
		s.closeFiles()
		return nil, err
	}
	return s, nil
}

// loadOrInitialise reads the header of an existing file or writes the first
// two pages of a new one.
func (s *Store) loadOrInitialise(opts Options) (pagemanager.FileHeader, error) {
	size, err := s.main.Size()
	if err != nil {
		return pagemanager.FileHeader{}, dberror.Wrap(dberror.KindIO, "open", err)
	}
	if size == 0 {
		if opts.ReadOnly {
			return pagemanager.FileHeader{}, dberror.Wrap(dberror.KindIO, "open", ErrEmptyReadOnly)
		}
		return initialise(s.main, opts)
	}
	raw := make([]byte, pagemanager.HeaderSize)
	if _, err := s.main.ReadAt(raw, 0); err != nil {
		return pagemanager.FileHeader{}, dberror.Wrap(dberror.KindCorruption, "open", pagemanager.ErrBadMagic)
	}
	pageSize, ok := pagemanager.PeekPageSize(raw)
	if !ok {
		return pagemanager.FileHeader{}, dberror.Wrap(dberror.KindCorruption, "open", pagemanager.ErrBadMagic)
	}
	page1, err := pagemanager.ReadPage(s.main, pagemanager.HeaderPageID, pageSize)
	if err != nil {
		return pagemanager.FileHeader{}, err
	}
	return pagemanager.DecodeFileHeader(page1)
}

// initialise writes the header page and the empty schema tree.
func initialise(storage pagemanager.Storage, opts Options) (pagemanager.FileHeader, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = pagemanager.DefaultPageSize
	}
	if !pagemanager.ValidPageSize(pageSize) {
		return pagemanager.FileHeader{}, dberror.Wrap(dberror.KindMisuse, "open",
			fmt.Errorf("%w: %d", pagemanager.ErrInvalidPageSize, pageSize))
	}
	header := pagemanager.NewFileHeader(pageSize, !opts.DisableChecksums)
	page1 := make([]byte, pageSize)
	header.Encode(page1)
	page2 := make([]byte, pageSize)
	pagemanager.InitPage(page2, pagemanager.PageTypeBTreeLeafTable)
	if header.Checksums() {
		pagemanager.Seal(page1)
		pagemanager.Seal(page2)
	}
	if err := pagemanager.WritePage(storage, pagemanager.HeaderPageID, page1); err != nil {
		return header, err
	}
	if err := pagemanager.WritePage(storage, pagemanager.SchemaRootPageID, page2); err != nil {
		return header, err
	}
	if err := storage.Sync(); err != nil {
		return header, dberror.Wrap(dberror.KindIO, "open", err)
	}
	return header, nil
}

// attach builds the cache, the WAL and the checkpointer, then replays any
// committed transactions left in the WAL.
func (s *Store) attach(header pagemanager.FileHeader, opts Options) error {
	pool, err := bufferpool.New(s.main, header, opts.CacheSize, s.logger.Named("pool"), s.metrics)
	if err != nil {
		return err
	}
	s.pool = pool
	if s.memory {
		s.ckpt = flushmanager.New(pool, nil, s.logger.Named("checkpoint"), s.metrics)
		return nil
	}

	walPath := s.path + "-wal"
	if s.readOnly {
		if fi, err := os.Stat(walPath); err == nil && fi.Size() > wal.HeaderSize {
			return dberror.Wrap(dberror.KindIO, "open", ErrNeedsRecovery)
		}
		s.ckpt = flushmanager.New(pool, nil, s.logger.Named("checkpoint"), s.metrics)
		return nil
	}
	walFile, err := pagemanager.OpenFileStorage(walPath, false, true)
	if err != nil {
		return err
	}
	s.walFile = walFile
	log, err := wal.Open(walFile, header.PageSize, s.logger.Named("wal"))
	if err != nil {
		return err
	}
	s.log = log
	s.ckpt = flushmanager.New(pool, log, s.logger.Named("checkpoint"), s.metrics)
	n, err := s.ckpt.Recover()
	if err != nil {
		return err
	}
	if n > 0 {
		pool.Purge()
		s.logger.Info("recovered committed transactions from wal", zap.Int("transactions", n))
	}
	return nil
}

// Path is the absolute file path, or MemoryPath.
func (s *Store) Path() string { return s.path }

func (s *Store) Memory() bool { return s.memory }

func (s *Store) ReadOnly() bool { return s.readOnly }

// Pool exposes the page cache, e.g. for snapshots taken by backups.
func (s *Store) Pool() *bufferpool.Pool { return s.pool }

// Header returns the committed header.
func (s *Store) Header() pagemanager.FileHeader {
	h, _ := s.pool.Header()
	return h
}

// Pin takes a read snapshot of the committed state.
func (s *Store) Pin() (*bufferpool.Snapshot, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.pool.Pin(), nil
}

// Err reports the failure that made the store unusable, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Store) JournalMode() JournalMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal
}

// SetJournalMode switches between WAL and direct writes. In-memory databases
// keep JournalMemory.
func (s *Store) SetJournalMode(m JournalMode) JournalMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memory || s.readOnly || m == JournalMemory {
		return s.journal
	}
	s.journal = m
	return s.journal
}

func (s *Store) Synchronous() SyncMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sync
}

func (s *Store) SetSynchronous(m SyncMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync = m
}

// WALSize is the size of the WAL in bytes, zero without a WAL.
func (s *Store) WALSize() int64 {
	if s.log == nil {
		return 0
	}
	return s.log.Size()
}

// acquireWriter takes the writer lock, waiting up to timeout. ctx cancels
// the wait early.
func (s *Store) acquireWriter(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.writer <- struct{}{}:
		return nil
	default:
	}
	busy := func(cause error) error {
		s.metrics.BusyCounter.Add(context.Background(), 1)
		return dberror.Wrap(dberror.KindBusy, "begin write", cause)
	}
	if timeout <= 0 {
		return busy(ErrDatabaseLocked)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return busy(ErrDatabaseLocked)
	case <-ctx.Done():
		return busy(errInterruptedWait)
	}
}

func (s *Store) releaseWriter() {
	select {
	case <-s.writer:
	default:
	}
}

// commit runs the commit protocol for the pages buffered in m. The caller
// holds the writer lock.
func (s *Store) commit(m *pagemanager.Manager) error {
	if err := s.Err(); err != nil {
		return err
	}
	if err := m.UpdateHeader(func(h *pagemanager.FileHeader) { h.ChangeCounter++ }); err != nil {
		return err
	}
	images, err := m.Flush()
	if err != nil {
		return err
	}
	header := m.Header()
	journal, syncMode := s.JournalMode(), s.Synchronous()
	seq := header.ChangeCounter

	if s.log != nil && journal == JournalWAL {
		if err := s.step(StepAppendFrames, func() error { return s.log.Append(seq, images) }); err != nil {
			return err
		}
		if syncMode == SyncFull {
			if err := s.step(StepSyncFrames, s.log.Sync); err != nil {
				return err
			}
		}
		if err := s.step(StepAppendMarker, func() error { return s.log.AppendCommit(seq, header.PageCount) }); err != nil {
			return err
		}
		if syncMode != SyncOff {
			if err := s.step(StepSyncMarker, s.log.Sync); err != nil {
				return err
			}
		}
	}

	err = s.ckpt.Checkpoint(images, header, syncMode != SyncOff, func(stage flushmanager.Stage) error {
		switch stage {
		case flushmanager.StageApply:
			return s.hook(StepApply)
		case flushmanager.StageSyncMain:
			return s.hook(StepSyncMain)
		default:
			return s.hook(StepTruncateWAL)
		}
	})
	if err != nil {
		return s.fail(err)
	}
	s.logger.Debug("transaction committed",
		zap.Uint64("sequence", seq),
		zap.Int("pages", len(images)),
		zap.Uint32("page_count", header.PageCount))
	return nil
}

func (s *Store) step(step CommitStep, fn func() error) error {
	if err := s.hook(step); err != nil {
		return s.fail(err)
	}
	if err := fn(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Store) hook(step CommitStep) error {
	if s.faultHook == nil {
		return nil
	}
	if err := s.faultHook(step); err != nil {
		return dberror.Wrap(dberror.KindIO, "commit "+step.String(), err)
	}
	return nil
}

// fail marks the store unusable after a failure in the middle of a commit.
// The files are released untouched so that the next open recovers from the
// WAL.
func (s *Store) fail(cause error) error {
	err := dberror.Wrap(dberror.KindIO, "commit", cause)
	s.mu.Lock()
	if s.failed == nil {
		s.failed = fmt.Errorf("%w: %w", flushmanager.ErrStoreFailed, err)
	}
	s.mu.Unlock()
	s.logger.Error("commit failed, abandoning store", zap.Error(cause))

	registry.Lock()
	if registry.stores[s.path] == s {
		delete(registry.stores, s.path)
	}
	registry.Unlock()
	s.closeFiles()
	return err
}

func (s *Store) closeFiles() {
	if s.log != nil {
		s.log.Close()
	} else if s.walFile != nil {
		s.walFile.Close()
	}
	if s.lockFd != nil {
		_ = unlockFile(s.lockFd)
	}
	if s.main != nil {
		s.main.Close()
	}
}

// Release drops one reference. The last reference closes the files.
func (s *Store) Release() error {
	if s.memory {
		return s.main.Close()
	}
	registry.Lock()
	defer registry.Unlock()
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	failed := s.failed != nil
	s.mu.Unlock()
	if !last || failed {
		return nil
	}
	if registry.stores[s.path] == s {
		delete(registry.stores, s.path)
	}
	var err error
	if s.log != nil {
		if err = s.log.Close(); err == nil {
			if rmErr := os.Remove(s.path + "-wal"); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = dberror.Wrap(dberror.KindIO, "close", rmErr)
			}
		}
	}
	if s.lockFd != nil {
		_ = unlockFile(s.lockFd)
	}
	if cerr := s.main.Close(); cerr != nil && err == nil {
		err = dberror.Wrap(dberror.KindIO, "close", cerr)
	}
	return err
}
