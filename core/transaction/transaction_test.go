package transaction

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return Options{PageSize: 512, Logger: logger}
}

func openStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := OpenStore(path, opts)
	require.NoError(t, err)
	return s
}

// writeMarker allocates a page holding marker at byte 50 and returns its id.
func writeMarker(t *testing.T, c *Coordinator, marker byte) pagemanager.PageID {
	t.Helper()
	m, err := c.Write(context.Background())
	require.NoError(t, err)
	id, err := m.Allocate()
	require.NoError(t, err)
	page := make([]byte, m.PageSize())
	pagemanager.InitPage(page, pagemanager.PageTypeOverflow)
	page[50] = marker
	require.NoError(t, m.Write(id, page))
	return id
}

func readMarker(t *testing.T, c *Coordinator, id pagemanager.PageID) (byte, bool) {
	t.Helper()
	m, release, err := c.Read()
	require.NoError(t, err)
	defer release()
	if uint32(id) > m.PageCount() {
		return 0, false
	}
	page, err := m.Read(id)
	require.NoError(t, err)
	return page[50], true
}

func TestCommitIsVisibleToNewReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.db")
	s := openStore(t, path, testOptions(t))
	defer s.Release()

	w := NewCoordinator(s, false, 0, nil)
	r := NewCoordinator(s, true, 0, nil)

	id := writeMarker(t, w, 7)
	assert.Equal(t, StateActive, w.State())
	_, ok := readMarker(t, r, id)
	assert.False(t, ok, "uncommitted page must not be visible")

	require.NoError(t, w.Commit())
	assert.Equal(t, StateIdle, w.State())
	got, ok := readMarker(t, r, id)
	require.True(t, ok)
	assert.Equal(t, byte(7), got)
	assert.Equal(t, uint64(1), s.Header().ChangeCounter)
}

func TestRollbackLeavesFileUntouched(t *testing.T) {
	s := openStore(t, MemoryPath, testOptions(t))
	defer s.Release()
	c := NewCoordinator(s, false, 0, nil)

	before := s.Header()
	writeMarker(t, c, 1)
	require.NoError(t, c.Rollback())
	assert.Equal(t, before, s.Header())
	assert.Equal(t, StateIdle, c.State())

	assert.True(t, errors.Is(c.Rollback(), dberror.ErrMisuse))
	assert.True(t, errors.Is(c.Commit(), dberror.ErrMisuse))
}

func TestSecondWriterIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	s := openStore(t, path, testOptions(t))
	defer s.Release()

	first := NewCoordinator(s, false, 0, nil)
	require.NoError(t, first.Begin(context.Background(), BeginImmediate))

	second := NewCoordinator(s, false, 0, nil)
	_, err := second.Write(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberror.ErrBusy))
	assert.Equal(t, StateIdle, second.State())

	second.SetBusyTimeout(time.Second)
	done := make(chan error, 1)
	go func() {
		_, err := second.Write(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Commit())
	require.NoError(t, <-done)
	require.NoError(t, second.Rollback())
}

func TestBusyWaitHonoursContext(t *testing.T) {
	s := openStore(t, MemoryPath, testOptions(t))
	defer s.Release()
	first := NewCoordinator(s, false, 0, nil)
	require.NoError(t, first.Begin(context.Background(), BeginImmediate))
	defer first.Rollback()

	second := NewCoordinator(s, false, time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := second.Write(ctx)
	assert.True(t, errors.Is(err, dberror.ErrBusy))
}

// TestSnapshotIsolation verifies that a reader inside a deferred transaction
// keeps its view across another connection's commit and cannot upgrade to a
// writer afterwards.
func TestSnapshotIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iso.db")
	s := openStore(t, path, testOptions(t))
	defer s.Release()

	w := NewCoordinator(s, false, 0, nil)
	id := writeMarker(t, w, 1)
	require.NoError(t, w.Commit())

	reader := NewCoordinator(s, false, 0, nil)
	require.NoError(t, reader.Begin(context.Background(), BeginDeferred))

	m, err := w.Write(context.Background())
	require.NoError(t, err)
	page := make([]byte, m.PageSize())
	page[50] = 2
	require.NoError(t, m.Write(id, page))
	require.NoError(t, w.Commit())

	got, ok := readMarker(t, reader, id)
	require.True(t, ok)
	assert.Equal(t, byte(1), got)

	_, err = reader.Write(context.Background())
	assert.True(t, errors.Is(err, ErrStaleSnapshot))
	require.NoError(t, reader.Rollback())
}

func TestReadOnlyCoordinatorCannotWrite(t *testing.T) {
	s := openStore(t, MemoryPath, testOptions(t))
	defer s.Release()
	c := NewCoordinator(s, true, 0, nil)
	_, err := c.Write(context.Background())
	assert.True(t, errors.Is(err, ErrReadOnlyStore))
}

func TestFinishCommitsImplicitTransactions(t *testing.T) {
	s := openStore(t, MemoryPath, testOptions(t))
	defer s.Release()
	c := NewCoordinator(s, false, 0, nil)

	id := writeMarker(t, c, 3)
	assert.True(t, c.AutoCommit())
	require.NoError(t, c.Finish(nil))
	got, ok := readMarker(t, c, id)
	require.True(t, ok)
	assert.Equal(t, byte(3), got)

	writeMarker(t, c, 4)
	stmtErr := errors.New("statement failed")
	assert.Equal(t, stmtErr, c.Finish(stmtErr))
	assert.Equal(t, uint32(id), s.Header().PageCount)
}

// TestCrashPointsAreAtomic simulates a crash before each commit step and
// checks that reopening yields the transaction exactly when its commit
// marker reached the WAL file.
func TestCrashPointsAreAtomic(t *testing.T) {
	steps := []CommitStep{
		StepAppendFrames, StepSyncFrames, StepAppendMarker, StepSyncMarker,
		StepApply, StepSyncMain, StepTruncateWAL,
	}
	for _, crashAt := range steps {
		t.Run(crashAt.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "crash.db")
			opts := testOptions(t)
			s := openStore(t, path, opts)
			c := NewCoordinator(s, false, 0, nil)
			base := writeMarker(t, c, 1)
			require.NoError(t, c.Commit())
			require.NoError(t, s.Release())

			crash := errors.New("simulated crash")
			opts.FaultHook = func(step CommitStep) error {
				if step == crashAt {
					return crash
				}
				return nil
			}
			s = openStore(t, path, opts)
			c = NewCoordinator(s, false, 0, nil)
			m, err := c.Write(context.Background())
			require.NoError(t, err)
			page := make([]byte, m.PageSize())
			page[50] = 2
			require.NoError(t, m.Write(base, page))
			err = c.Commit()
			require.Error(t, err)
			assert.True(t, dberror.IsFatal(err))
			assert.Error(t, s.Err())

			opts.FaultHook = nil
			s = openStore(t, path, opts)
			defer s.Release()
			got, ok := readMarker(t, NewCoordinator(s, true, 0, nil), base)
			require.True(t, ok)
			if crashAt > StepAppendMarker {
				assert.Equal(t, byte(2), got, "committed transaction must be replayed")
			} else {
				assert.Equal(t, byte(1), got, "uncommitted transaction must be discarded")
			}
		})
	}
}

func TestMustExist(t *testing.T) {
	opts := testOptions(t)
	opts.MustExist = true
	_, err := OpenStore(filepath.Join(t.TempDir(), "missing.db"), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberror.ErrIO))
	assert.True(t, errors.Is(err, ErrNoDatabase))
}

func TestModesParse(t *testing.T) {
	m, ok := ParseJournalMode("WAL")
	require.True(t, ok)
	assert.Equal(t, JournalWAL, m)
	_, ok = ParseJournalMode("truncate")
	assert.False(t, ok)

	sm, ok := ParseSyncMode("1")
	require.True(t, ok)
	assert.Equal(t, SyncNormal, sm)
	assert.Equal(t, 2, SyncFull.Level())
	_, ok = ParseSyncMode("7")
	assert.False(t, ok)
}

func TestStoresAreSharedPerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a := openStore(t, path, testOptions(t))
	b := openStore(t, path, testOptions(t))
	assert.Same(t, a, b)
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}
