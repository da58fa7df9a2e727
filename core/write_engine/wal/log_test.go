package wal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const testPageSize = 512

// setupLog creates a WAL backed by a real file in a temporary directory.
func setupLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db-wal")
	storage, err := pagemanager.OpenFileStorage(path, false, true)
	require.NoError(t, err)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	l, err := Open(storage, testPageSize, logger)
	require.NoError(t, err)
	return l, path
}

func reopen(t *testing.T, l *Log, path string) *Log {
	t.Helper()
	require.NoError(t, l.Close())
	storage, err := pagemanager.OpenFileStorage(path, false, false)
	require.NoError(t, err)
	nl, err := Open(storage, testPageSize, zap.NewNop())
	require.NoError(t, err)
	return nl
}

func pageImage(id pagemanager.PageID, fill byte) pagemanager.PageImage {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = fill
	}
	return pagemanager.PageImage{ID: id, Data: data}
}

// TestRecoverOnlyCommitted verifies that recovery returns the transactions
// whose commit marker reached the log and drops the trailing uncommitted one.
func TestRecoverOnlyCommitted(t *testing.T) {
	l, path := setupLog(t)

	require.NoError(t, l.Append(1, []pagemanager.PageImage{pageImage(2, 1), pageImage(3, 1)}))
	require.NoError(t, l.AppendCommit(1, 3))
	require.NoError(t, l.Append(2, []pagemanager.PageImage{pageImage(3, 2)}))
	require.NoError(t, l.AppendCommit(2, 3))
	require.NoError(t, l.Append(3, []pagemanager.PageImage{pageImage(2, 3), pageImage(4, 3)}))
	require.NoError(t, l.Sync())

	l = reopen(t, l, path)
	defer l.Close()

	rec, err := l.Recover()
	require.NoError(t, err)
	require.Len(t, rec.Committed, 2)
	assert.Equal(t, uint64(1), rec.Committed[0].Sequence)
	assert.Equal(t, uint64(2), rec.Committed[1].Sequence)
	assert.Equal(t, 2, rec.Discarded)
	assert.False(t, rec.Torn)

	images, count := rec.Merge()
	assert.Equal(t, uint32(3), count)
	require.Len(t, images, 2)
	assert.Equal(t, pagemanager.PageID(2), images[0].ID)
	assert.Equal(t, byte(1), images[0].Data[0])
	assert.Equal(t, pagemanager.PageID(3), images[1].ID)
	assert.Equal(t, byte(2), images[1].Data[0], "later commit wins")
}

// TestRecoverStopsAtTornFrame simulates a crash in the middle of writing a
// commit marker.
func TestRecoverStopsAtTornFrame(t *testing.T) {
	l, path := setupLog(t)
	require.NoError(t, l.Append(1, []pagemanager.PageImage{pageImage(2, 7)}))
	require.NoError(t, l.AppendCommit(1, 2))
	require.NoError(t, l.Append(2, []pagemanager.PageImage{pageImage(2, 8)}))
	require.NoError(t, l.AppendCommit(2, 2))
	size := l.Size()
	require.NoError(t, l.storage.Truncate(size-3))
	l.offset = size - 3

	l = reopen(t, l, path)
	defer l.Close()
	rec, err := l.Recover()
	require.NoError(t, err)
	assert.True(t, rec.Torn)
	require.Len(t, rec.Committed, 1)
	assert.Equal(t, 1, rec.Discarded)
}

func TestResetDiscardsFrames(t *testing.T) {
	l, path := setupLog(t)
	require.NoError(t, l.Append(1, []pagemanager.PageImage{pageImage(2, 1)}))
	require.NoError(t, l.AppendCommit(1, 2))
	require.NoError(t, l.Reset())
	assert.Equal(t, int64(HeaderSize), l.Size())

	l = reopen(t, l, path)
	defer l.Close()
	rec, err := l.Recover()
	require.NoError(t, err)
	assert.Empty(t, rec.Committed)
}

func TestFrameChecksumBindsSalt(t *testing.T) {
	f := Frame{PageID: 5, Sequence: 9, Data: []byte("payload")}
	b, err := f.Serialize(1)
	require.NoError(t, err)

	_, _, err = readFrame(bytes.NewReader(b), 2, testPageSize)
	assert.ErrorIs(t, err, errTornFrame)

	got, n, err := readFrame(bytes.NewReader(b), 1, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
	assert.Equal(t, f, got)
}

func TestOpenRejectsPageSizeMismatch(t *testing.T) {
	l, path := setupLog(t)
	require.NoError(t, l.Close())
	storage, err := pagemanager.OpenFileStorage(path, false, false)
	require.NoError(t, err)
	defer storage.Close()
	_, err = Open(storage, 1024, nil)
	assert.ErrorIs(t, err, ErrPageSize)
}
