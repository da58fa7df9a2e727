package flushmanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/write_engine/bufferpool"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

const testPageSize = 512

type fixture struct {
	main *pagemanager.MemStorage
	log  *wal.Log
	pool *bufferpool.Pool
	c    *Checkpointer
}

func setup(t *testing.T) fixture {
	t.Helper()
	main := pagemanager.NewMemStorage(nil)
	h := pagemanager.NewFileHeader(testPageSize, false)
	page1 := make([]byte, testPageSize)
	h.Encode(page1)
	require.NoError(t, pagemanager.WritePage(main, 1, page1))
	page2 := make([]byte, testPageSize)
	pagemanager.InitPage(page2, pagemanager.PageTypeBTreeLeafTable)
	require.NoError(t, pagemanager.WritePage(main, 2, page2))

	logger := zap.NewNop()
	log, err := wal.Open(pagemanager.NewMemStorage(nil), testPageSize, logger)
	require.NoError(t, err)
	pool, err := bufferpool.New(main, h, 8, logger, nil)
	require.NoError(t, err)
	return fixture{main: main, log: log, pool: pool, c: New(pool, log, logger, nil)}
}

// commitToLog builds the frames of a transaction that grows the file by one
// page and writes them, with a marker, to the WAL.
func commitToLog(t *testing.T, f fixture, seq uint64, fill byte) pagemanager.FileHeader {
	t.Helper()
	h, _ := f.pool.Header()
	h.PageCount = 3
	h.ChangeCounter = seq
	page1 := make([]byte, testPageSize)
	h.Encode(page1)
	page3 := make([]byte, testPageSize)
	pagemanager.InitPage(page3, pagemanager.PageTypeOverflow)
	page3[100] = fill
	images := []pagemanager.PageImage{{ID: 1, Data: page1}, {ID: 3, Data: page3}}
	require.NoError(t, f.log.Append(seq, images))
	require.NoError(t, f.log.AppendCommit(seq, h.PageCount))
	require.NoError(t, f.log.Sync())
	return h
}

func TestRecoverReplaysCommittedFrames(t *testing.T) {
	f := setup(t)
	commitToLog(t, f, 1, 0x11)
	commitToLog(t, f, 2, 0x22)

	n, err := f.c.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(wal.HeaderSize), f.log.Size())

	h, _ := f.pool.Header()
	assert.Equal(t, uint32(3), h.PageCount)
	assert.Equal(t, uint64(2), h.ChangeCounter)

	raw, err := pagemanager.ReadPage(f.main, 3, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, byte(0x22), raw[100])
}

func TestRecoverWithEmptyLog(t *testing.T) {
	f := setup(t)
	n, err := f.c.Recover()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckpointTruncatesLog(t *testing.T) {
	f := setup(t)
	h := commitToLog(t, f, 1, 0x33)
	page3 := make([]byte, testPageSize)
	page3[100] = 0x33
	page1 := make([]byte, testPageSize)
	h.Encode(page1)

	require.NoError(t, f.c.Checkpoint([]pagemanager.PageImage{{ID: 1, Data: page1}, {ID: 3, Data: page3}}, h, true, nil))
	assert.Equal(t, int64(wal.HeaderSize), f.log.Size())

	got, _ := f.pool.Header()
	assert.Equal(t, h, got)
}

func TestCheckpointHookAbortsBeforeTruncate(t *testing.T) {
	f := setup(t)
	h := commitToLog(t, f, 1, 0x44)
	page1 := make([]byte, testPageSize)
	h.Encode(page1)
	page3 := make([]byte, testPageSize)
	page3[100] = 0x44
	crash := errors.New("crash")

	err := f.c.Checkpoint([]pagemanager.PageImage{{ID: 1, Data: page1}, {ID: 3, Data: page3}}, h, true,
		func(s Stage) error {
			if s == StageTruncate {
				return crash
			}
			return nil
		})
	require.ErrorIs(t, err, crash)
	assert.Greater(t, f.log.Size(), int64(wal.HeaderSize), "log must survive an interrupted checkpoint")

	n, err := f.c.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
