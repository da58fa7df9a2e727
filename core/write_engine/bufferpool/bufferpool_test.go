package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const testPageSize = 512

func setupPool(t *testing.T, cacheSize int) *Pool {
	t.Helper()
	mem := pagemanager.NewMemStorage(nil)
	h := pagemanager.NewFileHeader(testPageSize, true)
	h.PageCount = 3
	for id := pagemanager.PageID(1); id <= 3; id++ {
		page := make([]byte, testPageSize)
		if id == 1 {
			h.Encode(page)
		} else {
			pagemanager.InitPage(page, pagemanager.PageTypeBTreeLeafTable)
			page[20] = byte(id)
		}
		pagemanager.Seal(page)
		require.NoError(t, pagemanager.WritePage(mem, id, page))
	}
	logger, _ := zap.NewDevelopment()
	p, err := New(mem, h, cacheSize, logger, nil)
	require.NoError(t, err)
	return p
}

func image(id pagemanager.PageID, marker byte) pagemanager.PageImage {
	page := make([]byte, testPageSize)
	pagemanager.InitPage(page, pagemanager.PageTypeBTreeLeafTable)
	page[20] = marker
	pagemanager.Seal(page)
	return pagemanager.PageImage{ID: id, Data: page}
}

// TestSnapshotSurvivesCheckpoint verifies that a reader pinned before a
// commit keeps observing the old page images after the checkpoint rewrote
// the main file.
func TestSnapshotSurvivesCheckpoint(t *testing.T) {
	p := setupPool(t, 16)

	old := p.Pin()
	defer old.Release()

	h, v := p.Header()
	h.ChangeCounter++
	require.NoError(t, p.Apply([]pagemanager.PageImage{image(3, 99)}, h))

	_, nv := p.Header()
	assert.Equal(t, v+1, nv)

	data, err := old.ReadPage(3)
	require.NoError(t, err)
	assert.Equal(t, byte(3), data[20], "old snapshot must see the pre-commit image")

	fresh := p.Pin()
	defer fresh.Release()
	data, err = fresh.ReadPage(3)
	require.NoError(t, err)
	assert.Equal(t, byte(99), data[20])
	assert.Equal(t, nv, fresh.Version())
}

func TestReleasedSnapshotsAreNotPreserved(t *testing.T) {
	p := setupPool(t, 16)
	s := p.Pin()
	assert.Equal(t, 1, p.LiveSnapshots())
	s.Release()
	s.Release()
	assert.Equal(t, 0, p.LiveSnapshots())

	h, _ := p.Header()
	require.NoError(t, p.Apply([]pagemanager.PageImage{image(2, 7)}, h))
	assert.Nil(t, s.preserved)
}

func TestReadsThroughSmallCache(t *testing.T) {
	p := setupPool(t, 1)
	s := p.Pin()
	defer s.Release()
	for i := 0; i < 3; i++ {
		for id := pagemanager.PageID(2); id <= 3; id++ {
			data, err := s.ReadPage(id)
			require.NoError(t, err)
			assert.Equal(t, byte(id), data[20])
		}
	}
	p.Resize(8)
	assert.Equal(t, 8, p.CacheSize())
}

func TestCorruptPageDetected(t *testing.T) {
	p := setupPool(t, 4)
	raw, err := pagemanager.ReadPage(p.Storage(), 2, testPageSize)
	require.NoError(t, err)
	raw[21] = 0xAB
	require.NoError(t, pagemanager.WritePage(p.Storage(), 2, raw))

	s := p.Pin()
	defer s.Release()
	_, err = s.ReadPage(2)
	assert.ErrorIs(t, err, pagemanager.ErrChecksumMismatch)
}
