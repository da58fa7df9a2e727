package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

type memSource struct {
	s        *pagemanager.MemStorage
	pageSize uint32
}

func (m memSource) ReadPage(id PageID) ([]byte, error) {
	return pagemanager.ReadPage(m.s, id, m.pageSize)
}

// newTestTree returns a tree over a fresh in-memory file with small pages so
// that a few hundred entries already build several levels.
func newTestTree(t *testing.T, kind Kind) (*Tree, *pagemanager.Manager, PageID) {
	t.Helper()
	const pageSize = 512
	h := pagemanager.NewFileHeader(pageSize, true)
	m := pagemanager.NewManager(memSource{s: pagemanager.NewMemStorage(nil), pageSize: pageSize}, h, false)
	tr := New(m)
	require.NoError(t, tr.InitRoot(pagemanager.SchemaRootPageID, TableTree))
	root, err := tr.Create(kind)
	require.NoError(t, err)
	return tr, m, root
}

func key(i int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(i))
}

func value(i int) []byte {
	return []byte(fmt.Sprintf("value-%05d", i))
}

func collect(t *testing.T, c *Cursor) [][]byte {
	t.Helper()
	var keys [][]byte
	for c.Valid() {
		keys = append(keys, c.Key())
		require.NoError(t, c.Next())
	}
	return keys
}

func TestInsertGetAndOrder(t *testing.T) {
	tr, _, root := newTestTree(t, TableTree)
	const n = 2000
	perm := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range perm {
		require.NoError(t, tr.Insert(root, key(i), value(i)))
	}

	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, n, st.Entries)
	assert.Greater(t, st.Depth, 2)

	for i := 0; i < n; i++ {
		v, ok, err := tr.Get(root, key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, value(i), v)
	}
	_, ok, err := tr.Get(root, key(n))
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := tr.Seek(root, nil)
	require.NoError(t, err)
	keys := collect(t, c)
	require.Len(t, keys, n)
	for i, k := range keys {
		assert.Equal(t, key(i), k)
	}

	last, lastValue, ok, err := tr.Last(root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(n-1), last)
	assert.Equal(t, value(n-1), lastValue)
}

func TestInsertReplacesExistingValue(t *testing.T) {
	tr, _, root := newTestTree(t, TableTree)
	require.NoError(t, tr.Insert(root, key(7), []byte("old")))
	require.NoError(t, tr.Insert(root, key(7), []byte("new")))

	v, ok, err := tr.Get(root, key(7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)

	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
}

func TestDeleteRebalancesAndReleasesPages(t *testing.T) {
	tr, m, root := newTestTree(t, TableTree)
	const n = 1500
	rng := rand.New(rand.NewSource(2))
	for _, i := range rng.Perm(n) {
		require.NoError(t, tr.Insert(root, key(i), value(i)))
	}

	order := rng.Perm(n)
	for j, i := range order {
		found, err := tr.Delete(root, key(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		if j%250 == 0 {
			st, err := tr.Verify(root)
			require.NoError(t, err)
			assert.Equal(t, n-j-1, st.Entries)
		}
	}

	found, err := tr.Delete(root, key(0))
	require.NoError(t, err)
	assert.False(t, found)

	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 1, st.Depth)

	// Only the header, the schema root and the tree root remain in use.
	h := m.Header()
	assert.Equal(t, h.PageCount-3, h.FreeListCount)
}

func TestRemainingKeysSurviveDeletes(t *testing.T) {
	tr, _, root := newTestTree(t, TableTree)
	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(root, key(i), value(i)))
	}
	for i := 0; i < n; i += 3 {
		_, err := tr.Delete(root, key(i))
		require.NoError(t, err)
	}
	_, err := tr.Verify(root)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, ok, err := tr.Get(root, key(i))
		require.NoError(t, err)
		assert.Equal(t, i%3 != 0, ok, "key %d", i)
	}
}

func TestOverflowPayloads(t *testing.T) {
	tr, m, root := newTestTree(t, TableTree)
	big := func(i, size int) []byte {
		return bytes.Repeat([]byte{byte('a' + i%26)}, size)
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, tr.Insert(root, key(i), big(i, 300+i*97)))
	}
	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, 40, st.Entries)

	for i := 0; i < 40; i++ {
		v, ok, err := tr.Get(root, key(i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, big(i, 300+i*97), v, "value %d", i)
	}

	for i := 0; i < 40; i++ {
		_, err := tr.Delete(root, key(i))
		require.NoError(t, err)
	}
	h := m.Header()
	assert.Equal(t, h.PageCount-3, h.FreeListCount, "overflow chains are released")
}

func TestLongKeysInIndexTree(t *testing.T) {
	tr, m, root := newTestTree(t, IndexTree)
	long := func(i int) []byte {
		return append(bytes.Repeat([]byte("k"), 700), key(i)...)
	}
	const n = 60
	for _, i := range rand.New(rand.NewSource(3)).Perm(n) {
		require.NoError(t, tr.Insert(root, long(i), nil))
	}
	kind, err := tr.KindOf(root)
	require.NoError(t, err)
	assert.Equal(t, IndexTree, kind)

	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, n, st.Entries)

	c, err := tr.Seek(root, nil)
	require.NoError(t, err)
	keys := collect(t, c)
	require.Len(t, keys, n)
	for i, k := range keys {
		assert.Equal(t, long(i), k)
	}

	for i := 0; i < n; i++ {
		ok, err := tr.Delete(root, long(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	h := m.Header()
	assert.Equal(t, h.PageCount-3, h.FreeListCount)
}

func TestRangeCursor(t *testing.T) {
	tr, _, root := newTestTree(t, TableTree)
	for i := 0; i < 300; i++ {
		require.NoError(t, tr.Insert(root, key(i*2), value(i*2)))
	}
	c, err := tr.Range(root, key(101), key(121))
	require.NoError(t, err)
	keys := collect(t, c)
	require.Len(t, keys, 10)
	assert.Equal(t, key(102), keys[0])
	assert.Equal(t, key(120), keys[9])

	c, err = tr.Seek(root, key(1000))
	require.NoError(t, err)
	assert.False(t, c.Valid())
}

func TestCursorSurvivesDeletes(t *testing.T) {
	tr, _, root := newTestTree(t, TableTree)
	const n = 800
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(root, key(i), value(i)))
	}

	c, err := tr.Seek(root, nil)
	require.NoError(t, err)
	seen := 0
	for c.Valid() {
		v, err := c.Value()
		require.NoError(t, err)
		assert.Equal(t, value(seen), v)
		assert.Equal(t, key(seen), c.Key())
		_, err = tr.Delete(root, c.Key())
		require.NoError(t, err)
		seen++
		require.NoError(t, c.Next())
	}
	assert.Equal(t, n, seen)

	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)
}

func TestCursorValueAfterEntryDeleted(t *testing.T) {
	tr, _, root := newTestTree(t, TableTree)
	require.NoError(t, tr.Insert(root, key(1), value(1)))
	require.NoError(t, tr.Insert(root, key(2), value(2)))
	c, err := tr.Seek(root, key(1))
	require.NoError(t, err)
	_, err = tr.Delete(root, key(1))
	require.NoError(t, err)
	_, err = c.Value()
	assert.ErrorIs(t, err, ErrCursorEntryGone)
}

func TestClearAndDrop(t *testing.T) {
	tr, m, root := newTestTree(t, TableTree)
	for i := 0; i < 500; i++ {
		require.NoError(t, tr.Insert(root, key(i), value(i)))
	}
	require.NoError(t, tr.Clear(root))
	st, err := tr.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries)
	h := m.Header()
	assert.Equal(t, h.PageCount-3, h.FreeListCount)

	for i := 0; i < 500; i++ {
		require.NoError(t, tr.Insert(root, key(i), value(i)))
	}
	require.NoError(t, tr.Drop(root))
	h = m.Header()
	assert.Equal(t, h.PageCount-2, h.FreeListCount)
}

func TestCorruptNodeIsReported(t *testing.T) {
	tr, m, root := newTestTree(t, TableTree)
	garbage := make([]byte, m.PageSize())
	garbage[0] = 0x7f
	require.NoError(t, m.Write(root, garbage))

	_, _, err := tr.Get(root, key(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, dberror.ErrCorruption)
}
