package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/record"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// populatedSnapshot commits a table tree with enough rows to span several
// pages and returns a snapshot of the result.
func populatedSnapshot(t *testing.T) Source {
	t.Helper()
	st, err := transaction.OpenStore(transaction.MemoryPath, transaction.Options{PageSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Release() })

	coord := transaction.NewCoordinator(st, false, 0, nil)
	m, err := coord.Write(context.Background())
	require.NoError(t, err)
	tree := btree.New(m)
	root, err := tree.Create(btree.TableTree)
	require.NoError(t, err)
	for i := range 200 {
		key := record.EncodeRowID(int64(i + 1))
		require.NoError(t, tree.Insert(root, key, bytes.Repeat([]byte{byte(i)}, 40)))
	}
	require.NoError(t, coord.Commit())

	snap, err := st.Pin()
	require.NoError(t, err)
	t.Cleanup(snap.Release)
	require.Greater(t, snap.Header().PageCount, uint32(5))
	return snap
}

func TestWriteAndRestore(t *testing.T) {
	src := populatedSnapshot(t)
	image, err := Serialize(src)
	require.NoError(t, err)
	h := src.Header()
	require.Len(t, image, int(h.PageCount*h.PageSize))

	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "xz"}[compress], func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "copy.db")
			var calls int
			m, err := ToFile(context.Background(), src, path, Options{
				Compress: compress,
				Progress: func(copied, total uint32) {
					calls++
					assert.Equal(t, h.PageCount, total)
				},
			})
			require.NoError(t, err)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, h.PageCount, m.Pages)
			assert.Equal(t, compress, m.Compressed)
			assert.Positive(t, calls)

			fi, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, m.Bytes, fi.Size())
			if !compress {
				assert.Equal(t, int64(len(image)), m.Bytes)
			}

			stored, err := ReadManifest(path)
			require.NoError(t, err)
			assert.Equal(t, m.ID, stored.ID)
			assert.Equal(t, m.Digest, stored.Digest)

			restored := filepath.Join(dir, "restored.db")
			rm, err := Restore(context.Background(), path, restored)
			require.NoError(t, err)
			assert.Equal(t, m.Digest, rm.Digest)
			assert.Equal(t, m.ID, rm.ID)
			assert.Equal(t, compress, rm.Compressed)
			got, err := os.ReadFile(restored)
			require.NoError(t, err)
			assert.Equal(t, image, got)

			// The restored file opens as a database.
			st, err := transaction.OpenStore(restored, transaction.Options{MustExist: true})
			require.NoError(t, err)
			assert.Equal(t, h.PageCount, st.Header().PageCount)
			require.NoError(t, st.Release())
		})
	}
}

func TestRestoreDetectsTampering(t *testing.T) {
	src := populatedSnapshot(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "copy.db")
	_, err := ToFile(context.Background(), src, path, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Restore(context.Background(), path, filepath.Join(dir, "out.db"))
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.ErrorIs(t, err, dberror.ErrCorruption)
	assert.NoFileExists(t, filepath.Join(dir, "out.db"))
}

func TestRestoreWithoutManifest(t *testing.T) {
	src := populatedSnapshot(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "copy.db")
	_, err := ToFile(context.Background(), src, path, Options{Compress: true})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path+ManifestSuffix))

	m, err := Restore(context.Background(), path, filepath.Join(dir, "out.db"))
	require.NoError(t, err)
	assert.Empty(t, m.ID)
	assert.Equal(t, src.Header().PageCount, m.Pages)
}

func TestRestoreRejectsNonDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("junk"), 100), 0o644))
	_, err := Restore(context.Background(), path, filepath.Join(dir, "out.db"))
	assert.ErrorIs(t, err, ErrNotDatabase)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))
	_, err = Restore(context.Background(), path, filepath.Join(dir, "out.db"))
	assert.ErrorIs(t, err, ErrNotDatabase)
}

func TestWriteThrottledAndCancelled(t *testing.T) {
	src := populatedSnapshot(t)
	var buf bytes.Buffer
	m, err := Write(context.Background(), src, &buf, Options{Rate: 1 << 30})
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), m.Bytes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Write(ctx, src, &bytes.Buffer{}, Options{})
	assert.ErrorIs(t, err, dberror.ErrInterrupt)
}

func TestSerializeEmptyDatabase(t *testing.T) {
	st, err := transaction.OpenStore(transaction.MemoryPath, transaction.Options{})
	require.NoError(t, err)
	defer st.Release()
	snap, err := st.Pin()
	require.NoError(t, err)
	defer snap.Release()

	image, err := Serialize(snap)
	require.NoError(t, err)
	require.Len(t, image, 2*pagemanager.DefaultPageSize)
	h, err := pagemanager.DecodeFileHeader(image[:pagemanager.DefaultPageSize])
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.PageCount)
}
