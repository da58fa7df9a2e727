// Package backup copies a committed database image to a file or a byte
// slice while writers keep committing.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// chunkSize is the number of bytes copied between throttling waits.
const chunkSize = 1 << 20

// ManifestSuffix is appended to a backup's path to name its manifest.
const ManifestSuffix = ".manifest"

var (
	ErrDigestMismatch = errors.New("backup digest mismatch")
	ErrNotDatabase    = errors.New("not a database image")
)

var bufPool = sync.Pool{
	New: func() any { return make([]byte, 0, chunkSize) },
}

// Source is the read snapshot a backup copies.
type Source interface {
	Header() pagemanager.FileHeader
	ReadPage(id pagemanager.PageID) ([]byte, error)
}

// Options tune a backup.
type Options struct {
	// Rate limits the bytes written per second. Zero copies at full speed.
	Rate int64
	// Compress writes the image xz-compressed.
	Compress bool
	// Progress, when set, is called after every chunk.
	Progress func(copied, total uint32)
	Logger   *zap.Logger
}

// Manifest describes a finished backup.
type Manifest struct {
	ID       string `yaml:"id"`
	Pages    uint32 `yaml:"pages"`
	PageSize uint32 `yaml:"page_size"`
	// Bytes is the size of the written file.
	Bytes int64 `yaml:"bytes"`
	// Digest is the hex BLAKE3 sum of the uncompressed image.
	Digest     string    `yaml:"digest"`
	Compressed bool      `yaml:"compressed"`
	CreatedAt  time.Time `yaml:"created_at"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Write streams every page of src to w.
func Write(ctx context.Context, src Source, w io.Writer, opts Options) (Manifest, error) {
	h := src.Header()
	m := Manifest{
		ID:         uuid.NewString(),
		Pages:      h.PageCount,
		PageSize:   h.PageSize,
		Compressed: opts.Compress,
		CreatedAt:  time.Now().UTC(),
	}
	counter := &countingWriter{w: w}
	var (
		out io.Writer = counter
		xw  *xz.Writer
	)
	if opts.Compress {
		var err error
		if xw, err = xz.NewWriter(counter); err != nil {
			return m, dberror.Wrap(dberror.KindIO, "backup", err)
		}
		out = xw
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(chunkSize, int(h.PageSize)))
	}
	sum := blake3.New()
	buf := bufPool.Get().([]byte)[:0]
	defer func() { bufPool.Put(buf[:0]) }()

	flush := func(copied uint32) error {
		if len(buf) == 0 {
			return nil
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, len(buf)); err != nil {
				return dberror.Wrap(dberror.KindInterrupt, "backup", err)
			}
		}
		sum.Write(buf)
		if _, err := out.Write(buf); err != nil {
			return dberror.Wrap(dberror.KindIO, "backup", err)
		}
		buf = buf[:0]
		if opts.Progress != nil {
			opts.Progress(copied, h.PageCount)
		}
		return nil
	}

	for id := pagemanager.PageID(1); uint32(id) <= h.PageCount; id++ {
		if err := ctx.Err(); err != nil {
			return m, dberror.Wrap(dberror.KindInterrupt, "backup", err)
		}
		data, err := src.ReadPage(id)
		if err != nil {
			return m, err
		}
		buf = append(buf, data...)
		if len(buf)+int(h.PageSize) > chunkSize {
			if err := flush(uint32(id)); err != nil {
				return m, err
			}
		}
	}
	if err := flush(h.PageCount); err != nil {
		return m, err
	}
	if xw != nil {
		if err := xw.Close(); err != nil {
			return m, dberror.Wrap(dberror.KindIO, "backup", err)
		}
	}
	m.Bytes = counter.n
	m.Digest = hex.EncodeToString(sum.Sum(nil))
	return m, nil
}

// ToFile writes a backup of src to path through a temporary file and a
// rename, then stores the manifest next to it.
func ToFile(ctx context.Context, src Source, path string, opts Options) (Manifest, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return Manifest{}, dberror.Wrap(dberror.KindIO, "backup", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriterSize(tmp, chunkSize)
	m, err := Write(ctx, src, bw, opts)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		return m, dberror.Wrap(dberror.KindIO, "backup", err)
	}
	if err := writeManifest(path+ManifestSuffix, m); err != nil {
		return m, err
	}
	logger.Info("backup written",
		zap.String("id", m.ID),
		zap.String("path", path),
		zap.Uint32("pages", m.Pages),
		zap.Int64("bytes", m.Bytes),
		zap.Bool("compressed", m.Compressed),
		zap.Duration("elapsed", time.Since(start)))
	return m, nil
}

// Serialize returns the whole image of src.
func Serialize(src Source) ([]byte, error) {
	h := src.Header()
	out := make([]byte, 0, int(h.PageCount)*int(h.PageSize))
	for id := pagemanager.PageID(1); uint32(id) <= h.PageCount; id++ {
		data, err := src.ReadPage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return dberror.Wrap(dberror.KindIO, "backup manifest", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return dberror.Wrap(dberror.KindIO, "backup manifest", err)
	}
	return nil
}

// ReadManifest loads the manifest stored next to the backup at path.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path + ManifestSuffix)
	if err != nil {
		return m, dberror.Wrap(dberror.KindIO, "read manifest", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, dberror.Wrap(dberror.KindCorruption, "read manifest", err)
	}
	return m, nil
}

var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// Restore expands the backup at src into a database file at dst. A
// compressed backup is detected by its magic. When a manifest exists its
// digest must match the restored image.
func Restore(ctx context.Context, src, dst string) (Manifest, error) {
	in, err := os.Open(src)
	if err != nil {
		return Manifest{}, dberror.Wrap(dberror.KindIO, "restore", err)
	}
	defer in.Close()

	br := bufio.NewReaderSize(in, chunkSize)
	var r io.Reader = br
	head, _ := br.Peek(len(xzMagic))
	compressed := bytes.Equal(head, xzMagic)
	if compressed {
		if r, err = xz.NewReader(br); err != nil {
			return Manifest{}, dberror.Wrap(dberror.KindCorruption, "restore", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return Manifest{}, dberror.Wrap(dberror.KindIO, "restore", err)
	}
	defer os.Remove(tmp.Name())

	m, err := copyImage(ctx, tmp, r)
	m.Compressed = compressed
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = dberror.Wrap(dberror.KindIO, "restore", cerr)
	}
	if err != nil {
		return m, err
	}

	if want, merr := ReadManifest(src); merr == nil {
		if want.Digest != m.Digest {
			return m, dberror.Wrap(dberror.KindCorruption, "restore",
				fmt.Errorf("%w: manifest %s, image %s", ErrDigestMismatch, want.Digest, m.Digest))
		}
		m.ID, m.CreatedAt = want.ID, want.CreatedAt
	} else if !errors.Is(merr, os.ErrNotExist) {
		return m, merr
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return m, dberror.Wrap(dberror.KindIO, "restore", err)
	}
	return m, nil
}

// copyImage copies a database image from r to w, checking its header and
// hashing it.
func copyImage(ctx context.Context, w io.Writer, r io.Reader) (Manifest, error) {
	var m Manifest
	head := make([]byte, pagemanager.HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return m, dberror.Wrap(dberror.KindCorruption, "restore", fmt.Errorf("%w: %v", ErrNotDatabase, err))
	}
	pageSize, ok := pagemanager.PeekPageSize(head)
	if !ok {
		return m, dberror.Wrap(dberror.KindCorruption, "restore", ErrNotDatabase)
	}
	sum := blake3.New()
	mw := io.MultiWriter(w, sum)
	if _, err := mw.Write(head); err != nil {
		return m, dberror.Wrap(dberror.KindIO, "restore", err)
	}
	n := int64(len(head))
	buf := bufPool.Get().([]byte)[:chunkSize]
	defer bufPool.Put(buf[:0])
	for {
		if err := ctx.Err(); err != nil {
			return m, dberror.Wrap(dberror.KindInterrupt, "restore", err)
		}
		k, rerr := r.Read(buf)
		if k > 0 {
			if _, err := mw.Write(buf[:k]); err != nil {
				return m, dberror.Wrap(dberror.KindIO, "restore", err)
			}
			n += int64(k)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return m, dberror.Wrap(dberror.KindIO, "restore", rerr)
		}
	}
	if n%int64(pageSize) != 0 {
		return m, dberror.Wrap(dberror.KindCorruption, "restore",
			fmt.Errorf("%w: %d bytes is not a whole number of %d-byte pages", ErrNotDatabase, n, pageSize))
	}
	m.PageSize = pageSize
	m.Pages = uint32(n / int64(pageSize))
	m.Bytes = n
	m.Digest = hex.EncodeToString(sum.Sum(nil))
	return m, nil
}
