package bench

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/pkg/connection"
)

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.db")
	results, err := Run(context.Background(), Config{
		Path:      path,
		Rows:      300,
		BatchSize: 64,
		Lookups:   101,
		Workers:   3,
		Options:   connection.Options{Synchronous: "off"},
	})
	require.NoError(t, err)
	require.Len(t, results, len(benchmarks))

	byName := make(map[string]Result)
	for _, r := range results {
		byName[r.Name] = r
		assert.Positive(t, r.Duration)
	}
	assert.Equal(t, int64(300), byName["insert"].Ops)
	assert.Equal(t, int64(101), byName["rowid lookup"].Ops)
	assert.Equal(t, int64(101), byName["index lookup"].Ops)
	assert.Equal(t, int64(300), byName["full scan"].Ops)

	c, err := connection.Open(path, connection.Options{ReadOnly: true})
	require.NoError(t, err)
	defer c.Close()
	v, err := c.Pragma("integrity_check")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	var out bytes.Buffer
	Print(&out, results)
	assert.Contains(t, out.String(), "index lookup")
}

func TestRunRejectsBadConfig(t *testing.T) {
	_, err := Run(context.Background(), Config{Path: filepath.Join(t.TempDir(), "x.db")})
	assert.Error(t, err)
}

func TestOpsPerSec(t *testing.T) {
	assert.Equal(t, 0.0, Result{Ops: 10}.OpsPerSec())
	assert.InDelta(t, 20.0, Result{Ops: 10, Duration: 500_000_000}.OpsPerSec(), 1e-9)
}
