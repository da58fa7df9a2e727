package shell

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/pkg/connection"
)

type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	if line == "^C" {
		return "", readline.ErrInterrupt
	}
	return line, nil
}

func (r *scriptedReader) SetPrompt(p string) { r.prompts = append(r.prompts, p) }

func newShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	c, err := connection.Open(connection.MemoryPath, connection.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	var out bytes.Buffer
	return New(c, &out, Options{}), &out
}

func TestExecPrintsRowsAndChanges(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, data BLOB); INSERT INTO t (name, data) VALUES ('alpha', x'0aff'), ('beta', NULL);"))
	assert.Contains(t, out.String(), "2 row(s) changed")

	out.Reset()
	require.NoError(t, sh.Exec(ctx, "SELECT id, name, data FROM t ORDER BY id"))
	got := out.String()
	assert.Contains(t, got, "alpha")
	assert.Contains(t, got, "x'0aff'")
	assert.Contains(t, got, "NULL")

	err := sh.Exec(ctx, "SELECT nope FROM t")
	assert.ErrorIs(t, err, dberror.ErrSchema)
}

func TestFormats(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, "CREATE TABLE t (a, b); INSERT INTO t VALUES (1, 'x')"))

	require.NoError(t, sh.Handle(ctx, ".mode csv"))
	out.Reset()
	require.NoError(t, sh.Exec(ctx, "SELECT a, b FROM t"))
	assert.Equal(t, "a,b\n1,x\n", out.String())

	require.NoError(t, sh.Handle(ctx, ".mode line"))
	out.Reset()
	require.NoError(t, sh.Exec(ctx, "SELECT a, b FROM t"))
	assert.Equal(t, "a = 1\nb = x\n", out.String())

	assert.ErrorIs(t, sh.Handle(ctx, ".mode html"), dberror.ErrMisuse)
}

func TestHandleJoinsLines(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Handle(ctx, "CREATE TABLE t"))
	require.NoError(t, sh.Handle(ctx, "  (x);"))
	require.NoError(t, sh.Handle(ctx, ".mode csv"))
	require.NoError(t, sh.Handle(ctx, "INSERT INTO t VALUES (7);"))
	out.Reset()
	require.NoError(t, sh.Handle(ctx, "SELECT x"))
	assert.Empty(t, out.String())
	require.NoError(t, sh.Handle(ctx, "FROM t;"))
	assert.Equal(t, "x\n7\n", out.String())
}

func TestDotCommands(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE);
		CREATE TABLE logs (msg);
		CREATE INDEX logs_msg ON logs (msg)`))
	require.NoError(t, sh.Handle(ctx, ".mode csv"))

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".tables"))
	assert.Equal(t, "name\nlogs\nusers\n", out.String())

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".schema users"))
	assert.Equal(t, "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE);\n", out.String())

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".indexes logs"))
	assert.Equal(t, "name,tbl_name\nlogs_msg,logs\n", out.String())

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".pragma user_version 3"))
	require.NoError(t, sh.Handle(ctx, ".pragma user_version"))
	assert.Contains(t, out.String(), "3")

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".plan SELECT * FROM users WHERE id = 1"))
	assert.Contains(t, out.String(), "SEARCH users USING INTEGER PRIMARY KEY (rowid=?)")

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".check"))
	assert.Equal(t, "ok\n", out.String())

	out.Reset()
	require.NoError(t, sh.Handle(ctx, ".help"))
	assert.Contains(t, out.String(), ".backup")

	assert.Error(t, sh.Handle(ctx, ".frobnicate"))
	assert.ErrorIs(t, sh.Handle(ctx, ".pragma"), dberror.ErrMisuse)
	assert.ErrorIs(t, sh.Handle(ctx, ".quit"), errQuit)
}

func TestBackupCommand(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, "CREATE TABLE t (x); INSERT INTO t VALUES (1)"))
	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, sh.Handle(ctx, ".backup "+dest))
	assert.Contains(t, out.String(), "written to "+dest)

	_, err := os.Stat(dest)
	require.NoError(t, err)
	c, err := connection.Open(dest, connection.Options{MustExist: true})
	require.NoError(t, err)
	defer c.Close()
	v, err := c.Pragma("integrity_check")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRunLoop(t *testing.T) {
	sh, out := newShell(t)
	rl := &scriptedReader{lines: []string{
		"CREATE TABLE t (x);",
		"BEGIN;",
		"INSERT INTO t",
		"^C",
		"INSERT INTO t VALUES (1);",
		"SELECT nope;",
		"COMMIT;",
		".quit",
		"SELECT 1;",
	}}
	require.NoError(t, sh.Run(context.Background(), rl))
	assert.Equal(t, []string{prompt, prompt, txPrompt, continuation, txPrompt, txPrompt, txPrompt, prompt}, rl.prompts)
	assert.Contains(t, out.String(), "Error:")
	assert.Equal(t, []string{"SELECT 1;"}, rl.lines, ".quit stops reading")
}
