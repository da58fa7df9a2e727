package connection

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// compatScript builds a small schema that both engines accept unchanged.
var compatScript = []string{
	"CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL, qty INTEGER, price REAL, tag)",
	"CREATE INDEX items_name ON items (name)",
	"INSERT INTO items (name, qty, price, tag) VALUES ('bolt', 10, 0.25, 'hw'), ('nut', 40, 0.1, 'hw'), ('gear', 2, 12.5, NULL)",
	"INSERT INTO items (name, qty, price, tag) VALUES ('belt', 0, 7.75, 'drive'), ('chain', 3, 21, 'drive'), ('axle', NULL, 30.5, 'drive')",
	"UPDATE items SET qty = qty + 1 WHERE tag = 'hw'",
	"DELETE FROM items WHERE name = 'belt'",
	"CREATE TABLE owners (item_id INTEGER, owner TEXT)",
	"INSERT INTO owners VALUES (1, 'ana'), (2, 'bo'), (2, 'cy'), (5, 'ana'), (99, 'nobody')",
}

var compatQueries = []string{
	"SELECT id, name, qty, price, tag FROM items ORDER BY id",
	"SELECT name FROM items WHERE qty > 2 ORDER BY name",
	"SELECT name, qty * price FROM items WHERE price BETWEEN 1 AND 25 ORDER BY name DESC",
	"SELECT COUNT(*), COUNT(qty), SUM(qty), MIN(price), MAX(price) FROM items",
	"SELECT name FROM items WHERE tag IS NULL",
	"SELECT name FROM items WHERE name LIKE 'b%' ORDER BY name",
	"SELECT DISTINCT tag FROM items WHERE tag IS NOT NULL ORDER BY tag",
	"SELECT name, qty FROM items ORDER BY qty, name LIMIT 2 OFFSET 1",
	"SELECT i.name, o.owner FROM items i JOIN owners o ON o.item_id = i.id ORDER BY o.owner, i.name",
	"SELECT upper(name), length(name), abs(-qty) FROM items WHERE id IN (1, 3) ORDER BY id",
	"SELECT name, coalesce(tag, 'none') FROM items ORDER BY name",
	"SELECT 7 / 2, 7 % 3, 1 = 1, 'a' || 'b', NULL IS NULL",
}

// TestCompatibleWithSQLite runs the same statements against this engine and
// against modernc.org/sqlite and expects identical results.
func TestCompatibleWithSQLite(t *testing.T) {
	ref, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer ref.Close()
	ref.SetMaxOpenConns(1)

	c := open(t, MemoryPath, Options{})
	for _, stmt := range compatScript {
		_, err := ref.Exec(stmt)
		require.NoError(t, err, stmt)
		require.NoError(t, c.Exec(stmt), stmt)
	}

	for _, q := range compatQueries {
		t.Run(q, func(t *testing.T) {
			want := referenceRows(t, ref, q)
			got, err := mustPrepare(t, c, q).All()
			require.NoError(t, err)
			values := make([][]any, len(got))
			for i, r := range got {
				values[i] = r.Values()
			}
			assert.Equal(t, want, values)
		})
	}
}

func referenceRows(t *testing.T, db *sql.DB, q string) [][]any {
	t.Helper()
	rows, err := db.Query(q)
	require.NoError(t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(t, err)
	out := [][]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		out = append(out, vals)
	}
	require.NoError(t, rows.Err())
	return out
}
