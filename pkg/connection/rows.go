package connection

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/executor"
	"github.com/sushant-115/gojolite/core/record"
)

// Row is one result row. Values are nil, int64, float64, string or []byte.
type Row struct {
	columns []string
	tables  []string
	values  []any
}

func newRow(columns, tables []string, vals []record.Value) Row {
	return Row{columns: columns, tables: tables, values: vals}
}

func (r Row) Columns() []string { return r.columns }

func (r Row) Values() []any { return r.values }

// Value returns the value of the first column called name.
func (r Row) Value(name string) (any, bool) {
	i := slices.Index(r.columns, name)
	if i < 0 {
		return nil, false
	}
	return r.values[i], true
}

// Map returns the row keyed by column name. When names repeat, the last
// column wins.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

// ExpressionTable is the key Expand files computed columns under.
const ExpressionTable = "$"

// Expand returns the row nested by source table: columns read from a table
// are keyed by that table's name, computed columns by ExpressionTable.
// Joined tables with equal column names stay apart.
func (r Row) Expand() map[string]map[string]any {
	m := make(map[string]map[string]any)
	for i, c := range r.columns {
		t := ExpressionTable
		if i < len(r.tables) && r.tables[i] != "" {
			t = r.tables[i]
		}
		if m[t] == nil {
			m[t] = make(map[string]any)
		}
		m[t][c] = r.values[i]
	}
	return m
}

// Scan copies the row into dest, one pointer per column. Supported
// pointers are *any, *int64, *int, *float64, *string, *[]byte, *bool and
// *time.Time.
func (r Row) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return dberror.New(dberror.KindMisuse, "expected %d destination arguments in Scan, not %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		if err := scanValue(d, r.values[i]); err != nil {
			return dberror.New(dberror.KindMisuse, "converting column %d (%s): %v", i, r.columns[i], err)
		}
	}
	return nil
}

func scanValue(dest any, v any) error {
	if p, ok := dest.(*any); ok {
		*p = v
		return nil
	}
	if v == nil {
		switch p := dest.(type) {
		case *[]byte:
			*p = nil
			return nil
		case *string, *int64, *int, *float64, *bool, *time.Time:
			return fmt.Errorf("cannot store NULL in %T", p)
		}
		return fmt.Errorf("unsupported destination %T", dest)
	}
	switch p := dest.(type) {
	case *string:
		*p = record.Text(v)
	case *[]byte:
		switch x := v.(type) {
		case []byte:
			*p = slices.Clone(x)
		default:
			*p = []byte(record.Text(x))
		}
	case *int64:
		n, err := toInt(v)
		if err != nil {
			return err
		}
		*p = n
	case *int:
		n, err := toInt(v)
		if err != nil {
			return err
		}
		*p = int(n)
	case *float64:
		switch x := v.(type) {
		case int64:
			*p = float64(x)
		case float64:
			*p = x
		default:
			f, err := strconv.ParseFloat(record.Text(x), 64)
			if err != nil {
				return err
			}
			*p = f
		}
	case *bool:
		n, err := toInt(v)
		if err != nil {
			return err
		}
		*p = n != 0
	case *time.Time:
		t, err := time.Parse(time.RFC3339Nano, record.Text(v))
		if err != nil {
			return err
		}
		*p = t
	default:
		return fmt.Errorf("unsupported destination %T", dest)
	}
	return nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	default:
		return strconv.ParseInt(record.Text(x), 10, 64)
	}
}

// Rows is a lazy iteration over the result of a statement. It is finite
// and cannot be restarted.
type Rows struct {
	conn  *Conn
	stmt  *Stmt
	inner *executor.Rows
	sql   string
	// txBound rows read the view of an explicit transaction and are closed
	// when it ends.
	txBound bool

	row  Row
	err  error
	done bool
}

func (r *Rows) Columns() []string { return r.inner.Columns() }

// Next advances to the next row. It returns false at the end of the rows or
// on error; Err tells them apart.
func (r *Rows) Next() bool {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	return r.nextLocked()
}

func (r *Rows) nextLocked() bool {
	if r.done {
		return false
	}
	if r.inner.Next() {
		r.row = newRow(r.inner.Columns(), r.inner.Tables(), r.inner.Values())
		return true
	}
	if err := r.inner.Err(); err != nil {
		r.err = r.conn.check(dberror.WithSQL(err, r.sql))
	}
	r.closeLocked()
	return false
}

// Row returns the current row.
func (r *Rows) Row() Row { return r.row }

// Scan copies the current row into dest.
func (r *Rows) Scan(dest ...any) error {
	if r.row.values == nil && r.row.columns == nil {
		return dberror.New(dberror.KindMisuse, "Scan called without calling Next")
	}
	return r.row.Scan(dest...)
}

// Err returns the error that ended the iteration, if any.
func (r *Rows) Err() error { return r.err }

// Close ends the iteration early. It is safe to call more than once.
func (r *Rows) Close() error {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	r.closeLocked()
	return nil
}

func (r *Rows) closeLocked() {
	if r.done {
		return
	}
	r.done = true
	r.row = Row{}
	r.inner.Close()
	if r.txBound {
		delete(r.conn.txRows, r)
	}
	if r.stmt != nil && r.stmt.rows == r {
		r.stmt.rows = nil
	}
}

func (r *Rows) drainLocked() error {
	for r.nextLocked() {
	}
	return r.err
}
