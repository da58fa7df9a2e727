// Package pragma implements the PRAGMA statements: reads and changes of
// connection settings, file header fields and schema introspection.
package pragma

import (
	"context"
	"strings"
	"time"

	"github.com/orsinium-labs/enum"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/executor"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// Name is a recognized pragma.
type Name enum.Member[string]

var (
	PageSize       = Name{"page_size"}
	PageCount      = Name{"page_count"}
	FreelistCount  = Name{"freelist_count"}
	CacheSize      = Name{"cache_size"}
	JournalMode    = Name{"journal_mode"}
	Synchronous    = Name{"synchronous"}
	BusyTimeout    = Name{"busy_timeout"}
	SchemaVersion  = Name{"schema_version"}
	UserVersion    = Name{"user_version"}
	TableInfo      = Name{"table_info"}
	IndexList      = Name{"index_list"}
	IndexInfo      = Name{"index_info"}
	IntegrityCheck = Name{"integrity_check"}
	WALCheckpoint  = Name{"wal_checkpoint"}

	Names = enum.New(PageSize, PageCount, FreelistCount, CacheSize, JournalMode, Synchronous,
		BusyTimeout, SchemaVersion, UserVersion, TableInfo, IndexList, IndexInfo,
		IntegrityCheck, WALCheckpoint)
)

// Lookup finds a pragma by its case-insensitive name.
func Lookup(name string) (Name, bool) {
	n := Names.Parse(strings.ToLower(name))
	if n == nil {
		return Name{}, false
	}
	return *n, true
}

// Writes reports whether stmt changes the database file. Only an
// assignment to user_version does; other assignments change connection or
// store settings.
func Writes(stmt *parser.PragmaStmt) bool {
	return stmt.Value != nil && strings.EqualFold(stmt.Name, UserVersion.Value)
}

// Host is the connection state pragmas read and change.
type Host interface {
	Store() *transaction.Store
	Coordinator() *transaction.Coordinator
	Logger() *zap.Logger
	// View runs fn against a read view and the schema it sees.
	View(fn func(env *executor.Env) error) error
	// Update runs fn against the write view of the current statement.
	Update(ctx context.Context, fn func(env *executor.Env) error) error
}

type call struct {
	ctx  context.Context
	host Host
	name Name
	arg  record.Value
	set  bool
}

type handler func(c *call) (*executor.Rows, error)

var handlers map[Name]handler

func init() {
	handlers = map[Name]handler{
		PageSize:       pageSize,
		PageCount:      headerValue(func(h pagemanager.FileHeader) int64 { return int64(h.PageCount) }),
		FreelistCount:  headerValue(func(h pagemanager.FileHeader) int64 { return int64(h.FreeListCount) }),
		SchemaVersion:  headerValue(func(h pagemanager.FileHeader) int64 { return int64(h.SchemaVersion) }),
		UserVersion:    userVersion,
		CacheSize:      cacheSize,
		JournalMode:    journalMode,
		Synchronous:    synchronous,
		BusyTimeout:    busyTimeout,
		TableInfo:      tableInfo,
		IndexList:      indexList,
		IndexInfo:      indexInfo,
		IntegrityCheck: integrityCheck,
		WALCheckpoint:  walCheckpoint,
	}
}

// Run executes stmt. Pragmas that report nothing return rows without
// columns.
func Run(ctx context.Context, h Host, stmt *parser.PragmaStmt) (*executor.Rows, error) {
	name, ok := Lookup(stmt.Name)
	if !ok {
		return nil, dberror.New(dberror.KindSchema, "unknown pragma: %s", stmt.Name)
	}
	c := &call{ctx: ctx, host: h, name: name, set: stmt.Value != nil}
	if c.set {
		lit, ok := stmt.Value.(*parser.Literal)
		if !ok {
			return nil, dberror.New(dberror.KindSchema, "pragma %s expects a literal value", name.Value)
		}
		c.arg = lit.Value
	}
	return handlers[name](c)
}

func none() *executor.Rows { return executor.StaticRows(nil, nil) }

func single(column string, v record.Value) *executor.Rows {
	return executor.StaticRows([]string{column}, [][]record.Value{{v}})
}

func (c *call) int() (int64, error) {
	n, ok := record.AffinityInteger.Apply(c.arg).(int64)
	if !ok {
		return 0, dberror.New(dberror.KindSchema, "pragma %s expects an integer, got %s", c.name.Value, record.TypeOf(c.arg))
	}
	return n, nil
}

func (c *call) text() string { return record.Text(c.arg) }

func (c *call) readOnly() error {
	if c.set {
		return dberror.New(dberror.KindSchema, "pragma %s is read-only", c.name.Value)
	}
	return nil
}

func (c *call) header() (pagemanager.FileHeader, error) {
	var h pagemanager.FileHeader
	err := c.host.View(func(env *executor.Env) error {
		h = env.Pager.Header()
		return nil
	})
	return h, err
}

func headerValue(get func(pagemanager.FileHeader) int64) handler {
	return func(c *call) (*executor.Rows, error) {
		if err := c.readOnly(); err != nil {
			return nil, err
		}
		h, err := c.header()
		if err != nil {
			return nil, err
		}
		return single(c.name.Value, get(h)), nil
	}
}

// pageSize reports the page size. It is fixed when the file is created, so
// assignments are accepted and ignored.
func pageSize(c *call) (*executor.Rows, error) {
	if c.set {
		return none(), nil
	}
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	return single(c.name.Value, int64(h.PageSize)), nil
}

func userVersion(c *call) (*executor.Rows, error) {
	if !c.set {
		h, err := c.header()
		if err != nil {
			return nil, err
		}
		return single(c.name.Value, int64(int32(h.UserVersion))), nil
	}
	v, err := c.int()
	if err != nil {
		return nil, err
	}
	err = c.host.Update(c.ctx, func(env *executor.Env) error {
		return env.Pager.UpdateHeader(func(h *pagemanager.FileHeader) { h.UserVersion = uint32(int32(v)) })
	})
	if err != nil {
		return nil, err
	}
	return none(), nil
}

// cacheSize reads or sets the shared page cache capacity. A negative value
// is a size in KiB.
func cacheSize(c *call) (*executor.Rows, error) {
	pool := c.host.Store().Pool()
	if !c.set {
		return single(c.name.Value, int64(pool.CacheSize())), nil
	}
	n, err := c.int()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		ps := int64(c.host.Store().Header().PageSize)
		n = (-n*1024 + ps - 1) / ps
	}
	pool.Resize(int(n))
	c.host.Logger().Debug("cache resized", zap.Int("pages", pool.CacheSize()))
	return none(), nil
}

// journalMode reports the journal mode after any change. Unknown modes
// leave it unchanged.
func journalMode(c *call) (*executor.Rows, error) {
	st := c.host.Store()
	if c.set {
		if c.host.Coordinator().InTransaction() {
			return nil, dberror.New(dberror.KindMisuse, "cannot change journal mode from within a transaction")
		}
		if m, ok := transaction.ParseJournalMode(c.text()); ok {
			got := st.SetJournalMode(m)
			c.host.Logger().Debug("journal mode set", zap.String("mode", got.Value))
		}
	}
	return single(c.name.Value, st.JournalMode().Value), nil
}

func synchronous(c *call) (*executor.Rows, error) {
	st := c.host.Store()
	if !c.set {
		return single(c.name.Value, int64(st.Synchronous().Level())), nil
	}
	m, ok := transaction.ParseSyncMode(c.text())
	if !ok {
		return nil, dberror.New(dberror.KindSchema, "unknown synchronous mode: %s", c.text())
	}
	st.SetSynchronous(m)
	c.host.Logger().Debug("synchronous set", zap.String("mode", m.Value))
	return none(), nil
}

// busyTimeout reports the timeout in milliseconds after any change.
func busyTimeout(c *call) (*executor.Rows, error) {
	coord := c.host.Coordinator()
	if c.set {
		ms, err := c.int()
		if err != nil {
			return nil, err
		}
		coord.SetBusyTimeout(time.Duration(max(ms, 0)) * time.Millisecond)
	}
	return single("timeout", coord.BusyTimeout().Milliseconds()), nil
}

func tableInfo(c *call) (*executor.Rows, error) {
	columns := []string{"cid", "name", "type", "notnull", "dflt_value", "pk"}
	var rows [][]record.Value
	err := c.host.View(func(env *executor.Env) error {
		if !c.set {
			return nil
		}
		t, ok := env.Schema.Table(c.text())
		if !ok {
			return nil
		}
		pk := primaryKeyPositions(t)
		for i, col := range t.Columns {
			var dflt record.Value
			if col.Default != nil {
				dflt = col.Default.String()
			}
			rows = append(rows, []record.Value{
				int64(i), col.Name, col.Type, boolInt(col.NotNull), dflt, int64(pk[i]),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return executor.StaticRows(columns, rows), nil
}

// primaryKeyPositions maps each primary key column to its 1-based position
// in the key.
func primaryKeyPositions(t *catalog.Table) map[int]int {
	pos := make(map[int]int)
	if t.RowIDAlias >= 0 {
		pos[t.RowIDAlias] = 1
		return pos
	}
	for _, ix := range t.Indexes {
		if ix.PrimaryKey {
			for i, col := range ix.Columns {
				pos[col] = i + 1
			}
		}
	}
	return pos
}

func indexList(c *call) (*executor.Rows, error) {
	columns := []string{"seq", "name", "unique", "origin", "partial"}
	var rows [][]record.Value
	err := c.host.View(func(env *executor.Env) error {
		if !c.set {
			return nil
		}
		t, ok := env.Schema.Table(c.text())
		if !ok {
			return nil
		}
		for i, ix := range t.Indexes {
			origin := "c"
			switch {
			case ix.PrimaryKey:
				origin = "pk"
			case ix.Auto:
				origin = "u"
			}
			rows = append(rows, []record.Value{int64(i), ix.Name, boolInt(ix.Unique), origin, int64(0)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return executor.StaticRows(columns, rows), nil
}

func indexInfo(c *call) (*executor.Rows, error) {
	columns := []string{"seqno", "cid", "name"}
	var rows [][]record.Value
	err := c.host.View(func(env *executor.Env) error {
		if !c.set {
			return nil
		}
		ix, ok := env.Schema.Index(c.text())
		if !ok {
			return nil
		}
		t, ok := env.Schema.Table(ix.Table)
		if !ok {
			return dberror.New(dberror.KindCorruption, "index %s refers to missing table %s", ix.Name, ix.Table)
		}
		for i, col := range ix.Columns {
			rows = append(rows, []record.Value{int64(i), int64(col), t.Columns[col].Name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return executor.StaticRows(columns, rows), nil
}

// walCheckpoint reports the WAL backlog. Commits checkpoint before they
// return, so frames are only present while a commit is in flight.
func walCheckpoint(c *call) (*executor.Rows, error) {
	st := c.host.Store()
	var frames int64
	if size := st.WALSize(); size > wal.HeaderSize {
		frames = (size - wal.HeaderSize) / wal.FrameSize(st.Header().PageSize)
	}
	busy := int64(0)
	if frames > 0 {
		busy = 1
	}
	return executor.StaticRows([]string{"busy", "log", "checkpointed"},
		[][]record.Value{{busy, frames, int64(0)}}), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
