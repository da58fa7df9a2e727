// Package connection is the public API of the engine: connections to a
// database file, prepared statements and their results.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/query/executor"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/query/pragma"
	"github.com/sushant-115/gojolite/core/record"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = transaction.MemoryPath

// Options configure a connection. The zero value opens a read-write
// connection with 4096-byte pages, a 2000-page cache, page checksums, a WAL
// journal with full sync and a busy timeout of zero.
//
// PageSize and DisableChecksums apply only when the file is created. The
// store settings (CacheSize, JournalMode, Synchronous, Meter) are taken from
// the first connection that opens a file.
type Options struct {
	ReadOnly  bool   `yaml:"read_only"`
	MustExist bool   `yaml:"must_exist"`
	PageSize  uint32 `yaml:"page_size"`
	// CacheSize is the page cache capacity in pages.
	CacheSize        int           `yaml:"cache_size"`
	DisableChecksums bool          `yaml:"disable_checksums"`
	BusyTimeout      time.Duration `yaml:"busy_timeout"`
	// JournalMode is "wal" (default) or "off".
	JournalMode string `yaml:"journal_mode"`
	// Synchronous is "full" (default), "normal" or "off".
	Synchronous string `yaml:"synchronous"`

	Logger *zap.Logger   `yaml:"-"`
	Meter  metric.Meter  `yaml:"-"`
	Tracer trace.Tracer `yaml:"-"`

	image     []byte
	faultHook func(transaction.CommitStep) error
}

// Conn is a connection to one database. It is safe for concurrent use;
// statements on one connection run one at a time.
type Conn struct {
	id      uuid.UUID
	name    string
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	tracer  trace.Tracer

	mu       sync.Mutex
	store    *transaction.Store
	coord    *transaction.Coordinator
	schema   *catalog.Schema
	readOnly bool
	closed   bool
	// closeErr is the fatal error that closed the connection.
	closeErr     error
	stmts        map[*Stmt]struct{}
	txRows       map[*Rows]struct{}
	lastInsertID int64

	imu     sync.Mutex
	running map[uint64]context.CancelFunc
	nextRun uint64
}

// Open opens the database at path, creating it unless opts.MustExist or
// opts.ReadOnly is set. MemoryPath opens a private in-memory database.
func Open(path string, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewEngineMetrics(opts.Meter)
	if err != nil {
		return nil, dberror.Wrap(dberror.KindMisuse, "open", err)
	}
	journal := transaction.JournalWAL
	if opts.JournalMode != "" {
		m, ok := transaction.ParseJournalMode(opts.JournalMode)
		if !ok {
			return nil, dberror.New(dberror.KindMisuse, "unknown journal mode %q", opts.JournalMode)
		}
		journal = m
	}
	syncMode := transaction.SyncFull
	if opts.Synchronous != "" {
		m, ok := transaction.ParseSyncMode(opts.Synchronous)
		if !ok {
			return nil, dberror.New(dberror.KindMisuse, "unknown synchronous mode %q", opts.Synchronous)
		}
		syncMode = m
	}
	if path == "" {
		path = MemoryPath
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	id := uuid.New()
	logger = logger.Named("conn").With(zap.String("conn_id", id.String()), zap.String("path", path))
	store, err := transaction.OpenStore(path, transaction.Options{
		ReadOnly:         opts.ReadOnly,
		MustExist:        opts.MustExist,
		PageSize:         opts.PageSize,
		CacheSize:        opts.CacheSize,
		DisableChecksums: opts.DisableChecksums,
		JournalMode:      journal,
		Synchronous:      syncMode,
		Logger:           logger,
		Metrics:          metrics,
		Image:            opts.image,
		FaultHook:        opts.faultHook,
	})
	if err != nil {
		return nil, err
	}
	c := &Conn{
		id:       id,
		name:     path,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		coord:    transaction.NewCoordinator(store, opts.ReadOnly, opts.BusyTimeout, logger),
		readOnly: opts.ReadOnly || store.ReadOnly(),
		stmts:    make(map[*Stmt]struct{}),
		txRows:   make(map[*Rows]struct{}),
		running:  make(map[uint64]context.CancelFunc),
	}

	// Reading the schema up front surfaces a corrupt catalog at open.
	if err := c.view(func(*executor.Env) error { return nil }); err != nil {
		c.coord.Close()
		_ = store.Release()
		return nil, err
	}
	logger.Debug("connection opened", zap.Bool("read_only", c.readOnly))
	return c, nil
}

// Deserialize opens a private in-memory database initialised from image,
// as produced by Serialize.
func Deserialize(image []byte, opts Options) (*Conn, error) {
	if len(image) == 0 {
		return nil, dberror.New(dberror.KindMisuse, "empty database image")
	}
	opts.image = image
	opts.MustExist = false
	return Open(MemoryPath, opts)
}

// ID identifies the connection in logs.
func (c *Conn) ID() uuid.UUID { return c.id }

// Name is the path the connection was opened with.
func (c *Conn) Name() string { return c.name }

func (c *Conn) ReadOnly() bool { return c.readOnly }

func (c *Conn) Memory() bool { return c.store.Memory() }

// IsOpen reports whether the connection can still be used.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// InTransaction reports whether an explicit transaction is open.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.coord.InTransaction()
}

// Interrupt stops the statements running on the connection. Scans fail
// with an interrupt error at their next row; statements started afterwards
// are unaffected.
func (c *Conn) Interrupt() {
	c.imu.Lock()
	defer c.imu.Unlock()
	for _, cancel := range c.running {
		cancel()
	}
}

// Close finalizes every statement, rolls back an open transaction and
// releases the database. Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.closeLocked(nil)
}

func (c *Conn) closeLocked(cause error) error {
	c.closed = true
	c.closeErr = cause
	for s := range c.stmts {
		s.finalize()
	}
	c.stmts = nil
	c.closeTxRows()
	c.coord.Close()
	err := c.store.Release()
	c.Interrupt()
	c.logger.Debug("connection closed", zap.Error(cause))
	if err != nil {
		return dberror.Wrap(dberror.KindIO, "close", err)
	}
	return nil
}

// usable fails once the connection is closed.
func (c *Conn) usable() error {
	if !c.closed {
		return nil
	}
	return &dberror.Error{Kind: dberror.KindClosed, Msg: "the database connection is not open", Err: c.closeErr}
}

// check closes the connection when err is fatal.
func (c *Conn) check(err error) error {
	if err == nil || !dberror.IsFatal(err) || c.closed {
		return err
	}
	c.logger.Error("closing connection after fatal error", zap.Error(err))
	_ = c.closeLocked(err)
	return err
}

// statementContext derives the context a statement runs under. It is
// cancelled by Interrupt and by the returned stop function.
func (c *Conn) statementContext(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c.imu.Lock()
	id := c.nextRun
	c.nextRun++
	c.running[id] = cancel
	c.imu.Unlock()
	return ctx, func() {
		c.imu.Lock()
		delete(c.running, id)
		c.imu.Unlock()
		cancel()
	}
}

// env builds the execution environment over page view m, reloading the
// schema when the view's header no longer matches the cached one.
func (c *Conn) env(m *pagemanager.Manager, params []record.Value) (*executor.Env, error) {
	h := m.Header()
	if !c.schema.Fresh(h) {
		s, err := catalog.Load(btree.New(m), h)
		if err != nil {
			return nil, err
		}
		c.schema = s
	}
	return executor.NewEnv(m, c.schema, params, c.logger), nil
}

// view runs fn against the read view of the next statement.
func (c *Conn) view(fn func(env *executor.Env) error) error {
	m, release, err := c.coord.Read()
	if err != nil {
		return err
	}
	defer release()
	env, err := c.env(m, nil)
	if err != nil {
		return err
	}
	return fn(env)
}

// update runs fn as one statement against the write view. A failure undoes
// the statement's changes only; an autocommit transaction commits or rolls
// back with it.
func (c *Conn) update(ctx context.Context, params []record.Value, fn func(env *executor.Env) error) error {
	if c.readOnly {
		return dberror.New(dberror.KindMisuse, "attempt to write a readonly database")
	}
	m, err := c.coord.Write(ctx)
	if err != nil {
		return err
	}
	env, err := c.env(m, params)
	if err != nil {
		return c.coord.Finish(err)
	}
	sp := m.Savepoint()
	if err := fn(env); err != nil {
		if !dberror.IsFatal(err) {
			if rerr := m.RollbackTo(sp); rerr != nil {
				c.logger.Warn("statement rollback failed", zap.Error(rerr))
			}
		}
		return c.coord.Finish(err)
	}
	if err := m.Release(sp); err != nil {
		return c.coord.Finish(err)
	}
	return c.coord.Finish(nil)
}

// execute runs one parsed statement. Queries return their rows; the caller
// owns them and must close them.
func (c *Conn) execute(ctx context.Context, p *parser.Parsed, params []record.Value) (*Rows, executor.Result, error) {
	if err := c.usable(); err != nil {
		return nil, executor.Result{}, err
	}
	ctx, cancel := c.statementContext(ctx)
	ctx, span := c.tracer.Start(ctx, "gojolite.execute", trace.WithAttributes(
		attribute.String("db.statement", p.SQL),
		attribute.String("db.connection_id", c.id.String()),
	))
	stop := func() {
		span.End()
		cancel()
	}
	c.metrics.StatementsCounter.Add(ctx, 1)

	var (
		inner *executor.Rows
		res   executor.Result
		err   error
	)
	switch s := p.Stmt.(type) {
	case *parser.BeginStmt:
		err = c.coord.Begin(ctx, beginMode(s.Mode))
	case *parser.CommitStmt:
		err = c.coord.Commit()
	case *parser.RollbackStmt:
		err = c.coord.Rollback()
	case *parser.PragmaStmt:
		inner, err = pragma.Run(ctx, pragmaHost{c}, s)
	case *parser.SelectStmt, *parser.ExplainStmt:
		inner, err = c.query(ctx, p.Stmt, params)
	default:
		err = c.update(ctx, params, func(env *executor.Env) error {
			var err error
			res, err = executor.Exec(ctx, env, p.Stmt, p.SQL)
			return err
		})
		if err == nil && res.LastInsertID != 0 {
			c.lastInsertID = res.LastInsertID
		}
	}
	if !c.coord.InTransaction() {
		c.closeTxRows()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, dberror.KindOf(err).String())
		stop()
		return nil, res, c.check(dberror.WithSQL(err, p.SQL))
	}
	span.SetAttributes(attribute.Int64("db.changes", res.Changes))
	if inner == nil {
		stop()
		return nil, res, nil
	}
	inner.OnClose(stop)
	rows := &Rows{conn: c, inner: inner}
	if c.coord.InTransaction() {
		rows.txBound = true
		c.txRows[rows] = struct{}{}
	}
	return rows, res, nil
}

// query starts a SELECT or EXPLAIN. Outside a transaction the rows read a
// snapshot of their own that they release when closed.
func (c *Conn) query(ctx context.Context, stmt parser.Statement, params []record.Value) (*executor.Rows, error) {
	m, release, err := c.coord.Read()
	if err != nil {
		return nil, err
	}
	env, err := c.env(m, params)
	if err != nil {
		release()
		return nil, err
	}
	var rows *executor.Rows
	switch s := stmt.(type) {
	case *parser.SelectStmt:
		rows, err = executor.Query(ctx, env, s)
	case *parser.ExplainStmt:
		rows, err = executor.ExplainRows(env, s)
	}
	if err != nil {
		release()
		return nil, err
	}
	rows.OnClose(release)
	return rows, nil
}

// closeTxRows ends iterations over the view of a transaction that is over.
func (c *Conn) closeTxRows() {
	for r := range c.txRows {
		r.closeLocked()
	}
	clear(c.txRows)
}

func beginMode(m parser.BeginMode) transaction.BeginMode {
	switch m {
	case parser.BeginImmediate:
		return transaction.BeginImmediate
	case parser.BeginExclusive:
		return transaction.BeginExclusive
	default:
		return transaction.BeginDeferred
	}
}

// Exec runs a script of statements without parameters, discarding any
// rows. It stops at the first failing statement.
func (c *Conn) Exec(sql string) error {
	return c.ExecContext(context.Background(), sql)
}

func (c *Conn) ExecContext(ctx context.Context, sql string) error {
	stmts, err := parser.Parse(sql)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range stmts {
		rows, _, err := c.execute(ctx, p, nil)
		if err != nil {
			return err
		}
		if rows != nil {
			err := rows.drainLocked()
			if err != nil {
				return c.check(dberror.WithSQL(err, p.SQL))
			}
		}
	}
	return nil
}

// Prepare compiles a single statement.
func (c *Conn) Prepare(sql string) (*Stmt, error) {
	p, err := parser.ParseOne(sql)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	s := &Stmt{conn: c, parsed: p, source: sql}
	c.stmts[s] = struct{}{}
	return s, nil
}

// pragmaHost exposes the connection's state to PRAGMA statements. Its
// methods run with the connection lock held.
type pragmaHost struct{ c *Conn }

func (h pragmaHost) Store() *transaction.Store             { return h.c.store }
func (h pragmaHost) Coordinator() *transaction.Coordinator { return h.c.coord }
func (h pragmaHost) Logger() *zap.Logger                   { return h.c.logger }

func (h pragmaHost) View(fn func(env *executor.Env) error) error { return h.c.view(fn) }

func (h pragmaHost) Update(ctx context.Context, fn func(env *executor.Env) error) error {
	return h.c.update(ctx, nil, fn)
}
