// Package transaction coordinates transactions over a shared database store:
// one writer at a time, snapshot-isolated readers, and a commit protocol that
// goes through the WAL.
package transaction

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/write_engine/bufferpool"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// State is the transaction state of one connection.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCommitting
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling-back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BeginMode mirrors BEGIN DEFERRED, IMMEDIATE and EXCLUSIVE.
type BeginMode int

const (
	// BeginDeferred takes the writer lock on the first write.
	BeginDeferred BeginMode = iota
	// BeginImmediate takes the writer lock at once.
	BeginImmediate
	// BeginExclusive behaves like BeginImmediate; readers are never blocked.
	BeginExclusive
)

// Coordinator drives the transaction state machine of one connection:
//
//	Idle -> Active -> Committing -> Idle
//	Idle -> Active -> RollingBack -> Idle
//
// It is not safe for concurrent use; the owning connection serialises calls.
type Coordinator struct {
	store       *Store
	readOnly    bool
	busyTimeout time.Duration
	logger      *zap.Logger

	state    State
	explicit bool
	writer   bool
	snap     *bufferpool.Snapshot
	pages    *pagemanager.Manager
}

// NewCoordinator returns an idle coordinator over store.
func NewCoordinator(store *Store, readOnly bool, busyTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:       store,
		readOnly:    readOnly || store.ReadOnly(),
		busyTimeout: busyTimeout,
		logger:      logger.Named("txn"),
	}
}

func (c *Coordinator) State() State { return c.state }

// InTransaction reports whether an explicit transaction is open.
func (c *Coordinator) InTransaction() bool { return c.state != StateIdle && c.explicit }

// Writing reports whether the current transaction holds the writer lock.
func (c *Coordinator) Writing() bool { return c.writer }

func (c *Coordinator) BusyTimeout() time.Duration { return c.busyTimeout }

func (c *Coordinator) SetBusyTimeout(d time.Duration) { c.busyTimeout = d }

func (c *Coordinator) ReadOnly() bool { return c.readOnly }

func (c *Coordinator) Store() *Store { return c.store }

// Begin opens an explicit transaction.
func (c *Coordinator) Begin(ctx context.Context, mode BeginMode) error {
	if c.state != StateIdle {
		return dberror.New(dberror.KindMisuse, "cannot start a transaction within a transaction")
	}
	if mode != BeginDeferred {
		if err := c.acquire(ctx); err != nil {
			return err
		}
	}
	if err := c.open(); err != nil {
		c.release()
		return err
	}
	c.explicit = true
	c.logger.Debug("transaction started", zap.Int("mode", int(mode)), zap.Bool("writer", c.writer))
	return nil
}

// open pins a snapshot and moves to Active.
func (c *Coordinator) open() error {
	snap, err := c.store.Pin()
	if err != nil {
		return err
	}
	c.snap = snap
	c.pages = pagemanager.NewManager(snap, snap.Header(), false)
	c.state = StateActive
	return nil
}

func (c *Coordinator) acquire(ctx context.Context) error {
	if c.readOnly {
		return dberror.Wrap(dberror.KindMisuse, "begin write", ErrReadOnlyStore)
	}
	if err := c.store.Err(); err != nil {
		return err
	}
	if err := c.store.acquireWriter(ctx, c.busyTimeout); err != nil {
		return err
	}
	c.writer = true
	c.store.metrics.ActiveWritersUpDownCntr.Add(context.Background(), 1)
	return nil
}

// Read returns the page view a read statement should use, and a release
// function to call once the statement's rows are consumed. Inside a
// transaction this is the transaction's own view.
func (c *Coordinator) Read() (*pagemanager.Manager, func(), error) {
	if c.state == StateActive {
		return c.pages, func() {}, nil
	}
	snap, err := c.store.Pin()
	if err != nil {
		return nil, nil, err
	}
	return pagemanager.NewManager(snap, snap.Header(), true), snap.Release, nil
}

// Write returns the writable page view, entering Active and taking the
// writer lock as needed. A deferred transaction whose snapshot is no longer
// the latest commit cannot be upgraded and fails with a busy error.
func (c *Coordinator) Write(ctx context.Context) (*pagemanager.Manager, error) {
	switch c.state {
	case StateIdle:
		if err := c.acquire(ctx); err != nil {
			return nil, err
		}
		if err := c.open(); err != nil {
			c.release()
			return nil, err
		}
		return c.pages, nil
	case StateActive:
		if c.writer {
			return c.pages, nil
		}
		if err := c.acquire(ctx); err != nil {
			return nil, err
		}
		if _, v := c.store.pool.Header(); v != c.snap.Version() {
			c.release()
			return nil, dberror.Wrap(dberror.KindBusy, "begin write", ErrStaleSnapshot)
		}
		return c.pages, nil
	default:
		return nil, dberror.New(dberror.KindMisuse, "transaction is %s", c.state)
	}
}

// AutoCommit reports whether the open transaction was started implicitly by
// a single statement.
func (c *Coordinator) AutoCommit() bool { return c.state == StateActive && !c.explicit }

// Commit makes the transaction durable. A failure during the commit protocol
// is fatal: the store is abandoned and the error is returned.
func (c *Coordinator) Commit() error {
	if c.state != StateActive {
		return dberror.New(dberror.KindMisuse, "cannot commit - no transaction is active")
	}
	if !c.writer || !c.pages.Dirty() {
		c.finish()
		return nil
	}
	c.state = StateCommitting
	err := c.store.commit(c.pages)
	c.finish()
	if err != nil {
		return err
	}
	c.store.metrics.CommitsCounter.Add(context.Background(), 1)
	return nil
}

// Rollback discards the transaction. It always succeeds from Active.
func (c *Coordinator) Rollback() error {
	if c.state != StateActive {
		return dberror.New(dberror.KindMisuse, "cannot rollback - no transaction is active")
	}
	c.state = StateRollingBack
	c.pages.Discard()
	c.finish()
	c.store.metrics.RollbacksCounter.Add(context.Background(), 1)
	c.logger.Debug("transaction rolled back")
	return nil
}

// Abort tears down any open transaction after a fatal error.
func (c *Coordinator) Abort() {
	if c.state == StateIdle {
		return
	}
	if c.pages != nil {
		c.pages.Discard()
	}
	c.finish()
}

// Finish ends an implicit transaction: commit when stmtErr is nil, roll back
// otherwise. Explicit transactions are left open. The returned error is the
// statement error or the commit error.
func (c *Coordinator) Finish(stmtErr error) error {
	if !c.AutoCommit() {
		return stmtErr
	}
	if stmtErr != nil {
		_ = c.Rollback()
		return stmtErr
	}
	return c.Commit()
}

func (c *Coordinator) finish() {
	if c.snap != nil {
		c.snap.Release()
		c.snap = nil
	}
	c.release()
	c.pages = nil
	c.explicit = false
	c.state = StateIdle
}

func (c *Coordinator) release() {
	if c.writer {
		c.writer = false
		c.store.releaseWriter()
		c.store.metrics.ActiveWritersUpDownCntr.Add(context.Background(), -1)
	}
}

// Savepoint opens a statement or nested-transaction undo scope on the write
// view.
func (c *Coordinator) Savepoint() (int, error) {
	if c.state != StateActive {
		return 0, dberror.New(dberror.KindMisuse, "no transaction is active")
	}
	return c.pages.Savepoint(), nil
}

// RollbackTo undoes changes made since sp.
func (c *Coordinator) RollbackTo(sp int) error {
	if c.state != StateActive {
		return dberror.New(dberror.KindMisuse, "no transaction is active")
	}
	return c.pages.RollbackTo(sp)
}

// ReleaseSavepoint keeps the changes made since sp.
func (c *Coordinator) ReleaseSavepoint(sp int) error {
	if c.state != StateActive {
		return dberror.New(dberror.KindMisuse, "no transaction is active")
	}
	return c.pages.Release(sp)
}

// Close rolls back any open transaction.
func (c *Coordinator) Close() {
	if c.state == StateActive {
		_ = c.Rollback()
		return
	}
	c.Abort()
}
