package connection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/core/transaction"
)

// Transaction runs fn inside a transaction: it commits when fn returns nil
// and rolls back and returns fn's error otherwise. Called inside another
// transaction it runs fn under a savepoint, so only fn's own changes are
// undone on failure.
func (c *Conn) Transaction(fn func(c *Conn) error) (err error) {
	return c.TransactionContext(context.Background(), fn)
}

func (c *Conn) TransactionContext(ctx context.Context, fn func(c *Conn) error) (err error) {
	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		return err
	}
	nested := c.coord.InTransaction()
	sp := -1
	if nested {
		sp, err = c.coord.Savepoint()
	} else {
		err = c.coord.Begin(ctx, transaction.BeginDeferred)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			c.mu.Lock()
			c.undo(nested, sp)
			c.mu.Unlock()
			panic(p)
		}
	}()
	ferr := fn(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		if ferr != nil {
			return ferr
		}
		return err
	}
	if !c.coord.InTransaction() {
		if ferr != nil {
			return ferr
		}
		return dberror.New(dberror.KindMisuse, "the transaction was ended inside its callback")
	}
	if ferr != nil {
		c.undo(nested, sp)
		return ferr
	}
	if nested {
		return c.coord.ReleaseSavepoint(sp)
	}
	err = c.check(c.coord.Commit())
	if !c.coord.InTransaction() {
		c.closeTxRows()
	}
	return err
}

// undo rolls back what a Transaction callback did.
func (c *Conn) undo(nested bool, sp int) {
	if c.closed || !c.coord.InTransaction() {
		return
	}
	if nested {
		if err := c.coord.RollbackTo(sp); err != nil {
			c.logger.Warn("rollback to savepoint failed", zap.Error(err))
		}
		return
	}
	_ = c.coord.Rollback()
	c.closeTxRows()
}

// Pragma runs PRAGMA name, or PRAGMA name = value when a value is given, and
// returns the first column of the first row; nil when the pragma reports
// nothing.
func (c *Conn) Pragma(name string, value ...any) (any, error) {
	source := name
	switch len(value) {
	case 0:
	case 1:
		v, err := normalize(value[0])
		if err != nil {
			return nil, err
		}
		source = fmt.Sprintf("%s = %s", name, (&parser.Literal{Value: v}).String())
	default:
		return nil, dberror.New(dberror.KindMisuse, "pragma takes at most one value")
	}
	rows, err := c.PragmaRows(source)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0].values[0], nil
}

// PragmaRows runs "PRAGMA " + source, e.g. "table_info(users)", and returns
// every row.
func (c *Conn) PragmaRows(source string) ([]Row, error) {
	p, err := parser.ParseOne("PRAGMA " + source)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Stmt.(*parser.PragmaStmt); !ok {
		return nil, dberror.New(dberror.KindMisuse, "not a pragma: %s", source)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, _, err := c.execute(context.Background(), p, nil)
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.nextLocked() {
		out = append(out, rows.row)
	}
	return out, rows.err
}

// Backup writes a consistent copy of the last committed state to dest.
// Writers keep committing while the copy runs.
func (c *Conn) Backup(ctx context.Context, dest string, opts backup.Options) (backup.Manifest, error) {
	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		return backup.Manifest{}, err
	}
	snap, err := c.store.Pin()
	c.mu.Unlock()
	if err != nil {
		return backup.Manifest{}, err
	}
	defer snap.Release()
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	return backup.ToFile(ctx, snap, dest, opts)
}

// Serialize returns the image of the last committed state.
func (c *Conn) Serialize() ([]byte, error) {
	c.mu.Lock()
	if err := c.usable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	snap, err := c.store.Pin()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return backup.Serialize(snap)
}
