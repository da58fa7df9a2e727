package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojolite/core/dberror"
)

// PooledConn is a connection borrowed from a Pool. Close returns it to the
// pool instead of closing it.
type PooledConn struct {
	*Conn
	pool *Pool
}

// Close returns the connection to the pool, rolling back any transaction
// left open. To close the underlying connection, use ForceClose.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection permanently and frees its
// slot in the pool.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.Conn.Close()
}

// Pool hands out connections to one database file to goroutines that each
// need their own connection. At most maxSize connections are open at once.
type Pool struct {
	mu       sync.Mutex
	conns    chan *Conn
	slots    chan struct{}
	path     string
	opts     Options
	maxSize  int
	numConns int
	closed   bool
}

// NewPool creates a pool of at most maxSize connections to path.
func NewPool(path string, opts Options, maxSize int) (*Pool, error) {
	if path == "" || path == MemoryPath {
		return nil, dberror.New(dberror.KindMisuse, "in-memory databases are private to one connection and cannot be pooled")
	}
	if maxSize <= 0 {
		return nil, dberror.New(dberror.KindMisuse, "pool size must be positive, got %d", maxSize)
	}
	return &Pool{
		conns:   make(chan *Conn, maxSize),
		slots:   make(chan struct{}, maxSize),
		path:    path,
		opts:    opts,
		maxSize: maxSize,
	}, nil
}

// Get returns an idle connection, opens a new one while the pool is below
// its size, or waits for one to be returned until ctx is done.
func (p *Pool) Get(ctx context.Context) (*PooledConn, error) {
	for {
		select {
		case c := <-p.conns:
			if !c.IsOpen() {
				// Closed by a fatal error while idle.
				p.discard()
				continue
			}
			return &PooledConn{Conn: c, pool: p}, nil
		default:
		}

		select {
		case c := <-p.conns:
			if !c.IsOpen() {
				p.discard()
				continue
			}
			return &PooledConn{Conn: c, pool: p}, nil
		case p.slots <- struct{}{}:
			if err := p.open(); err != nil {
				<-p.slots
				return nil, err
			}
			c, err := Open(p.path, p.opts)
			if err != nil {
				p.discard()
				return nil, err
			}
			return &PooledConn{Conn: c, pool: p}, nil
		case <-ctx.Done():
			return nil, dberror.Wrap(dberror.KindBusy, "pool get", ctx.Err())
		}
	}
}

func (p *Pool) open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return dberror.New(dberror.KindClosed, "the connection pool is closed")
	}
	p.numConns++
	return nil
}

// discard frees the slot of a connection that will not return.
func (p *Pool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
	<-p.slots
}

// put returns a connection to the pool.
func (p *Pool) put(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || !c.IsOpen() {
		_ = c.Close()
		p.discard()
		return
	}
	if c.InTransaction() {
		_ = c.Exec("ROLLBACK")
	}
	select {
	case p.conns <- c:
	default:
		_ = c.Close()
		p.discard()
	}
}

// Len reports how many connections the pool has open.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numConns
}

// Close closes the idle connections. Borrowed connections are closed when
// they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case c := <-p.conns:
			_ = c.Close()
			p.discard()
		default:
			return
		}
	}
}
