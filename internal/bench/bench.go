// Package bench measures insert, lookup and scan throughput of a database
// file.
package bench

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/pkg/connection"
)

// Config sets the size of each benchmark.
type Config struct {
	Path string
	// Rows is how many rows the insert benchmark writes.
	Rows int
	// BatchSize is the number of inserts per transaction.
	BatchSize int
	// Lookups is how many point lookups each lookup benchmark runs.
	Lookups int
	// Workers is the number of concurrent readers.
	Workers int
	Options connection.Options
	// Progress receives the progress bars; nil hides them.
	Progress io.Writer
	Logger   *zap.Logger
}

// Result is the outcome of one benchmark.
type Result struct {
	Name     string
	Ops      int64
	Duration time.Duration
}

// OpsPerSec is the throughput of the benchmark.
func (r Result) OpsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

const schema = `CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	email TEXT NOT NULL,
	created INTEGER,
	score REAL,
	bio TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email ON users (email)`

type benchmark struct {
	name string
	run  func(r *runner, ctx context.Context) (int64, error)
}

var benchmarks = []benchmark{
	{"insert", (*runner).insert},
	{"rowid lookup", (*runner).rowidLookup},
	{"index lookup", (*runner).indexLookup},
	{"full scan", (*runner).scan},
}

type runner struct {
	cfg  Config
	conn *connection.Conn
	pool *connection.Pool
	out  io.Writer
}

// Run creates the schema in cfg.Path and runs every benchmark in turn.
func Run(ctx context.Context, cfg Config) ([]Result, error) {
	if cfg.Rows <= 0 || cfg.BatchSize <= 0 || cfg.Workers <= 0 {
		return nil, fmt.Errorf("rows, batch size and workers must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	out := cfg.Progress
	if out == nil {
		out = io.Discard
	}
	conn, err := connection.Open(cfg.Path, cfg.Options)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.Exec(schema); err != nil {
		return nil, err
	}
	pool, err := connection.NewPool(cfg.Path, cfg.Options, cfg.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	r := &runner{cfg: cfg, conn: conn, pool: pool, out: out}
	results := make([]Result, 0, len(benchmarks))
	for _, b := range benchmarks {
		start := time.Now()
		ops, err := b.run(r, ctx)
		if err != nil {
			return results, fmt.Errorf("%s: %w", b.name, err)
		}
		res := Result{Name: b.name, Ops: ops, Duration: time.Since(start)}
		cfg.Logger.Info("benchmark finished",
			zap.String("name", res.Name),
			zap.Int64("ops", res.Ops),
			zap.Duration("elapsed", res.Duration))
		results = append(results, res)
	}
	return results, nil
}

func (r *runner) insert(ctx context.Context) (int64, error) {
	b := newBar(r.out, "inserting", r.cfg.Rows)
	defer b.finish()
	st, err := r.conn.Prepare("INSERT INTO users (email, created, score, bio) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer st.Close()

	now := time.Now().Unix()
	var n int64
	for n < int64(r.cfg.Rows) {
		batch := min(int64(r.cfg.BatchSize), int64(r.cfg.Rows)-n)
		err := r.conn.TransactionContext(ctx, func(c *connection.Conn) error {
			for i := int64(0); i < batch; i++ {
				id := n + i
				if _, err := st.RunContext(ctx, email(id), now+id, float64(id%1000)/10, "bio of user"); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		n += batch
		b.add(int(batch))
	}
	return n, nil
}

func (r *runner) rowidLookup(ctx context.Context) (int64, error) {
	return r.lookups(ctx, "rowid lookups", "SELECT email FROM users WHERE id = ?", func(rng *rand.Rand) any {
		return rng.Int64N(int64(r.cfg.Rows)) + 1
	})
}

func (r *runner) indexLookup(ctx context.Context) (int64, error) {
	return r.lookups(ctx, "index lookups", "SELECT id FROM users WHERE email = ?", func(rng *rand.Rand) any {
		return email(rng.Int64N(int64(r.cfg.Rows)))
	})
}

// lookups runs cfg.Lookups point queries spread over the pool's workers.
// Every query must find its row.
func (r *runner) lookups(ctx context.Context, label, query string, key func(*rand.Rand) any) (int64, error) {
	b := newBar(r.out, label, r.cfg.Lookups)
	defer b.finish()

	var (
		done     atomic.Int64
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) { errOnce.Do(func() { firstErr = err }) }
	per := r.cfg.Lookups / r.cfg.Workers
	for w := 0; w < r.cfg.Workers; w++ {
		count := per
		if w == 0 {
			count += r.cfg.Lookups % r.cfg.Workers
		}
		wg.Add(1)
		go func(seed uint64, count int) {
			defer wg.Done()
			pc, err := r.pool.Get(ctx)
			if err != nil {
				fail(err)
				return
			}
			defer pc.Close()
			st, err := pc.Prepare(query)
			if err != nil {
				fail(err)
				return
			}
			defer st.Close()
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			for i := 0; i < count; i++ {
				row, err := st.GetContext(ctx, key(rng))
				if err != nil {
					fail(err)
					return
				}
				if row == nil {
					fail(fmt.Errorf("lookup found no row"))
					return
				}
				done.Add(1)
				b.add(1)
			}
		}(uint64(w+1), count)
	}
	wg.Wait()
	return done.Load(), firstErr
}

func (r *runner) scan(ctx context.Context) (int64, error) {
	b := newBar(r.out, "scanning", r.cfg.Rows)
	defer b.finish()
	st, err := r.conn.Prepare("SELECT id, email, created, score FROM users")
	if err != nil {
		return 0, err
	}
	defer st.Close()
	rows, err := st.IterateContext(ctx)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	for rows.Next() {
		n++
		b.add(1)
	}
	return n, rows.Err()
}

func email(id int64) string {
	return fmt.Sprintf("user%d@example.com", id)
}

// Print writes results as a table.
func Print(w io.Writer, results []Result) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	tw.AppendHeader(table.Row{"Benchmark", "Operations", "Duration", "Ops/sec"})
	for _, r := range results {
		tw.AppendRow(table.Row{
			r.Name,
			humanize.Comma(r.Ops),
			r.Duration.Round(time.Millisecond),
			humanize.CommafWithDigits(r.OpsPerSec(), 0),
		})
	}
	fmt.Fprintln(w, tw.Render())
}
