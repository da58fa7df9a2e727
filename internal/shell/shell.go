// Package shell implements the interactive SQL shell of the gojolite CLI:
// statement execution with tabular output and the dot-commands.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/pkg/connection"
)

const (
	prompt       = "gojolite> "
	txPrompt     = "gojolite*> "
	continuation = "      ...> "
)

// errQuit ends the read loop.
var errQuit = errors.New("quit")

// LineReader reads input lines. *readline.Instance satisfies it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// Options configure a Shell.
type Options struct {
	Format Format
	// Timer prints how long each statement took.
	Timer bool
	// Backup holds the defaults of .backup.
	Backup backup.Options
	// ErrOut receives errors and progress. Defaults to Out.
	ErrOut io.Writer
	Logger *zap.Logger
}

// Shell runs SQL and dot-commands against one connection.
type Shell struct {
	conn   *connection.Conn
	out    io.Writer
	errOut io.Writer
	opts   Options
	logger *zap.Logger

	// pending holds the lines of an unfinished statement.
	pending strings.Builder
}

func New(conn *connection.Conn, out io.Writer, opts Options) *Shell {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	errOut := opts.ErrOut
	if errOut == nil {
		errOut = out
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{conn: conn, out: out, errOut: errOut, opts: opts, logger: logger.Named("shell")}
}

// NewReadline builds a line editor with history and completion of the
// dot-commands and common statement prefixes.
func NewReadline(historyFile string) (*readline.Instance, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands)+8)
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	for _, kw := range []string{"SELECT", "INSERT INTO", "UPDATE", "DELETE FROM", "CREATE TABLE", "CREATE INDEX", "DROP TABLE", "PRAGMA", "BEGIN", "COMMIT", "ROLLBACK", "EXPLAIN QUERY PLAN"} {
		items = append(items, readline.PcItem(kw))
	}
	return readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
}

// Run reads lines from rl until EOF or .quit. CTRL+C discards the statement
// being typed.
func (s *Shell) Run(ctx context.Context, rl LineReader) error {
	fmt.Fprintf(s.out, "Connected to %s\n", s.conn.Name())
	fmt.Fprintln(s.out, `Enter ".help" for usage hints.`)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		rl.SetPrompt(s.prompt())
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if s.pending.Len() == 0 {
				return nil
			}
			s.pending.Reset()
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if err := s.Handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			s.printError(err)
		}
	}
}

func (s *Shell) prompt() string {
	switch {
	case s.pending.Len() > 0:
		return continuation
	case s.conn.InTransaction():
		return txPrompt
	default:
		return prompt
	}
}

// Handle processes one input line: a dot-command, or part of a statement
// that runs once a line ends with a semicolon.
func (s *Shell) Handle(ctx context.Context, line string) error {
	trimmed := strings.TrimSpace(line)
	if s.pending.Len() == 0 {
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, ".") {
			return s.dot(ctx, trimmed)
		}
	}
	s.pending.WriteString(line)
	s.pending.WriteByte('\n')
	if !strings.HasSuffix(trimmed, ";") {
		return nil
	}
	sql := s.pending.String()
	s.pending.Reset()
	return s.Exec(ctx, sql)
}

// Exec runs every statement of sql, printing rows or change counts. It
// stops at the first error.
func (s *Shell) Exec(ctx context.Context, sql string) error {
	stmts, err := parser.Parse(sql)
	if err != nil {
		return err
	}
	for _, p := range stmts {
		if err := s.run(ctx, p.SQL); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shell) run(ctx context.Context, sql string) error {
	start := time.Now()
	st, err := s.conn.Prepare(sql)
	if err != nil {
		return err
	}
	defer st.Close()

	if st.Reader() {
		rows, err := st.IterateContext(ctx)
		if err != nil {
			return err
		}
		if _, err := renderRows(s.out, s.opts.Format, rows); err != nil {
			return err
		}
	} else {
		res, err := st.RunContext(ctx)
		if err != nil {
			return err
		}
		if res.Changes > 0 {
			dimmed().Fprintf(s.out, "%d row(s) changed\n", res.Changes)
		}
	}
	if s.opts.Timer {
		dimmed().Fprintf(s.out, "Run Time: %s\n", time.Since(start).Round(time.Microsecond))
	}
	s.logger.Debug("statement executed", zap.String("sql", sql), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Shell) printError(err error) {
	color.New(color.FgRed).Fprintf(s.errOut, "Error: %v\n", err)
}
