package shell

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/pkg/connection"
)

type command struct {
	name string
	args string
	help string
	run  func(s *Shell, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{".backup", "FILE", "Write a consistent copy of the database to FILE", (*Shell).cmdBackup},
		{".check", "", "Run an integrity check", (*Shell).cmdCheck},
		{".exit", "", "Exit the shell", (*Shell).cmdQuit},
		{".help", "", "Show this message", (*Shell).cmdHelp},
		{".indexes", "[TABLE]", "List indexes, optionally of one table", (*Shell).cmdIndexes},
		{".mode", "FORMAT", "Set the output format: table, csv, markdown or line", (*Shell).cmdMode},
		{".plan", "SQL", "Show the query plan of a statement", (*Shell).cmdPlan},
		{".pragma", "NAME [VALUE]", "Read or set a pragma", (*Shell).cmdPragma},
		{".quit", "", "Exit the shell", (*Shell).cmdQuit},
		{".schema", "[TABLE]", "Show CREATE statements, optionally of one table", (*Shell).cmdSchema},
		{".tables", "", "List tables", (*Shell).cmdTables},
		{".timer", "on|off", "Print the run time of each statement", (*Shell).cmdTimer},
	}
}

func (s *Shell) dot(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == fields[0] })
	if i < 0 {
		return fmt.Errorf("unknown command %s, enter .help for usage hints", fields[0])
	}
	return commands[i].run(s, ctx, fields[1:])
}

func (s *Shell) cmdHelp(context.Context, []string) error {
	tw := newTableWriter()
	tw.AppendHeader(table.Row{"Command", "Arguments", "Description"})
	for _, c := range commands {
		tw.AppendRow(table.Row{c.name, c.args, c.help})
	}
	fmt.Fprintln(s.out, tw.Render())
	return nil
}

func (s *Shell) cmdQuit(context.Context, []string) error { return errQuit }

func (s *Shell) cmdTables(ctx context.Context, _ []string) error {
	return s.run(ctx, "SELECT name FROM sqlite_schema WHERE type = 'table' ORDER BY name")
}

func (s *Shell) cmdSchema(ctx context.Context, args []string) error {
	q := "SELECT sql FROM sqlite_schema WHERE sql IS NOT NULL"
	var params []any
	if len(args) > 0 {
		q += " AND tbl_name = ?"
		params = append(params, args[0])
	}
	st, err := s.conn.Prepare(q + " ORDER BY tbl_name, type DESC, name")
	if err != nil {
		return err
	}
	defer st.Close()
	rows, err := st.AllContext(ctx, params...)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintf(s.out, "%s;\n", r.Values()[0])
	}
	return nil
}

func (s *Shell) cmdIndexes(ctx context.Context, args []string) error {
	q := "SELECT name, tbl_name FROM sqlite_schema WHERE type = 'index'"
	if len(args) > 0 {
		q += " AND tbl_name = " + quote(args[0])
	}
	return s.run(ctx, q+" ORDER BY tbl_name, name")
}

func (s *Shell) cmdPragma(ctx context.Context, args []string) error {
	switch len(args) {
	case 1:
		return s.run(ctx, "PRAGMA "+args[0])
	case 2:
		return s.run(ctx, fmt.Sprintf("PRAGMA %s = %s", args[0], args[1]))
	}
	return dberror.New(dberror.KindMisuse, "usage: .pragma NAME [VALUE]")
}

func (s *Shell) cmdPlan(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return dberror.New(dberror.KindMisuse, "usage: .plan SQL")
	}
	return s.run(ctx, "EXPLAIN QUERY PLAN "+strings.TrimSuffix(strings.Join(args, " "), ";"))
}

func (s *Shell) cmdCheck(ctx context.Context, _ []string) error {
	rows, err := s.conn.PragmaRows("integrity_check")
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintln(s.out, r.Values()[0])
	}
	return nil
}

func (s *Shell) cmdMode(_ context.Context, args []string) error {
	if len(args) != 1 || !slices.Contains(Formats, Format(args[0])) {
		return dberror.New(dberror.KindMisuse, "usage: .mode table|csv|markdown|line")
	}
	s.opts.Format = Format(args[0])
	return nil
}

func (s *Shell) cmdTimer(_ context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return dberror.New(dberror.KindMisuse, "usage: .timer on|off")
	}
	s.opts.Timer = args[0] == "on"
	return nil
}

func (s *Shell) cmdBackup(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return dberror.New(dberror.KindMisuse, "usage: .backup FILE")
	}
	m, err := Backup(ctx, s.conn, args[0], s.opts.Backup, s.errOut)
	if err != nil {
		return err
	}
	dimmed().Fprintf(s.out, "%d pages (%s) written to %s\n", m.Pages, humanize.Bytes(uint64(m.Bytes)), args[0])
	return nil
}

// Backup copies the database of conn to dest, drawing a progress bar on w.
func Backup(ctx context.Context, conn *connection.Conn, dest string, opts backup.Options, w io.Writer) (backup.Manifest, error) {
	return conn.Backup(ctx, dest, progressTo(w, opts))
}

// progressTo adds a progress bar on w to opts.
func progressTo(w io.Writer, opts backup.Options) backup.Options {
	var bar *progressbar.ProgressBar
	next := opts.Progress
	opts.Progress = func(copied, total uint32) {
		if bar == nil {
			bar = progressbar.NewOptions64(int64(total),
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription("backup"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set64(int64(copied))
		if copied == total {
			_ = bar.Finish()
		}
		if next != nil {
			next(copied, total)
		}
	}
	return opts
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
