// Command gojolite is the command-line front end of the gojolite engine: an
// interactive SQL shell plus backup, restore and integrity check commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/config"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/internal/shell"
	"github.com/sushant-115/gojolite/pkg/connection"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

const version = "0.1.0"

// Globals are the flags shared by every command. Set flags override the
// config file.
type Globals struct {
	Config      string        `name:"config" short:"c" help:"YAML config file." type:"path"`
	LogLevel    string        `name:"log-level" help:"Log level: debug, info, warn or error."`
	BusyTimeout time.Duration `name:"busy-timeout" help:"How long to wait for the write lock, e.g. 5s."`
	MetricsPort int           `name:"metrics-port" help:"Serve Prometheus metrics on this port."`
}

// CLI defines the command-line interface.
var CLI struct {
	Globals

	Shell   ShellCmd   `cmd:"" default:"withargs" help:"Open an interactive SQL shell (default)."`
	Exec    ExecCmd    `cmd:"" help:"Run SQL statements and print their results."`
	Backup  BackupCmd  `cmd:"" help:"Write a consistent copy of a database."`
	Restore RestoreCmd `cmd:"" help:"Restore a database from a backup."`
	Check   CheckCmd   `cmd:"" help:"Check the integrity of a database."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

// app holds what the commands share once flags and config are resolved.
type app struct {
	ctx    context.Context
	cfg    config.Config
	log    *logger.Logger
	tel    *telemetry.Telemetry
	stdout *os.File
	stderr *os.File
}

func newApp(ctx context.Context, g Globals) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	if g.BusyTimeout != 0 {
		cfg.Database.BusyTimeout = g.BusyTimeout
	}
	if g.MetricsPort != 0 {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.PrometheusPort = g.MetricsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New(cfg.Telemetry, log.Logger)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &app{ctx: ctx, cfg: cfg, log: log, tel: tel, stdout: os.Stdout, stderr: os.Stderr}, nil
}

func (a *app) close() {
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.log.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = a.log.Close()
}

func (a *app) open(path string, readOnly, mustExist bool) (*connection.Conn, error) {
	opts := a.cfg.Database
	opts.ReadOnly = opts.ReadOnly || readOnly
	opts.MustExist = opts.MustExist || mustExist
	opts.Logger = a.log.Logger
	opts.Meter = a.tel.Meter
	opts.Tracer = a.tel.Tracer
	return connection.Open(path, opts)
}

// ShellCmd opens the interactive shell.
type ShellCmd struct {
	Database string       `arg:"" optional:"" default:":memory:" help:"Database file, or :memory:."`
	ReadOnly bool         `name:"read-only" help:"Open the database read-only."`
	Mode     shell.Format `name:"mode" enum:"table,csv,markdown,line" default:"table" help:"Output format."`
	History  string       `name:"history" type:"path" help:"History file. Defaults to ~/.gojolite_history."`
}

func (c *ShellCmd) Run(a *app) error {
	conn, err := a.open(c.Database, c.ReadOnly, false)
	if err != nil {
		return err
	}
	defer conn.Close()

	history := c.History
	if history == "" {
		if home, err := os.UserHomeDir(); err == nil {
			history = filepath.Join(home, ".gojolite_history")
		}
	}
	rl, err := shell.NewReadline(history)
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := shell.New(conn, a.stdout, shell.Options{
		Format: c.Mode,
		Backup: backup.Options{Rate: a.cfg.Backup.Rate, Compress: a.cfg.Backup.Compress},
		ErrOut: a.stderr,
		Logger: a.log.Logger,
	})
	return sh.Run(a.ctx, rl)
}

// ExecCmd runs SQL given on the command line.
type ExecCmd struct {
	Database string       `arg:"" help:"Database file, or :memory:."`
	SQL      []string     `arg:"" name:"sql" help:"Statements to run. Several arguments run in order."`
	ReadOnly bool         `name:"read-only" help:"Open the database read-only."`
	Mode     shell.Format `name:"mode" enum:"table,csv,markdown,line" default:"table" help:"Output format."`
	Timer    bool         `name:"timer" help:"Print the run time of each statement."`
}

func (c *ExecCmd) Run(a *app) error {
	conn, err := a.open(c.Database, c.ReadOnly, false)
	if err != nil {
		return err
	}
	defer conn.Close()
	sh := shell.New(conn, a.stdout, shell.Options{Format: c.Mode, Timer: c.Timer, ErrOut: a.stderr, Logger: a.log.Logger})
	for _, sql := range c.SQL {
		if err := sh.Exec(a.ctx, sql); err != nil {
			return err
		}
	}
	return nil
}

// BackupCmd copies a database while it stays available to writers.
type BackupCmd struct {
	Database string `arg:"" type:"existingfile" help:"Database file."`
	Dest     string `arg:"" type:"path" help:"Backup file to write."`
	Compress bool   `name:"compress" help:"Compress the backup with xz."`
	Rate     string `name:"rate" help:"Throughput cap, e.g. 10MB. Per second."`
}

func (c *BackupCmd) Run(a *app) error {
	opts := backup.Options{Rate: a.cfg.Backup.Rate, Compress: a.cfg.Backup.Compress || c.Compress, Logger: a.log.Logger}
	if c.Rate != "" {
		n, err := humanize.ParseBytes(c.Rate)
		if err != nil {
			return fmt.Errorf("invalid --rate %q: %w", c.Rate, err)
		}
		opts.Rate = int64(n)
	}
	conn, err := a.open(c.Database, true, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	m, err := shell.Backup(a.ctx, conn, c.Dest, opts, a.stderr)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: %d pages, %s in %s\n", c.Dest, m.Pages, humanize.Bytes(uint64(m.Bytes)), time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(a.stdout, "id %s digest %s\n", m.ID, m.Digest)
	return nil
}

// RestoreCmd expands a backup into a database file.
type RestoreCmd struct {
	Backup string `arg:"" type:"existingfile" help:"Backup file."`
	Dest   string `arg:"" type:"path" help:"Database file to create."`
	Force  bool   `name:"force" short:"f" help:"Replace an existing database."`
}

func (c *RestoreCmd) Run(a *app) error {
	if _, err := os.Stat(c.Dest); err == nil && !c.Force {
		return fmt.Errorf("%s already exists; use --force to replace it", c.Dest)
	}
	m, err := backup.Restore(a.ctx, c.Backup, c.Dest)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: restored %d pages (%s)\n", c.Dest, m.Pages, humanize.Bytes(uint64(m.Pages)*uint64(m.PageSize)))
	return nil
}

// CheckCmd runs an integrity check and fails when it finds problems.
type CheckCmd struct {
	Database string `arg:"" type:"existingfile" help:"Database file."`
	Max      int    `name:"max" default:"100" help:"Report at most this many problems."`
}

func (c *CheckCmd) Run(a *app) error {
	conn, err := a.open(c.Database, true, true)
	if err != nil {
		return err
	}
	defer conn.Close()
	rows, err := conn.PragmaRows(fmt.Sprintf("integrity_check(%d)", c.Max))
	if err != nil {
		return err
	}
	var problems []string
	for _, r := range rows {
		if msg := fmt.Sprint(r.Values()[0]); msg != "ok" {
			problems = append(problems, msg)
		}
	}
	if len(problems) == 0 {
		color.New(color.FgGreen).Fprintln(a.stdout, "ok")
		return nil
	}
	for _, p := range problems {
		color.New(color.FgRed).Fprintln(a.stdout, p)
	}
	return dberror.New(dberror.KindCorruption, "%d problem(s) found", len(problems))
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (VersionCmd) Run(a *app) error {
	fmt.Fprintf(a.stdout, "gojolite %s\n", version)
	return nil
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("gojolite"),
		kong.Description("Embedded single-file SQL database."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, CLI.Globals)
	kctx.FatalIfErrorf(err)
	err = kctx.Run(a)
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", strings.TrimSpace(err.Error()))
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error kind to a process exit status.
func exitCode(err error) int {
	switch dberror.KindOf(err) {
	case dberror.KindBusy:
		return 5
	case dberror.KindCorruption:
		return 11
	case dberror.KindConstraint:
		return 19
	default:
		return 1
	}
}
