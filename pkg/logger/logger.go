// Package logger builds the zap loggers used by the gojolite tools.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger settings.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout" or "stderr". The default is stderr
	// so that logs never mix with query output.
	OutputFile string `yaml:"output_file"`
}

// Logger wraps a zap.Logger whose level can change after it is built.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	close func() error
}

// New builds a logger from config. Invalid levels fall back to warn.
func New(config Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zap.WarnLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			level.SetLevel(zap.WarnLevel)
		}
	}

	out, closeFn, err := writeSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(config.Format), out, level)
	l := zap.New(core, zap.AddCaller()).With(zap.String("service", "gojolite"))
	return &Logger{Logger: l, level: level, close: closeFn}, nil
}

// SetLevel changes the minimum level, e.g. from a --log-level flag.
func (l *Logger) SetLevel(text string) error {
	if err := l.level.UnmarshalText([]byte(text)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", text, err)
	}
	return nil
}

// Close flushes buffered entries and closes the log file, if any.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.close != nil {
		return l.close()
	}
	return nil
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func writeSyncer(output string) (zapcore.WriteSyncer, func() error, error) {
	switch strings.ToLower(output) {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil, nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return zapcore.AddSync(f), f.Close, nil
	}
}
