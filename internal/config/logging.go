package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the logger described by the log section: text records on
// stderr and JSON records appended to File, both filtered at Level and tagged
// with the service name. If File cannot be opened the logger writes to
// stderr only and says so. The returned cleanup closes the file.
func (c LogConfig) NewLogger(stderr io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("config: log.level: %w", err)
	}
	noop := func() error { return nil }
	if c.File == "" {
		return newLogger(level, stderr), noop, nil
	}

	file, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := newLogger(level, stderr)
		logger.Warn("log file unavailable, logging to stderr only", "file", c.File, "error", err)
		return logger, noop, nil
	}
	return newLogger(level, stderr, file), file.Close, nil
}

// newLogger fans records out to a text handler on stderr and a JSON handler
// on each of files.
func newLogger(level slog.Level, stderr io.Writer, files ...io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(stderr, opts)}
	for _, f := range files {
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...)).With("service", "kbsync")
}
