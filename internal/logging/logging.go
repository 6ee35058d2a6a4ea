// Package logging builds the process slog.Logger. Human formats go through
// charmbracelet/log; json uses the standard slog JSON handler so output
// stays one object per line.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
)

// Options configures New.
type Options struct {
	Level      string
	Format     string // text, logfmt or json
	Prefix     string
	Timestamps bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(opts.Format) {
	case "", "text", "logfmt":
		formatter := log.TextFormatter
		if strings.EqualFold(opts.Format, "logfmt") {
			formatter = log.LogfmtFormatter
		}
		charm := log.NewWithOptions(w, log.Options{
			Level:           charmLevel(level),
			Formatter:       formatter,
			Prefix:          opts.Prefix,
			ReportTimestamp: opts.Timestamps,
		})
		return slog.New(charm), nil
	case "json":
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
		logger := slog.New(h)
		if opts.Prefix != "" {
			logger = logger.With("service", opts.Prefix)
		}
		return logger, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog
// levels. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func charmLevel(l slog.Level) log.Level {
	switch {
	case l <= slog.LevelDebug:
		return log.DebugLevel
	case l <= slog.LevelInfo:
		return log.InfoLevel
	case l <= slog.LevelWarn:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
