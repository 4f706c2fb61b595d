// Package logger builds opspmd's own diagnostic slog.Logger: colorized text
// on an interactive terminal, JSON otherwise. This is distinct from
// internal/logpipe, which captures a *managed child's* stdout/stderr —
// this package is only for the daemon's own operational log line.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Format selects the diagnostic log encoding.
type Format string

const (
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config tunes the daemon logger.
type Config struct {
	Level    slog.Level
	Format   Format
	ShowTime bool
	Output   io.Writer
}

// New builds a *slog.Logger per cfg. FormatAuto picks the colorized text
// handler when Output is a TTY (github.com/mattn/go-isatty) and falls back
// to JSON for redirected/piped output — color escapes have no place in a
// log aggregator.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	format := cfg.Format
	if format == "" || format == FormatAuto {
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = FormatText
		} else {
			format = FormatJSON
		}
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = NewColorTextHandler(out, opts, cfg.ShowTime)
	}
	return slog.New(handler)
}
