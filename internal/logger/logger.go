// Package logger builds the slog loggers used by the server and the CLI.
package logger

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level   slog.Level
	json    bool
	pretty  bool
	source  bool
	writer  io.Writer
}

// New creates a *slog.Logger. The default is a text handler at Info level writing to os.Stdout.
// WithJSON switches to slog's JSON handler and WithPretty to the charmbracelet/log handler; JSON wins
// when both are set.
func New(opts ...Option) *slog.Logger {
	c := &config{level: slog.LevelInfo, writer: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}
	w := c.writer

	switch {
	case c.json:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.level, AddSource: c.source}))
	case c.pretty:
		level := charmlog.InfoLevel
		if c.level <= slog.LevelDebug {
			level = charmlog.DebugLevel
		}
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			Level:           level,
			ReportTimestamp: true,
			ReportCaller:    c.source,
		}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.level, AddSource: c.source}))
	}
}
