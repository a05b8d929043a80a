// Package logging configures the zerolog logger shared by the CLI and the
// scheduler.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// New builds a logger writing to w. Pretty selects the human console format;
// otherwise one JSON object is written per line. Unknown levels fall back to
// info.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Setup builds a logger writing to w and installs it as the global zerolog
// logger.
func Setup(cfg Config, w io.Writer) zerolog.Logger {
	logger := New(cfg, w)
	log.Logger = logger
	return logger
}
