// Package logging configures the global zerolog logger for Synapse and
// hands out component-scoped loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config configures the logger behavior.
type Config struct {
	// Level is the minimum level to log ("debug", "info", "warn", "error").
	Level string
	// File is an optional path for a persistent log file.
	File string
	// Pretty enables human-readable console output instead of JSON.
	Pretty bool
}

// Setup initializes the global zerolog logger. It is safe to call once at
// startup; subsequent component loggers derive from the global instance.
func Setup(cfg Config) error {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writers []io.Writer

	if cfg.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		writers = append(writers, os.Stderr)
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// For returns a logger scoped to a named component.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// parseLevel maps a config string to a zerolog level, defaulting to info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
