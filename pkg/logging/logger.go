// Package logging configures zerolog for the importer and derives the
// scoped loggers every package logs through. Loggers are passed in, never
// read from a global, except for the NewLogger helpers used by main.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by every importer log line.
const (
	FieldComponent = "component"
	FieldPartition = "partition"
)

// Component names used in the "component" field.
const (
	ComponentImporter = "importer"
	ComponentFetcher  = "fetcher"
	ComponentCursor   = "cursor-store"
	ComponentSearch   = "search-client"
	ComponentServer   = "server"
)

// Config selects level and format of the importer's output.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", ...).
	// Empty means info.
	Level string

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel converts a configured level name. "warning" is accepted for warn.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}

	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", name, err)
	}
	return level, nil
}

// Setup builds the base logger, installs it as the global zerolog logger and
// sets the global level. The returned logger carries no component.
func Setup(cfg Config) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// Component scopes base to one component of the importer.
func Component(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str(FieldComponent, component).Logger()
}

// WithPartition scopes base to one partition.
func WithPartition(base zerolog.Logger, partitionID int) zerolog.Logger {
	return base.With().Int(FieldPartition, partitionID).Logger()
}

// NewLogger scopes the global logger to a component.
func NewLogger(component string) zerolog.Logger {
	return Component(log.Logger, component)
}

// NewPartitionLogger scopes the global logger to a component and partition.
func NewPartitionLogger(component string, partitionID int) zerolog.Logger {
	return WithPartition(NewLogger(component), partitionID)
}

// Levels in use:
//
// Debug: every fetch and search request, cursor loads and saves, completed
// empty page cycles.
//
// Info: batch size restoration steps, imported pages (log sink), partition
// start and stop, server startup and shutdown.
//
// Warn: failed fetches with the resulting batch size, shard failures
// included.
//
// Error: sink or cursor store failures, which stop the import.
//
// Fields beside component and partition: position, sequence, use_sequence,
// batch_size, previous_batch_size, empty_streak, error_class, records.
