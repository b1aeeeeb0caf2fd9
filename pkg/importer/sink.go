package importer

import (
	"context"

	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/Sternrassler/record-importer/pkg/record"
	"github.com/rs/zerolog"
)

// LogSink logs a summary of every imported page. It is the sink of the
// standalone importer, where persistence happens downstream of the log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Import implements Sink.
func (s *LogSink) Import(_ context.Context, partitionID int, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	logger := logging.WithPartition(s.logger, partitionID)
	first, last := records[0], records[len(records)-1]
	event := logger.Info().
		Int("records", len(records)).
		Int64("from_position", first.Position).
		Int64("to_position", last.Position)
	if last.HasSequence() {
		event = event.Int64("to_sequence", last.Sequence)
	}
	event.Msg("Imported records")

	counts := make(map[string]int)
	for _, r := range records {
		counts[r.ValueType]++
	}
	byType := zerolog.Dict()
	for valueType, n := range counts {
		byType = byType.Int(valueType, n)
	}
	logger.Debug().
		Dict("value_types", byType).
		Msg("Imported records by value type")
	return nil
}
