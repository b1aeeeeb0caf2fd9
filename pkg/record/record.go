// Package record defines the exported event record read from the search backend.
package record

import (
	"encoding/json"
	"time"
)

// Record is a single exported event of a partition, ordered by Position.
type Record struct {
	// PartitionID is the partition the record was written to.
	PartitionID int `json:"partitionId"`

	// Position is the log position of the record within its partition.
	Position int64 `json:"position"`

	// Sequence is the per-index sequence number. Zero for exporters that
	// predate the sequence field.
	Sequence int64 `json:"sequence,omitempty"`

	Key       int64           `json:"key"`
	ValueType string          `json:"valueType"`
	Intent    string          `json:"intent"`
	Timestamp int64           `json:"timestamp"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// HasSequence reports whether the record carries a sequence number.
func (r Record) HasSequence() bool {
	return r.Sequence > 0
}

// Time returns the record timestamp (milliseconds since epoch) as time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}
