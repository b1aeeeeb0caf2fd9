// Package cursor describes where the import of a partition resumes and
// persists that position between runs.
package cursor

import (
	"fmt"

	"github.com/Sternrassler/record-importer/pkg/record"
)

// Cursor is the resume point of one partition's import stream.
// Values are immutable; Advance returns a new cursor.
type Cursor struct {
	// PartitionID is the partition this cursor belongs to.
	PartitionID int `json:"partition_id"`

	// Position of the last imported record (0 before the first record).
	Position int64 `json:"position"`

	// Sequence is the highest sequence imported (0 if none has carried one).
	// Sequences count per index, so it is only a resume point when the
	// import reads a single value type. Position always is.
	Sequence int64 `json:"sequence"`

	// HasSeenSequenceField is false until a page carrying a sequence
	// field has been imported on this cursor.
	HasSeenSequenceField bool `json:"has_seen_sequence_field"`
}

// New returns a fresh cursor for the partition.
func New(partitionID int) Cursor {
	return Cursor{PartitionID: partitionID}
}

// IsFresh reports whether nothing has been imported on this cursor yet.
func (c Cursor) IsFresh() bool {
	return c.Position == 0 && c.Sequence == 0 && !c.HasSeenSequenceField
}

// Advance returns the cursor following the given page. An empty page
// leaves the cursor unchanged.
func (c Cursor) Advance(page []record.Record) Cursor {
	if len(page) == 0 {
		return c
	}

	next := c
	for _, r := range page {
		if r.Position > next.Position {
			next.Position = r.Position
		}
		if r.HasSequence() {
			next.HasSeenSequenceField = true
			if r.Sequence > next.Sequence {
				next.Sequence = r.Sequence
			}
		}
	}
	return next
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	return fmt.Sprintf("partition=%d position=%d sequence=%d seen_sequence=%t",
		c.PartitionID, c.Position, c.Sequence, c.HasSeenSequenceField)
}
