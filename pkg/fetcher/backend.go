package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sternrassler/record-importer/pkg/record"
)

// Query is one bounded page request for a partition.
type Query struct {
	PartitionID int

	// Position and Sequence identify the last imported record; the page
	// starts strictly after them.
	Position int64
	Sequence int64

	// UseSequence selects sequence based paging instead of position based paging.
	UseSequence bool

	// BatchSize is the maximum number of hits to return.
	BatchSize int
}

// ShardFailure describes a shard that could not answer a query.
type ShardFailure struct {
	Index  string
	Shard  int
	Reason string
}

// SearchResult is the raw answer to a Query.
type SearchResult struct {
	// Hits are the raw documents in query order.
	Hits [][]byte

	// ShardFailures is non-empty when the backend answered only partially.
	ShardFailures []ShardFailure
}

// SearchBackend executes exactly one paginated query per call.
type SearchBackend interface {
	Search(ctx context.Context, query Query) (*SearchResult, error)
}

// RecordMapper turns raw hits into records.
type RecordMapper interface {
	Map(hits [][]byte) ([]record.Record, error)
}

// ShardFailureError is returned when a search answered with shard failures.
// Partial pages are never imported.
type ShardFailureError struct {
	Failures []ShardFailure
}

// Error implements the error interface.
func (e *ShardFailureError) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s[%d]: %s", f.Index, f.Shard, f.Reason))
	}
	return fmt.Sprintf("%d shard failure(s): %s", len(e.Failures), strings.Join(reasons, "; "))
}
