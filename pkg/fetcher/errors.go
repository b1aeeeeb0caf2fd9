package fetcher

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrPartitionMismatch is returned when a cursor of another partition is passed to Fetch.
	ErrPartitionMismatch = errors.New("cursor belongs to another partition")

	// ErrMapping wraps failures of the record mapper.
	ErrMapping = errors.New("record mapping failed")
)

// Error classes used in logs and metrics.
const (
	ErrorClassShardFailure = "shard_failure"
	ErrorClassDecode       = "decode"
	ErrorClassUnknown      = "unknown"
)

// ImportIOError is returned by Fetch when the page could not be read.
// It is always transient: the caller retries the same cursor later.
type ImportIOError struct {
	PartitionID int
	Position    int64
	Sequence    int64
	BatchSize   int
	Class       string
	Err         error
}

// Error implements the error interface.
func (e *ImportIOError) Error() string {
	return fmt.Sprintf("import I/O error on partition %d at position %d/sequence %d (batch size %d, %s): %v",
		e.PartitionID, e.Position, e.Sequence, e.BatchSize, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ImportIOError) Unwrap() error {
	return e.Err
}

// classifiedError is implemented by backend errors that know their class.
type classifiedError interface {
	ErrorClass() string
}

// classifyError returns the class used for observability.
func classifyError(err error) string {
	var classified classifiedError
	var shardErr *ShardFailureError

	switch {
	case errors.As(err, &shardErr):
		return ErrorClassShardFailure
	case errors.Is(err, ErrMapping):
		return ErrorClassDecode
	case errors.As(err, &classified):
		return classified.ErrorClass()
	default:
		return ErrorClassUnknown
	}
}
