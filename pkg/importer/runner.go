// Package importer drives one record fetcher per partition: fetch a page,
// hand it to the sink, persist the cursor, pace, repeat.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/record-importer/pkg/cursor"
	"github.com/Sternrassler/record-importer/pkg/fetcher"
	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/Sternrassler/record-importer/pkg/record"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxBackoffShift caps the exponent of the idle backoff.
const maxBackoffShift = 6

// Sink receives the records of every imported page, in cursor order.
type Sink interface {
	Import(ctx context.Context, partitionID int, records []record.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, partitionID int, records []record.Record) error

// Import implements Sink.
func (f SinkFunc) Import(ctx context.Context, partitionID int, records []record.Record) error {
	return f(ctx, partitionID, records)
}

// Config holds runner configuration.
type Config struct {
	// Partitions to import; one fetcher and one goroutine each.
	Partitions []int

	MaxImportPageSize           int
	DynamicBatchSuccessAttempts int
	MaxEmptyPagesToImport       int

	// SequencePaging pages by sequence window. Enable it only when the
	// backend reads the indices of a single value type.
	SequencePaging bool

	// PollInterval is the wait after a failed fetch and the base of the idle backoff.
	PollInterval time.Duration

	// MaxIdleBackoff caps the wait after empty pages.
	MaxIdleBackoff time.Duration

	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration
}

// PartitionStats is a snapshot of one partition's import state.
type PartitionStats struct {
	PartitionID          int           `json:"partition_id"`
	Cursor               cursor.Cursor `json:"cursor"`
	BatchSize            int           `json:"batch_size"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	BatchSizeHistory     []int         `json:"batch_size_history"`
	EmptyStreak          int           `json:"empty_streak"`
	RecordsImported      int64         `json:"records_imported"`
	Fetches              int64         `json:"fetches"`
	Failures             int64         `json:"failures"`
	LastError            string        `json:"last_error,omitempty"`
	LastFetch            time.Time     `json:"last_fetch"`
}

// partitionWorker pairs a fetcher with the stats published for it.
// The fetcher is only used by the worker's goroutine.
type partitionWorker struct {
	fetcher *fetcher.RecordFetcher

	mu    sync.Mutex
	stats PartitionStats
}

func (w *partitionWorker) publish(c cursor.Cursor, records int, fetchErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stats.Cursor = c
	w.stats.BatchSize = w.fetcher.CurrentBatchSize()
	w.stats.ConsecutiveSuccesses = w.fetcher.ConsecutiveSuccessfulFetches()
	w.stats.BatchSizeHistory = w.fetcher.BatchSizeHistory()
	w.stats.EmptyStreak = w.fetcher.ConsecutiveEmptyPages()
	w.stats.RecordsImported += int64(records)
	w.stats.Fetches++
	w.stats.LastFetch = time.Now()
	if fetchErr != nil {
		w.stats.Failures++
		w.stats.LastError = fetchErr.Error()
	} else {
		w.stats.LastError = ""
	}
}

func (w *partitionWorker) snapshot() PartitionStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stats
	s.BatchSizeHistory = append([]int(nil), w.stats.BatchSizeHistory...)
	return s
}

// Runner imports all configured partitions concurrently.
type Runner struct {
	config  Config
	store   cursor.Store
	sink    Sink
	workers []*partitionWorker
	logger  zerolog.Logger
}

// NewRunner creates a runner with one fetcher per partition. The runner and
// its fetchers log through component loggers derived from logger.
func NewRunner(backend fetcher.SearchBackend, mapper fetcher.RecordMapper, store cursor.Store, sink Sink, cfg Config, logger zerolog.Logger) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if len(cfg.Partitions) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}
	if cfg.PollInterval <= 0 || cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("poll interval and fetch timeout must be > 0")
	}
	if cfg.MaxIdleBackoff < cfg.PollInterval {
		cfg.MaxIdleBackoff = cfg.PollInterval
	}

	workers := make([]*partitionWorker, 0, len(cfg.Partitions))
	for _, id := range cfg.Partitions {
		f, err := fetcher.New(backend, mapper, fetcher.Config{
			PartitionID:                 id,
			MaxImportPageSize:           cfg.MaxImportPageSize,
			DynamicBatchSuccessAttempts: cfg.DynamicBatchSuccessAttempts,
			MaxEmptyPagesToImport:       cfg.MaxEmptyPagesToImport,
			SequencePaging:              cfg.SequencePaging,
		}, logging.Component(logger, logging.ComponentFetcher))
		if err != nil {
			return nil, fmt.Errorf("fetcher for partition %d: %w", id, err)
		}

		w := &partitionWorker{fetcher: f}
		w.stats = PartitionStats{
			PartitionID:      id,
			Cursor:           cursor.New(id),
			BatchSize:        f.CurrentBatchSize(),
			BatchSizeHistory: []int{},
		}
		workers = append(workers, w)
	}

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].fetcher.PartitionID() < workers[j].fetcher.PartitionID()
	})

	return &Runner{
		config:  cfg,
		store:   store,
		sink:    sink,
		workers: workers,
		logger:  logging.Component(logger, logging.ComponentImporter),
	}, nil
}

// Run imports until ctx is cancelled or a sink/store error occurs.
// Fetch failures are never fatal. Returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, w := range r.workers {
		w := w
		group.Go(func() error {
			return r.runPartition(groupCtx, w)
		})
	}

	err := group.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) runPartition(ctx context.Context, w *partitionWorker) error {
	id := w.fetcher.PartitionID()
	logger := logging.WithPartition(r.logger, id)

	c, err := r.store.Load(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("load cursor of partition %d: %w", id, err)
	}

	logger.Info().
		Int64("position", c.Position).
		Int64("sequence", c.Sequence).
		Int("batch_size", w.fetcher.CurrentBatchSize()).
		Bool("sequence_paging", r.config.SequencePaging).
		Msg("Partition import started")
	defer logger.Info().Msg("Partition import stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
		records, err := w.fetcher.Fetch(fetchCtx, c)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ioErr *fetcher.ImportIOError
			if !errors.As(err, &ioErr) {
				return fmt.Errorf("fetch partition %d: %w", id, err)
			}
			w.publish(c, 0, err)
			if !sleep(ctx, r.config.PollInterval) {
				return nil
			}
			continue
		}

		if len(records) > 0 {
			if err := r.sink.Import(ctx, id, records); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("import %d records of partition %d: %w", len(records), id, err)
			}

			c = c.Advance(records)
			if err := r.store.Save(ctx, c); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("save cursor of partition %d: %w", id, err)
			}
		}
		w.publish(c, len(records), nil)

		if len(records) == 0 {
			if !sleep(ctx, r.idleBackoff(w.fetcher.LastResult().EmptyStreak)) {
				return nil
			}
		}
	}
}

// idleBackoff returns the wait after an empty page: PollInterval doubled per
// page of the current streak, capped at MaxIdleBackoff.
func (r *Runner) idleBackoff(streak int) time.Duration {
	if streak > maxBackoffShift {
		streak = maxBackoffShift
	}
	backoff := r.config.PollInterval << uint(streak)
	if backoff > r.config.MaxIdleBackoff {
		backoff = r.config.MaxIdleBackoff
	}
	return backoff
}

// Stats returns a snapshot per partition, ordered by partition id.
func (r *Runner) Stats() []PartitionStats {
	stats := make([]PartitionStats, 0, len(r.workers))
	for _, w := range r.workers {
		stats = append(stats, w.snapshot())
	}
	return stats
}

// sleep waits for d or until ctx is done. It reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
