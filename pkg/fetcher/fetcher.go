// Package fetcher reads pages of exported records for one partition while
// adapting the page size to the health of the search backend.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/record-importer/pkg/batchsize"
	"github.com/Sternrassler/record-importer/pkg/cursor"
	"github.com/Sternrassler/record-importer/pkg/emptypage"
	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/Sternrassler/record-importer/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for record fetching.
var (
	batchSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "importer_batch_size",
		Help: "Batch size used for the next fetch by partition",
	}, []string{"partition"})

	batchSizeShrinksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_batch_size_shrinks_total",
		Help: "Total number of batch size reductions after failed fetches",
	}, []string{"partition"})

	batchSizeRestorationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_batch_size_restorations_total",
		Help: "Total number of restoration steps after consecutive successful fetches",
	}, []string{"partition"})

	emptyPageStreakGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "importer_empty_page_streak",
		Help: "Current number of consecutive empty pages by partition",
	}, []string{"partition"})

	idleCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_idle_cycles_total",
		Help: "Total number of completed empty page cycles by partition",
	}, []string{"partition"})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_fetches_total",
		Help: "Total fetches by partition and outcome",
	}, []string{"partition", "outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "importer_fetch_duration_seconds",
		Help:    "Fetch duration in seconds by partition",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"partition"})

	recordsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_records_fetched_total",
		Help: "Total records fetched by partition",
	}, []string{"partition"})
)

// Fetch outcomes used as metric labels.
const (
	OutcomeRecords = "records"
	OutcomeEmpty   = "empty"
	OutcomeFailure = "failure"
)

// Config holds the per-partition fetcher configuration. Values are copied at
// construction and never re-read.
type Config struct {
	// PartitionID is the partition this fetcher is bound to.
	PartitionID int

	// MaxImportPageSize is the default (and maximum) batch size.
	MaxImportPageSize int

	// DynamicBatchSuccessAttempts is the number of consecutive successful
	// fetches required for one batch size restoration step.
	DynamicBatchSuccessAttempts int

	// MaxEmptyPagesToImport is the empty page streak ceiling.
	MaxEmptyPagesToImport int

	// SequencePaging pages by sequence window once the cursor has seen a
	// sequence. Only valid when the backend reads a single value type index:
	// every index keeps its own sequence counter.
	SequencePaging bool
}

// Result describes the outcome of the last Fetch for pacing decisions.
type Result struct {
	// EmptyStreak is the empty page streak after the fetch.
	EmptyStreak int

	// IdleCycleCompleted is true when the fetch wrapped the streak around the ceiling.
	IdleCycleCompleted bool
}

// RecordFetcher fetches pages for a single partition.
// It is not safe for concurrent use; run one instance per partition.
type RecordFetcher struct {
	partitionID    int
	label          string
	sequencePaging bool

	backend    SearchBackend
	mapper     RecordMapper
	batchSize  *batchsize.Controller
	emptyPages *emptypage.Tracker
	last       Result

	logger zerolog.Logger
}

// New creates a fetcher bound to cfg.PartitionID.
func New(backend SearchBackend, mapper RecordMapper, cfg Config, logger zerolog.Logger) (*RecordFetcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("search backend is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("record mapper is required")
	}

	controller, err := batchsize.NewController(batchsize.Config{
		DefaultSize:      cfg.MaxImportPageSize,
		SuccessThreshold: cfg.DynamicBatchSuccessAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("batch size controller: %w", err)
	}

	tracker, err := emptypage.NewTracker(cfg.MaxEmptyPagesToImport)
	if err != nil {
		return nil, fmt.Errorf("empty page tracker: %w", err)
	}

	label := strconv.Itoa(cfg.PartitionID)
	batchSizeGauge.WithLabelValues(label).Set(float64(controller.CurrentBatchSize()))
	emptyPageStreakGauge.WithLabelValues(label).Set(0)

	return &RecordFetcher{
		partitionID:    cfg.PartitionID,
		label:          label,
		sequencePaging: cfg.SequencePaging,
		backend:        backend,
		mapper:         mapper,
		batchSize:      controller,
		emptyPages:     tracker,
		logger:         logging.WithPartition(logger, cfg.PartitionID),
	}, nil
}

// PartitionID returns the partition this fetcher is bound to.
func (f *RecordFetcher) PartitionID() int {
	return f.partitionID
}

// Fetch reads the page following c. It calls the backend exactly once and
// never retries; on failure the batch size has already been reduced when the
// *ImportIOError is returned, so the caller simply retries the same cursor.
// A cancellation of ctx during the call returns ctx.Err() and leaves the
// fetcher untouched. An expired deadline counts as a failure.
func (f *RecordFetcher) Fetch(ctx context.Context, c cursor.Cursor) ([]record.Record, error) {
	if c.PartitionID != f.partitionID {
		return nil, fmt.Errorf("%w: fetcher partition %d, cursor partition %d", ErrPartitionMismatch, f.partitionID, c.PartitionID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := Query{
		PartitionID: f.partitionID,
		Position:    c.Position,
		Sequence:    c.Sequence,
		UseSequence: f.useSequence(c),
		BatchSize:   f.batchSize.CurrentBatchSize(),
	}

	start := time.Now()
	records, err := f.search(ctx, query)
	fetchDuration.WithLabelValues(f.label).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, f.onFailure(query, err)
	}

	f.onSuccess()
	f.onFetchCompleted(c, len(records))

	if len(records) == 0 {
		fetchesTotal.WithLabelValues(f.label, OutcomeEmpty).Inc()
	} else {
		fetchesTotal.WithLabelValues(f.label, OutcomeRecords).Inc()
		recordsFetchedTotal.WithLabelValues(f.label).Add(float64(len(records)))
	}

	f.logger.Debug().
		Int64("position", c.Position).
		Int64("sequence", c.Sequence).
		Bool("use_sequence", query.UseSequence).
		Int("batch_size", query.BatchSize).
		Int("records", len(records)).
		Int("empty_streak", f.last.EmptyStreak).
		Msg("Page fetched")

	return records, nil
}

// useSequence decides the paging mode of the next query. Once the empty page
// streak reaches its ceiling one fetch pages by position, so a sequence gap
// wider than the batch size cannot hide the records behind it.
func (f *RecordFetcher) useSequence(c cursor.Cursor) bool {
	if !f.sequencePaging || !c.HasSeenSequenceField || c.Sequence <= 0 {
		return false
	}
	return f.emptyPages.EmptyStreak() < f.emptyPages.MaxEmptyPages()
}

// search runs the backend call and maps the hits.
func (f *RecordFetcher) search(ctx context.Context, query Query) ([]record.Record, error) {
	result, err := f.backend.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if len(result.ShardFailures) > 0 {
		return nil, &ShardFailureError{Failures: result.ShardFailures}
	}

	records, err := f.mapper.Map(result.Hits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapping, err)
	}
	return records, nil
}

func (f *RecordFetcher) onFailure(query Query, cause error) error {
	sizeBefore := f.batchSize.CurrentBatchSize()
	f.batchSize.OnFailure()
	sizeAfter := f.batchSize.CurrentBatchSize()

	class := classifyError(cause)
	fetchesTotal.WithLabelValues(f.label, OutcomeFailure).Inc()
	batchSizeGauge.WithLabelValues(f.label).Set(float64(sizeAfter))

	event := f.logger.Warn().
		Err(cause).
		Str("error_class", class).
		Int64("position", query.Position).
		Int64("sequence", query.Sequence).
		Int("batch_size", sizeAfter)
	if sizeAfter != sizeBefore {
		batchSizeShrinksTotal.WithLabelValues(f.label).Inc()
		event.Int("previous_batch_size", sizeBefore).Msg("Fetch failed - reducing batch size")
	} else {
		event.Msg("Fetch failed - batch size already at minimum")
	}

	return &ImportIOError{
		PartitionID: f.partitionID,
		Position:    query.Position,
		Sequence:    query.Sequence,
		BatchSize:   query.BatchSize,
		Class:       class,
		Err:         cause,
	}
}

func (f *RecordFetcher) onSuccess() {
	if f.batchSize.IsFullyOpen() {
		return
	}

	sizeBefore := f.batchSize.CurrentBatchSize()
	f.batchSize.OnSuccess()
	if f.batchSize.ConsecutiveSuccessfulFetches() != 0 {
		return
	}

	// restoration step
	sizeAfter := f.batchSize.CurrentBatchSize()
	batchSizeRestorationsTotal.WithLabelValues(f.label).Inc()
	batchSizeGauge.WithLabelValues(f.label).Set(float64(sizeAfter))

	f.logger.Info().
		Int("previous_batch_size", sizeBefore).
		Int("batch_size", sizeAfter).
		Int("history_depth", len(f.batchSize.History())).
		Msg("Batch size restoration step")
}

func (f *RecordFetcher) onFetchCompleted(c cursor.Cursor, records int) {
	cycle := f.emptyPages.OnFetchCompleted(records == 0, c.HasSeenSequenceField)
	f.last = Result{
		EmptyStreak:        f.emptyPages.EmptyStreak(),
		IdleCycleCompleted: cycle,
	}

	emptyPageStreakGauge.WithLabelValues(f.label).Set(float64(f.last.EmptyStreak))
	if cycle {
		idleCyclesTotal.WithLabelValues(f.label).Inc()
		f.logger.Debug().
			Int("max_empty_pages", f.emptyPages.MaxEmptyPages()).
			Msg("Empty page cycle completed")
	}
}

// LastResult returns the pacing information of the last successful fetch.
func (f *RecordFetcher) LastResult() Result {
	return f.last
}

// CurrentBatchSize returns the batch size of the next fetch.
func (f *RecordFetcher) CurrentBatchSize() int {
	return f.batchSize.CurrentBatchSize()
}

// ConsecutiveSuccessfulFetches returns the successes counted towards the next restoration step.
func (f *RecordFetcher) ConsecutiveSuccessfulFetches() int {
	return f.batchSize.ConsecutiveSuccessfulFetches()
}

// BatchSizeHistory returns a snapshot of the batch size history, top first.
func (f *RecordFetcher) BatchSizeHistory() []int {
	return f.batchSize.History()
}

// ConsecutiveEmptyPages returns the current empty page streak.
func (f *RecordFetcher) ConsecutiveEmptyPages() int {
	return f.emptyPages.EmptyStreak()
}
