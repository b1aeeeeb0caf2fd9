//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/record-importer/internal/testutil"
	"github.com/Sternrassler/record-importer/pkg/cursor"
	"github.com/Sternrassler/record-importer/pkg/fetcher"
	"github.com/Sternrassler/record-importer/pkg/importer"
	"github.com/Sternrassler/record-importer/pkg/record"
	"github.com/Sternrassler/record-importer/pkg/search"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const indexPrefix = "zeebe-record"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func newSearchClient(t *testing.T, mock *testutil.MockSearch) *search.Client {
	t.Helper()

	cfg := search.DefaultConfig()
	cfg.URL = mock.URL()
	cfg.IndexPrefix = indexPrefix
	cfg.Timeout = 5 * time.Second
	c, err := search.New(cfg, testLogger)
	if err != nil {
		t.Fatalf("Failed to create search client: %v", err)
	}
	return c
}

// partitionRecords returns records with sequences from..to and positions 1000+sequence.
func partitionRecords(partitionID int, from, to int64) []record.Record {
	var records []record.Record
	for seq := from; seq <= to; seq++ {
		records = append(records, record.Record{
			PartitionID: partitionID,
			Position:    1000 + seq,
			Sequence:    seq,
			Key:         seq,
			ValueType:   "PROCESS_INSTANCE",
			Intent:      "ELEMENT_ACTIVATED",
			Timestamp:   time.Now().UnixMilli(),
		})
	}
	return records
}

type countingSink struct {
	mu    sync.Mutex
	total int
	last  map[int]int64
}

func (s *countingSink) Import(_ context.Context, partitionID int, records []record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[int]int64)
	}
	for _, r := range records {
		if r.Position <= s.last[partitionID] {
			return errors.New("record imported out of order")
		}
		s.last[partitionID] = r.Position
	}
	s.total += len(records)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func runUntil(t *testing.T, r *importer.Runner, done func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("import did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func runnerConfig(partitions ...int) importer.Config {
	return importer.Config{
		Partitions:                  partitions,
		MaxImportPageSize:           20,
		DynamicBatchSuccessAttempts: 3,
		MaxEmptyPagesToImport:       3,
		PollInterval:                5 * time.Millisecond,
		MaxIdleBackoff:              20 * time.Millisecond,
		FetchTimeout:                5 * time.Second,
	}
}

// TestFullImportFlow imports two partitions, persists the cursors in Redis and
// resumes with a new runner after more records were exported.
func TestFullImportFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.AddRecords(partitionRecords(1, 1, 55)...)
	mock.AddRecords(partitionRecords(2, 1, 30)...)

	store := cursor.NewRedisStore(redisClient, indexPrefix, testLogger)
	sink := &countingSink{}

	r, err := importer.NewRunner(newSearchClient(t, mock), search.JSONMapper{}, store, sink, runnerConfig(1, 2), testLogger)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	runUntil(t, r, func() bool { return sink.count() == 85 })

	ctx := context.Background()
	c1, err := store.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := (cursor.Cursor{PartitionID: 1, Position: 1055, Sequence: 55, HasSeenSequenceField: true}); c1 != want {
		t.Errorf("partition 1 cursor = %+v, want %+v", c1, want)
	}

	// Second run: only the new records are imported
	mock.AddRecords(partitionRecords(1, 56, 60)...)

	resumed := &countingSink{last: map[int]int64{1: 1055, 2: 1030}}
	r2, err := importer.NewRunner(newSearchClient(t, mock), search.JSONMapper{}, store, resumed, runnerConfig(1, 2), testLogger)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	runUntil(t, r2, func() bool { return resumed.count() == 5 })

	c1, _ = store.Load(ctx, 1)
	if c1.Position != 1060 || c1.Sequence != 60 {
		t.Errorf("partition 1 cursor after resume = %+v, want position 1060 sequence 60", c1)
	}
}

// TestBatchSizeShrinkAndRestore drives a fetcher against an overloaded backend
// and checks the batch sizes requested from the cluster.
func TestBatchSizeShrinkAndRestore(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.AddRecords(partitionRecords(1, 1, 200)...)
	mock.Enqueue(testutil.NewServerErrorResponse(), testutil.NewServerErrorResponse())

	f, err := fetcher.New(newSearchClient(t, mock), search.JSONMapper{}, fetcher.Config{
		PartitionID:                 1,
		MaxImportPageSize:           8,
		DynamicBatchSuccessAttempts: 2,
		MaxEmptyPagesToImport:       3,
	}, testLogger)
	if err != nil {
		t.Fatalf("fetcher.New() error = %v", err)
	}

	ctx := context.Background()
	c := cursor.New(1)
	failures := 0
	for i := 0; i < 9; i++ {
		records, err := f.Fetch(ctx, c)
		if err != nil {
			var ioErr *fetcher.ImportIOError
			if !errors.As(err, &ioErr) {
				t.Fatalf("Fetch() error = %v, want *ImportIOError", err)
			}
			failures++
			continue
		}
		c = c.Advance(records)
	}

	if failures != 2 {
		t.Errorf("failures = %d, want 2", failures)
	}

	want := []int{8, 4, 2, 2, 2, 2, 4, 4, 8}
	if got := mock.RequestedSizes(); !reflect.DeepEqual(got, want) {
		t.Errorf("RequestedSizes() = %v, want %v", got, want)
	}
	if f.CurrentBatchSize() != 8 || len(f.BatchSizeHistory()) != 0 {
		t.Errorf("batch size = %d, history = %v, want fully restored", f.CurrentBatchSize(), f.BatchSizeHistory())
	}
}

// TestCursorSurvivesCorruption replaces a stored cursor with garbage and
// expects the runner to stop instead of re-importing from the start.
func TestCursorSurvivesCorruption(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.AddRecords(partitionRecords(1, 1, 10)...)

	ctx := context.Background()
	if err := redisClient.Set(ctx, cursor.Key(indexPrefix, 1), "not json", 0).Err(); err != nil {
		t.Fatalf("seed corrupted cursor: %v", err)
	}

	store := cursor.NewRedisStore(redisClient, indexPrefix, testLogger)
	sink := &countingSink{}
	r, err := importer.NewRunner(newSearchClient(t, mock), search.JSONMapper{}, store, sink, runnerConfig(1), testLogger)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	if err := r.Run(ctx); !errors.Is(err, cursor.ErrInvalidCursor) {
		t.Errorf("Run() error = %v, want ErrInvalidCursor", err)
	}
	if sink.count() != 0 {
		t.Errorf("imported %d records from a corrupted cursor, want 0", sink.count())
	}
}
