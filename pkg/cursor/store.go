package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrInvalidCursor indicates a stored cursor could not be decoded.
var ErrInvalidCursor = errors.New("invalid stored cursor")

var storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "importer_cursor_store_errors_total",
	Help: "Total number of cursor store errors by operation",
}, []string{"operation"})

// Store loads and saves partition cursors.
type Store interface {
	// Load returns the stored cursor of the partition, or a fresh one.
	Load(ctx context.Context, partitionID int) (Cursor, error)
	// Save stores the cursor under its partition.
	Save(ctx context.Context, c Cursor) error
}

// Key returns the Redis key of a partition cursor.
// Format: importer:cursor:<index>:<partition>
func Key(index string, partitionID int) string {
	return fmt.Sprintf("importer:cursor:%s:%d", index, partitionID)
}

// Namespace returns the cursor namespace of an import. Imports of a single
// value type keep their own cursors, since their sequences are per index.
func Namespace(indexPrefix, valueType string) string {
	if valueType == "" {
		return indexPrefix
	}
	return indexPrefix + "_" + strings.ToLower(valueType)
}

// RedisStore keeps cursors as JSON documents in Redis.
type RedisStore struct {
	redis  *redis.Client
	index  string
	logger zerolog.Logger
}

// NewRedisStore creates a store namespaced by the imported index.
func NewRedisStore(redisClient *redis.Client, index string, logger zerolog.Logger) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		index:  index,
		logger: logging.Component(logger, logging.ComponentCursor).With().Str("index", index).Logger(),
	}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, partitionID int) (Cursor, error) {
	logger := logging.WithPartition(s.logger, partitionID)

	data, err := s.redis.Get(ctx, Key(s.index, partitionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			logger.Debug().Msg("No stored cursor, starting fresh")
			return New(partitionID), nil
		}
		storeErrorsTotal.WithLabelValues("load").Inc()
		return Cursor{}, fmt.Errorf("redis get: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		storeErrorsTotal.WithLabelValues("load").Inc()
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.PartitionID != partitionID {
		storeErrorsTotal.WithLabelValues("load").Inc()
		return Cursor{}, fmt.Errorf("%w: stored partition %d under key for partition %d", ErrInvalidCursor, c.PartitionID, partitionID)
	}

	logger.Debug().
		Int64("position", c.Position).
		Int64("sequence", c.Sequence).
		Msg("Cursor loaded")
	return c, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		storeErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal cursor: %w", err)
	}

	if err := s.redis.Set(ctx, Key(s.index, c.PartitionID), data, 0).Err(); err != nil {
		storeErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	logger := logging.WithPartition(s.logger, c.PartitionID)
	logger.Debug().
		Int64("position", c.Position).
		Int64("sequence", c.Sequence).
		Msg("Cursor saved")

	return nil
}

// Reset deletes the stored cursors of the given partitions.
func (s *RedisStore) Reset(ctx context.Context, partitionIDs ...int) error {
	if len(partitionIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(partitionIDs))
	for _, id := range partitionIDs {
		keys = append(keys, Key(s.index, id))
	}

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		storeErrorsTotal.WithLabelValues("reset").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	s.logger.Info().Ints("partitions", partitionIDs).Msg("Cursors reset")
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[int]Cursor
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[int]Cursor)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, partitionID int) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cursors[partitionID]; ok {
		return c, nil
	}
	return New(partitionID), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[c.PartitionID] = c
	return nil
}
