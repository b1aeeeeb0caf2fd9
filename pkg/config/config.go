// Package config loads the importer configuration from a YAML file with
// environment overrides. It is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the complete importer configuration.
type Config struct {
	Import ImportConfig `yaml:"import"`
	Search SearchConfig `yaml:"search"`
	Redis  RedisConfig  `yaml:"redis"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ImportConfig controls the fetch cadence of every partition.
type ImportConfig struct {
	// MaxImportPageSize is the default and maximum batch size.
	MaxImportPageSize int `yaml:"max_import_page_size"`

	// DynamicBatchSuccessAttempts is the number of consecutive successful
	// fetches per batch size restoration step.
	DynamicBatchSuccessAttempts int `yaml:"dynamic_batch_success_attempts"`

	// MaxEmptyPagesToImport is the empty page streak ceiling.
	MaxEmptyPagesToImport int `yaml:"max_empty_pages_to_import"`

	// Partitions to import.
	Partitions []int `yaml:"partitions"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxIdleBackoff time.Duration `yaml:"max_idle_backoff"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// SearchConfig locates the exported record indices.
type SearchConfig struct {
	URL         string `yaml:"url"`
	IndexPrefix string `yaml:"index_prefix"`

	// ValueType restricts the import to the indices of one value type and
	// enables sequence paging. Empty imports every value type by position.
	ValueType string `yaml:"value_type"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig locates the cursor store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig controls the health/metrics endpoint.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the defaults used for every unset value.
func DefaultConfig() Config {
	return Config{
		Import: ImportConfig{
			MaxImportPageSize:           10000,
			DynamicBatchSuccessAttempts: 10,
			MaxEmptyPagesToImport:       10,
			Partitions:                  []int{1},
			PollInterval:                time.Second,
			MaxIdleBackoff:              30 * time.Second,
			FetchTimeout:                30 * time.Second,
		},
		Search: SearchConfig{
			URL:         "http://localhost:9200",
			IndexPrefix: "zeebe-record",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path only applies the overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SEARCH_URL"); ok && v != "" {
		c.Search.URL = v
	}
	if v, ok := lookup("SEARCH_INDEX_PREFIX"); ok && v != "" {
		c.Search.IndexPrefix = v
	}
	if v, ok := lookup("SEARCH_VALUE_TYPE"); ok {
		c.Search.ValueType = v
	}
	if v, ok := lookup("SEARCH_USERNAME"); ok {
		c.Search.Username = v
	}
	if v, ok := lookup("SEARCH_PASSWORD"); ok {
		c.Search.Password = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Port = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("IMPORT_PARTITIONS"); ok && v != "" {
		partitions, err := parsePartitions(v)
		if err != nil {
			return fmt.Errorf("%w: IMPORT_PARTITIONS: %v", ErrInvalidConfig, err)
		}
		c.Import.Partitions = partitions
	}
	if v, ok := lookup("MAX_IMPORT_PAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MAX_IMPORT_PAGE_SIZE: %v", ErrInvalidConfig, err)
		}
		c.Import.MaxImportPageSize = n
	}
	return nil
}

// parsePartitions parses a comma separated list of partition ids.
func parsePartitions(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	partitions := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, id)
	}
	return partitions, nil
}

// Validate checks the configuration and reports every problem found.
// Each reported error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	var result *multierror.Error
	invalid := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	imp := c.Import
	if imp.MaxImportPageSize < 1 {
		invalid("import.max_import_page_size must be >= 1 (got %d)", imp.MaxImportPageSize)
	}
	if imp.DynamicBatchSuccessAttempts < 1 {
		invalid("import.dynamic_batch_success_attempts must be >= 1 (got %d)", imp.DynamicBatchSuccessAttempts)
	}
	if imp.MaxEmptyPagesToImport < 1 {
		invalid("import.max_empty_pages_to_import must be >= 1 (got %d)", imp.MaxEmptyPagesToImport)
	}
	if len(imp.Partitions) == 0 {
		invalid("import.partitions must not be empty")
	}

	seen := make(map[int]bool, len(imp.Partitions))
	for _, id := range imp.Partitions {
		if id < 1 {
			invalid("partition ids must be >= 1 (got %d)", id)
		}
		if seen[id] {
			invalid("duplicate partition %d", id)
		}
		seen[id] = true
	}

	if imp.PollInterval <= 0 {
		invalid("import.poll_interval must be > 0")
	}
	if imp.MaxIdleBackoff < imp.PollInterval {
		invalid("import.max_idle_backoff must be >= poll_interval")
	}
	if imp.FetchTimeout <= 0 {
		invalid("import.fetch_timeout must be > 0")
	}
	if c.Search.URL == "" || c.Search.IndexPrefix == "" {
		invalid("search.url and search.index_prefix are required")
	}
	if strings.ContainsAny(c.Search.ValueType, "*,/ ") {
		invalid("search.value_type must name a single value type (got %q)", c.Search.ValueType)
	}
	if c.Redis.Addr == "" {
		invalid("redis.addr is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	return result.ErrorOrNil()
}
