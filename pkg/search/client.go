// Package search implements the fetcher's search backend on top of the
// Elasticsearch/OpenSearch _search HTTP API.
package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/record-importer/pkg/fetcher"
	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for search operations.
var (
	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_search_requests_total",
		Help: "Total search requests by status",
	}, []string{"status"})

	searchRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "importer_search_request_duration_seconds",
		Help:    "Search request duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	searchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_search_errors_total",
		Help: "Total search errors by class",
	}, []string{"class"})
)

// maxErrorBody caps how much of an error response is kept in the error message.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// URL of the search cluster, e.g. "http://localhost:9200".
	URL string

	// IndexPrefix of the exported record indices, e.g. "zeebe-record".
	IndexPrefix string

	// ValueType narrows the search to the indices of one value type, e.g.
	// "job". Empty searches every record index of the prefix.
	ValueType string

	// Basic auth credentials (optional).
	Username string
	Password string

	// Timeout per search request.
	Timeout time.Duration

	// Compression requests gzip encoded responses. Full pages of records
	// compress well.
	Compression bool
}

// DefaultConfig returns a configuration for a local cluster.
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:9200",
		IndexPrefix: "zeebe-record",
		Timeout:     30 * time.Second,
		Compression: true,
	}
}

// Client is a fetcher.SearchBackend talking to a search cluster over HTTP.
// It performs exactly one request per Search call.
type Client struct {
	httpClient *http.Client
	config     Config
	searchURL  string
	logger     zerolog.Logger
}

// New creates a new search client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("search url is required")
	}
	if cfg.IndexPrefix == "" {
		return nil, fmt.Errorf("index prefix is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config:    cfg,
		searchURL: strings.TrimRight(cfg.URL, "/") + "/" + IndexPattern(cfg.IndexPrefix, cfg.ValueType) + "/_search",
		logger:    logging.Component(logger, logging.ComponentSearch),
	}, nil
}

// IndexPattern returns the index pattern searched for the prefix. Every value
// type is exported to its own indices, "<prefix>_<valuetype>_<version>...".
func IndexPattern(prefix, valueType string) string {
	if valueType == "" {
		return prefix + "*"
	}
	return prefix + "_" + strings.ToLower(valueType) + "_*"
}

// SingleIndex reports whether the client reads the indices of one value type,
// which share one sequence counter per partition.
func (c *Client) SingleIndex() bool {
	return c.config.ValueType != ""
}

// searchResponse is the subset of the _search response the importer reads.
type searchResponse struct {
	TimedOut bool `json:"timed_out"`
	Shards   struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
		Failures   []struct {
			Index  string `json:"index"`
			Shard  int    `json:"shard"`
			Reason struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"reason"`
		} `json:"failures"`
	} `json:"_shards"`
	Hits struct {
		Hits []struct {
			Index  string          `json:"_index"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search implements fetcher.SearchBackend.
func (c *Client) Search(ctx context.Context, query fetcher.Query) (*fetcher.SearchResult, error) {
	startTime := time.Now()
	defer func() {
		searchRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	body, err := json.Marshal(BuildQuery(query))
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Compression {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	reqLogger := logging.WithPartition(c.logger, query.PartitionID)
	reqLogger.Debug().
		Int("batch_size", query.BatchSize).
		Bool("use_sequence", query.UseSequence).
		Msg("Executing search request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		searchRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, c.fail(&BackendError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		})
	}
	defer resp.Body.Close()

	searchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	var respBody io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, c.fail(&BackendError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassDecode,
				Message:    "open gzip response",
				Err:        err,
			})
		}
		defer gz.Close()
		respBody = gz
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(respBody, maxErrorBody))
		return nil, c.fail(&BackendError{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Message:    strings.TrimSpace(string(msg)),
		})
	}

	var parsed searchResponse
	if err := json.NewDecoder(respBody).Decode(&parsed); err != nil {
		return nil, c.fail(&BackendError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassDecode,
			Message:    "decode search response",
			Err:        err,
		})
	}

	if parsed.TimedOut {
		return nil, c.fail(&BackendError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassServer,
			Message:    "partial result discarded",
			Err:        ErrTimedOut,
		})
	}

	result := &fetcher.SearchResult{
		Hits: make([][]byte, 0, len(parsed.Hits.Hits)),
	}
	for _, hit := range parsed.Hits.Hits {
		result.Hits = append(result.Hits, hit.Source)
	}
	for _, failure := range parsed.Shards.Failures {
		result.ShardFailures = append(result.ShardFailures, fetcher.ShardFailure{
			Index:  failure.Index,
			Shard:  failure.Shard,
			Reason: failure.Reason.Type + ": " + failure.Reason.Reason,
		})
	}
	if parsed.Shards.Failed > 0 && len(result.ShardFailures) == 0 {
		result.ShardFailures = append(result.ShardFailures, fetcher.ShardFailure{
			Shard:  -1,
			Reason: fmt.Sprintf("%d of %d shards failed", parsed.Shards.Failed, parsed.Shards.Total),
		})
	}

	return result, nil
}

// fail records the error and returns it.
func (c *Client) fail(err *BackendError) error {
	searchErrorsTotal.WithLabelValues(string(err.Class)).Inc()
	c.logger.Debug().
		Int("status", err.StatusCode).
		Str("error_class", string(err.Class)).
		Msg("Search request error")
	return err
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
