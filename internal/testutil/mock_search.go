// Package testutil provides testing utilities for the record importer.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/record-importer/pkg/record"
	"github.com/klauspost/compress/gzip"
)

// MockSearchResponse defines a canned response of the mock search server.
type MockSearchResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockSearch is a configurable mock search cluster for testing.
// By default it serves its stored records, honoring the index pattern of the
// request path and the partition, range and size of the page query.
type MockSearch struct {
	server *httptest.Server

	mu       sync.RWMutex
	records  []record.Record
	queued   []MockSearchResponse
	requests []map[string]any
	gzipped  int
	compress bool
}

// NewMockSearch creates a new mock search server.
func NewMockSearch() *MockSearch {
	mock := &MockSearch{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, body)
		var canned *MockSearchResponse
		if len(mock.queued) > 0 {
			canned = &mock.queued[0]
			mock.queued = mock.queued[1:]
		}
		compress := mock.compress && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
		if compress {
			mock.gzipped++
		}
		mock.mu.Unlock()

		if compress {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w = gzipResponseWriter{ResponseWriter: w, writer: gz}
		}

		if canned != nil {
			if canned.Delay > 0 {
				time.Sleep(canned.Delay)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(canned.StatusCode)
			w.Write([]byte(canned.Body))
			return
		}

		mock.defaultHandler(w, indexPrefix(r.URL.Path), body)
	}))

	return mock
}

// gzipResponseWriter writes the body through a gzip writer.
type gzipResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}

// SetCompression makes the server gzip responses for clients accepting it.
func (m *MockSearch) SetCompression(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compress = enabled
}

// GetGzippedCount returns the number of responses sent gzip encoded.
func (m *MockSearch) GetGzippedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gzipped
}

// URL returns the mock server URL.
func (m *MockSearch) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSearch) Close() {
	m.server.Close()
}

// AddRecords stores records served by the default handler.
func (m *MockSearch) AddRecords(records ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

// Enqueue queues canned responses served before the default handler.
func (m *MockSearch) Enqueue(responses ...MockSearchResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, responses...)
}

// Requests returns the decoded request bodies received so far.
func (m *MockSearch) Requests() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, len(m.requests))
	copy(out, m.requests)
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSearch) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// RequestedSizes returns the "size" of every request received so far.
func (m *MockSearch) RequestedSizes() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sizes := make([]int, 0, len(m.requests))
	for _, body := range m.requests {
		size, _ := body["size"].(float64)
		sizes = append(sizes, int(size))
	}
	return sizes
}

// defaultHandler answers a page query from the stored records.
func (m *MockSearch) defaultHandler(w http.ResponseWriter, prefix string, body map[string]any) {
	partition, field, gt, lte, size := parsePageQuery(body)

	m.mu.RLock()
	var hits []record.Record
	for _, r := range m.records {
		if r.PartitionID != partition || !strings.HasPrefix(IndexName(r), prefix) {
			continue
		}
		value := r.Position
		if field == "sequence" {
			value = r.Sequence
		}
		if value <= gt || (lte > 0 && value > lte) {
			continue
		}
		hits = append(hits, r)
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if field == "sequence" {
			return hits[i].Sequence < hits[j].Sequence
		}
		return hits[i].Position < hits[j].Position
	})
	if size >= 0 && len(hits) > size {
		hits = hits[:size]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(NewSearchBody(hits...)))
}

// indexPrefix returns the literal prefix of the index pattern in a
// "/<pattern>/_search" path.
func indexPrefix(path string) string {
	pattern := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		pattern = pattern[:i]
	}
	return pattern
}

// IndexName returns the index a record is exported to.
func IndexName(r record.Record) string {
	return fmt.Sprintf("zeebe-record_%s_8.5.0", strings.ToLower(r.ValueType))
}

// parsePageQuery extracts the fields of a page query built by search.BuildQuery.
func parsePageQuery(body map[string]any) (partition int, field string, gt, lte int64, size int) {
	size = -1
	if s, ok := body["size"].(float64); ok {
		size = int(s)
	}

	query, _ := body["query"].(map[string]any)
	boolQuery, _ := query["bool"].(map[string]any)
	filters, _ := boolQuery["filter"].([]any)
	for _, f := range filters {
		filter, _ := f.(map[string]any)
		if term, ok := filter["term"].(map[string]any); ok {
			if p, ok := term["partitionId"].(float64); ok {
				partition = int(p)
			}
		}
		if rng, ok := filter["range"].(map[string]any); ok {
			for name, bounds := range rng {
				field = name
				b, _ := bounds.(map[string]any)
				if v, ok := b["gt"].(float64); ok {
					gt = int64(v)
				}
				if v, ok := b["lte"].(float64); ok {
					lte = int64(v)
				}
			}
		}
	}
	return partition, field, gt, lte, size
}

// NewSearchBody renders a successful _search response with the given records as hits.
func NewSearchBody(records ...record.Record) string {
	hits := make([]map[string]any, 0, len(records))
	for _, r := range records {
		hits = append(hits, map[string]any{
			"_index":  IndexName(r),
			"_source": r,
		})
	}

	body, _ := json.Marshal(map[string]any{
		"timed_out": false,
		"_shards":   map[string]any{"total": 1, "successful": 1, "failed": 0},
		"hits":      map[string]any{"hits": hits},
	})
	return string(body)
}

// NewServerErrorResponse creates a 503 response as returned by an overloaded cluster.
func NewServerErrorResponse() MockSearchResponse {
	return MockSearchResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"error":{"type":"es_rejected_execution_exception","reason":"rejected execution"},"status":503}`,
	}
}

// NewShardFailureResponse creates a 200 response carrying a shard failure.
func NewShardFailureResponse() MockSearchResponse {
	return MockSearchResponse{
		StatusCode: http.StatusOK,
		Body: `{"timed_out":false,"_shards":{"total":2,"successful":1,"failed":1,` +
			`"failures":[{"index":"zeebe-record_job_8.5.0","shard":1,"reason":{"type":"node_disconnected_exception","reason":"node left"}}]},` +
			`"hits":{"hits":[]}}`,
	}
}

// NewTimedOutResponse creates a 200 response flagged as timed out.
func NewTimedOutResponse() MockSearchResponse {
	return MockSearchResponse{
		StatusCode: http.StatusOK,
		Body:       `{"timed_out":true,"_shards":{"total":1,"successful":1,"failed":0},"hits":{"hits":[]}}`,
	}
}
