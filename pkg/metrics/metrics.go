// Package metrics exposes the Prometheus registry of the record importer.
// All metrics are defined in their respective packages (fetcher, search, cursor)
// to maintain modularity and avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the importer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer serves the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Batch Size Metrics (pkg/fetcher):
//   - importer_batch_size{partition} (Gauge): Current batch size per partition
//   - importer_batch_size_shrinks_total{partition} (Counter): Batch size halvings after failed fetches
//   - importer_batch_size_restorations_total{partition} (Counter): Restoration steps after consecutive successes
//
// Fetch Metrics (pkg/fetcher):
//   - importer_fetches_total{partition, outcome} (Counter): Fetches by outcome (records, empty, failure)
//   - importer_fetch_duration_seconds{partition} (Histogram): Fetch duration including mapping
//   - importer_records_fetched_total{partition} (Counter): Records returned by fetches
//
// Empty Page Metrics (pkg/fetcher):
//   - importer_empty_page_streak{partition} (Gauge): Current consecutive empty pages
//   - importer_idle_cycles_total{partition} (Counter): Empty page streaks that wrapped at the ceiling
//
// Search Metrics (pkg/search):
//   - importer_search_requests_total{status} (Counter): Search requests by HTTP status
//   - importer_search_request_duration_seconds (Histogram): Search request duration
//   - importer_search_errors_total{class} (Counter): Errors by class (client, server, network, decode)
//
// Cursor Metrics (pkg/cursor):
//   - importer_cursor_store_errors_total{operation} (Counter): Cursor store load/save errors
//
// Example Prometheus Queries:
//
//   # Partitions running below the default batch size
//   importer_batch_size < on() group_left() max(importer_batch_size)
//
//   # Failed fetch rate per partition
//   sum by (partition) (rate(importer_fetches_total{outcome="failure"}[5m]))
//
//   # Import throughput
//   sum(rate(importer_records_fetched_total[5m]))
//
//   # P95 Search Latency
//   histogram_quantile(0.95, rate(importer_search_request_duration_seconds_bucket[5m]))
