// Package metrics exposes the Prometheus registry shared by the harvester.
// Metrics are defined with promauto next to the code that updates them;
// this package serves them and documents the full set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto metrics land in.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry holds.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Run Metrics (pkg/orchestrator):
//   - harvest_runs_total{outcome} (Counter): Runs by outcome (success, failure)
//   - harvest_steps_total{phase, outcome} (Counter): Orchestration steps
//   - harvest_step_duration_seconds{phase} (Histogram): Step duration
//   - harvest_last_run_records (Gauge): Records loaded by the last successful run
//
// Base Page Metrics (pkg/pagination):
//   - harvest_base_pages_total{outcome} (Counter): Pages by outcome (records, empty, end)
//   - harvest_base_records_total (Counter): Base records accumulated
//   - harvest_base_page_duration_seconds (Histogram): Page fetch duration
//
// Attribute Metrics (pkg/attributes):
//   - harvest_attribute_fetches_total{site, outcome} (Counter): Resolved or absent, fan-out or reconcile
//   - harvest_attribute_attempts_total{reason} (Counter): Attempts (initial, secure_channel, retry)
//   - harvest_attribute_chunk_duration_seconds (Histogram): Chunk duration
//   - harvest_attribute_token_refreshes_total (Counter): Token refreshes between chunks
//
// Token Metrics (pkg/token):
//   - harvest_tokens_issued_total{reason, outcome} (Counter): Token requests (initial, stale, forced)
//
// Request Metrics (pkg/client):
//   - harvest_api_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - harvest_api_request_duration_seconds{endpoint} (Histogram): Request duration
//   - harvest_api_errors_total{class} (Counter): Errors by class
//   - harvest_api_malformed_responses_total{endpoint} (Counter): Undecodable 200 bodies
//   - harvest_api_retries_total{error_class} (Counter): Transport retries
//   - harvest_api_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - harvest_api_retry_exhausted_total{error_class} (Counter): Retries exhausted
//
// Quota Metrics (pkg/ratelimit):
//   - harvest_rate_limit_requests_remaining (Gauge): Requests left in the quota window
//   - harvest_rate_limit_blocks_total (Counter): Requests blocked at critical quota
//   - harvest_rate_limit_throttles_total (Counter): Requests throttled at warning quota
//
// Persistence Metrics (pkg/checkpoint, pkg/store):
//   - harvest_checkpoint_operations_total{backend, operation, outcome} (Counter): Checkpoint operations
//   - harvest_checkpoint_size_bytes{backend} (Gauge): Size of the last saved checkpoint
//   - harvest_store_rows_loaded_total (Counter): Rows written to staging
//   - harvest_store_load_duration_seconds{outcome} (Histogram): Staging reload duration
//
// Notification Metrics (pkg/notify):
//   - harvest_notifications_total{sink, outcome} (Counter): Notifications by sink
//
// Example Prometheus Queries:
//
//   # Failed runs in the last day
//   increase(harvest_runs_total{outcome="failure"}[1d])
//
//   # Share of workers whose attributes ended absent
//   sum(rate(harvest_attribute_fetches_total{outcome="absent",site="reconcile"}[1h])) /
//   sum(rate(harvest_attribute_fetches_total{site="fanout"}[1h]))
//
//   # P95 attribute chunk duration
//   histogram_quantile(0.95, rate(harvest_attribute_chunk_duration_seconds_bucket[1h]))
//
//   # Quota pressure
//   harvest_rate_limit_requests_remaining < 20
