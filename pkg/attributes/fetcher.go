// Package attributes harvests per-worker custom attributes: a single-record
// fetcher with a bounded retry ladder, a chunked fan-out harvester driven
// one step at a time, and a reconciliation pass for absent records.
package attributes

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/workforce-harvester/pkg/client"
	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Prometheus metrics for attribute fetching.
var (
	fetchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_attribute_fetches_total",
		Help: "Attribute fetch outcomes (resolved, absent) by call site (fanout, reconcile)",
	}, []string{"site", "outcome"})

	fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_attribute_attempts_total",
		Help: "Attribute request attempts by reason (initial, secure_channel, retry)",
	}, []string{"reason"})
)

// DefaultMaxAttempts is the ladder length for malformed or failed responses.
const DefaultMaxAttempts = 3

// Result is the outcome of one attribute fetch: either resolved fields or
// the absent marker. A zero Result means not yet fetched.
type Result struct {
	ID     string        `json:"id"`
	Fields record.Fields `json:"fields,omitempty"`
	Absent bool          `json:"absent,omitempty"`
}

// Resolved returns a resolved result.
func Resolved(id string, fields record.Fields) Result {
	if fields == nil {
		fields = record.Fields{}
	}
	return Result{ID: id, Fields: fields}
}

// AbsentResult returns the absent marker for id.
func AbsentResult(id string) Result {
	return Result{ID: id, Absent: true}
}

// Source returns the raw attribute response body for one worker.
// *client.Client satisfies it.
type Source interface {
	GetAttributes(ctx context.Context, accessToken, id string) ([]byte, error)
}

// FetcherConfig holds fetcher configuration.
type FetcherConfig struct {
	// MaxAttempts bounds the ladder. The immediate secure channel retry
	// is not counted.
	MaxAttempts int

	// Columns renames flattened attribute columns; "remove" drops a column.
	Columns map[string]string
}

// Fetcher fetches the custom attributes of one worker.
type Fetcher struct {
	source Source
	config FetcherConfig
	logger zerolog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(source Source, config FetcherConfig) *Fetcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	return &Fetcher{
		source: source,
		config: config,
		logger: log.With().Str("component", "attributes").Logger(),
	}
}

// Fetch runs the retry ladder for id and never fails: exhaustion yields
// the absent marker. A secure channel failure on the first request is
// retried once immediately before the ladder continues.
func (f *Fetcher) Fetch(ctx context.Context, accessToken, id string) Result {
	return f.fetch(ctx, accessToken, id, "fanout")
}

func (f *Fetcher) fetch(ctx context.Context, accessToken, id, site string) Result {
	fetchAttemptsTotal.WithLabelValues("initial").Inc()
	body, err := f.source.GetAttributes(ctx, accessToken, id)

	if err != nil && errors.Is(err, client.ErrSecureChannel) && ctx.Err() == nil {
		f.logger.Warn().
			Err(err).
			Str("associate_oid", id).
			Msg("Secure channel failure, retrying request")
		fetchAttemptsTotal.WithLabelValues("secure_channel").Inc()
		body, err = f.source.GetAttributes(ctx, accessToken, id)
	}

	for attempt := 1; ; attempt++ {
		if err == nil {
			fields, decodeErr := Decode(body, f.config.Columns)
			if decodeErr == nil {
				fetchOutcomesTotal.WithLabelValues(site, "resolved").Inc()
				if attempt > 1 {
					f.logger.Debug().
						Str("associate_oid", id).
						Int("attempt", attempt).
						Msg("Attributes resolved after retry")
				}
				return Resolved(id, fields)
			}
			err = decodeErr
		}

		if attempt >= f.config.MaxAttempts || ctx.Err() != nil {
			fetchOutcomesTotal.WithLabelValues(site, "absent").Inc()
			f.logger.Warn().
				Err(err).
				Str("associate_oid", id).
				Int("attempt", attempt).
				Msg("Attributes absent after retry ladder")
			return AbsentResult(id)
		}

		f.logger.Debug().
			Err(err).
			Str("associate_oid", id).
			Int("attempt", attempt).
			Msg("Attribute fetch failed, retrying")
		fetchAttemptsTotal.WithLabelValues("retry").Inc()
		body, err = f.source.GetAttributes(ctx, accessToken, id)
	}
}

// Decode extracts the attribute fields from a response body. The workers
// value may be an object or an array whose first element is used. A body
// that is not JSON, or carries no workers value, is ErrMalformedResponse.
func Decode(body []byte, columns map[string]string) (record.Fields, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", client.ErrMalformedResponse)
	}

	workers := gjson.GetBytes(body, "workers")
	if workers.IsArray() {
		workers = workers.Get("0")
	}
	if !workers.IsObject() {
		return nil, fmt.Errorf("%w: no workers object", client.ErrMalformedResponse)
	}

	return record.Rename(record.Flatten(workers), columns), nil
}
