package attributes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_attribute_chunk_duration_seconds",
		Help:    "Duration of one attribute fan-out chunk",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	tokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_attribute_token_refreshes_total",
		Help: "Token refreshes performed between attribute chunks",
	})
)

// Defaults observed in production.
const (
	DefaultChunkSize      = 100
	DefaultMaxConcurrency = 25
)

// State is the externalizable harvester snapshot.
type State struct {
	Remaining []string          `json:"remaining"`
	Results   map[string]Result `json:"results"`
	LastBatch []Result          `json:"last_batch,omitempty"`
	Token     token.Token       `json:"token"`
	Chunks    int               `json:"chunks"`
}

// NewState returns the initial state for ids. Duplicate and empty ids are
// dropped, order is kept.
func NewState(ids []string, tok token.Token) State {
	seen := make(map[string]struct{}, len(ids))
	remaining := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		remaining = append(remaining, id)
	}
	return State{
		Remaining: remaining,
		Results:   make(map[string]Result, len(remaining)),
		Token:     tok,
	}
}

// Done reports whether every id has been processed.
func (s State) Done() bool {
	return len(s.Remaining) == 0
}

// Clone returns a copy that shares no slices or maps with s.
func (s State) Clone() State {
	out := s
	out.Remaining = append([]string(nil), s.Remaining...)
	out.Results = make(map[string]Result, len(s.Results))
	for k, v := range s.Results {
		out.Results[k] = v
	}
	if s.LastBatch != nil {
		out.LastBatch = append([]Result(nil), s.LastBatch...)
	}
	return out
}

// AbsentIDs returns the ids mapped to the absent marker, sorted.
func AbsentIDs(results map[string]Result) []string {
	var ids []string
	for id, r := range results {
		if r.Absent {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TokenSource refreshes a token when stale. *token.Manager satisfies it.
type TokenSource interface {
	Ensure(ctx context.Context, t token.Token) (token.Token, bool, error)
}

// Config holds harvester configuration.
type Config struct {
	ChunkSize      int
	MaxConcurrency int
}

// DefaultConfig returns the production chunking.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Harvester fans out one Fetch per id, one chunk per step.
type Harvester struct {
	fetcher *Fetcher
	tokens  TokenSource
	config  Config
	logger  zerolog.Logger
}

// NewHarvester creates a new harvester.
func NewHarvester(fetcher *Fetcher, tokens TokenSource, config Config) *Harvester {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Harvester{
		fetcher: fetcher,
		tokens:  tokens,
		config:  config,
		logger:  log.With().Str("component", "attributes").Logger(),
	}
}

// Step gates the token, then fetches exactly one chunk concurrently and
// merges the results by id. The input state is never modified; on error
// the caller retries the same chunk from it.
func (h *Harvester) Step(ctx context.Context, s State) (State, error) {
	if s.Done() {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return s, err
	}

	tok, refreshed, err := h.tokens.Ensure(ctx, s.Token)
	if err != nil {
		return s, fmt.Errorf("refresh token before chunk %d: %w", s.Chunks+1, err)
	}
	if refreshed {
		tokenRefreshesTotal.Inc()
	}

	n := h.config.ChunkSize
	if n > len(s.Remaining) {
		n = len(s.Remaining)
	}
	chunk := s.Remaining[:n]

	start := time.Now()
	batch := make([]Result, n)
	var g errgroup.Group
	g.SetLimit(h.config.MaxConcurrency)
	for i, id := range chunk {
		i, id := i, id
		g.Go(func() error {
			batch[i] = h.fetcher.Fetch(ctx, tok.Value, id)
			return nil
		})
	}
	_ = g.Wait()
	chunkDuration.Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		return s, fmt.Errorf("chunk %d interrupted: %w", s.Chunks+1, err)
	}

	next := s.Clone()
	next.Token = tok
	absent := 0
	for _, r := range batch {
		next.Results[r.ID] = r
		if r.Absent {
			absent++
		}
	}
	next.Remaining = next.Remaining[n:]
	next.LastBatch = batch
	next.Chunks++

	h.logger.Info().
		Int("chunk", next.Chunks).
		Int("fetched", n).
		Int("absent", absent).
		Int("remaining", len(next.Remaining)).
		Bool("token_refreshed", refreshed).
		Msg("Attribute chunk harvested")

	return next, nil
}

// Run steps until done. sink, when set, receives every new state.
func (h *Harvester) Run(ctx context.Context, s State, sink func(State) error) (State, error) {
	for !s.Done() {
		next, err := h.Step(ctx, s)
		if err != nil {
			return s, err
		}
		if sink != nil {
			if err := sink(next); err != nil {
				return next, fmt.Errorf("state sink: %w", err)
			}
		}
		s = next
	}
	return s, nil
}
