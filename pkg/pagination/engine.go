package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for base page harvesting.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_base_pages_total",
		Help: "Base pages fetched by outcome (records, empty, end)",
	}, []string{"outcome"})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_base_records_total",
		Help: "Base records accumulated",
	})

	pageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_base_page_duration_seconds",
		Help:    "Duration of a single base page fetch",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// ErrMaxPages is returned when the configured page limit is reached before
// the endpoint reports end-of-data.
var ErrMaxPages = errors.New("page limit reached before end of data")

// Status is the engine state machine position.
type Status string

const (
	StatusFetching     Status = "fetching"
	StatusAccumulating Status = "accumulating"
	StatusDone         Status = "done"
)

// Cursor is the skip/top pagination position.
type Cursor struct {
	Skip int `json:"skip"`
	Top  int `json:"top"`
}

// Next returns the cursor advanced by one page.
func (c Cursor) Next() Cursor {
	return Cursor{Skip: c.Skip + c.Top, Top: c.Top}
}

// Validate checks skip >= 0 and top > 0.
func (c Cursor) Validate() error {
	if c.Skip < 0 {
		return fmt.Errorf("cursor skip must be >= 0 (got %d)", c.Skip)
	}
	if c.Top <= 0 {
		return fmt.Errorf("cursor top must be > 0 (got %d)", c.Top)
	}
	return nil
}

// Page is one fetched page. End marks the endpoint's explicit
// no-more-results signal; an empty page with End false is not the end.
type Page struct {
	Records []record.Record
	End     bool
}

// PageFetcher fetches a single page at a cursor.
type PageFetcher interface {
	FetchPage(ctx context.Context, accessToken string, cursor Cursor) (Page, error)
}

// State is the externalizable engine snapshot.
type State struct {
	Status   Status          `json:"status"`
	Cursor   Cursor          `json:"cursor"`
	Records  []record.Record `json:"records"`
	LastPage []record.Record `json:"last_page,omitempty"`
	Pages    int             `json:"pages"`
}

// NewState returns the initial state at skip 0.
func NewState(top int) State {
	return State{
		Status: StatusFetching,
		Cursor: Cursor{Skip: 0, Top: top},
	}
}

// Done reports whether the terminal state was reached.
func (s State) Done() bool {
	return s.Status == StatusDone
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	out := s
	out.Records = append([]record.Record(nil), s.Records...)
	if s.LastPage != nil {
		out.LastPage = append([]record.Record(nil), s.LastPage...)
	}
	return out
}

// Config holds engine configuration.
type Config struct {
	// PageSize is the top value for new states.
	PageSize int

	// MaxPages stops the harvest with ErrMaxPages after this many fetches.
	// Zero means unlimited.
	MaxPages int
}

// DefaultConfig returns the observed production page size.
func DefaultConfig() Config {
	return Config{
		PageSize: 200,
		MaxPages: 0,
	}
}

// Engine drives a PageFetcher one step at a time.
type Engine struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewEngine creates a new engine.
func NewEngine(fetcher PageFetcher, config Config) *Engine {
	if config.PageSize <= 0 {
		config.PageSize = 200
	}
	return &Engine{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "pagination").Logger(),
	}
}

// NewState returns the initial state using the configured page size.
func (e *Engine) NewState() State {
	return NewState(e.config.PageSize)
}

// Step performs exactly one unit of work. The input state is never
// modified; on error the caller keeps its current state and may retry.
func (e *Engine) Step(ctx context.Context, accessToken string, s State) (State, error) {
	switch s.Status {
	case StatusDone:
		return s, nil

	case StatusAccumulating:
		next := s.Clone()
		next.Records = append(next.Records, s.LastPage...)
		next.LastPage = nil
		next.Cursor = s.Cursor.Next()
		next.Status = StatusFetching
		recordsTotal.Add(float64(len(s.LastPage)))

		e.logger.Debug().
			Int("appended", len(s.LastPage)).
			Int("total", len(next.Records)).
			Int("next_skip", next.Cursor.Skip).
			Msg("Page accumulated")
		return next, nil

	case StatusFetching, "":
		return e.fetch(ctx, accessToken, s)

	default:
		return s, fmt.Errorf("unknown pagination status %q", s.Status)
	}
}

func (e *Engine) fetch(ctx context.Context, accessToken string, s State) (State, error) {
	if err := s.Cursor.Validate(); err != nil {
		return s, err
	}
	if e.config.MaxPages > 0 && s.Pages >= e.config.MaxPages {
		return s, fmt.Errorf("%w (%d pages)", ErrMaxPages, s.Pages)
	}

	start := time.Now()
	page, err := e.fetcher.FetchPage(ctx, accessToken, s.Cursor)
	pageDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return s, fmt.Errorf("fetch page at skip %d: %w", s.Cursor.Skip, err)
	}

	next := s.Clone()
	next.Pages++

	if page.End {
		pagesTotal.WithLabelValues("end").Inc()
		next.Status = StatusDone
		next.LastPage = nil

		e.logger.Info().
			Int("skip", s.Cursor.Skip).
			Int("pages", next.Pages).
			Int("records", len(next.Records)).
			Msg("End of data reached")
		return next, nil
	}

	if len(page.Records) == 0 {
		pagesTotal.WithLabelValues("empty").Inc()
	} else {
		pagesTotal.WithLabelValues("records").Inc()
	}

	next.LastPage = append(make([]record.Record, 0, len(page.Records)), page.Records...)
	next.Status = StatusAccumulating

	e.logger.Debug().
		Int("skip", s.Cursor.Skip).
		Int("top", s.Cursor.Top).
		Int("records", len(page.Records)).
		Msg("Page fetched")
	return next, nil
}

// Run steps until done. sink, when set, receives every new state and may
// abort the run by returning an error. The returned state is the last one
// successfully produced.
func (e *Engine) Run(ctx context.Context, accessToken string, s State, sink func(State) error) (State, error) {
	for !s.Done() {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		next, err := e.Step(ctx, accessToken, s)
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
