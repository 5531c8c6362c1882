// Package orchestrator drives a harvest run as a sequence of small,
// resumable steps: authenticate, page through the base records, fan out
// the attribute fetches, reconcile, load. The complete continuation state
// is checkpointed after every step, so a crashed or interrupted run picks
// up from its last completed step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/attributes"
	"github.com/Sternrassler/workforce-harvester/pkg/checkpoint"
	"github.com/Sternrassler/workforce-harvester/pkg/credentials"
	"github.com/Sternrassler/workforce-harvester/pkg/logging"
	"github.com/Sternrassler/workforce-harvester/pkg/notify"
	"github.com/Sternrassler/workforce-harvester/pkg/pagination"
	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/Sternrassler/workforce-harvester/pkg/store"
	"github.com/Sternrassler/workforce-harvester/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_runs_total",
		Help: "Harvest runs by outcome (success, failure)",
	}, []string{"outcome"})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_steps_total",
		Help: "Orchestration steps by phase and outcome",
	}, []string{"phase", "outcome"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_step_duration_seconds",
		Help:    "Duration of one orchestration step by phase",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"phase"})

	recordsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_last_run_records",
		Help: "Records loaded by the last successful run",
	})
)

var tracer = otel.Tracer("github.com/Sternrassler/workforce-harvester/pkg/orchestrator")

// API is the workers API surface a run uses. *client.Client satisfies it.
type API interface {
	token.Issuer
	pagination.PageFetcher
	attributes.Source
}

// Loader persists the merged harvest and the run audit trail.
// *store.Store satisfies it.
type Loader interface {
	Replace(ctx context.Context, table string, records []record.Record) (int, error)
	RecordRun(ctx context.Context, run store.HarvestRun) error
}

// Deps are the external collaborators of the orchestrator.
type Deps struct {
	// Credentials is consulted at the start of every run.
	Credentials credentials.Source

	// Connect builds the API client from the sourced credentials.
	Connect func(ctx context.Context, b credentials.Bundle) (API, error)

	// OpenLoader connects to the staging database. A returned loader that
	// implements io.Closer is closed when the run ends.
	OpenLoader func(ctx context.Context, b credentials.Bundle) (Loader, error)

	Notifier    notify.Notifier
	Checkpoints checkpoint.Store
}

// Config holds orchestration configuration.
type Config struct {
	Table          string
	TokenThreshold time.Duration
	Pagination     pagination.Config
	Harvest        attributes.Config
	Fetcher        attributes.FetcherConfig
	Clock          func() time.Time
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Table:          store.DefaultTable,
		TokenThreshold: token.DefaultThreshold,
		Pagination:     pagination.DefaultConfig(),
		Harvest:        attributes.DefaultConfig(),
		Fetcher:        attributes.FetcherConfig{MaxAttempts: attributes.DefaultMaxAttempts},
		Clock:          time.Now,
	}
}

// Orchestrator runs harvests.
type Orchestrator struct {
	deps   Deps
	config Config
	logger zerolog.Logger
}

// New creates an orchestrator.
func New(deps Deps, config Config) (*Orchestrator, error) {
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credentials source is required")
	}
	if deps.Connect == nil || deps.OpenLoader == nil {
		return nil, fmt.Errorf("connect and loader factories are required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Table == "" {
		config.Table = store.DefaultTable
	}
	return &Orchestrator{
		deps:   deps,
		config: config,
		logger: logging.NewLogger("orchestrator"),
	}, nil
}

// run is the bookkeeping of one Run call.
type run struct {
	state  State
	host   string
	loader Loader
	logger zerolog.Logger
}

// Run executes the harvest identified by runID. An existing checkpoint is
// resumed; otherwise the run starts fresh. The state is checkpointed after
// every step and the checkpoint is deleted once the run is done. On
// failure the checkpoint is kept so the run can be forced to resume.
func (o *Orchestrator) Run(ctx context.Context, runID string) (State, error) {
	if runID == "" {
		runID = NewRunID()
	}
	r := &run{
		state:  NewState(runID, o.config.Clock()),
		logger: logging.WithRun(o.logger, runID),
	}

	ctx, span := tracer.Start(ctx, "harvest.run")
	defer span.End()

	var saved State
	switch err := o.deps.Checkpoints.Load(ctx, runID, &saved); {
	case err == nil:
		r.state = saved
		r.logger.Info().
			Str("phase", string(saved.Phase)).
			Time("updated_at", saved.UpdatedAt).
			Msg("Resuming from checkpoint")
	case errors.Is(err, checkpoint.ErrNotFound):
		r.logger.Info().Msg("Starting new harvest")
	default:
		return r.state, o.fail(ctx, r, fmt.Errorf("load checkpoint: %w", err))
	}

	bundle, err := credentials.Load(ctx, o.deps.Credentials)
	if err != nil {
		return r.state, o.fail(ctx, r, err)
	}
	r.host = bundle.Database.Host

	api, err := o.deps.Connect(ctx, bundle)
	if err != nil {
		return r.state, o.fail(ctx, r, fmt.Errorf("connect: %w", err))
	}
	if c, ok := api.(io.Closer); ok {
		defer c.Close()
	}

	r.loader, err = o.deps.OpenLoader(ctx, bundle)
	if err != nil {
		return r.state, o.fail(ctx, r, fmt.Errorf("open loader: %w", err))
	}
	if c, ok := r.loader.(io.Closer); ok {
		defer c.Close()
	}

	sess := newSession(api, r.loader, o.config, r.logger)
	for !r.state.Done() {
		if err := ctx.Err(); err != nil {
			return r.state, o.fail(ctx, r, err)
		}

		next, err := sess.Step(ctx, r.state)
		if err != nil {
			return r.state, o.fail(ctx, r, fmt.Errorf("%s step: %w", r.state.Phase, err))
		}
		next.UpdatedAt = o.config.Clock()

		if !next.Done() {
			if err := o.deps.Checkpoints.Save(ctx, runID, next); err != nil {
				return r.state, o.fail(ctx, r, fmt.Errorf("save checkpoint: %w", err))
			}
		}
		r.state = next
	}

	if err := o.deps.Checkpoints.Delete(ctx, runID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to delete checkpoint")
	}

	runsTotal.WithLabelValues("success").Inc()
	recordsLoaded.Set(float64(r.state.Loaded))
	r.logger.Info().
		Int("loaded", r.state.Loaded).
		Int("pages", r.state.Base.Pages).
		Int("absent", len(attributes.AbsentIDs(r.state.Attributes.Results))).
		Int("reconciled", r.state.Reconciled).
		Dur("elapsed", r.state.UpdatedAt.Sub(r.state.StartedAt)).
		Msg("Harvest complete")

	status := notify.Success(r.state.Loaded, r.host)
	o.audit(ctx, r, status)
	if err := o.deps.Notifier.Notify(ctx, status); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send success notification")
	}
	return r.state, nil
}

// fail reports a fatal run error and returns it.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	runsTotal.WithLabelValues("failure").Inc()
	r.logger.Error().
		Err(err).
		Str("phase", string(r.state.Phase)).
		Msg("Harvest failed")

	// Report even when ctx is already cancelled.
	reportCtx := context.WithoutCancel(ctx)
	status := notify.Failure(err, r.host)
	o.audit(reportCtx, r, status)
	if nerr := o.deps.Notifier.Notify(reportCtx, status); nerr != nil {
		r.logger.Warn().Err(nerr).Msg("Failed to send failure notification")
	}
	return err
}

func (o *Orchestrator) audit(ctx context.Context, r *run, status notify.Status) {
	if r.loader == nil {
		return
	}
	row := store.HarvestRun{
		RunID:       r.state.RunID,
		Status:      status.Status,
		RecordCount: status.RecordCount,
		Phase:       string(r.state.Phase),
		Message:     status.Message,
		Details: store.Details(map[string]int{
			"pages":      r.state.Base.Pages,
			"base":       len(r.state.Base.Records),
			"attributes": len(r.state.Attributes.Results),
			"absent":     len(attributes.AbsentIDs(r.state.Attributes.Results)),
			"reconciled": r.state.Reconciled,
			"chunks":     r.state.Attributes.Chunks,
		}),
		StartedAt:  r.state.StartedAt,
		FinishedAt: o.config.Clock(),
	}
	if err := r.loader.RecordRun(ctx, row); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record run")
	}
}
