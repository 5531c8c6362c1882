package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/attributes"
	"github.com/Sternrassler/workforce-harvester/pkg/pagination"
	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/Sternrassler/workforce-harvester/pkg/token"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session holds the collaborators of one run, built from freshly sourced
// credentials. It is not persisted.
type Session struct {
	tokens    *token.Manager
	engine    *pagination.Engine
	fetcher   *attributes.Fetcher
	harvester *attributes.Harvester
	loader    Loader
	table     string
	logger    zerolog.Logger
}

func newSession(api API, loader Loader, cfg Config, logger zerolog.Logger) *Session {
	tokens := token.NewManager(api, token.WithClock(cfg.Clock), token.WithThreshold(cfg.TokenThreshold))
	fetcher := attributes.NewFetcher(api, cfg.Fetcher)
	return &Session{
		tokens:    tokens,
		engine:    pagination.NewEngine(api, cfg.Pagination),
		fetcher:   fetcher,
		harvester: attributes.NewHarvester(fetcher, tokens, cfg.Harvest),
		loader:    loader,
		table:     cfg.Table,
		logger:    logger,
	}
}

// Step executes one unit of work for the current phase and returns the
// next state. The input is never modified; on error the caller keeps it.
func (s *Session) Step(ctx context.Context, st State) (State, error) {
	ctx, span := tracer.Start(ctx, "harvest."+string(st.Phase),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("harvest.run_id", st.RunID),
			attribute.String("harvest.phase", string(st.Phase)),
		),
	)
	defer span.End()

	start := time.Now()
	next, err := s.step(ctx, st)
	stepDuration.WithLabelValues(string(st.Phase)).Observe(time.Since(start).Seconds())

	if err != nil {
		stepsTotal.WithLabelValues(string(st.Phase), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st, err
	}
	stepsTotal.WithLabelValues(string(st.Phase), "ok").Inc()

	if next.Phase != st.Phase {
		s.logger.Info().
			Str("from", string(st.Phase)).
			Str("phase", string(next.Phase)).
			Msg("Phase complete")
	}
	return next, nil
}

func (s *Session) step(ctx context.Context, st State) (State, error) {
	next := st
	switch st.Phase {
	case PhaseAuthenticate, "":
		tok, err := s.tokens.Issue(ctx)
		if err != nil {
			return st, err
		}
		next.Token = tok
		next.Base = s.engine.NewState()
		next.Phase = PhaseBase
		return next, nil

	case PhaseBase:
		tok, _, err := s.tokens.Ensure(ctx, st.Token)
		if err != nil {
			return st, err
		}
		base, err := s.engine.Step(ctx, tok.Value, st.Base)
		if err != nil {
			return st, err
		}
		next.Token = tok
		next.Base = base
		if base.Done() {
			next.Attributes = attributes.NewState(record.IDs(base.Records), tok)
			next.Phase = PhaseAttributes
		}
		return next, nil

	case PhaseAttributes:
		in := st.Attributes
		in.Token = st.Token
		out, err := s.harvester.Step(ctx, in)
		if err != nil {
			return st, err
		}
		next.Attributes = out
		next.Token = out.Token
		if out.Done() {
			next.Phase = PhaseReconcile
		}
		return next, nil

	case PhaseReconcile:
		tok, err := s.tokens.Issue(ctx)
		if err != nil {
			return st, err
		}
		results, resolved, err := attributes.Reconcile(ctx, s.fetcher, tok.Value, st.Attributes.Results)
		if err != nil {
			return st, err
		}
		next.Token = tok
		next.Attributes = st.Attributes.Clone()
		next.Attributes.Results = results
		next.Attributes.Token = tok
		next.Reconciled = resolved
		next.Phase = PhaseLoad
		return next, nil

	case PhaseLoad:
		merged := record.Merge(st.Base.Records, attributes.FieldsByID(st.Attributes.Results))
		n, err := s.loader.Replace(ctx, s.table, merged)
		if err != nil {
			return st, err
		}
		next.Loaded = n
		next.Phase = PhaseDone
		return next, nil

	case PhaseDone:
		return st, nil

	default:
		return st, fmt.Errorf("unknown phase %q", st.Phase)
	}
}
