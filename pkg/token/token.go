// Package token issues bearer tokens and decides when they must be
// re-issued. Refresh is proactive: a token is replaced once its age reaches
// the threshold, whether or not the API has started rejecting it.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_tokens_issued_total",
	Help: "Bearer tokens issued by reason (initial, stale, forced) and outcome",
}, []string{"reason", "outcome"})

// DefaultThreshold is the observed refresh policy.
const DefaultThreshold = 50 * time.Minute

// Token is an issued bearer token. Tokens are replaced wholesale, never
// mutated.
type Token struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// IsZero reports whether no token has been issued yet.
func (t Token) IsZero() bool {
	return t.Value == "" && t.IssuedAt.IsZero()
}

// IsStale reports whether now has reached IssuedAt+threshold. Both instants
// are compared at second granularity.
func IsStale(t Token, now time.Time, threshold time.Duration) bool {
	deadline := t.IssuedAt.Truncate(time.Second).Add(threshold)
	return !now.Truncate(time.Second).Before(deadline)
}

// Issuer performs the client-credentials grant. *client.Client satisfies it.
type Issuer interface {
	IssueToken(ctx context.Context) (string, error)
}

// Manager issues tokens and refreshes them when stale.
type Manager struct {
	issuer    Issuer
	threshold time.Duration
	clock     func() time.Time
	logger    zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock. A nil clock is ignored.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithThreshold overrides DefaultThreshold.
func WithThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// NewManager creates a token manager.
func NewManager(issuer Issuer, opts ...Option) *Manager {
	m := &Manager{
		issuer:    issuer,
		threshold: DefaultThreshold,
		clock:     time.Now,
		logger:    log.With().Str("component", "token").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the configured staleness threshold.
func (m *Manager) Threshold() time.Duration {
	return m.threshold
}

// Issue calls the auth endpoint exactly once. Every failure is
// client.ErrAuthFailure.
func (m *Manager) Issue(ctx context.Context) (Token, error) {
	return m.issue(ctx, "forced")
}

func (m *Manager) issue(ctx context.Context, reason string) (Token, error) {
	value, err := m.issuer.IssueToken(ctx)
	if err == nil && value == "" {
		err = fmt.Errorf("%w: empty access token", client.ErrAuthFailure)
	}
	if err != nil {
		issuedTotal.WithLabelValues(reason, "error").Inc()
		return Token{}, wrapAuth(err)
	}

	issuedTotal.WithLabelValues(reason, "ok").Inc()
	t := Token{Value: value, IssuedAt: m.clock()}
	m.logger.Info().
		Str("reason", reason).
		Time("issued_at", t.IssuedAt).
		Msg("Token issued")
	return t, nil
}

// Ensure returns t unchanged while it is fresh, and a newly issued token
// otherwise. A zero token is always issued. refreshed reports a re-issue.
func (m *Manager) Ensure(ctx context.Context, t Token) (Token, bool, error) {
	if t.IsZero() {
		fresh, err := m.issue(ctx, "initial")
		return fresh, err == nil, err
	}
	if !IsStale(t, m.clock(), m.threshold) {
		return t, false, nil
	}

	m.logger.Info().
		Time("issued_at", t.IssuedAt).
		Dur("threshold", m.threshold).
		Msg("Token stale, re-issuing")

	fresh, err := m.issue(ctx, "stale")
	if err != nil {
		return t, false, err
	}
	return fresh, true, nil
}

func wrapAuth(err error) error {
	if errors.Is(err, client.ErrAuthFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", client.ErrAuthFailure, err)
}
