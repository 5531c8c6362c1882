// Package ratelimit implements shared request-quota tracking and request
// gating for the workers API. It monitors the X-RateLimit-Remaining and
// X-RateLimit-Reset headers so that concurrent attribute fan-out across
// harvester instances backs off before the API starts rejecting requests.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage, relative to the tracker prefix.
const (
	RedisKeyRequestsRemaining = "rate_limit:requests_remaining"
	RedisKeyResetTimestamp    = "rate_limit:reset_timestamp"
	RedisKeyLastUpdate        = "rate_limit:last_update"
)

// Response headers carrying the quota.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks all requests when remaining quota falls below this value.
	ThresholdCritical = 5

	// ThresholdWarning applies throttling when remaining quota falls below this value.
	ThresholdWarning = 20

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 50
)

// RateLimitState represents the current request quota state, shared
// across harvester instances via Redis.
type RateLimitState struct {
	// RequestsRemaining is the number of requests left in the window.
	RequestsRemaining int `json:"requests_remaining"`

	// ResetAt is when the quota window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when RequestsRemaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked. A window
// that has already reset never blocks.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.RequestsRemaining < ThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be throttled due to warning threshold.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.RequestsRemaining < ThresholdWarning && s.TimeUntilReset() > 0 && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current RequestsRemaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.RequestsRemaining >= ThresholdHealthy
}
