package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	// operationsTotal tracks checkpoint operations by backend, operation and outcome.
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_checkpoint_operations_total",
			Help: "Total number of checkpoint operations",
		},
		[]string{"backend", "operation", "outcome"},
	)

	// sizeBytes tracks the size of the last saved checkpoint.
	sizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvest_checkpoint_size_bytes",
			Help: "Size of the last saved checkpoint in bytes",
		},
		[]string{"backend"},
	)
)

// DefaultTTL bounds how long an abandoned checkpoint survives.
const DefaultTTL = 7 * 24 * time.Hour

// RedisStore keeps checkpoints in Redis.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed checkpoint store. A non-positive
// ttl selects DefaultTTL.
func NewRedisStore(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key returns the Redis key of a run's checkpoint.
func (s *RedisStore) Key(runID string) string {
	return s.prefix + "checkpoint:" + runID
}

// Save stores v as the run's checkpoint and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, runID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		operationsTotal.WithLabelValues("redis", "save", "error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := s.redis.Set(ctx, s.Key(runID), data, s.ttl).Err(); err != nil {
		operationsTotal.WithLabelValues("redis", "save", "error").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	operationsTotal.WithLabelValues("redis", "save", "ok").Inc()
	sizeBytes.WithLabelValues("redis").Set(float64(len(data)))
	return nil
}

// Load decodes the run's checkpoint into v.
// Returns ErrNotFound if no checkpoint exists.
func (s *RedisStore) Load(ctx context.Context, runID string, v any) error {
	data, err := s.redis.Get(ctx, s.Key(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			operationsTotal.WithLabelValues("redis", "load", "miss").Inc()
			return ErrNotFound
		}
		operationsTotal.WithLabelValues("redis", "load", "error").Inc()
		return fmt.Errorf("redis get: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		operationsTotal.WithLabelValues("redis", "load", "error").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	operationsTotal.WithLabelValues("redis", "load", "hit").Inc()
	return nil
}

// Delete removes the run's checkpoint.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.redis.Del(ctx, s.Key(runID)).Err(); err != nil {
		operationsTotal.WithLabelValues("redis", "delete", "error").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	operationsTotal.WithLabelValues("redis", "delete", "ok").Inc()
	return nil
}
