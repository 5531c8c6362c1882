package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/workforce-harvester/internal/config"
	"github.com/Sternrassler/workforce-harvester/internal/telemetry"
	"github.com/Sternrassler/workforce-harvester/pkg/attributes"
	"github.com/Sternrassler/workforce-harvester/pkg/checkpoint"
	"github.com/Sternrassler/workforce-harvester/pkg/client"
	"github.com/Sternrassler/workforce-harvester/pkg/credentials"
	"github.com/Sternrassler/workforce-harvester/pkg/logging"
	"github.com/Sternrassler/workforce-harvester/pkg/notify"
	"github.com/Sternrassler/workforce-harvester/pkg/orchestrator"
	"github.com/Sternrassler/workforce-harvester/pkg/pagination"
	"github.com/Sternrassler/workforce-harvester/pkg/ratelimit"
	"github.com/Sternrassler/workforce-harvester/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the process-wide wiring shared by every command.
type app struct {
	cfg      config.Config
	redis    *redis.Client
	orch     *orchestrator.Orchestrator
	logger   zerolog.Logger
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Pretty,
		Output:  os.Stderr,
		Service: cfg.Telemetry.ServiceName,
	})

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	var limiter client.RateLimiter
	if cfg.Redis.RateLimit {
		limiter = ratelimit.NewTracker(rdb, logging.NewLogger("ratelimit")).
			WithKeyPrefix(cfg.Redis.KeyPrefix + "ratelimit:")
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Credentials: credentialSource(cfg),
		Connect:     connector(cfg, limiter),
		OpenLoader:  loaderOpener(cfg),
		Notifier:    buildNotifier(cfg),
		Checkpoints: checkpointStore(cfg, rdb),
	}, orchestratorConfig(cfg))
	if err != nil {
		_ = rdb.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	return &app{
		cfg:      cfg,
		redis:    rdb,
		orch:     orch,
		logger:   logger,
		shutdown: shutdown,
	}, nil
}

// Close flushes traces and releases the Redis pool.
func (a *app) Close() {
	if err := a.shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Redis close failed")
	}
}

// checkpointStore keeps checkpoints under the shared key prefix. The store
// adds its own "checkpoint:" segment.
func checkpointStore(cfg config.Config, rdb *redis.Client) *checkpoint.RedisStore {
	return checkpoint.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.Redis.CheckpointTTL)
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Table = cfg.DB.Table
	if cfg.Harvest.TokenRefresh > 0 {
		oc.TokenThreshold = cfg.Harvest.TokenRefresh
	}
	oc.Pagination = pagination.Config{
		PageSize: cfg.Harvest.PageSize,
		MaxPages: cfg.Harvest.MaxPages,
	}
	oc.Harvest = attributes.Config{
		ChunkSize:      cfg.Harvest.ChunkSize,
		MaxConcurrency: cfg.Harvest.MaxConcurrency,
	}
	oc.Fetcher = attributes.FetcherConfig{
		MaxAttempts: cfg.Harvest.AttributeAttempts,
		Columns:     config.RenameMap(cfg.Columns.Custom),
	}
	return oc
}

func credentialSource(cfg config.Config) credentials.ConfigSource {
	c := cfg.Credentials
	return credentials.ConfigSource{
		Cert:     c.Cert,
		CertFile: c.CertFile,
		Key:      c.Key,
		KeyFile:  c.KeyFile,
		ID:       c.ClientID,
		Secret:   c.ClientSecret,
		User:     c.ServiceUser,
		Password: c.ServicePassword,
		DatabaseDetails: credentials.Database{
			Host:    c.DBHost,
			Port:    cfg.DB.Port,
			Name:    c.DBName,
			SSLMode: cfg.DB.SSLMode,
		},
	}
}

// connector builds the workers API client for one run from its sourced
// credentials.
func connector(cfg config.Config, limiter client.RateLimiter) func(context.Context, credentials.Bundle) (orchestrator.API, error) {
	return func(_ context.Context, b credentials.Bundle) (orchestrator.API, error) {
		cert, err := b.API.TLSCertificate()
		if err != nil {
			return nil, err
		}

		cc := client.DefaultConfig(cfg.API.AuthURL, cfg.API.SelectURL)
		cc.BaseSelect = cfg.API.BaseSelect
		cc.CustomSelect = cfg.API.CustomSelect
		cc.IDField = cfg.API.IDField
		cc.BaseColumns = config.RenameMap(cfg.Columns.Base)
		cc.ClientID = b.API.ClientID
		cc.ClientSecret = b.API.ClientSecret
		cc.Certificate = cert
		cc.UserAgent = cfg.API.UserAgent
		cc.Timeout = cfg.API.Timeout
		cc.RateLimiter = limiter

		if cfg.API.CAFile != "" {
			caPEM, err := os.ReadFile(cfg.API.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			if cc.RootCAs, err = client.LoadCertPool(caPEM); err != nil {
				return nil, err
			}
		}

		if cfg.Retry.MaxAttempts > 0 {
			cc.Retry = &client.RetryConfig{
				MaxAttempts:       cfg.Retry.MaxAttempts,
				InitialBackoff:    cfg.Retry.InitialBackoff,
				MaxBackoff:        cfg.Retry.MaxBackoff,
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			}
		}

		c, err := client.New(cc)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func loaderOpener(cfg config.Config) func(context.Context, credentials.Bundle) (orchestrator.Loader, error) {
	return func(ctx context.Context, b credentials.Bundle) (orchestrator.Loader, error) {
		s, err := store.Open(store.Config{
			DSN:             b.Database.DSN(),
			BatchSize:       cfg.DB.BatchSize,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: ping %s: %w", store.ErrPersistenceFailure, b.Database.Host, err)
		}
		if cfg.DB.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	}
}

func buildNotifier(cfg config.Config) notify.Multi {
	sinks := notify.Multi{notify.NewLogNotifier()}
	if cfg.Notify.TeamsWebhook != "" {
		sinks = append(sinks, notify.NewTeamsNotifier(cfg.Notify.TeamsWebhook))
	}
	if cfg.Notify.SlackWebhook != "" {
		sinks = append(sinks, notify.NewSlackNotifier(cfg.Notify.SlackWebhook, cfg.Notify.SlackChannel))
	}
	return sinks
}
