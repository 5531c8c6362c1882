package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// scheduledRunID is reused by every tick, so a tick after a failed run
// resumes it and a tick after a successful one starts fresh.
const scheduledRunID = "scheduled"

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	var (
		spec   string
		addr   string
		runID  string
		runNow bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run harvests on a cron schedule and serve /metrics and /health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if spec == "" {
				spec = cfg.Cron.Schedule
			}
			if addr == "" {
				addr = cfg.Server.HTTPAddr
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			job := func(ctx context.Context) {
				if _, err := a.orch.Run(ctx, runID); err != nil {
					a.logger.Error().Err(err).Str("run_id", runID).Msg("Scheduled harvest failed")
				}
			}

			c, err := newScheduler(ctx, spec, job, a.logger)
			if err != nil {
				return err
			}

			srv := newServer(addr, func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			})
			go func() {
				a.logger.Info().Str("addr", addr).Msg("Serving metrics and health")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error().Err(err).Msg("HTTP server failed")
				}
			}()

			if !cfg.Cron.Enabled {
				a.logger.Warn().Msg("Cron disabled; serving endpoints only")
			} else {
				c.Start()
				a.logger.Info().Str("schedule", spec).Msg("Scheduler started")
			}
			var immediate sync.WaitGroup
			if runNow {
				// Through the wrapped job so a tick cannot overlap it.
				wrapped := c.Entries()[0].WrappedJob
				immediate.Add(1)
				go func() {
					defer immediate.Done()
					wrapped.Run()
				}()
			}

			<-ctx.Done()
			a.logger.Info().Msg("Shutting down")

			// Waits for running harvests to return.
			<-c.Stop().Done()
			immediate.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&spec, "cron", "", "cron expression (default from cron.schedule)")
	cmd.Flags().StringVar(&addr, "addr", "", "metrics and health listen address (default from server.http_addr)")
	cmd.Flags().StringVar(&runID, "run-id", scheduledRunID, "run id shared by scheduled harvests")
	cmd.Flags().BoolVar(&runNow, "now", false, "also run one harvest immediately")

	return cmd
}

// newScheduler registers job on spec. Overlapping ticks are skipped and a
// panicking job is recovered.
func newScheduler(ctx context.Context, spec string, job func(context.Context), logger zerolog.Logger) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return c, nil
}

func newServer(addr string, ping func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(ping))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if ping != nil {
			if err := ping(ctx); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}
