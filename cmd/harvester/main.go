// Command harvester pulls every worker record from the workers API and
// reloads the staging table. Runs are checkpointed in Redis and can be
// resumed after a failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/workforce-harvester/internal/config"
	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

type rootOptions struct {
	ConfigPath string
	EnvOnly    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "harvester",
		Short:         "Harvest worker records into the staging database",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "harvester.yaml", "config file")
	cmd.PersistentFlags().BoolVar(&opts.EnvOnly, "env-only", false, "ignore the config file and read HARVEST_* variables only")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	cmd.AddCommand(newScheduleCommand(opts))

	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	path := o.ConfigPath
	if _, err := os.Stat(path); err != nil && path == "harvester.yaml" {
		// The default file is optional.
		path = ""
	}
	cfg, err := config.Load(path, o.EnvOnly)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one harvest now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, opts, "")
		},
	}
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a harvest from its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, opts, runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to resume")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func runOnce(cmd *cobra.Command, opts *rootOptions, runID string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.orch.Run(ctx, runID)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s stopped in phase %s; resume with --run-id %s\n",
			state.RunID, state.Phase, state.RunID)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d workers loaded\n", state.RunID, state.Loaded)
	return nil
}
