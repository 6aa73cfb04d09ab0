package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/metrics"
	"github.com/copyleftdev/esbench/internal/runner"
	"github.com/copyleftdev/esbench/internal/server"
)

var (
	configPath string
	resume     bool
	serve      bool
	parallel   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every repetition of an experiment",
	Long: `Run loads the experiment config, executes all repetitions and streams
their iteration records to the configured metrics backends. With --resume
each repetition continues from its last checkpoint. With --serve a status
server reports progress and exposes Prometheus metrics while the run lasts.`,
	RunE: runExperiment,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&configPath, "config", "c", "configs/cma_config.yml", "Path to the experiment config")
	runCmd.Flags().BoolVar(&resume, "resume", false, "Continue every repetition from its last checkpoint")
	runCmd.Flags().BoolVar(&serve, "serve", false, "Start the status server for the duration of the run")
	runCmd.Flags().IntVar(&parallel, "parallel", 0, "Maximum concurrent repetitions (0 = use config)")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("resume") {
		cfg.Checkpoint.Resume = resume
	}
	if serve {
		cfg.Server.Enabled = true
	}
	if parallel > 0 {
		cfg.Parallel = parallel
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks, err := metrics.New(cfg.Metrics, logger)
	if err != nil {
		return err
	}

	opts := []runner.Option{runner.WithLogger(logger)}

	var serverDone chan error
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	if cfg.Server.Enabled {
		var srvOpts []server.Option
		if p := sinks.Prometheus(); p != nil {
			srvOpts = append(srvOpts, server.WithMetricsHandler(p.Handler()))
		}
		srv := server.NewServer(cfg, logger, srvOpts...)
		defer srv.Close()
		opts = append(opts, runner.WithTracker(srv))

		serverDone = make(chan error, 1)
		go func() { serverDone <- srv.ListenAndServe(srvCtx) }()
	}

	runErr := runner.New(cfg, sinks, opts...).Run(ctx)

	if serverDone != nil {
		stopServer()
		if err := <-serverDone; err != nil {
			logger.WithError(err).Error("Status server stopped with error")
		}
	}
	return runErr
}
