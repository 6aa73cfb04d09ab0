package main

import (
	"github.com/spf13/cobra"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "esbench",
	Short: "Repeated-trial CMA-ES benchmark runner",
	Long: `esbench runs independent repetitions of CMA-ES on a benchmark function,
records per-iteration regret and search entropy, and checkpoints optimizer
state so interrupted experiments can resume.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
}

// newLogger builds the process logger from the experiment's logging
// section and the --log-level flag.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := cfg.Logging
	if logLevel != "" {
		lc.Level = logLevel
	}
	logger, err := logging.NewLogger(&lc)
	if err != nil {
		return nil, err
	}
	return logger.WithFields(map[string]interface{}{
		"service":    "esbench",
		"version":    version,
		"experiment": cfg.Name,
	}), nil
}
