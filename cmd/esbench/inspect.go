package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/job"
	"github.com/copyleftdev/esbench/internal/optimization/adapter"
)

var (
	inspectConfig string
	inspectRep    int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [checkpoint-file]",
	Short: "Print the optimizer state stored in a checkpoint",
	Long: `Inspect decodes a checkpoint and prints its format version, generation,
step size, mean and search entropy. Pass a checkpoint file, or --config with
--rep to read from the experiment's configured checkpoint backend.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectConfig, "config", "c", "", "Experiment config whose checkpoint backend is read")
	inspectCmd.Flags().IntVar(&inspectRep, "rep", 0, "Repetition to inspect with --config")
}

func runInspect(cmd *cobra.Command, args []string) error {
	var (
		blob   []byte
		source string
		err    error
	)
	switch {
	case len(args) == 1:
		source = args[0]
		blob, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}
	case inspectConfig != "":
		blob, source, err = loadFromStore(cmd, inspectConfig, inspectRep)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("pass a checkpoint file or --config")
	}
	return printCheckpoint(cmd.OutOrStdout(), source, blob)
}

func loadFromStore(cmd *cobra.Command, path string, rep int) ([]byte, string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, "", err
	}
	store, err := job.OpenStore(cfg, logger)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	blob, err := store.Load(cmd.Context(), rep)
	if err != nil {
		return nil, "", err
	}
	return blob, fmt.Sprintf("%s (%s, %s)", cfg.Name, cfg.Checkpoint.Backend, config.RepName(rep)), nil
}

func printCheckpoint(out io.Writer, source string, blob []byte) error {
	state, header, err := adapter.Decode(blob)
	if err != nil {
		return err
	}
	entropy, err := adapter.StateEntropy(state)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "CHECKPOINT\t%s\n", source)
	fmt.Fprintf(w, "VERSION\t%d\n", header.Version)
	fmt.Fprintf(w, "GENERATION\t%d\n", state.Generation)
	fmt.Fprintf(w, "DIM\t%d\n", state.Dim)
	fmt.Fprintf(w, "POPULATION\t%d\n", state.Lambda)
	fmt.Fprintf(w, "SIGMA\t%.6g\n", state.Sigma)
	fmt.Fprintf(w, "ENTROPY\t%.6f\n", entropy)
	fmt.Fprintf(w, "MEAN\t%.6g\n", state.Mean)
	return w.Flush()
}
