// Package metrics delivers per-iteration experiment records to one or more
// backends: a JSON lines file, a Prometheus registry and InfluxDB.
package metrics

import (
	"context"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/logging"
)

const component = "metrics"

// RunInfo describes the experiment a sink is opened for.
type RunInfo struct {
	Experiment  string `json:"experiment"`
	Repetitions int    `json:"repetitions"`
	Iterations  int    `json:"iterations"`
	FunctionID  int    `json:"f_id"`
	Dim         int    `json:"dim"`
}

// Record is one iteration of one repetition, keyed by iteration index.
type Record struct {
	Rep       int
	Iteration int
	Fields    map[string]float64
}

// Sink receives records. Open is called once before the first Log and
// Close once after the last. Log may be called from several goroutines.
type Sink interface {
	Open(ctx context.Context, run RunInfo) error
	Log(ctx context.Context, rec Record) error
	Close() error
}

// Multi fans records out to several sinks.
type Multi []Sink

// Open opens every sink, closing the ones already opened on failure.
func (m Multi) Open(ctx context.Context, run RunInfo) error {
	for i, s := range m {
		if err := s.Open(ctx, run); err != nil {
			for _, opened := range m[:i] {
				_ = opened.Close()
			}
			return err
		}
	}
	return nil
}

// Log delivers rec to every sink and joins their errors.
func (m Multi) Log(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Log(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Prometheus returns the first Prometheus sink, or nil.
func (m Multi) Prometheus() *PrometheusSink {
	for _, s := range m {
		if p, ok := s.(*PrometheusSink); ok {
			return p
		}
	}
	return nil
}

// New builds the sinks named in cfg.Backends. The run name is resolved once
// so every backend reports under the same name.
func New(cfg Config, logger *logging.Logger) (Multi, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	cfg.ResolvedRunName()

	backends := cfg.Backends
	if len(backends) == 0 {
		backends = []string{BackendJSONL}
	}

	sinks := make(Multi, 0, len(backends))
	for _, b := range backends {
		switch b {
		case BackendJSONL:
			sinks = append(sinks, NewJSONLSink(cfg))
		case BackendPrometheus:
			sinks = append(sinks, NewPrometheusSink(cfg))
		case BackendInflux:
			s, err := NewInfluxSink(cfg, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			return nil, errors.Errorf(errors.KindConfiguration, "unknown metrics backend %q", b).
				WithOperation("metrics.New").WithComponent(component)
		}
	}

	logger.Info("Metrics sinks configured", map[string]interface{}{
		"run":      cfg.RunName,
		"backends": backends,
	})
	return sinks, nil
}
