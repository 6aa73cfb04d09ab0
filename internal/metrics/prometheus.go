package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/esbench/internal/errors"
)

const namespace = "esbench"

// PrometheusSink exposes the latest record of every repetition as gauges on
// a private registry. Histogram fields are also observed into a histogram.
type PrometheusSink struct {
	cfg      Config
	registry *prometheus.Registry

	values     *prometheus.GaugeVec
	iteration  *prometheus.GaugeVec
	records    *prometheus.CounterVec
	histograms *prometheus.HistogramVec

	once sync.Once
}

// NewPrometheusSink builds the sink and its collectors.
func NewPrometheusSink(cfg Config) *PrometheusSink {
	labels := prometheus.Labels{
		"project": cfg.Project,
		"group":   cfg.Group,
		"run":     cfg.ResolvedRunName(),
	}

	return &PrometheusSink{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "iteration_value",
			Help:        "Latest value of each reported field per repetition.",
			ConstLabels: labels,
		}, []string{"rep", "field"}),
		iteration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "iteration",
			Help:        "Index of the latest reported iteration per repetition.",
			ConstLabels: labels,
		}, []string{"rep"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_total",
			Help:        "Number of iteration records received per repetition.",
			ConstLabels: labels,
		}, []string{"rep"}),
		histograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "field_distribution",
			Help:        "Distribution of histogram fields across repetitions and iterations.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-8, 10, 14), // 1e-8 to 1e5
		}, []string{"field"}),
	}
}

// Registry returns the sink's registry.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Open registers the collectors. Go runtime and process collectors are
// added unless disable_stats is set.
func (s *PrometheusSink) Open(ctx context.Context, run RunInfo) error {
	var err error
	s.once.Do(func() {
		cs := []prometheus.Collector{s.values, s.iteration, s.records, s.histograms}
		if !s.cfg.DisableStats {
			cs = append(cs,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		for _, c := range cs {
			if regErr := s.registry.Register(c); regErr != nil {
				err = errors.Wrap(regErr, errors.KindUnknown, "register prometheus collector")
				return
			}
		}
	})
	return err
}

// Log implements Sink.
func (s *PrometheusSink) Log(ctx context.Context, rec Record) error {
	rep := strconv.Itoa(rec.Rep)
	for field, v := range rec.Fields {
		s.values.WithLabelValues(rep, field).Set(v)
		if s.cfg.IsHistogramField(field) {
			s.histograms.WithLabelValues(field).Observe(v)
		}
	}
	s.iteration.WithLabelValues(rep).Set(float64(rec.Iteration))
	s.records.WithLabelValues(rep).Inc()
	return nil
}

// Close implements Sink. The registry stays readable.
func (s *PrometheusSink) Close() error {
	return nil
}
