package metrics

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/logging"
)

// Influx measurements.
const (
	MeasurementIteration    = "iteration"
	MeasurementDistribution = "distribution"
)

// InfluxSink writes every record as an InfluxDB point through the blocking
// write API.
type InfluxSink struct {
	cfg    Config
	logger *logging.Logger

	client influxdb2.Client
	writer api.WriteAPIBlocking
	now    func() time.Time
}

// NewInfluxSink validates the connection settings. The client is created
// in Open.
func NewInfluxSink(cfg Config, logger *logging.Logger) (*InfluxSink, error) {
	if cfg.Influx.URL == "" || cfg.Influx.Org == "" || cfg.Influx.Bucket == "" {
		return nil, errors.New(errors.KindConfiguration, "influx backend needs url, org and bucket").
			WithOperation("NewInfluxSink").WithComponent(component)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &InfluxSink{
		cfg:    cfg,
		logger: logger.WithField("component", "influx"),
		now:    time.Now,
	}, nil
}

// Open connects and checks the server's health.
func (s *InfluxSink) Open(ctx context.Context, run RunInfo) error {
	client := influxdb2.NewClient(s.cfg.Influx.URL, s.cfg.Influx.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return errors.Wrapf(err, errors.KindUnknown, "influx health check at %s", s.cfg.Influx.URL)
	}
	s.logger.Info("Connected to InfluxDB", map[string]interface{}{
		"url":    s.cfg.Influx.URL,
		"status": health.Status,
		"bucket": s.cfg.Influx.Bucket,
	})

	s.client = client
	s.writer = client.WriteAPIBlocking(s.cfg.Influx.Org, s.cfg.Influx.Bucket)
	return nil
}

// Log implements Sink.
func (s *InfluxSink) Log(ctx context.Context, rec Record) error {
	if s.writer == nil {
		return errors.New(errors.KindState, "sink is not open").WithOperation("InfluxSink.Log").WithComponent(component)
	}
	if err := s.writer.WritePoint(ctx, s.points(rec)...); err != nil {
		return errors.Wrapf(err, errors.KindUnknown, "write iteration %d of rep %d", rec.Iteration, rec.Rep)
	}
	return nil
}

// points converts rec to one iteration point plus one distribution point
// per histogram field.
func (s *InfluxSink) points(rec Record) []*write.Point {
	ts := s.now()
	tags := map[string]string{
		"project":  s.cfg.Project,
		"group":    s.cfg.Group,
		"job_type": s.cfg.JobType,
		"run":      s.cfg.RunName,
		"rep":      strconv.Itoa(rec.Rep),
	}

	fields := make(map[string]interface{}, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		fields[k] = v
	}
	fields["iteration"] = rec.Iteration
	points := []*write.Point{influxdb2.NewPoint(MeasurementIteration, tags, fields, ts)}

	for _, field := range s.cfg.HistogramFields {
		v, ok := rec.Fields[field]
		if !ok {
			continue
		}
		p := influxdb2.NewPointWithMeasurement(MeasurementDistribution).
			AddTag("run", s.cfg.RunName).
			AddTag("rep", strconv.Itoa(rec.Rep)).
			AddTag("field", field).
			AddField("value", v).
			AddField("iteration", rec.Iteration).
			SortTags().
			SortFields().
			SetTime(ts)
		points = append(points, p)
	}
	return points
}

// Close implements Sink.
func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client, s.writer = nil, nil
	}
	return nil
}
