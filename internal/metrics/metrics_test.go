package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/esbench/internal/errors"
)

func sampleRecord(rep, n int) Record {
	return Record{
		Rep:       rep,
		Iteration: n,
		Fields: map[string]float64{
			"f_id":          8,
			"current_opt":   12.5,
			"mean_opt":      30,
			"median_opt":    25,
			"entropy":       -1.75,
			"total_samples": float64((n + 1) * 8),
		},
	}
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestRunNameDefaultsToProjectAndUUID(t *testing.T) {
	cfg := Config{Project: "bench"}
	name := cfg.ResolvedRunName()
	assert.True(t, strings.HasPrefix(name, "bench-"))
	assert.Len(t, name, len("bench-")+36)
	assert.Equal(t, name, cfg.ResolvedRunName())

	named := Config{Project: "bench", RunName: "fixed"}
	assert.Equal(t, "fixed", named.ResolvedRunName())
}

func TestJSONLSink(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Project:         "bench",
		Group:           "cma",
		RunName:         "run-1",
		OutputDirectory: t.TempDir(),
		HistogramFields: []string{"entropy"},
	}
	sink := NewJSONLSink(cfg)

	assert.True(t, errors.Is(sink.Log(ctx, sampleRecord(0, 0)), errors.ErrState))

	require.NoError(t, sink.Open(ctx, RunInfo{Experiment: "cma", Repetitions: 2, Iterations: 3}))
	require.NoError(t, sink.Log(ctx, sampleRecord(0, 0)))
	require.NoError(t, sink.Log(ctx, sampleRecord(1, 0)))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	lines := readLines(t, sink.Path())
	require.Len(t, lines, 5)

	assert.Equal(t, KindRun, lines[0]["kind"])
	assert.Equal(t, "run-1", lines[0]["run"])

	assert.Equal(t, KindIteration, lines[1]["kind"])
	assert.Equal(t, 0.0, lines[1]["iteration"])
	assert.Equal(t, 12.5, lines[1]["current_opt"])
	assert.Equal(t, 8.0, lines[1]["total_samples"])

	assert.Equal(t, KindHistogram, lines[2]["kind"])
	assert.Equal(t, "entropy", lines[2]["field"])
	assert.Equal(t, -1.75, lines[2]["value"])

	assert.Equal(t, 1.0, lines[3]["rep"])
}

func TestJSONLSinkAppendsOnReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{RunName: "resumed", OutputDirectory: t.TempDir()}

	for i := 0; i < 2; i++ {
		sink := NewJSONLSink(cfg)
		require.NoError(t, sink.Open(ctx, RunInfo{}))
		require.NoError(t, sink.Log(ctx, sampleRecord(0, i)))
		require.NoError(t, sink.Close())
	}

	lines := readLines(t, NewJSONLSink(cfg).Path())
	assert.Len(t, lines, 4)
}

func TestPrometheusSink(t *testing.T) {
	ctx := context.Background()
	sink := NewPrometheusSink(Config{
		Project:         "bench",
		RunName:         "run-1",
		DisableStats:    true,
		HistogramFields: []string{"entropy"},
	})
	require.NoError(t, sink.Open(ctx, RunInfo{}))
	require.NoError(t, sink.Open(ctx, RunInfo{}))

	require.NoError(t, sink.Log(ctx, sampleRecord(0, 0)))
	require.NoError(t, sink.Log(ctx, sampleRecord(0, 1)))
	require.NoError(t, sink.Log(ctx, sampleRecord(3, 0)))

	assert.Equal(t, 12.5, testutil.ToFloat64(sink.values.WithLabelValues("0", "current_opt")))
	assert.Equal(t, 16.0, testutil.ToFloat64(sink.values.WithLabelValues("0", "total_samples")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.iteration.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.records.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.records.WithLabelValues("3")))

	families, err := sink.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
		if mf.GetName() == "esbench_field_distribution" {
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.Contains(t, names, "esbench_field_distribution")
	assert.NotContains(t, names, "go_goroutines")

	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Regexp(t, `esbench_iteration_value\{field="entropy",[^}]*rep="3"[^}]*\} -1.75`, rec.Body.String())
}

func TestPrometheusSinkRuntimeStats(t *testing.T) {
	sink := NewPrometheusSink(Config{Project: "bench"})
	require.NoError(t, sink.Open(context.Background(), RunInfo{}))

	families, err := sink.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "go_goroutines" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestInfluxPoints(t *testing.T) {
	sink, err := NewInfluxSink(Config{
		Project:         "bench",
		Group:           "cma",
		JobType:         "cmaes",
		RunName:         "run-1",
		HistogramFields: []string{"entropy"},
		Influx:          InfluxConfig{URL: "http://localhost:8086", Org: "lab", Bucket: "esbench"},
	}, nil)
	require.NoError(t, err)
	ts := time.Unix(1700000000, 0)
	sink.now = func() time.Time { return ts }

	points := sink.points(Record{Rep: 2, Iteration: 5, Fields: map[string]float64{"entropy": -1.5, "sigma": 0.25}})
	require.Len(t, points, 2)

	line := strings.TrimSpace(write.PointToLineProtocol(points[0], time.Second))
	assert.Equal(t, "iteration,group=cma,job_type=cmaes,project=bench,rep=2,run=run-1 entropy=-1.5,iteration=5i,sigma=0.25 1700000000", line)

	line = strings.TrimSpace(write.PointToLineProtocol(points[1], time.Second))
	assert.Equal(t, "distribution,field=entropy,rep=2,run=run-1 iteration=5i,value=-1.5 1700000000", line)

	assert.True(t, errors.Is(sink.Log(context.Background(), Record{}), errors.ErrState))
}

func TestInfluxSinkNeedsConnectionSettings(t *testing.T) {
	_, err := NewInfluxSink(Config{Influx: InfluxConfig{URL: "http://localhost:8086"}}, nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

type fakeSink struct {
	opened, closed bool
	logged         []Record
	err            error
}

func (f *fakeSink) Open(context.Context, RunInfo) error { f.opened = true; return f.err }
func (f *fakeSink) Log(_ context.Context, rec Record) error {
	f.logged = append(f.logged, rec)
	return f.err
}
func (f *fakeSink) Close() error { f.closed = true; return nil }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	ok := &fakeSink{}
	failing := &fakeSink{err: errors.New(errors.KindUnknown, "backend down")}

	m := Multi{ok, failing}
	err := m.Log(ctx, sampleRecord(0, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Len(t, ok.logged, 1)

	err = m.Open(ctx, RunInfo{})
	require.Error(t, err)
	assert.True(t, ok.closed, "sinks opened before the failure are closed")

	assert.Nil(t, m.Prometheus())
}

func TestNewBuildsConfiguredBackends(t *testing.T) {
	sinks, err := New(Config{
		Project:         "bench",
		OutputDirectory: t.TempDir(),
		Backends:        []string{BackendJSONL, BackendPrometheus},
	}, nil)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	require.NotNil(t, sinks.Prometheus())

	jsonl := sinks[0].(*JSONLSink)
	assert.Equal(t, jsonl.cfg.RunName, sinks.Prometheus().cfg.RunName, "backends share one run name")

	_, err = New(Config{Backends: []string{"wandb"}}, nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
