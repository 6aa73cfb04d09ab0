package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/copyleftdev/esbench/internal/errors"
)

// JSONLFile is the file name of the JSON lines log.
const JSONLFile = "metrics.jsonl"

// Line kinds written by JSONLSink.
const (
	KindRun       = "run"
	KindIteration = "iteration"
	KindHistogram = "histogram"
)

// JSONLSink appends one JSON object per line to
// <output_directory>/<run_name>/metrics.jsonl.
type JSONLSink struct {
	cfg Config

	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// NewJSONLSink returns an unopened sink.
func NewJSONLSink(cfg Config) *JSONLSink {
	return &JSONLSink{cfg: cfg}
}

// Path returns the log file location.
func (s *JSONLSink) Path() string {
	return filepath.Join(s.cfg.OutputDirectory, s.cfg.ResolvedRunName(), JSONLFile)
}

// Open creates the run directory and writes a run header line. An existing
// file is appended to, so a resumed run continues its log.
func (s *JSONLSink) Open(ctx context.Context, run RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		return errors.New(errors.KindState, "sink already open").WithOperation("JSONLSink.Open").WithComponent(component)
	}

	path := s.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindUnknown, "create metrics directory %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnknown, "open metrics file %s", path)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.enc = json.NewEncoder(s.w)

	if err := s.write(map[string]interface{}{
		"kind":     KindRun,
		"run":      s.cfg.RunName,
		"project":  s.cfg.Project,
		"group":    s.cfg.Group,
		"job_type": s.cfg.JobType,
		"info":     run,
		"time":     time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	return s.w.Flush()
}

// Log writes the record and, for configured histogram fields, one
// histogram line per field.
func (s *JSONLSink) Log(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errors.New(errors.KindState, "sink is not open").WithOperation("JSONLSink.Log").WithComponent(component)
	}

	line := make(map[string]interface{}, len(rec.Fields)+3)
	for k, v := range rec.Fields {
		line[k] = v
	}
	line["kind"] = KindIteration
	line["rep"] = rec.Rep
	line["iteration"] = rec.Iteration
	if err := s.write(line); err != nil {
		return err
	}

	for _, field := range s.cfg.HistogramFields {
		v, ok := rec.Fields[field]
		if !ok {
			continue
		}
		if err := s.write(map[string]interface{}{
			"kind":      KindHistogram,
			"rep":       rec.Rep,
			"iteration": rec.Iteration,
			"field":     field,
			"value":     v,
		}); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func (s *JSONLSink) write(v interface{}) error {
	if err := s.enc.Encode(v); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "write metrics line")
	}
	return nil
}

// Close flushes and closes the file. Closing an unopened sink is a no-op.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f, s.w, s.enc = nil, nil, nil
	return errors.Join(flushErr, closeErr)
}
