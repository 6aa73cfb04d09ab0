// Package config loads experiment configuration from a YAML file, applies
// ESBENCH_* environment overrides and validates the result once.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/logging"
	"github.com/copyleftdev/esbench/internal/metrics"
	"github.com/copyleftdev/esbench/internal/optimization/adapter"
	"github.com/copyleftdev/esbench/internal/optimization/benchmark"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESBENCH_"

// Checkpoint backends.
const (
	BackendFS     = "fs"
	BackendBadger = "badger"
)

// Config is one experiment: a number of independent repetitions of the
// same optimizer on the same benchmark function. It is read-only once
// loaded.
type Config struct {
	Name        string           `yaml:"name" env:"NAME" validate:"required"`
	Repetitions int              `yaml:"repetitions" env:"REPETITIONS" validate:"gte=1"`
	Iterations  int              `yaml:"iterations" env:"ITERATIONS" validate:"gte=1"`
	Parallel    int              `yaml:"parallel" env:"PARALLEL" validate:"gte=1"`
	Seed        uint64           `yaml:"seed" env:"SEED"`
	LogPath     string           `yaml:"log_path" env:"LOG_PATH" validate:"required"`
	Problem     ProblemConfig    `yaml:"problem" envPrefix:"PROBLEM_"`
	OptimParams OptimParams      `yaml:"optim_params" envPrefix:"OPTIM_"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Metrics     metrics.Config   `yaml:"metrics" envPrefix:"METRICS_"`
	Logging     logging.Config   `yaml:"logging"`
	Server      ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
}

// ProblemConfig selects the benchmark function.
type ProblemConfig struct {
	FunctionID int `yaml:"function_id" env:"FUNCTION_ID" validate:"benchmark_function"`
	Dim        int `yaml:"dim" env:"DIM" validate:"gt=0"`
}

// OptimParams configures the optimizer of every repetition.
type OptimParams struct {
	// XInit scales a standard normal draw to give the initial mean.
	XInit     *float64 `yaml:"x_init" env:"X_INIT" validate:"required"`
	InitSigma float64  `yaml:"init_sigma" env:"INIT_SIGMA" validate:"gt=0"`
	NSamples  int      `yaml:"n_samples" env:"N_SAMPLES" validate:"gte=2"`

	adapter.Overrides `yaml:",inline"`
}

// CheckpointConfig controls optimizer state persistence.
type CheckpointConfig struct {
	// Every is the save cadence: state is written when n % Every == 0.
	Every       int    `yaml:"every" env:"EVERY" validate:"gte=1"`
	Backend     string `yaml:"backend" env:"BACKEND" validate:"oneof=fs badger"`
	MaxFailures int    `yaml:"max_failures" env:"MAX_FAILURES" validate:"gte=1"`
	Resume      bool   `yaml:"resume" env:"RESUME"`
}

// ServerConfig configures the optional status server.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	Port            int           `yaml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the configuration every file is decoded over.
func Default() *Config {
	return &Config{
		Name:        "cma",
		Repetitions: 1,
		Iterations:  100,
		Parallel:    1,
		Problem: ProblemConfig{
			FunctionID: benchmark.DefaultFunctionID,
		},
		Checkpoint: CheckpointConfig{
			Every:       50,
			Backend:     BackendFS,
			MaxFailures: 3,
		},
		Metrics: metrics.DefaultConfig(),
		Logging: *logging.DefaultConfig(),
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "decode config")
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "apply environment overrides")
	}
	if token, ok := os.LookupEnv("INFLUXDB_TOKEN"); ok && cfg.Metrics.Influx.Token == "" {
		cfg.Metrics.Influx.Token = token
	}
	if cfg.Metrics.OutputDirectory == "" {
		cfg.Metrics.OutputDirectory = cfg.LogPath
	}
	if cfg.Metrics.Group == "" {
		cfg.Metrics.Group = cfg.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field once. Violations are reported together as a
// configuration error.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, errors.KindConfiguration, "validate config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(errors.KindConfiguration, strings.Join(msgs, "; ")).
		WithOperation("Config.Validate").WithComponent("config")
}

// RepDir returns the log directory of repetition rep.
func (c *Config) RepDir(rep int) string {
	return filepath.Join(c.LogPath, RepName(rep))
}

// RepName returns the zero-padded directory name of repetition rep.
func RepName(rep int) string {
	return fmt.Sprintf("rep_%02d", rep)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("benchmark_function", func(fl validator.FieldLevel) bool {
		return benchmark.Name(int(fl.Field().Int())) != ""
	})
	return v
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "benchmark_function":
		return fmt.Sprintf("%s %v is not a known benchmark function (known: %v)", field, fe.Value(), benchmark.IDs())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
