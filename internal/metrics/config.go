package metrics

import (
	"fmt"

	"github.com/google/uuid"
)

// Backend names accepted in Config.Backends.
const (
	BackendJSONL      = "jsonl"
	BackendPrometheus = "prometheus"
	BackendInflux     = "influx"
)

// Config scopes a sink to one experiment run. It is passed to the sink
// constructors explicitly; nothing is read from the process environment.
type Config struct {
	Project         string       `yaml:"project" env:"PROJECT"`
	Group           string       `yaml:"group" env:"GROUP"`
	JobType         string       `yaml:"job_type" env:"JOB_TYPE"`
	RunName         string       `yaml:"run_name" env:"RUN_NAME"`
	OutputDirectory string       `yaml:"output_directory" env:"OUTPUT_DIRECTORY"`
	DisableStats    bool         `yaml:"disable_stats" env:"DISABLE_STATS"`
	HistogramFields []string     `yaml:"histogram_fields" env:"HISTOGRAM_FIELDS" envSeparator:","`
	Backends        []string     `yaml:"backends" env:"BACKENDS" envSeparator:"," validate:"dive,oneof=jsonl prometheus influx"`
	Influx          InfluxConfig `yaml:"influx" envPrefix:"INFLUX_"`
}

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"URL" validate:"omitempty,url"`
	Token  string `yaml:"token" env:"TOKEN"`
	Org    string `yaml:"org" env:"ORG"`
	Bucket string `yaml:"bucket" env:"BUCKET"`
}

// DefaultConfig returns a JSON lines configuration for project "esbench".
func DefaultConfig() Config {
	return Config{
		Project:  "esbench",
		JobType:  "cmaes",
		Backends: []string{BackendJSONL},
	}
}

// ResolvedRunName returns RunName, or "<project>-<uuid>" when it is empty.
// The generated name is stored so later calls agree.
func (c *Config) ResolvedRunName() string {
	if c.RunName == "" {
		c.RunName = fmt.Sprintf("%s-%s", c.Project, uuid.NewString())
	}
	return c.RunName
}

// IsHistogramField reports whether field is routed to distribution records.
func (c *Config) IsHistogramField(field string) bool {
	for _, f := range c.HistogramFields {
		if f == field {
			return true
		}
	}
	return false
}
