package config

import (
	"fmt"
	"os"
	"time"

	"github.com/drover-io/drover/pkg/log"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the server configuration
type Config struct {
	// DataDir is where the embedded database lives.
	DataDir string `yaml:"dataDir"`

	// APIAddr is the listen address of the management API.
	APIAddr string `yaml:"apiAddr"`

	// MetricsAddr is the listen address of the Prometheus endpoint.
	MetricsAddr string `yaml:"metricsAddr"`

	// EvaluationInterval is how often running rollouts are re-evaluated.
	EvaluationInterval Duration `yaml:"evaluationInterval"`

	// SweepSchedule is the cron spec of the auto-assignment sweeper.
	SweepSchedule string `yaml:"sweepSchedule"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		DataDir:            "/var/lib/drover",
		APIAddr:            ":8080",
		MetricsAddr:        ":9090",
		EvaluationInterval: Duration(30 * time.Second),
		SweepSchedule:      "@every 5m",
		Log: LogConfig{
			Level: log.InfoLevel,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.EvaluationInterval <= 0 {
		return nil, fmt.Errorf("evaluationInterval must be positive")
	}
	return cfg, nil
}
