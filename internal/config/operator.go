package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OperatorConfig is an optional YAML file that overrides the environment-
// variable-derived configuration: operators who prefer a checked-in file
// over exporting a dozen env vars can pass `--config operator.yaml` to
// cmd/metabeak. Any field left zero-valued in
// the file falls through to the env-derived default, so a partial file is
// legal.
type OperatorConfig struct {
	DatabaseURL       string        `yaml:"database_url"`
	LogLevel          string        `yaml:"log_level"`
	Workers           int           `yaml:"workers"`
	BatchSize         int           `yaml:"batch_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CachePerWorker    int           `yaml:"cache_per_worker"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	HeapLimitBytes    uint64        `yaml:"heap_limit_bytes"`
	MaxSourceBytes    int           `yaml:"max_source_bytes"`
	APIHost           string        `yaml:"api_host"`
	APIPort           int           `yaml:"api_port"`
}

// LoadOperatorConfig reads and parses an operator YAML file. A missing or
// empty path is not an error: it simply means no overrides apply.
func LoadOperatorConfig(path string) (*OperatorConfig, error) {
	if path == "" {
		return &OperatorConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read operator config %s: %w", path, err)
	}

	var cfg OperatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse operator config %s: %w", path, err)
	}

	return &cfg, nil
}

// LogLevelOrDefault resolves the configured level string, falling back to
// def when unset. A non-empty value is returned as written; it is not
// checked against the known level names.
func (c *OperatorConfig) LogLevelOrDefault(def string) string {
	if c == nil || c.LogLevel == "" {
		return def
	}

	return c.LogLevel
}
