package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const FileName = "dagline.yml"

// Config models dagline.yml.
type Config struct {
	Retry struct {
		MaxRetries  int           `yaml:"max_retries"`
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffMax  time.Duration `yaml:"backoff_max,omitempty"`
	} `yaml:"retry"`
	Executor ExecutorConfig `yaml:"executor"`
	Fanout   struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"fanout"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Webhooks  []WebhookConfig  `yaml:"webhooks,omitempty"`
}

type ExecutorConfig struct {
	Kind        string        `yaml:"kind"`
	Duration    time.Duration `yaml:"duration"`
	FailureRate float64       `yaml:"failure_rate"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// ScheduleConfig triggers a run of every pending task in Workspace on a
// standard five-field cron expression.
type ScheduleConfig struct {
	Workspace string `yaml:"workspace"`
	Cron      string `yaml:"cron"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Workspaces     []string `yaml:"workspaces,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.BackoffBase < 0 {
		errs = append(errs, fmt.Errorf("retry.backoff_base must be >= 0"))
	}
	if c.Retry.BackoffMax < 0 {
		errs = append(errs, fmt.Errorf("retry.backoff_max must be >= 0"))
	}
	switch c.Executor.Kind {
	case "", "simulated", "shell":
	default:
		errs = append(errs, fmt.Errorf("executor.kind %q must be simulated or shell", c.Executor.Kind))
	}
	if c.Executor.FailureRate < 0 || c.Executor.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("executor.failure_rate must be within [0,1]"))
	}
	if c.Executor.Duration < 0 || c.Executor.Timeout < 0 {
		errs = append(errs, fmt.Errorf("executor durations must be >= 0"))
	}
	if c.Fanout.Buffer < 0 {
		errs = append(errs, fmt.Errorf("fanout.buffer must be >= 0"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /"))
	}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Workspace) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d].workspace is required", i))
		}
		if strings.HasPrefix(strings.TrimSpace(s.Cron), "@") {
			errs = append(errs, fmt.Errorf("schedules[%d].cron: only 5-field cron expressions are supported", i))
		} else if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d].cron: %w", i, err))
		}
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d].url is required", i))
		}
	}
	return errors.Join(errs...)
}

// Path returns the config file location for a data dir.
func Path(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, ".dagline", FileName)
}

// Load reads and validates config from the data dir.
func Load(dataDir string) (*Config, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with dl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() when no config file exists.
func LoadOptional(dataDir string) (*Config, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Write stores cfg at Path(dataDir), refusing to clobber an existing file.
func Write(dataDir string, cfg *Config) (string, error) {
	path := Path(dataDir)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return path, err
	}
	return path, os.WriteFile(path, data, 0o644)
}

const defaultTemplate = `retry:
  max_retries: 3
  backoff_base: 1s

executor:
  kind: simulated
  duration: 2s
  failure_rate: 0.1
  timeout: 5m

fanout:
  buffer: 64

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: text
`
