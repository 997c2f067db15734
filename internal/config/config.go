package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"codeweft/internal/graph"
)

// Oracle modes.
const (
	OracleStatic = "static"
	OracleHTTP   = "http"
)

// Config models codeweft.yml.
type Config struct {
	Run struct {
		Threshold  float64  `yaml:"threshold"`
		Workers    int      `yaml:"workers"`
		Ignore     []string `yaml:"ignore"`
		Extensions []string `yaml:"extensions"`
	} `yaml:"run"`
	Queue struct {
		MaxAttempts    int `yaml:"max_attempts"`
		BackoffSeconds int `yaml:"backoff_seconds"`
		LeaseSeconds   int `yaml:"lease_seconds"`
	} `yaml:"queue"`
	Outbox struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
	} `yaml:"outbox"`
	Oracle struct {
		Mode           string `yaml:"mode"`
		Endpoint       string `yaml:"endpoint"`
		Model          string `yaml:"model"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
	} `yaml:"oracle"`
	Graph graph.Neo4jConfig `yaml:"graph"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with cw init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Run.Threshold < 0 || c.Run.Threshold > 100 {
		return fmt.Errorf("config.run.threshold must be in [0,100], got %v", c.Run.Threshold)
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("config.run.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be at least 1")
	}
	if c.Queue.BackoffSeconds < 0 {
		return fmt.Errorf("config.queue.backoff_seconds must not be negative")
	}
	if c.Queue.LeaseSeconds < 1 {
		return fmt.Errorf("config.queue.lease_seconds must be at least 1")
	}
	if c.Outbox.PollIntervalSeconds < 1 {
		return fmt.Errorf("config.outbox.poll_interval_seconds must be at least 1")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("config.outbox.batch_size must be at least 1")
	}
	switch c.Oracle.Mode {
	case OracleStatic:
	case OracleHTTP:
		if c.Oracle.Endpoint == "" {
			return fmt.Errorf("config.oracle.endpoint is required in http mode")
		}
		if c.Oracle.Model == "" {
			return fmt.Errorf("config.oracle.model is required in http mode")
		}
	default:
		return fmt.Errorf("config.oracle.mode must be %q or %q, got %q", OracleStatic, OracleHTTP, c.Oracle.Mode)
	}
	if c.Graph.URI != "" && c.Graph.User == "" {
		return fmt.Errorf("config.graph.user is required when a graph uri is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "codeweft.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Run.Threshold = 50
	cfg.Run.Workers = 4
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffSeconds = 5
	cfg.Queue.LeaseSeconds = 60
	cfg.Outbox.PollIntervalSeconds = 2
	cfg.Outbox.BatchSize = 100
	cfg.Oracle.Mode = OracleStatic
	cfg.Oracle.TimeoutSeconds = 60
	cfg.Oracle.MaxRetries = 3
	cfg.Graph.Database = "neo4j"
	return &cfg
}

// GenerateDefault returns default config YAML for cw init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `run:
  # relationships scoring at or below the threshold are discarded
  threshold: 50
  workers: 4
  ignore:
    - .git
    - node_modules
    - vendor
    - dist
    - build
  extensions:
    - .go
    - .js
    - .ts
    - .py
    - .java

queue:
  max_attempts: 3
  backoff_seconds: 5
  lease_seconds: 60

outbox:
  poll_interval_seconds: 2
  batch_size: 100

oracle:
  # static scans import lines locally; http calls an analysis endpoint
  mode: static
  endpoint: ""
  model: ""
  api_key: ""
  timeout_seconds: 60
  max_retries: 3

graph:
  # leave uri empty to skip the graph build
  uri: ""
  user: neo4j
  password: ""
  database: neo4j
`
