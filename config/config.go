package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Feed kinds.
const (
	FeedTable = "table"
	FeedWAL   = "wal"
)

// Destination kinds.
const (
	DestPostgres = "postgres"
	DestRedis    = "redis"
	DestSQLite   = "sqlite"
)

// Config represents the complete configuration for the mirror process
type Config struct {
	Listen    string           `yaml:"listen"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
	Pipelines []PipelineConfig `yaml:"pipelines"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level"`
	DebugDump bool   `yaml:"debug_dump"`
}

// PipelineConfig describes one replication pipeline: a change feed, a
// destination store and the replay settings between them.
type PipelineConfig struct {
	// SourceIdentity names the change stream; it keys the saved checkpoint.
	SourceIdentity string `yaml:"source_identity"`

	// FirstRun controls where a pipeline without a checkpoint starts:
	// "beginning" replays the whole retained feed, "now" skips history.
	FirstRun string `yaml:"first_run"`

	// ProgressEvery is how many applied records between progress log lines.
	ProgressEvery int `yaml:"progress_every"`

	Feed        FeedConfig        `yaml:"feed"`
	Destination DestinationConfig `yaml:"destination"`
}

// FeedConfig holds change feed configuration
type FeedConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`

	// Table feed settings.
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Namespaces   []string      `yaml:"namespaces"`

	// WAL feed settings.
	Slot              string   `yaml:"slot"`
	Publication       string   `yaml:"publication"`
	Tables            []string `yaml:"tables"`
	TemporarySlot     bool     `yaml:"temporary_slot"`
	CreatePublication bool     `yaml:"create_publication"`
}

// DestinationConfig holds destination store configuration
type DestinationConfig struct {
	Kind   string `yaml:"kind"`
	DSN    string `yaml:"dsn"`
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	for i := range cfg.Pipelines {
		p := &cfg.Pipelines[i]
		if p.FirstRun == "" {
			p.FirstRun = "beginning"
		}
		if p.ProgressEvery == 0 {
			p.ProgressEvery = 100
		}
		if p.Destination.Kind == DestRedis && p.Destination.Prefix == "" {
			p.Destination.Prefix = "oplogmirror"
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	seen := make(map[string]struct{}, len(c.Pipelines))
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if err := p.validate(); err != nil {
			return fmt.Errorf("pipelines[%d]: %w", i, err)
		}
		if _, dup := seen[p.SourceIdentity]; dup {
			return fmt.Errorf("pipelines[%d]: duplicate source_identity %q", i, p.SourceIdentity)
		}
		seen[p.SourceIdentity] = struct{}{}
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if p.SourceIdentity == "" {
		return fmt.Errorf("source_identity is required")
	}
	if p.FirstRun != "beginning" && p.FirstRun != "now" {
		return fmt.Errorf("first_run must be \"beginning\" or \"now\"")
	}
	if p.ProgressEvery < 0 {
		return fmt.Errorf("progress_every must not be negative")
	}

	switch p.Feed.Kind {
	case FeedTable:
	case FeedWAL:
		if len(p.Feed.Tables) == 0 {
			return fmt.Errorf("feed.tables is required for the wal feed")
		}
	default:
		return fmt.Errorf("feed.kind must be %q or %q", FeedTable, FeedWAL)
	}
	if p.Feed.DSN == "" {
		return fmt.Errorf("feed.dsn is required")
	}

	switch p.Destination.Kind {
	case DestPostgres, DestSQLite:
		if p.Destination.DSN == "" {
			return fmt.Errorf("destination.dsn is required for %s", p.Destination.Kind)
		}
	case DestRedis:
		if p.Destination.URL == "" {
			return fmt.Errorf("destination.url is required for redis")
		}
	default:
		return fmt.Errorf("destination.kind must be %q, %q or %q", DestPostgres, DestRedis, DestSQLite)
	}
	return nil
}
