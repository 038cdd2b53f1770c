package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"oplogmirror/metrics"
)

// FirstRunMode selects where replay starts when no checkpoint exists yet.
type FirstRunMode string

const (
	// FromBeginning replays the whole retained change log.
	FromBeginning FirstRunMode = "beginning"

	// FromNow skips history and replays only changes logged after startup.
	FromNow FirstRunMode = "now"
)

// Config holds the configuration for an Engine.
type Config struct {
	// SourceIdentity names the replicated source. It keys the checkpoint,
	// so it must stay stable across restarts.
	SourceIdentity string

	// FirstRun selects the starting position when no checkpoint exists.
	// Defaults to FromBeginning.
	FirstRun FirstRunMode

	// ProgressEvery is how many applied records between progress log lines.
	// Defaults to 100.
	ProgressEvery int

	// Logger receives progress and lifecycle logs. Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics is optional; when set the engine reports applied counts,
	// lag and errors to it.
	Metrics *metrics.Metrics
}

// Validate checks the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.SourceIdentity == "" {
		return errors.New("SourceIdentity is required")
	}
	switch c.FirstRun {
	case "", FromBeginning, FromNow:
	default:
		return fmt.Errorf("unknown FirstRun mode %q", c.FirstRun)
	}
	if c.ProgressEvery < 0 {
		return errors.New("ProgressEvery must not be negative")
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.FirstRun == "" {
		c.FirstRun = FromBeginning
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = 100
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
