package feed

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTableFeedConfigValidate(t *testing.T) {
	cfg := TableFeedConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing connection string")
	}

	cfg = TableFeedConfig{ConnectionString: "postgres://localhost/db", PollInterval: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative poll interval")
	}

	cfg = TableFeedConfig{ConnectionString: "postgres://localhost/db"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTableFeedConfigDefaults(t *testing.T) {
	cfg := TableFeedConfig{ConnectionString: "postgres://localhost/db"}
	cfg.applyDefaults()

	if cfg.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %v", cfg.PollInterval)
	}
	if cfg.BatchSize != 256 {
		t.Errorf("expected default batch size 256, got %d", cfg.BatchSize)
	}
	if cfg.Logger == nil {
		t.Error("expected default logger")
	}

	cfg = TableFeedConfig{
		ConnectionString: "postgres://localhost/db",
		PollInterval:     50 * time.Millisecond,
		BatchSize:        10,
		Logger:           zap.NewNop(),
	}
	cfg.applyDefaults()
	if cfg.PollInterval != 50*time.Millisecond || cfg.BatchSize != 10 {
		t.Error("explicit values must not be overwritten")
	}
}
