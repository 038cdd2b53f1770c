package repl

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"oplogmirror/metrics"
)

// Config holds the configuration for a LogicalFeed.
type Config struct {
	// ConnectionString is the PostgreSQL connection string for replication.
	// Must include replication=database parameter.
	ConnectionString string

	// SlotName is the name of the replication slot to use.
	// If empty, defaults to "oplogmirror_slot".
	SlotName string

	// PublicationName is the name of the PostgreSQL publication.
	// If empty, defaults to "oplogmirror_pub".
	PublicationName string

	// Tables is the list of tables to watch in "schema.table" format,
	// e.g. []string{"public.users", "public.orders"}. Each table becomes a
	// record namespace.
	Tables []string

	// TemporarySlot if true, creates a temporary replication slot that is
	// automatically dropped when the connection closes.
	TemporarySlot bool

	// CreatePublication if true, creates the publication for Tables when it
	// does not exist yet.
	CreatePublication bool

	// StandbyMessageTimeout is how often to send standby status updates.
	// Defaults to 10 seconds if not set.
	StandbyMessageTimeout time.Duration

	// RecordBufferSize is the size of the record channel buffer.
	// Defaults to 100 if not set.
	RecordBufferSize int

	// Pipeline labels logs and metrics; usually the source identity.
	Pipeline string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics is optional; when set the feed reports record counts.
	Metrics *metrics.Metrics
}

// Validate checks the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return errors.New("ConnectionString is required")
	}
	if len(c.Tables) == 0 {
		return errors.New("at least one table must be specified")
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.SlotName == "" {
		c.SlotName = "oplogmirror_slot"
	}
	if c.PublicationName == "" {
		c.PublicationName = "oplogmirror_pub"
	}
	if c.StandbyMessageTimeout == 0 {
		c.StandbyMessageTimeout = 10 * time.Second
	}
	if c.RecordBufferSize == 0 {
		c.RecordBufferSize = 100
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// tableSet represents a set of tables for quick lookup
type tableSet map[string]struct{}

// buildTableSet creates a set from the Tables slice for O(1) lookups
func (c *Config) buildTableSet() tableSet {
	set := make(tableSet, len(c.Tables))
	for _, t := range c.Tables {
		set[t] = struct{}{}
	}
	return set
}

// contains checks if a table is in the set
func (ts tableSet) contains(table string) bool {
	_, ok := ts[table]
	return ok
}
