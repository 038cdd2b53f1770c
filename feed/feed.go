package feed

import (
	"context"
	"time"

	"oplogmirror/oplog"
)

// Feed is an ordered source of change records.
type Feed interface {
	// Subscribe opens a cursor over the records strictly after from.
	// A zero token subscribes from the beginning of the retained log.
	Subscribe(ctx context.Context, from oplog.Token) (Cursor, error)
}

// Cursor iterates a subscription in log order.
type Cursor interface {
	// Next blocks until a record is available or ctx is done. An
	// exhausted feed is not an error; Next waits for new records.
	Next(ctx context.Context) (oplog.Record, error)

	// Close releases the subscription. After Close, Next returns an error.
	Close() error
}

// Acker is implemented by cursors whose source retains delivered records
// until they are confirmed. The engine calls Ack after a record's checkpoint
// is durable; the source may then discard everything up to that token.
type Acker interface {
	Ack(token oplog.Token)
}

// Activity is implemented by feeds that track when they last heard from the
// source, for staleness health checks.
type Activity interface {
	TimeSinceLastActivity() time.Duration
}
