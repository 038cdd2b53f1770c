package repl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"oplogmirror/feed"
	"oplogmirror/oplog"
)

// ErrSubscriptionActive is returned by Subscribe while a previous cursor is
// still open. A replication slot supports one consumer at a time.
var ErrSubscriptionActive = errors.New("replication subscription already active")

// LogicalFeed streams change records from PostgreSQL logical replication.
// Each watched table becomes a namespace and every replicated row change
// becomes an insert, update or delete record with a commit-time token.
type LogicalFeed struct {
	cfg      Config
	tableSet tableSet
	log      *zap.Logger
	lastMsg  atomic.Int64
	active   atomic.Bool
}

// NewLogicalFeed creates a new LogicalFeed with the given configuration.
func NewLogicalFeed(cfg Config) (*LogicalFeed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.applyDefaults()

	return &LogicalFeed{
		cfg:      cfg,
		tableSet: cfg.buildTableSet(),
		log:      cfg.Logger.With(zap.String("pipeline", cfg.Pipeline)),
	}, nil
}

// TimeSinceLastActivity returns how long ago the server last sent a message,
// keepalives included, for staleness health checks.
func (f *LogicalFeed) TimeSinceLastActivity() time.Duration {
	return time.Since(time.UnixMilli(f.lastMsg.Load()))
}

// Subscribe opens the replication stream and returns a cursor over the
// records strictly after from. Tokens are assigned in order as transactions
// arrive, so records the server redelivers after a reconnect show up again
// with fresh tokens; appliers are expected to absorb them.
func (f *LogicalFeed) Subscribe(ctx context.Context, from oplog.Token) (feed.Cursor, error) {
	if !f.active.CompareAndSwap(false, true) {
		return nil, ErrSubscriptionActive
	}

	conn, err := f.connect(ctx)
	if err != nil {
		f.active.Store(false)
		return nil, err
	}

	if err := f.startStream(ctx, conn); err != nil {
		conn.Close(context.Background())
		f.active.Store(false)
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	cur := &logicalCursor{
		records: make(chan oplog.Record, f.cfg.RecordBufferSize),
		acks:    &ackTracker{},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(cur.done)
		defer f.active.Store(false)
		defer conn.Close(context.Background())
		defer close(cur.records)

		err := f.receive(loopCtx, conn, newDecoder(f.tableSet, from), from, cur.acks, cur.records)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.log.Error("Replication stream failed", zap.Error(err))
		}
		cur.setErr(err)
	}()

	return cur, nil
}

// connect establishes a replication connection to PostgreSQL
func (f *LogicalFeed) connect(ctx context.Context) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(ctx, f.cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	return conn, nil
}

// startStream prepares the publication and slot and begins replication.
func (f *LogicalFeed) startStream(ctx context.Context, conn *pgconn.PgConn) error {
	if f.cfg.CreatePublication {
		if err := f.setupPublication(ctx, conn); err != nil {
			return fmt.Errorf("setup publication: %w", err)
		}
	}

	if err := f.createReplicationSlot(ctx, conn); err != nil {
		return fmt.Errorf("create replication slot: %w", err)
	}

	// Streaming of in-progress transactions stays off: tokens derive from
	// the commit time, which is only known for committed transactions.
	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", f.cfg.PublicationName),
		"messages 'true'",
	}
	// A zero start position resumes from the slot's confirmed_flush_lsn,
	// so transactions committed while the process was down are replayed
	// instead of skipped.
	err := pglogrepl.StartReplication(
		ctx,
		conn,
		f.cfg.SlotName,
		0,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArgs,
		},
	)
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	f.log.Info("Replication started",
		zap.String("slot", f.cfg.SlotName),
		zap.String("publication", f.cfg.PublicationName),
		zap.Strings("tables", f.cfg.Tables))
	return nil
}

// setupPublication creates the publication for the configured tables
func (f *LogicalFeed) setupPublication(ctx context.Context, conn *pgconn.PgConn) error {
	tableList := strings.Join(f.cfg.Tables, ", ")
	createSQL := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s;", f.cfg.PublicationName, tableList)
	result := conn.Exec(ctx, createSQL)
	if _, err := result.ReadAll(); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

// createReplicationSlot creates the replication slot
func (f *LogicalFeed) createReplicationSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		conn,
		f.cfg.SlotName,
		"pgoutput",
		pglogrepl.CreateReplicationSlotOptions{
			Temporary: f.cfg.TemporarySlot,
		},
	)
	if err != nil {
		// Check if slot already exists
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return err
	}
	return nil
}

// receive is the main loop that processes replication messages and emits
// change records to out. It returns when ctx is cancelled or on the first
// unrecoverable error. Standby status updates confirm only WAL whose records
// have been acknowledged through acks; a record sitting in the channel or in
// flight at a crash stays unconfirmed and is redelivered by the slot.
func (f *LogicalFeed) receive(ctx context.Context, conn *pgconn.PgConn, d *decoder, from oplog.Token, acks *ackTracker, out chan<- oplog.Record) error {
	nextStandbyDeadline := time.Now().Add(f.cfg.StandbyMessageTimeout)

	// Last token emitted from the transaction currently being decoded.
	var txToken oplog.Token
	txEmitted := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Send standby status update if needed
		if time.Now().After(nextStandbyDeadline) {
			pos := acks.flushPos()
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: pos,
				WALFlushPosition: pos,
				WALApplyPosition: pos,
			})
			if err != nil {
				return fmt.Errorf("send standby status: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(f.cfg.StandbyMessageTimeout)
		}

		// Receive message with timeout
		msgCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("postgres error: %s", errMsg.Message)
		}
		f.lastMsg.Store(time.Now().UnixMilli())

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}

			rec, commitEnd, err := d.decode(xld.WALData)
			if err != nil {
				return fmt.Errorf("decode wal data: %w", err)
			}

			if rec != nil && rec.Token.After(from) {
				select {
				case out <- *rec:
					if f.cfg.Metrics != nil {
						f.cfg.Metrics.RecordFeedRecord(f.cfg.Pipeline)
					}
				case <-ctx.Done():
					return ctx.Err()
				}
				txToken = rec.Token
				txEmitted = true
			}

			if commitEnd != 0 {
				if txEmitted {
					acks.commit(txToken, commitEnd)
				} else {
					acks.idle(commitEnd)
				}
				txEmitted = false
			}
		}
	}
}

// ackTracker translates applied record tokens back into WAL flush positions.
// A commit position becomes confirmable only once every record delivered up
// to it has been acknowledged.
type ackTracker struct {
	mu      sync.Mutex
	pending []pendingCommit
	flushed pglogrepl.LSN
}

type pendingCommit struct {
	token oplog.Token
	end   pglogrepl.LSN
}

// commit records that the transaction ending at end delivered records up to
// token.
func (t *ackTracker) commit(token oplog.Token, end pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, pendingCommit{token: token, end: end})
}

// idle handles a transaction that delivered no records. Its end position is
// folded into the newest pending entry when one exists, since it may only be
// confirmed after the deliveries that precede it in the stream.
func (t *ackTracker) idle(end pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		if end > t.flushed {
			t.flushed = end
		}
		return
	}
	t.pending[len(t.pending)-1].end = end
}

// ack marks every record up to and including token as durably applied.
func (t *ackTracker) ack(token oplog.Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := 0
	for ; i < len(t.pending); i++ {
		if t.pending[i].token.After(token) {
			break
		}
		if t.pending[i].end > t.flushed {
			t.flushed = t.pending[i].end
		}
	}
	t.pending = append(t.pending[:0], t.pending[i:]...)
}

// flushPos returns the highest confirmable WAL position. Zero means nothing
// has been acknowledged yet; the server ignores a zero flush position.
func (t *ackTracker) flushPos() pglogrepl.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushed
}

// logicalCursor delivers records from the replication loop.
type logicalCursor struct {
	records chan oplog.Record
	acks    *ackTracker
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Ack reports that every record up to token has been durably applied,
// allowing the server to discard the WAL behind it.
func (c *logicalCursor) Ack(token oplog.Token) {
	c.acks.ack(token)
}

func (c *logicalCursor) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *logicalCursor) streamErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return errors.New("replication stream closed")
}

// Next returns the next record, blocking until one arrives, the stream
// fails, or ctx is done.
func (c *logicalCursor) Next(ctx context.Context) (oplog.Record, error) {
	select {
	case rec, ok := <-c.records:
		if !ok {
			return oplog.Record{}, c.streamErr()
		}
		return rec, nil
	case <-ctx.Done():
		return oplog.Record{}, ctx.Err()
	}
}

// Close stops the replication loop and waits for the connection to close.
func (c *logicalCursor) Close() error {
	c.cancel()
	<-c.done
	return nil
}
