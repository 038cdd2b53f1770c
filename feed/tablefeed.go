package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"oplogmirror/metrics"
	"oplogmirror/oplog"
)

// ChangelogDDL creates the append-only change log table. Rows are ordered by
// the (ts_time, ts_seq) token pair.
const ChangelogDDL = `CREATE TABLE IF NOT EXISTS mirror_changelog (
    ts_time  BIGINT NOT NULL,
    ts_seq   BIGINT NOT NULL,
    ns       TEXT NOT NULL,
    op       TEXT NOT NULL,
    doc_id   TEXT,
    doc      JSONB,
    selector JSONB,
    mutation JSONB,
    PRIMARY KEY(ts_time, ts_seq)
);`

// ChangelogPosDDL creates the single-row token position table. Every append
// updates this row inside its transaction, so the row lock serializes
// producers and commit order always matches token order; a reader can never
// checkpoint past a token whose row is still uncommitted.
const ChangelogPosDDL = `CREATE TABLE IF NOT EXISTS mirror_changelog_pos (
    id       BIGINT PRIMARY KEY CHECK (id = 1),
    ts_time  BIGINT NOT NULL,
    last_seq BIGINT NOT NULL
);`

// TableFeedConfig holds the configuration for a TableFeed.
type TableFeedConfig struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pipeline labels logs and metrics; usually the source identity.
	Pipeline string

	// PollInterval is how long to wait between polls when the log is
	// exhausted. Defaults to 1 second.
	PollInterval time.Duration

	// BatchSize is how many records one poll fetches. Defaults to 256.
	BatchSize int

	// Namespaces restricts the subscription to the given namespaces.
	// Empty means all.
	Namespaces []string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics is optional; when set the feed reports poll and record counts.
	Metrics *metrics.Metrics
}

// Validate checks the configuration and returns an error if invalid.
func (c *TableFeedConfig) Validate() error {
	if c.ConnectionString == "" {
		return errors.New("ConnectionString is required")
	}
	if c.PollInterval < 0 {
		return errors.New("PollInterval must not be negative")
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *TableFeedConfig) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// TableFeed reads change records from an append-only changelog table,
// polling for new rows once the retained log is exhausted. It also carries
// the producer half: Append* write new records with freshly assigned tokens.
type TableFeed struct {
	cfg      TableFeedConfig
	pool     *pgxpool.Pool
	log      *zap.Logger
	lastPoll atomic.Int64
}

// NewTableFeed connects to PostgreSQL and returns a TableFeed.
func NewTableFeed(ctx context.Context, cfg TableFeedConfig) (*TableFeed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	pool, err := pgxpool.New(ctx, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}

	return &TableFeed{
		cfg:  cfg,
		pool: pool,
		log:  cfg.Logger.With(zap.String("pipeline", cfg.Pipeline)),
	}, nil
}

// EnsureSchema creates the changelog tables if missing.
func (f *TableFeed) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{ChangelogDDL, ChangelogPosDDL} {
		if _, err := f.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (f *TableFeed) Close() error {
	f.pool.Close()
	return nil
}

// TimeSinceLastActivity returns how long ago the source last answered a
// poll, for staleness health checks.
func (f *TableFeed) TimeSinceLastActivity() time.Duration {
	return time.Since(time.UnixMilli(f.lastPoll.Load()))
}

// Subscribe opens a cursor over the records strictly after from.
func (f *TableFeed) Subscribe(ctx context.Context, from oplog.Token) (Cursor, error) {
	if err := f.pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping source: %w", err)
	}
	return &tableCursor{feed: f, pos: from}, nil
}

type tableCursor struct {
	feed   *TableFeed
	pos    oplog.Token
	buf    []oplog.Record
	closed bool
}

// Next returns the next record, polling until one arrives or ctx is done.
func (c *tableCursor) Next(ctx context.Context) (oplog.Record, error) {
	if c.closed {
		return oplog.Record{}, errors.New("cursor is closed")
	}

	for {
		if len(c.buf) > 0 {
			rec := c.buf[0]
			c.buf = c.buf[1:]
			c.pos = rec.Token
			return rec, nil
		}

		batch, err := c.feed.fetch(ctx, c.pos)
		if err != nil {
			return oplog.Record{}, err
		}
		if len(batch) > 0 {
			c.buf = batch
			continue
		}

		select {
		case <-ctx.Done():
			return oplog.Record{}, ctx.Err()
		case <-time.After(c.feed.cfg.PollInterval):
		}
	}
}

func (c *tableCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}

// fetch reads the next batch of records strictly after pos.
func (f *TableFeed) fetch(ctx context.Context, pos oplog.Token) ([]oplog.Record, error) {
	query := `SELECT ts_time, ts_seq, ns, op, doc_id, doc, selector, mutation
		FROM mirror_changelog
		WHERE (ts_time, ts_seq) > ($1, $2)`
	args := []any{pos.Time, int64(pos.Seq)}
	if len(f.cfg.Namespaces) > 0 {
		query += ` AND ns = ANY($3)`
		args = append(args, f.cfg.Namespaces)
	}
	query += fmt.Sprintf(` ORDER BY ts_time, ts_seq LIMIT %d`, f.cfg.BatchSize)

	rows, err := f.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("poll changelog: %w", err)
	}
	defer rows.Close()

	var out []oplog.Record
	for rows.Next() {
		var (
			tsTime, tsSeq           int64
			ns, op                  string
			docID                   *string
			doc, selector, mutation map[string]any
		)
		if err := rows.Scan(&tsTime, &tsSeq, &ns, &op, &docID, &doc, &selector, &mutation); err != nil {
			return nil, fmt.Errorf("scan changelog row: %w", err)
		}
		rec := oplog.Record{
			Namespace: ns,
			Kind:      oplog.Kind(op),
			Token:     oplog.Token{Time: tsTime, Seq: uint32(tsSeq)},
			Document:  doc,
			Selector:  selector,
			Mutation:  mutation,
		}
		if docID != nil {
			rec.DocumentID = *docID
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("poll changelog: %w", err)
	}

	f.lastPoll.Store(time.Now().UnixMilli())
	if f.cfg.Metrics != nil {
		f.cfg.Metrics.RecordFeedPoll(f.cfg.Pipeline)
		for range out {
			f.cfg.Metrics.RecordFeedRecord(f.cfg.Pipeline)
		}
	}
	return out, nil
}

// AppendInsert logs an insert for doc, assigning the next token. A document
// without an _id gets a generated one, like source drivers do client-side.
// The logged record is returned.
func (f *TableFeed) AppendInsert(ctx context.Context, ns string, doc oplog.Document) (oplog.Record, error) {
	doc = doc.Clone()
	if doc.ID() == "" {
		doc["_id"] = uuid.NewString()
	}
	return f.append(ctx, func(tok oplog.Token) oplog.Record {
		return oplog.NewInsert(ns, tok, doc)
	})
}

// AppendUpdate logs an update applying mutation to the documents matched by
// selector.
func (f *TableFeed) AppendUpdate(ctx context.Context, ns string, selector, mutation oplog.Document) (oplog.Record, error) {
	return f.append(ctx, func(tok oplog.Token) oplog.Record {
		return oplog.NewUpdate(ns, tok, selector, mutation)
	})
}

// AppendDelete logs a delete for the documents matched by selector.
func (f *TableFeed) AppendDelete(ctx context.Context, ns string, selector oplog.Document) (oplog.Record, error) {
	return f.append(ctx, func(tok oplog.Token) oplog.Record {
		return oplog.NewDelete(ns, tok, selector)
	})
}

func (f *TableFeed) append(ctx context.Context, build func(oplog.Token) oplog.Record) (oplog.Record, error) {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return oplog.Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// The upsert takes the position row's lock until commit, so no later
	// token can commit ahead of this one. GREATEST keeps tokens increasing
	// when the clock of a competing producer lags.
	var tsTime, seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO mirror_changelog_pos(id, ts_time, last_seq) VALUES(1, $1, 0)
		 ON CONFLICT (id) DO UPDATE SET
		   ts_time = GREATEST(mirror_changelog_pos.ts_time, excluded.ts_time),
		   last_seq = CASE WHEN mirror_changelog_pos.ts_time >= excluded.ts_time
		                   THEN mirror_changelog_pos.last_seq + 1 ELSE 0 END
		 RETURNING ts_time, last_seq`,
		time.Now().Unix()).Scan(&tsTime, &seq)
	if err != nil {
		return oplog.Record{}, fmt.Errorf("assign token: %w", err)
	}

	rec := build(oplog.Token{Time: tsTime, Seq: uint32(seq)})
	if err := rec.Validate(); err != nil {
		return oplog.Record{}, err
	}

	var docID *string
	if rec.DocumentID != "" {
		docID = &rec.DocumentID
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO mirror_changelog(ts_time, ts_seq, ns, op, doc_id, doc, selector, mutation)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Token.Time, int64(rec.Token.Seq), rec.Namespace, string(rec.Kind),
		docID, rec.Document, rec.Selector, rec.Mutation)
	if err != nil {
		return oplog.Record{}, fmt.Errorf("append %s at %s: %w", rec.Kind, rec.Token, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oplog.Record{}, fmt.Errorf("commit append: %w", err)
	}
	return rec, nil
}
