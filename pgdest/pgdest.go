package pgdest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oplogmirror/oplog"
)

// DocumentsDDL creates the replicated documents table. Documents are stored
// as JSONB keyed by namespace and id.
const DocumentsDDL = `CREATE TABLE IF NOT EXISTS mirror_documents (
    ns  TEXT NOT NULL,
    id  TEXT NOT NULL,
    doc JSONB NOT NULL,
    PRIMARY KEY(ns, id)
);`

// CheckpointsDDL creates the checkpoint table, one row per source identity.
const CheckpointsDDL = `CREATE TABLE IF NOT EXISTS mirror_checkpoints (
    source_identity TEXT PRIMARY KEY,
    ts_time    BIGINT NOT NULL,
    ts_seq     BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Dest is a PostgreSQL destination backed by a pgx pool. It implements both
// engine.Applier and checkpoint.Store.
type Dest struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Dest {
	return &Dest{pool: pool}
}

// Connect opens a pool for the given connection string.
func Connect(ctx context.Context, connectionString string) (*Dest, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	return &Dest{pool: pool}, nil
}

// EnsureSchema creates the documents and checkpoint tables if missing.
func (d *Dest) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{DocumentsDDL, CheckpointsDDL} {
		if _, err := d.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity, for health endpoints.
func (d *Dest) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close closes the pool.
func (d *Dest) Close() {
	d.pool.Close()
}

// ApplyInsert stores doc. A document with the same id already present is
// left untouched and the insert reports success.
func (d *Dest) ApplyInsert(ctx context.Context, namespace string, doc oplog.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: document has no _id", namespace)
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO mirror_documents(ns, id, doc) VALUES($1, $2, $3)
		 ON CONFLICT (ns, id) DO NOTHING`,
		namespace, id, doc)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", namespace, id, err)
	}
	return nil
}

// ApplyUpdate applies mutation to every document matching selector, inside
// one transaction. Zero matches is a no-op success.
func (d *Dest) ApplyUpdate(ctx context.Context, namespace string, selector, mutation oplog.Document) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	matches, err := findMatches(ctx, tx, namespace, selector)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	for id, doc := range matches {
		updated, err := doc.ApplyMutation(mutation)
		if err != nil {
			return err
		}
		// A mutation that changes _id moves the document to its new key.
		if newID := updated.ID(); newID != "" && newID != id {
			if _, err := tx.Exec(ctx,
				`DELETE FROM mirror_documents WHERE ns = $1 AND id = $2`,
				namespace, id); err != nil {
				return fmt.Errorf("update %s/%s: %w", namespace, id, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO mirror_documents(ns, id, doc) VALUES($1, $2, $3)
				 ON CONFLICT (ns, id) DO UPDATE SET doc = excluded.doc`,
				namespace, newID, updated); err != nil {
				return fmt.Errorf("update %s/%s: %w", namespace, newID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE mirror_documents SET doc = $1 WHERE ns = $2 AND id = $3`,
			updated, namespace, id); err != nil {
			return fmt.Errorf("update %s/%s: %w", namespace, id, err)
		}
	}
	return tx.Commit(ctx)
}

// ApplyDelete removes every document matching selector, inside one
// transaction. Zero matches is a no-op success.
func (d *Dest) ApplyDelete(ctx context.Context, namespace string, selector oplog.Document) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	matches, err := findMatches(ctx, tx, namespace, selector)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	for id := range matches {
		if _, err := tx.Exec(ctx,
			`DELETE FROM mirror_documents WHERE ns = $1 AND id = $2`,
			namespace, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", namespace, id, err)
		}
	}
	return tx.Commit(ctx)
}

// findMatches returns documents matching selector, keyed by id. A selector
// carrying an _id reads a single row; anything else narrows with JSONB
// containment and re-checks field equality client-side, since containment
// treats arrays as subsets.
func findMatches(ctx context.Context, tx pgx.Tx, namespace string, selector oplog.Document) (map[string]oplog.Document, error) {
	out := make(map[string]oplog.Document)

	if id := selector.ID(); id != "" {
		var m map[string]any
		err := tx.QueryRow(ctx,
			`SELECT doc FROM mirror_documents WHERE ns = $1 AND id = $2`,
			namespace, id).Scan(&m)
		if errors.Is(err, pgx.ErrNoRows) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", namespace, id, err)
		}
		doc := oplog.Document(m)
		if doc.Matches(selector) {
			out[id] = doc
		}
		return out, nil
	}

	rows, err := tx.Query(ctx,
		`SELECT id, doc FROM mirror_documents WHERE ns = $1 AND doc @> $2 ORDER BY id`,
		namespace, selector)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", namespace, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var m map[string]any
		if err := rows.Scan(&id, &m); err != nil {
			return nil, err
		}
		doc := oplog.Document(m)
		if doc.Matches(selector) {
			out[id] = doc
		}
	}
	return out, rows.Err()
}

// Load returns the saved checkpoint token for sourceIdentity.
func (d *Dest) Load(ctx context.Context, sourceIdentity string) (oplog.Token, bool, error) {
	var tok oplog.Token
	err := d.pool.QueryRow(ctx,
		`SELECT ts_time, ts_seq FROM mirror_checkpoints WHERE source_identity = $1`,
		sourceIdentity).Scan(&tok.Time, &tok.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return oplog.Token{}, false, nil
	}
	if err != nil {
		return oplog.Token{}, false, fmt.Errorf("load checkpoint %s: %w", sourceIdentity, err)
	}
	return tok, true, nil
}

// Save records token as the last applied position for sourceIdentity.
func (d *Dest) Save(ctx context.Context, sourceIdentity string, token oplog.Token) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO mirror_checkpoints(source_identity, ts_time, ts_seq)
		 VALUES($1, $2, $3)
		 ON CONFLICT (source_identity) DO UPDATE SET
		   ts_time = excluded.ts_time,
		   ts_seq = excluded.ts_seq,
		   updated_at = now()`,
		sourceIdentity, token.Time, token.Seq)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", sourceIdentity, err)
	}
	return nil
}
