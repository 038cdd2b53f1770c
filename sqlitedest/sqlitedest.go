package sqlitedest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"oplogmirror/oplog"
)

// DocumentsDDL creates the replicated documents table. Documents are stored
// as JSON text keyed by namespace and id.
const DocumentsDDL = `CREATE TABLE IF NOT EXISTS mirror_documents (
    ns  TEXT NOT NULL,
    id  TEXT NOT NULL,
    doc TEXT NOT NULL,
    PRIMARY KEY(ns, id)
);`

// CheckpointsDDL creates the checkpoint table, one row per source identity.
const CheckpointsDDL = `CREATE TABLE IF NOT EXISTS mirror_checkpoints (
    source_identity TEXT PRIMARY KEY,
    ts_time    INTEGER NOT NULL,
    ts_seq     INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Dest is a SQLite destination backed by modernc.org/sqlite. It implements
// both engine.Applier and checkpoint.Store.
type Dest struct {
	db *sql.DB
}

// Open opens a SQLite destination. For file-based databases, pass a path
// like "./mirror.sqlite". For in-memory databases, pass ":memory:".
func Open(dsn string) (*Dest, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The replay loop is a single sequential writer, and a single
	// connection keeps in-memory databases on one page cache.
	db.SetMaxOpenConns(1)
	return &Dest{db: db}, nil
}

// EnsureSchema creates the documents and checkpoint tables if missing.
func (d *Dest) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{DocumentsDDL, CheckpointsDDL} {
		if _, err := d.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity, for health endpoints.
func (d *Dest) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database.
func (d *Dest) Close() error {
	return d.db.Close()
}

// ApplyInsert stores doc. A document with the same id already present is
// left untouched and the insert reports success.
func (d *Dest) ApplyInsert(ctx context.Context, namespace string, doc oplog.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: document has no _id", namespace)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mirror_documents(ns, id, doc) VALUES(?, ?, ?)`,
		namespace, id, string(data))
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", namespace, id, err)
	}
	return nil
}

// ApplyUpdate applies mutation to every document matching selector.
// Zero matches is a no-op success.
func (d *Dest) ApplyUpdate(ctx context.Context, namespace string, selector, mutation oplog.Document) error {
	matches, err := d.findMatches(ctx, namespace, selector)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	for id, doc := range matches {
		updated, err := doc.ApplyMutation(mutation)
		if err != nil {
			return err
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", id, err)
		}
		// A mutation that changes _id moves the document to its new key.
		if newID := updated.ID(); newID != "" && newID != id {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM mirror_documents WHERE ns = ? AND id = ?`,
				namespace, id); err != nil {
				return fmt.Errorf("update %s/%s: %w", namespace, id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO mirror_documents(ns, id, doc) VALUES(?, ?, ?)`,
				namespace, newID, string(data)); err != nil {
				return fmt.Errorf("update %s/%s: %w", namespace, newID, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE mirror_documents SET doc = ? WHERE ns = ? AND id = ?`,
			string(data), namespace, id); err != nil {
			return fmt.Errorf("update %s/%s: %w", namespace, id, err)
		}
	}
	return tx.Commit()
}

// ApplyDelete removes every document matching selector.
// Zero matches is a no-op success.
func (d *Dest) ApplyDelete(ctx context.Context, namespace string, selector oplog.Document) error {
	matches, err := d.findMatches(ctx, namespace, selector)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for id := range matches {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mirror_documents WHERE ns = ? AND id = ?`,
			namespace, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", namespace, id, err)
		}
	}
	return tx.Commit()
}

// findMatches returns documents matching selector, keyed by id. A selector
// carrying an _id reads a single row; anything else scans the namespace and
// filters in memory.
func (d *Dest) findMatches(ctx context.Context, namespace string, selector oplog.Document) (map[string]oplog.Document, error) {
	out := make(map[string]oplog.Document)

	if id := selector.ID(); id != "" {
		var raw string
		err := d.db.QueryRowContext(ctx,
			`SELECT doc FROM mirror_documents WHERE ns = ? AND id = ?`,
			namespace, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", namespace, id, err)
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		if doc.Matches(selector) {
			out[id] = doc
		}
		return out, nil
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, doc FROM mirror_documents WHERE ns = ? ORDER BY id`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", namespace, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		if doc.Matches(selector) {
			out[id] = doc
		}
	}
	return out, rows.Err()
}

func decodeDoc(raw string) (oplog.Document, error) {
	var doc oplog.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return doc, nil
}

// Load returns the saved checkpoint token for sourceIdentity.
func (d *Dest) Load(ctx context.Context, sourceIdentity string) (oplog.Token, bool, error) {
	var tok oplog.Token
	err := d.db.QueryRowContext(ctx,
		`SELECT ts_time, ts_seq FROM mirror_checkpoints WHERE source_identity = ?`,
		sourceIdentity).Scan(&tok.Time, &tok.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return oplog.Token{}, false, nil
	}
	if err != nil {
		return oplog.Token{}, false, fmt.Errorf("load checkpoint %s: %w", sourceIdentity, err)
	}
	return tok, true, nil
}

// Save records token as the last applied position for sourceIdentity.
func (d *Dest) Save(ctx context.Context, sourceIdentity string, token oplog.Token) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO mirror_checkpoints(source_identity, ts_time, ts_seq)
		 VALUES(?, ?, ?)
		 ON CONFLICT(source_identity) DO UPDATE SET
		   ts_time = excluded.ts_time,
		   ts_seq = excluded.ts_seq,
		   updated_at = CURRENT_TIMESTAMP`,
		sourceIdentity, token.Time, token.Seq)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", sourceIdentity, err)
	}
	return nil
}
