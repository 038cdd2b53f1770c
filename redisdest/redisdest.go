package redisdest

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"oplogmirror/oplog"
)

var (
	ErrEncodeFailed = errors.New("failed to encode document")
	ErrDecodeFailed = errors.New("failed to decode document")
)

// scanBatch is the COUNT hint for HSCAN when a selector has no _id.
const scanBatch = 512

// Dest is a Redis destination. Each namespace maps to one hash whose fields
// are document ids and whose values are msgpack-encoded documents. The
// checkpoint lives in the same Redis instance under its own key, so data and
// checkpoint share a failure domain.
//
// Dest implements both engine.Applier and checkpoint.Store.
type Dest struct {
	client *redis.Client
	prefix string
}

// New creates a Redis destination. prefix namespaces all keys; empty means
// no prefix.
func New(client *redis.Client, prefix string) *Dest {
	return &Dest{client: client, prefix: prefix}
}

func (d *Dest) key(parts ...string) string {
	k := ""
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	if d.prefix == "" {
		return k
	}
	return d.prefix + ":" + k
}

func (d *Dest) nsKey(namespace string) string {
	return d.key("ns", namespace)
}

// Ping checks connectivity, for health endpoints.
func (d *Dest) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// ApplyInsert stores doc in its namespace hash. A document with the same id
// already present is left untouched and the insert reports success.
func (d *Dest) ApplyInsert(ctx context.Context, namespace string, doc oplog.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: document has no _id", namespace)
	}
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}
	// HSetNX keeps the first write when the record is redelivered.
	return d.client.HSetNX(ctx, d.nsKey(namespace), id, data).Err()
}

// ApplyUpdate applies mutation to every document matching selector.
// Zero matches is a no-op success.
func (d *Dest) ApplyUpdate(ctx context.Context, namespace string, selector, mutation oplog.Document) error {
	apply := func(id string, doc oplog.Document) error {
		updated, err := doc.ApplyMutation(mutation)
		if err != nil {
			return err
		}
		data, err := msgpack.Marshal(updated)
		if err != nil {
			return errors.Join(ErrEncodeFailed, err)
		}
		// A mutation that changes _id moves the document to its new field.
		if newID := updated.ID(); newID != "" && newID != id {
			if err := d.client.HDel(ctx, d.nsKey(namespace), id).Err(); err != nil {
				return err
			}
			id = newID
		}
		return d.client.HSet(ctx, d.nsKey(namespace), id, data).Err()
	}

	if id := selector.ID(); id != "" {
		doc, ok, err := d.getDoc(ctx, namespace, id)
		if err != nil {
			return err
		}
		if !ok || !doc.Matches(selector) {
			return nil
		}
		return apply(id, doc)
	}

	return d.scanMatches(ctx, namespace, selector, apply)
}

// ApplyDelete removes every document matching selector.
// Zero matches is a no-op success.
func (d *Dest) ApplyDelete(ctx context.Context, namespace string, selector oplog.Document) error {
	remove := func(id string, doc oplog.Document) error {
		return d.client.HDel(ctx, d.nsKey(namespace), id).Err()
	}

	if id := selector.ID(); id != "" {
		doc, ok, err := d.getDoc(ctx, namespace, id)
		if err != nil {
			return err
		}
		if !ok || !doc.Matches(selector) {
			return nil
		}
		return remove(id, doc)
	}

	return d.scanMatches(ctx, namespace, selector, remove)
}

// getDoc fetches one document by id. ok is false when it does not exist.
func (d *Dest) getDoc(ctx context.Context, namespace, id string) (oplog.Document, bool, error) {
	data, err := d.client.HGet(ctx, d.nsKey(namespace), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var doc oplog.Document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, false, errors.Join(ErrDecodeFailed, err)
	}
	return doc, true, nil
}

// scanMatches walks the namespace hash and calls fn for every document
// matching selector.
func (d *Dest) scanMatches(ctx context.Context, namespace string, selector oplog.Document, fn func(id string, doc oplog.Document) error) error {
	key := d.nsKey(namespace)
	var cursor uint64
	for {
		pairs, next, err := d.client.HScan(ctx, key, cursor, "", scanBatch).Result()
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			id := pairs[i]
			var doc oplog.Document
			if err := msgpack.Unmarshal([]byte(pairs[i+1]), &doc); err != nil {
				return errors.Join(ErrDecodeFailed, err)
			}
			if !doc.Matches(selector) {
				continue
			}
			if err := fn(id, doc); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Load returns the saved checkpoint token for sourceIdentity.
func (d *Dest) Load(ctx context.Context, sourceIdentity string) (oplog.Token, bool, error) {
	data, err := d.client.Get(ctx, d.key("checkpoint", sourceIdentity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return oplog.Token{}, false, nil
		}
		return oplog.Token{}, false, err
	}
	var tok oplog.Token
	if err := msgpack.Unmarshal(data, &tok); err != nil {
		return oplog.Token{}, false, errors.Join(ErrDecodeFailed, err)
	}
	return tok, true, nil
}

// Save records token as the last applied position for sourceIdentity.
func (d *Dest) Save(ctx context.Context, sourceIdentity string, token oplog.Token) error {
	data, err := msgpack.Marshal(token)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}
	return d.client.Set(ctx, d.key("checkpoint", sourceIdentity), data, 0).Err()
}
