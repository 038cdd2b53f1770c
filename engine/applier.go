package engine

import (
	"context"

	"oplogmirror/oplog"
)

// Applier writes logged mutations into a destination store. Implementations
// must be idempotent so that records redelivered after a restart converge to
// the same destination state:
//
//   - ApplyInsert treats a duplicate key at the destination as success.
//   - ApplyUpdate and ApplyDelete treat zero matched documents as success.
//
// Any other destination failure is returned as an error and ends the run.
type Applier interface {
	ApplyInsert(ctx context.Context, namespace string, doc oplog.Document) error
	ApplyUpdate(ctx context.Context, namespace string, selector, mutation oplog.Document) error
	ApplyDelete(ctx context.Context, namespace string, selector oplog.Document) error
}
