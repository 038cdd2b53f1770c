package checkpoint

import (
	"context"

	"oplogmirror/oplog"
)

// Store persists the last applied token per source identity. It lives in the
// destination store so that checkpoint and replicated data share a failure
// domain.
type Store interface {
	// Load returns the saved token for the given source identity.
	// ok is false when the source has never been replayed; that is not
	// an error.
	Load(ctx context.Context, sourceIdentity string) (token oplog.Token, ok bool, err error)

	// Save durably records token as the last applied position for the
	// given source identity, replacing any previous value. Saving the
	// same token twice is harmless.
	Save(ctx context.Context, sourceIdentity string, token oplog.Token) error
}
