package oplog

import (
	"fmt"
	"time"
)

// Token identifies a position in the change log. Tokens are assigned by the
// feed at commit time and order records totally: first by commit second,
// then by a same-second sequence number.
//
// The zero Token means "no position": a subscription from the zero token
// starts at the beginning of the retained log.
type Token struct {
	Time int64  `msgpack:"time" json:"time"`
	Seq  uint32 `msgpack:"seq" json:"seq"`
}

// IsZero reports whether t is the absent position.
func (t Token) IsZero() bool {
	return t.Time == 0 && t.Seq == 0
}

// Compare returns -1, 0 or 1 depending on whether t sorts before, equal to
// or after other.
func (t Token) Compare(other Token) int {
	if t.Time != other.Time {
		if t.Time < other.Time {
			return -1
		}
		return 1
	}
	if t.Seq != other.Seq {
		if t.Seq < other.Seq {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether t sorts strictly after other.
func (t Token) After(other Token) bool {
	return t.Compare(other) > 0
}

// Timestamp returns the commit time the token encodes.
func (t Token) Timestamp() time.Time {
	return time.Unix(t.Time, 0).UTC()
}

// Lag returns how far behind wall-clock time the token is.
// Zero tokens report zero lag.
func (t Token) Lag(now time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	d := now.Sub(t.Timestamp())
	if d < 0 {
		return 0
	}
	return d
}

func (t Token) String() string {
	return fmt.Sprintf("%d.%d", t.Time, t.Seq)
}
