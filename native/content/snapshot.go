package content

import (
	"sync"

	"github.com/google/uuid"
)

// SnapshotEpoch identifies one consistent read-snapshot of a Store. RPC-layer
// long-poll subscribers (§5) compare the token they hold against the
// store's current epoch to tell "nothing has changed since my last poll"
// apart from "the store has moved on and my accumulated projection state is
// stale and must be rebuilt from scratch".
type SnapshotEpoch struct {
	Token   uuid.UUID
	Version uint64
}

// SnapshotReader mints and tracks the current read-snapshot epoch for a
// Store. It is safe for concurrent readers; the store's own single-writer
// model (§5) still applies to mutation.
type SnapshotReader struct {
	mu      sync.Mutex
	current SnapshotEpoch
}

// NewSnapshotReader mints the initial epoch for a freshly constructed Store.
func NewSnapshotReader() *SnapshotReader {
	return &SnapshotReader{current: SnapshotEpoch{Token: uuid.New(), Version: 1}}
}

// Current returns the epoch in effect right now.
func (r *SnapshotReader) Current() SnapshotEpoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Advance mints a new epoch token, called whenever the store's outermost
// write-session commits. The version counter is monotonic so subscribers can
// also detect missed epochs rather than only distinguish "same" from
// "different".
func (r *SnapshotReader) Advance() SnapshotEpoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = SnapshotEpoch{Token: uuid.New(), Version: r.current.Version + 1}
	return r.current
}
