package run

import (
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

// NewRunID returns a ULID so run ids sort by queue time, which keeps
// FIFO promotion stable even across coordinator restarts.
func NewRunID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
