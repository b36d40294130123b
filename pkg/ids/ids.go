// Package ids generates the identifiers carried in trace and request metadata.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTraceID returns a time-sortable trace identifier.
func NewTraceID() string {
	return newULID()
}

// NewSpanID returns a time-sortable span identifier.
func NewSpanID() string {
	return newULID()
}

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
