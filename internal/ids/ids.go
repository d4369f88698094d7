package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// Refresh token ids are handed to clients, so entropy comes from crypto/rand.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier whose timestamp component is t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s is a well-formed identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
