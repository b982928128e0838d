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

// New returns a time-sortable ULID string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewPrefixed returns prefix + "_" + ULID, e.g. "conn_01J...".
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

// Valid reports whether s (optionally prefixed) carries a parseable ULID.
func Valid(s string) bool {
	if n := len(s); n > ulid.EncodedSize && s[n-ulid.EncodedSize-1] == '_' {
		s = s[n-ulid.EncodedSize:]
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
