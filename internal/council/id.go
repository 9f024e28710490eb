package council

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session IDs are prefixed ULIDs: sortable by creation time, URL safe,
// and unguessable enough to use directly in API paths.
const sessionIDPrefix = "sess_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSessionID generates a new session identifier.
func NewSessionID() string {
	return sessionIDPrefix + newULID()
}

// NewCorrelationID generates an identifier for tying log lines and
// events of one request or auto-run together.
func NewCorrelationID() string {
	return newULID()
}

// newULID is safe for concurrent use; the monotonic reader is not.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ValidSessionID reports whether id has the expected prefix and a
// parseable ULID body.
func ValidSessionID(id string) bool {
	body, ok := strings.CutPrefix(id, sessionIDPrefix)
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(body)
	return err == nil
}
