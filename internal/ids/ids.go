// Package ids generates the sortable identifiers used for dispatches and
// events. Ids are 26-character Crockford base-32 ULIDs with a millisecond
// timestamp prefix, so lexicographic order equals creation order.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a fresh sortable id. Ids generated by the same process are
// strictly increasing even within one millisecond.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Timestamp extracts the embedded creation time, or the zero time if s is not
// a valid id.
func Timestamp(s string) time.Time {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(id.Time()))
}
