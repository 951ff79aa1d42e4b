package store

import (
	cryptorand "crypto/rand"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// crockford is the ULID base32 alphabet, free of lookalike glyphs.
// Room codes draw from it too, so every identifier participants see
// reads the same way.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	ulidEntropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
	ulidEntropyMu sync.Mutex
)

// NewID returns a ULID, sortable by creation time. Used for session
// and result document ids.
func NewID() string {
	ulidEntropyMu.Lock()
	defer ulidEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// NewCode returns n crockford characters from crypto/rand. Short
// codes gate lobby access, so they must not come from a seeded
// generator.
func NewCode(n int) string {
	buf := make([]byte, n)
	_, _ = cryptorand.Read(buf)
	for i := range buf {
		buf[i] = crockford[int(buf[i])%len(crockford)]
	}
	return string(buf)
}
