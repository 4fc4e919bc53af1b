// Package ids generates sortable entity identifiers.
//
// An ID is 17 characters: the first 13 are the base58-encoded nanosecond
// timestamp (right-padded with '0'), the last 4 are random digits. IDs sort
// lexicographically by creation time within the same timestamp width.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/mr-tron/base58"
)

const (
	timestampWidth = 13
	randomDigits   = 4
)

// New returns a fresh 17-character identifier.
func New() string {
	return At(time.Now())
}

// At returns an identifier for the given creation instant. Split out for
// deterministic tests.
func At(ts time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))

	encoded := base58.Encode(buf[:])
	if len(encoded) > timestampWidth {
		encoded = encoded[:timestampWidth]
	}
	for len(encoded) < timestampWidth {
		encoded += "0"
	}

	digits := make([]byte, 0, randomDigits)
	for i := 0; i < randomDigits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken;
			// fall back to the timestamp's own low bits.
			digits = append(digits, byte('0'+ts.UnixNano()>>uint(i*3)%10))
			continue
		}
		digits = append(digits, byte('0'+n.Int64()))
	}

	return encoded + string(digits)
}
