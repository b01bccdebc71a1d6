// Package idutil provides small identifier helpers shared by components
// that need a random token but not a full content-addressed identity:
// rtnetlink request sequence numbers and short display forms of digests.
package idutil

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/opencontainers/go-digest"
)

// ShortDigestLength is how many hex characters of a digest's encoded
// portion are shown in short/display form (log lines, CLI tables).
const ShortDigestLength = 12

// RandomUint32 returns a cryptographically random uint32, suitable for a
// netlink request's sequence number. Unlike a process-wide counter, this
// needs no shared state and is safe to call concurrently from independent
// sessions.
func RandomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed value rather than panicking, matching this library's policy
		// of never letting an identifier-generation failure crash a caller.
		return 1
	}
	return binary.BigEndian.Uint32(b[:])
}

// ShortDigest returns the first ShortDigestLength hex characters of a
// digest's encoded portion, for compact display. Digests shorter than
// that (which should not occur for sha256) are returned unmodified.
func ShortDigest(d digest.Digest) string {
	encoded := d.Encoded()
	if len(encoded) > ShortDigestLength {
		return encoded[:ShortDigestLength]
	}
	return encoded
}
