package crypto

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const (
	// digestBytes is the raw BLAKE2b output length used for chunk digests.
	digestBytes = 16
	// DigestSize is the length of the hex-encoded digest placed on the wire.
	DigestSize = digestBytes * 2
)

// Digest returns the lower-case hex BLAKE2b-128 digest of payload.
func Digest(payload []byte) string {
	// blake2b.New only fails for out-of-range sizes or oversized keys.
	hasher, err := blake2b.New(digestBytes, nil)
	if err != nil {
		panic("crypto: blake2b-128 unavailable: " + err.Error())
	}
	_, _ = hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify reports whether digest matches the digest of payload.
func Verify(payload []byte, digest string) bool {
	if len(digest) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Digest(payload)), []byte(digest)) == 1
}
