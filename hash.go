// Package updatemirror resolves plugin, theme and core update metadata from a
// fallback mirror when the primary update source is unreachable or returns
// nothing.
package updatemirror

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// DigestPrefix is the algorithm prefix used in digest strings.
const DigestPrefix = "blake3:"

// Hash is a BLAKE3 256-bit digest. It identifies snapshot payloads and
// deduplicates identical in-flight mirror requests.
type Hash [HashSize]byte

// HashBytes computes the BLAKE3 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Digest returns the hash in "blake3:<hex>" form.
func (h Hash) Digest() string {
	return DigestPrefix + h.String()
}

// ParseHash parses a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

// ParseDigest parses a "blake3:<hex>" digest string. Plain hex is accepted.
func ParseDigest(s string) (Hash, error) {
	algo, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		return ParseHash(algo)
	}
	if !strings.EqualFold(algo, "blake3") {
		return Hash{}, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	return ParseHash(strings.ToLower(hexStr))
}
