package cache

import (
	"crypto/md5"  //nolint:gosec // content fingerprint, not a security boundary
	"crypto/sha1" //nolint:gosec // content fingerprint, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Algorithm names the hash used to fingerprint payloads.
type Algorithm string

const (
	// AlgorithmXXHash is a fast 64-bit non-cryptographic hash. Two different
	// payloads can collide, in which case a client holding the old validator
	// would be told its copy is current. With 64 bits this is negligible for
	// cache keys; pick a SHA variant when it is not.
	AlgorithmXXHash Algorithm = "xxhash"
	AlgorithmFNV    Algorithm = "fnv"
	AlgorithmMD5    Algorithm = "md5"
	AlgorithmSHA1   Algorithm = "sha1"
	AlgorithmSHA256 Algorithm = "sha256"
)

// Validate reports whether a names a supported algorithm. The empty name
// selects xxhash.
func (a Algorithm) Validate() error {
	_, err := a.newHash()

	return err
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case AlgorithmXXHash, "":
		return xxhash.New(), nil
	case AlgorithmFNV:
		return fnv.New64a(), nil
	case AlgorithmMD5:
		return md5.New(), nil //nolint:gosec
	case AlgorithmSHA1:
		return sha1.New(), nil //nolint:gosec
	case AlgorithmSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown hash algorithm %q", ErrInvalidOptions, a)
	}
}

// fingerprint hashes the parts of a payload a client can observe as content:
// status, media type and body.
func fingerprint(h hash.Hash, p Payload) string {
	h.Reset()
	_, _ = h.Write([]byte(strconv.Itoa(p.Status)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.Header.Get("Content-Type")))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(p.Body)

	return hex.EncodeToString(h.Sum(nil))
}

func formatValidator(sum string, weak bool) string {
	if weak {
		return `W/"` + sum + `"`
	}

	return `"` + sum + `"`
}

// ParseIfNoneMatch splits an If-None-Match header value into entity tags.
// Commas inside quoted tags are preserved and "*" is returned as is.
func ParseIfNoneMatch(header string) []string {
	var (
		tags    []string
		start   int
		inQuote bool
	)

	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				tags = appendTag(tags, header[start:i])
				start = i + 1
			}
		}
	}

	return appendTag(tags, header[start:])
}

func appendTag(tags []string, raw string) []string {
	if tag := strings.TrimSpace(raw); tag != "" {
		return append(tags, tag)
	}

	return tags
}

// WeakMatch compares two entity tags ignoring their weakness indicator, which
// is the comparison If-None-Match uses.
func WeakMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}
