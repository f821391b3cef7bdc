// Package sha256 computes content hashes used to detect mirrored pages.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"unicode"
)

// Hasher implements crawler.Hasher. Bodies are whitespace-collapsed before
// hashing so mirrors that differ only in formatting share a digest.
type Hasher struct {
	raw bool
}

// New returns a normalizing SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// NewRaw returns a hasher that digests bytes as-is.
func NewRaw() *Hasher {
	return &Hasher{raw: true}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if h == nil || !h.raw {
		data = collapseSpace(data)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func collapseSpace(data []byte) []byte {
	fields := bytes.FieldsFunc(data, unicode.IsSpace)
	return bytes.Join(fields, []byte{' '})
}
