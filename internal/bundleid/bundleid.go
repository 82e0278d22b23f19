// Package bundleid defines BundleID, the 24-random-byte name of a bundle
// file. It is split out from internal/bundle so that internal/chunkindex,
// internal/chunker, internal/storage and internal/gc can all reference a
// bundle's identity without importing the bundle file codec itself.
package bundleid

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"

	"govault/internal/verrors"
)

// Size is the length of a BundleID in bytes.
const Size = 24

// ID is a bundle's randomly-assigned, globally-unique name.
type ID [Size]byte

// New generates a fresh random BundleID: a version-4 UUID for the first 16
// bytes (reusing a well-audited random-UUID generator rather than rolling
// another crypto/rand call for that half) plus 8 further random bytes.
func New() (ID, error) {
	var id ID
	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, verrors.IOf(err, "bundleid: generate random id")
	}
	copy(id[:16], u[:])
	if _, err := rand.Read(id[16:]); err != nil {
		return ID{}, verrors.IOf(err, "bundleid: generate random id")
	}
	return id, nil
}

// String returns the lowercase hex encoding of id, used both for log
// messages and as the literal on-disk bundle path component.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never assigned by New, but
// used as a "no current bundle" sentinel by the storage writer).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Prefix returns the two hex characters used as the bundle's containing
// subdirectory name under bundles/, bounding per-directory fanout.
func (id ID) Prefix() string {
	return id.String()[:2]
}

// Parse decodes a hex-encoded BundleID, as read back from an index record or
// a bundle file path component.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != Size {
		return ID{}, verrors.Integrityf("bundleid: malformed id %q", s)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}
