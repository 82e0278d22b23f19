// Package chunkid defines the ChunkID content address: 16 bytes of SHA-1
// prefix concatenated with 8 bytes of little-endian rolling-hash digest.
//
// Two chunks with identical ChunkID are treated as identical content. Given
// SHA-1's collision resistance this is a cryptographic-strength fingerprint,
// with the rolling hash contributing cheap pre-filtering during lookup
// (see internal/chunkindex) rather than additional collision resistance.
package chunkid

import (
	"crypto/sha1" //nolint:gosec // G505: used for content addressing, not signatures
	"encoding/binary"
	"encoding/hex"

	"govault/internal/rollhash"
)

// Size is the length of a ChunkID in bytes.
const Size = 24

// shaPrefixSize is the number of SHA-1 bytes folded into a ChunkID.
const shaPrefixSize = 16

// ID is a chunk's content address.
type ID [Size]byte

// Of computes the ChunkID of data, given its already-computed rolling hash
// digest (the chunker always has one on hand by the time it needs an ID).
func Of(data []byte, rollingDigest uint64) ID {
	var id ID
	sum := sha1.Sum(data) //nolint:gosec // G401: content addressing, not a security boundary
	copy(id[:shaPrefixSize], sum[:shaPrefixSize])
	binary.LittleEndian.PutUint64(id[shaPrefixSize:], rollingDigest)
	return id
}

// OfBytes computes the ChunkID of data, deriving the rolling hash digest
// from data itself. Equivalent to Of(data, rollhash.DigestOf(data)), kept
// separate so call sites that already hold a digest never recompute it.
func OfBytes(data []byte) ID {
	return Of(data, rollhash.DigestOf(data))
}

// RollingDigest extracts the little-endian rolling hash digest half of id.
func (id ID) RollingDigest() uint64 {
	return binary.LittleEndian.Uint64(id[shaPrefixSize:])
}

// String returns the lowercase hex encoding of id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never a valid ChunkID, since
// a zero-length chunk is never produced).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Source lazily materializes a ChunkID, avoiding a SHA-1 computation on the
// chunk-index lookup's common-miss path: the index only asks for the full
// ID once at least one chain entry has matched on rolling hash alone.
//
// This is the Go rendering of the "lazy ChunkId interface" design note: a
// closure-shaped interface rather than a virtual dispatch table.
type Source interface {
	// ChunkID computes (or returns a cached) full ChunkID.
	ChunkID() ID
	// RollingDigest returns the rolling hash digest without requiring a
	// SHA-1 computation.
	RollingDigest() uint64
}

// Precomputed wraps an already-known ChunkID as a Source.
type Precomputed ID

func (p Precomputed) ChunkID() ID           { return ID(p) }
func (p Precomputed) RollingDigest() uint64 { return ID(p).RollingDigest() }

// fromBytes lazily computes a ChunkID from a byte slice and a known rolling
// digest, caching the SHA-1 result across repeated ChunkID() calls for the
// same window (the chunker may probe the same candidate chunk's identity
// more than once before it moves on).
type fromBytes struct {
	data    []byte
	digest  uint64
	cached  *ID
}

// FromBytes returns a Source that computes its ChunkID lazily from data,
// using the already-known rolling digest rather than recomputing it.
func FromBytes(data []byte, rollingDigest uint64) Source {
	return &fromBytes{data: data, digest: rollingDigest}
}

func (f *fromBytes) ChunkID() ID {
	if f.cached == nil {
		id := Of(f.data, f.digest)
		f.cached = &id
	}
	return *f.cached
}

func (f *fromBytes) RollingDigest() uint64 {
	return f.digest
}
