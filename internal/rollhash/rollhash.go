// Package rollhash implements the 64-bit keyed Rabin-Karp rolling window
// hash used both as a cheap dedup-probe fingerprint and as half of a
// ChunkID.
//
// Base is 257 (odd, so base*v reduces to (v<<8)+v — no 64-bit multiply
// instruction needed) and arithmetic is modulo 2^64 via native uint64
// overflow. RollIn extends the window by one byte; Rotate drops the oldest
// byte and appends a new one, holding window length fixed. Both run in O(1).
package rollhash

const base = 257

// mulBase multiplies v by 257 modulo 2^64 without a hardware multiply,
// exploiting that 257 = 256+1: v*257 = (v<<8) + v.
func mulBase(v uint64) uint64 {
	return (v << 8) + v
}

// Hash is a rolling Rabin-Karp fingerprint over a sliding byte window.
//
// Construct one with New: the zero value starts with base^0 stored as 0
// rather than 1, so its digests differ from New's. Hash is not safe for
// concurrent use; callers that need one per goroutine should construct
// separate values.
type Hash struct {
	value  uint64 // polynomial value of the current window
	pow    uint64 // base^length, length = current window length
	subPow uint64 // base^(length-1); valid once length >= 1, used by Rotate
	length uint64
}

// New returns an empty rolling hash with a zero-length window.
func New() *Hash {
	return &Hash{pow: 1}
}

// Len reports the current window length in bytes.
func (h *Hash) Len() int {
	return int(h.length)
}

// RollIn appends b to the window, extending its length by one.
func (h *Hash) RollIn(b byte) {
	h.value = mulBase(h.value) + uint64(b)
	h.subPow = h.pow
	h.pow = mulBase(h.pow)
	h.length++
}

// Rotate drops the oldest byte (out) from the window and appends a new byte
// (in), leaving the window length unchanged. The caller is responsible for
// passing the correct outgoing byte — Rotate does not track window contents.
func (h *Hash) Rotate(in, out byte) {
	h.value = mulBase(h.value-uint64(out)*h.subPow) + uint64(in)
}

// Digest returns the current fingerprint: the polynomial value plus
// base^length. Mixing in the length-dependent factor distinguishes windows
// that differ only in a run of leading zero bytes, which would otherwise
// collapse to the same polynomial value.
func (h *Hash) Digest() uint64 {
	return h.value + h.pow
}

// Reset clears the window back to empty, as returned by New.
func (h *Hash) Reset() {
	h.value = 0
	h.pow = 1
	h.subPow = 0
	h.length = 0
}

// DigestOf computes the rolling hash digest of s directly, as a sequence of
// RollIn calls over the whole slice. Used by tests and by chunkid.OfBytes,
// which the chunker calls for every run of bytes it flushes as a chunk.
func DigestOf(s []byte) uint64 {
	h := New()
	for _, b := range s {
		h.RollIn(b)
	}
	return h.Digest()
}
