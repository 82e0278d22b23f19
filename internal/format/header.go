// Package format provides shared binary format utilities used by every
// on-disk record the repository writes: bundles, index files, backup files,
// and the two info files.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'v' = 0x76)
//	type (1 byte, identifies format)
//	version (1 byte)
//	flags (1 byte, reserved)
//
// Type codes:
//
//	'b' = bundle file
//	'x' = index file
//	'k' = backup file
//	'i' = storage info file
//	'e' = extended info file
const (
	Signature  = 'v'
	HeaderSize = 4

	TypeBundle       = 'b'
	TypeIndex        = 'x'
	TypeBackup       = 'k'
	TypeStorageInfo  = 'i'
	TypeExtendedInfo = 'e'
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header represents the common 4-byte header.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode writes the header to a 4-byte array.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// EncodeInto writes the header into the given buffer at offset 0.
// Returns the number of bytes written (always HeaderSize).
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Type
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode reads a header from the given buffer.
// Returns ErrHeaderTooSmall if buf is less than HeaderSize bytes.
// Returns ErrSignatureMismatch if the signature byte doesn't match.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{
		Type:    buf[1],
		Version: buf[2],
		Flags:   buf[3],
	}, nil
}

// DecodeAndValidate reads a header and validates its type.
// Returns ErrTypeMismatch if the type doesn't match expectedType.
// Version is returned, not validated — callers that reject unsupported
// versions (e.g. bundle readers) do so themselves with a typed error.
func DecodeAndValidate(buf []byte, expectedType byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type != expectedType {
		return Header{}, ErrTypeMismatch
	}
	return h, nil
}
