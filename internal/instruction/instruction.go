// Package instruction defines the backup instruction stream: the
// length-delimited sequence of chunk references and literal byte runs that
// makes up a backup file's payload.
package instruction

import (
	"encoding/binary"

	"govault/internal/chunkid"
	"govault/internal/verrors"
)

// Kind tags which field of an Instruction is meaningful.
type Kind byte

const (
	KindChunkRef Kind = iota
	KindLiteral
)

// Instruction is one record of the stream: exactly one of Chunk (when
// Kind == KindChunkRef) or Literal (when Kind == KindLiteral) is meaningful.
type Instruction struct {
	Kind    Kind
	Chunk   chunkid.ID
	Literal []byte
}

// ChunkRef builds a reference instruction to an already-stored chunk.
func ChunkRef(id chunkid.ID) Instruction {
	return Instruction{Kind: KindChunkRef, Chunk: id}
}

// Literal builds an inline-bytes instruction, copying data.
func Literal(data []byte) Instruction {
	return Instruction{Kind: KindLiteral, Literal: append([]byte(nil), data...)}
}

func (i Instruction) payload() []byte {
	if i.Kind == KindChunkRef {
		return i.Chunk[:]
	}
	return i.Literal
}

const recordHeaderSize = 1 + 4 // kind byte + uint32 LE length

// EncodeStream serializes ins as a sequence of length-delimited records:
// one kind byte, a uint32 LE payload length, then the payload (a ChunkID
// for a reference, the raw bytes for a literal).
func EncodeStream(ins []Instruction) []byte {
	size := 0
	for _, i := range ins {
		size += recordHeaderSize + len(i.payload())
	}
	buf := make([]byte, size)
	cursor := 0
	for _, i := range ins {
		buf[cursor] = byte(i.Kind)
		cursor++
		payload := i.payload()
		binary.LittleEndian.PutUint32(buf[cursor:cursor+4], uint32(len(payload)))
		cursor += 4
		cursor += copy(buf[cursor:], payload)
	}
	return buf
}

// DecodeStream parses the encoding produced by EncodeStream.
func DecodeStream(data []byte) ([]Instruction, error) {
	var out []Instruction
	cursor := 0
	for cursor < len(data) {
		if cursor+recordHeaderSize > len(data) {
			return nil, verrors.Integrityf("instruction: truncated record header")
		}
		kind := Kind(data[cursor])
		n := binary.LittleEndian.Uint32(data[cursor+1 : cursor+5])
		cursor += recordHeaderSize
		if cursor+int(n) > len(data) {
			return nil, verrors.Integrityf("instruction: truncated record payload")
		}
		payload := data[cursor : cursor+int(n)]
		cursor += int(n)

		switch kind {
		case KindChunkRef:
			if len(payload) != chunkid.Size {
				return nil, verrors.Integrityf("instruction: malformed chunk reference")
			}
			var id chunkid.ID
			copy(id[:], payload)
			out = append(out, Instruction{Kind: KindChunkRef, Chunk: id})
		case KindLiteral:
			out = append(out, Literal(payload))
		default:
			return nil, verrors.Integrityf("instruction: unknown record kind %d", kind)
		}
	}
	return out, nil
}
