// Package restore implements the three restore modes described by the
// backup instruction stream: forward (write straight to a sink), iterated
// (undo recursive self-compaction first), and indexed (random-access range
// reads without materializing the whole stream).
package restore

import (
	"bytes"
	"io"
	"sort"

	"govault/internal/chunkid"
	"govault/internal/instruction"
	"govault/internal/verrors"
)

// ChunkGetter resolves a chunk reference to its stored bytes.
type ChunkGetter interface {
	Get(id chunkid.ID) ([]byte, error)
}

// Observer is notified of every chunk reference a forward pass resolves,
// letting the garbage collector trace live chunks without a separate walk.
type Observer func(chunkid.ID)

// ErrOutOfRange is returned by Indexed.ReadRange when the requested range
// exceeds the stream's total size.
var ErrOutOfRange = verrors.Integrityf("restore: requested range exceeds total size")

// Forward writes the bytes ins describes to w: chunk references are
// resolved via getter, literals are copied inline. A dangling reference
// (getter.Get failing) aborts with that error.
func Forward(getter ChunkGetter, ins []instruction.Instruction, w io.Writer, observe Observer) error {
	for _, i := range ins {
		switch i.Kind {
		case instruction.KindLiteral:
			if _, err := w.Write(i.Literal); err != nil {
				return verrors.IOf(err, "restore: write literal")
			}
		case instruction.KindChunkRef:
			if observe != nil {
				observe(i.Chunk)
			}
			data, err := getter.Get(i.Chunk)
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return verrors.IOf(err, "restore: write chunk")
			}
		}
	}
	return nil
}

// Iterated undoes recursive self-compaction: it runs `iterations` rounds of
// forward mode through an in-memory buffer, each round replacing the
// working bytes with that round's restored form, then one final forward
// round against the real sink w.
func Iterated(getter ChunkGetter, backupData []byte, iterations uint32, w io.Writer, observe Observer) error {
	current := backupData
	for i := uint32(0); i < iterations; i++ {
		ins, err := instruction.DecodeStream(current)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := Forward(getter, ins, &buf, observe); err != nil {
			return err
		}
		current = buf.Bytes()
	}
	ins, err := instruction.DecodeStream(current)
	if err != nil {
		return err
	}
	return Forward(getter, ins, w, observe)
}

type offsetEntry struct {
	offset uint64
	size   uint64
	ins    instruction.Instruction
}

// Indexed supports random-access range reads over a fully-decompacted
// instruction stream without materializing the whole restored output.
type Indexed struct {
	getter    ChunkGetter
	entries   []offsetEntry
	totalSize uint64
}

// NewIndexed undoes iterations rounds of compaction the same way Iterated
// does, then builds the (offset, instruction) table ReadRange searches.
// Each chunk reference's size is resolved once, up front, by fetching it;
// ReadRange re-fetches through getter as needed (expected to be backed by
// storage.Reader's bundle cache, making repeat fetches cheap).
func NewIndexed(getter ChunkGetter, backupData []byte, iterations uint32) (*Indexed, error) {
	current := backupData
	for i := uint32(0); i < iterations; i++ {
		ins, err := instruction.DecodeStream(current)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := Forward(getter, ins, &buf, nil); err != nil {
			return nil, err
		}
		current = buf.Bytes()
	}

	ins, err := instruction.DecodeStream(current)
	if err != nil {
		return nil, err
	}

	x := &Indexed{getter: getter, entries: make([]offsetEntry, 0, len(ins))}
	var offset uint64
	for _, i := range ins {
		size, err := x.size(i)
		if err != nil {
			return nil, err
		}
		x.entries = append(x.entries, offsetEntry{offset: offset, size: size, ins: i})
		offset += size
	}
	x.totalSize = offset
	return x, nil
}

func (x *Indexed) size(i instruction.Instruction) (uint64, error) {
	if i.Kind == instruction.KindLiteral {
		return uint64(len(i.Literal)), nil
	}
	data, err := x.getter.Get(i.Chunk)
	if err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// TotalSize returns the stream's fully-restored byte length.
func (x *Indexed) TotalSize() uint64 {
	return x.totalSize
}

// ReadRange returns the length bytes starting at offset.
func (x *Indexed) ReadRange(offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if offset > x.totalSize || length > x.totalSize-offset {
		return nil, ErrOutOfRange
	}

	start := sort.Search(len(x.entries), func(i int) bool {
		e := x.entries[i]
		return e.offset+e.size > offset
	})

	out := make([]byte, 0, length)
	pos, remaining := offset, length
	for remaining > 0 && start < len(x.entries) {
		e := x.entries[start]
		data, err := x.resolve(e.ins)
		if err != nil {
			return nil, err
		}
		localStart := pos - e.offset
		avail := e.size - localStart
		take := avail
		if take > remaining {
			take = remaining
		}
		out = append(out, data[localStart:localStart+take]...)
		remaining -= take
		pos += take
		start++
	}
	return out, nil
}

func (x *Indexed) resolve(i instruction.Instruction) ([]byte, error) {
	if i.Kind == instruction.KindLiteral {
		return i.Literal, nil
	}
	return x.getter.Get(i.Chunk)
}
