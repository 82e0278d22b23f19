// Package chunker implements the content-defined chunker: it slides a
// fixed-size rolling-hash window over input bytes, cuts out a ChunkRef
// wherever the window's content is already known to the chunk store, and
// falls back to periodic literal/chunk flushes of whatever wasn't absorbed
// by a match.
package chunker

import (
	"govault/internal/bundleid"
	"govault/internal/chunkid"
	"govault/internal/instruction"
	"govault/internal/rollhash"
)

// DefaultSmallLiteralThreshold is the payload size below which a flushed
// run of unmatched bytes is emitted as a Literal instead of being promoted
// to a stored chunk.
const DefaultSmallLiteralThreshold = 128

// Finder answers whether a window's content is already known, without
// requiring the caller to have computed its full ChunkID — src computes
// one lazily only if at least one chain entry shares the rolling hash.
type Finder interface {
	Find(rollingHash uint64, src chunkid.Source) (bundleid.ID, bool)
}

// Adder stores a newly-flushed chunk's bytes under its ChunkID.
type Adder interface {
	Add(id chunkid.ID, data []byte) (bool, error)
}

// Config bounds the chunker's window size and literal/chunk cutoff.
type Config struct {
	// ChunkMaxSize is the rolling window size in bytes.
	ChunkMaxSize int
	// SmallLiteralThreshold is the payload size below which a flush is
	// emitted as a Literal rather than a stored chunk. Zero means
	// DefaultSmallLiteralThreshold.
	SmallLiteralThreshold int
}

func (c Config) smallLiteralThreshold() int {
	if c.SmallLiteralThreshold <= 0 {
		return DefaultSmallLiteralThreshold
	}
	return c.SmallLiteralThreshold
}

// Chunker runs one pass of the algorithm over a byte slice already fully
// held in memory (as every payload this repository chunks — a file's
// stdin capture, or a previous pass's instruction stream — already is).
type Chunker struct {
	cfg    Config
	finder Finder
	adder  Adder
}

// New returns a Chunker using finder for dedup probes and adder to store
// newly-seen chunks.
func New(cfg Config, finder Finder, adder Adder) *Chunker {
	return &Chunker{cfg: cfg, finder: finder, adder: adder}
}

// ringSource is a chunkid.Source over a window stored in a ring buffer: its
// bytes are only assembled into a contiguous slice (and hashed) the first
// time ChunkID is actually called, keeping the common rolling-hash-miss
// path free of both allocation and SHA-1 work.
type ringSource struct {
	ring   []byte
	head   int
	digest uint64
	cached *chunkid.ID
}

func (s *ringSource) bytes() []byte {
	n := len(s.ring)
	out := make([]byte, n)
	copy(out, s.ring[s.head:])
	copy(out[n-s.head:], s.ring[:s.head])
	return out
}

func (s *ringSource) ChunkID() chunkid.ID {
	if s.cached == nil {
		id := chunkid.Of(s.bytes(), s.digest)
		s.cached = &id
	}
	return *s.cached
}

func (s *ringSource) RollingDigest() uint64 { return s.digest }

// Run executes one chunking pass over data, returning the instruction
// stream that reproduces it.
func (c *Chunker) Run(data []byte) ([]instruction.Instruction, error) {
	maxSize := c.cfg.ChunkMaxSize
	if maxSize <= 0 {
		maxSize = 1
	}

	var out []instruction.Instruction
	hash := rollhash.New()
	ring := make([]byte, maxSize)
	head := 0 // index of the oldest byte once the ring is full
	var toSave []byte

	flush := func(pending []byte) error {
		if len(pending) == 0 {
			return nil
		}
		if len(pending) < c.cfg.smallLiteralThreshold() {
			out = append(out, instruction.Literal(pending))
			return nil
		}
		id := chunkid.OfBytes(pending)
		if _, err := c.adder.Add(id, append([]byte(nil), pending...)); err != nil {
			return err
		}
		out = append(out, instruction.ChunkRef(id))
		return nil
	}

	for _, b := range data {
		if hash.Len() < maxSize {
			// Fill phase: extend the window until it reaches maxSize. The
			// ring is filled in order from index 0, so head stays 0.
			ring[hash.Len()] = b
			hash.RollIn(b)
			if hash.Len() == maxSize {
				src := &ringSource{ring: ring, head: 0, digest: hash.Digest()}
				if _, ok := c.finder.Find(hash.Digest(), src); ok {
					// Tie-break: any partial side buffer must be flushed
					// first so the emitted order matches byte order.
					if err := flush(toSave); err != nil {
						return nil, err
					}
					toSave = nil
					out = append(out, instruction.ChunkRef(src.ChunkID()))
					hash.Reset()
				}
			}
			continue
		}

		// Slide phase: the window is full; the oldest byte shifts into the
		// side buffer and the new byte overwrites its ring slot.
		oldest := ring[head]
		ring[head] = b
		head = (head + 1) % maxSize
		hash.Rotate(b, oldest)
		toSave = append(toSave, oldest)

		src := &ringSource{ring: ring, head: head, digest: hash.Digest()}
		if _, ok := c.finder.Find(hash.Digest(), src); ok {
			if err := flush(toSave); err != nil {
				return nil, err
			}
			toSave = nil
			out = append(out, instruction.ChunkRef(src.ChunkID()))
			hash.Reset()
			head = 0
			continue
		}

		if len(toSave) >= maxSize {
			if err := flush(toSave); err != nil {
				return nil, err
			}
			toSave = nil
		}
	}

	// finish(): drain whatever never matched. The side buffer always sorts
	// before the window in byte order, so they are flushed together as one
	// final sub-maximal chunk or literal.
	windowLen := hash.Len()
	tail := make([]byte, 0, len(toSave)+windowLen)
	tail = append(tail, toSave...)
	if windowLen > 0 {
		src := &ringSource{ring: ring, head: head}
		tail = append(tail, src.bytes()[:windowLen]...)
	}
	if err := flush(tail); err != nil {
		return nil, err
	}

	return out, nil
}

// Compact runs Run repeatedly, each time re-chunking the previous pass's
// encoded instruction stream, stopping as soon as a pass fails to shrink
// the stream further. It returns the final instruction stream bytes and the
// number of successful recursive passes beyond the base pass (the restorer
// needs exactly this many extra rounds to undo them).
func Compact(cfg Config, finder Finder, adder Adder, data []byte) ([]byte, uint32, error) {
	c := New(cfg, finder, adder)

	ins, err := c.Run(data)
	if err != nil {
		return nil, 0, err
	}
	current := instruction.EncodeStream(ins)

	var iterations uint32
	for {
		ins, err := c.Run(current)
		if err != nil {
			return nil, 0, err
		}
		next := instruction.EncodeStream(ins)
		if len(next) >= len(current) {
			break
		}
		current = next
		iterations++
	}
	return current, iterations, nil
}
