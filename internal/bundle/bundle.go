// Package bundle implements the bundle file: a container-framed file
// holding many chunks compressed as a single unit, named by random id.
package bundle

import (
	"encoding/binary"
	"io"
	"sort"

	"govault/internal/chunkid"
	"govault/internal/chunkindex"
	"govault/internal/container"
	"govault/internal/format"
	"govault/internal/verrors"
)

var (
	ErrDuplicateChunks    = verrors.Integrityf("bundle: duplicate chunk id inside bundle")
	ErrTooMuchData        = verrors.Integrityf("bundle: decoder produced more data than metadata claims")
	ErrTooLittleData      = verrors.Integrityf("bundle: decoder produced less data than metadata claims")
	ErrUnsupportedVersion = verrors.Integrityf("bundle: unsupported format version")
)

// VersionFor returns the on-disk format version for a compression method
// name. "lzma" is pinned to version 1 so that tooling hardcoded against the
// historical LZMA-only format keeps working; every other method is
// version 2.
func VersionFor(method string) byte {
	if method == "lzma" {
		return 1
	}
	return 2
}

// ValidateVersion rejects any version this implementation does not
// understand.
func ValidateVersion(v byte) error {
	if v >= 3 {
		return ErrUnsupportedVersion
	}
	return nil
}

// Creator accumulates chunks for a single bundle in memory and serializes
// them via WriteTo. No chunk may appear twice in one bundle.
type Creator struct {
	codec   Codec
	chunks  []chunkindex.ChunkRecord
	payload []byte
	seen    map[chunkid.ID]struct{}
}

// NewCreator returns an empty Creator using codec for compression.
func NewCreator(codec Codec) *Creator {
	return &Creator{codec: codec, seen: make(map[chunkid.ID]struct{})}
}

// AddChunk appends data under id. It fails with ErrDuplicateChunks if id is
// already present in this bundle.
func (c *Creator) AddChunk(id chunkid.ID, data []byte) error {
	if _, ok := c.seen[id]; ok {
		return ErrDuplicateChunks
	}
	c.seen[id] = struct{}{}
	c.chunks = append(c.chunks, chunkindex.ChunkRecord{ID: id, Size: uint32(len(data))})
	c.payload = append(c.payload, data...)
	return nil
}

// Len reports the number of chunks accumulated so far.
func (c *Creator) Len() int {
	return len(c.chunks)
}

// PayloadSize reports the uncompressed size accumulated so far, the figure
// the storage writer compares against bundle_max_payload_size to decide
// whether to roll over.
func (c *Creator) PayloadSize() int {
	return len(c.payload)
}

// Info returns the BundleInfo describing this bundle's contents in order.
func (c *Creator) Info() chunkindex.BundleInfo {
	return chunkindex.BundleInfo{Chunks: c.chunks}
}

// WriteTo serializes the bundle through the encrypted container to w.
func (c *Creator) WriteTo(w io.Writer, key []byte) error {
	out := container.NewOutputStream(w, key)

	hdr := format.Header{Type: format.TypeBundle, Version: VersionFor(c.codec.Name())}
	hb := hdr.Encode()
	if _, err := out.Write(hb[:]); err != nil {
		return err
	}

	container.WriteBlock(out, []byte(c.codec.Name()))
	container.WriteBlock(out, c.Info().Encode())

	metaSum := container.Adler32(out.Bytes())
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], metaSum)
	if _, err := out.Write(sumBuf[:]); err != nil {
		return err
	}

	compressed, err := c.codec.Encode(c.payload)
	if err != nil {
		return err
	}
	if _, err := out.Write(compressed); err != nil {
		return err
	}

	out.WriteAdler32()
	return out.Close()
}

type chunkLocation struct {
	offset uint32
	size   uint32
}

// Reader opens a bundle file and serves individual chunks by id, fully
// decompressing the payload into memory once at open time.
type Reader struct {
	chunks  map[chunkid.ID]chunkLocation
	payload []byte
}

// OpenReader reads, decrypts, and decompresses a bundle file from r.
func OpenReader(r io.Reader, key []byte) (*Reader, error) {
	in, err := container.NewInputStream(r, key)
	if err != nil {
		return nil, err
	}

	hdrBuf := in.Next(format.HeaderSize)
	hdr, err := format.DecodeAndValidate(hdrBuf, format.TypeBundle)
	if err != nil {
		return nil, verrors.Integrityf("bundle: %v", err)
	}
	if err := ValidateVersion(hdr.Version); err != nil {
		return nil, err
	}

	methodBlock, err := container.ReadBlock(in)
	if err != nil {
		return nil, err
	}
	method := string(methodBlock)
	if want := VersionFor(method); hdr.Version != want {
		return nil, verrors.Integrityf("bundle: version %d does not match compression method %q (want %d)", hdr.Version, method, want)
	}
	codec, ok := Lookup(method)
	if !ok {
		return nil, verrors.Integrityf("bundle: unknown compression method %q", method)
	}

	infoBlock, err := container.ReadBlock(in)
	if err != nil {
		return nil, err
	}
	info, err := chunkindex.DecodeBundleInfo(infoBlock)
	if err != nil {
		return nil, err
	}

	// Metadata checkpoint: adler32 of header+method+info consumed so far.
	if err := in.CheckAdler32(); err != nil {
		return nil, err
	}

	compressed := in.Next(in.Remaining() - 4)
	payload, err := codec.Decode(compressed)
	if err != nil {
		return nil, err
	}

	// Final trailer: adler32 of everything, including the compressed bytes.
	if err := in.CheckAdler32(); err != nil {
		return nil, err
	}

	total := info.TotalSize()
	switch {
	case uint64(len(payload)) > total:
		return nil, ErrTooMuchData
	case uint64(len(payload)) < total:
		return nil, ErrTooLittleData
	}

	chunks := make(map[chunkid.ID]chunkLocation, len(info.Chunks))
	var offset uint32
	for _, rec := range info.Chunks {
		if _, exists := chunks[rec.ID]; exists {
			return nil, ErrDuplicateChunks
		}
		chunks[rec.ID] = chunkLocation{offset: offset, size: rec.Size}
		offset += rec.Size
	}

	return &Reader{chunks: chunks, payload: payload}, nil
}

// Get returns a copy of the requested chunk's bytes.
func (r *Reader) Get(id chunkid.ID) ([]byte, bool) {
	loc, ok := r.chunks[id]
	if !ok {
		return nil, false
	}
	out := make([]byte, loc.size)
	copy(out, r.payload[loc.offset:loc.offset+loc.size])
	return out, true
}

// Chunks returns every ChunkId stored in the bundle, in bundle order.
func (r *Reader) Chunks() []chunkid.ID {
	ids := make([]chunkid.ID, 0, len(r.chunks))
	for id := range r.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.chunks[ids[i]].offset < r.chunks[ids[j]].offset })
	return ids
}
