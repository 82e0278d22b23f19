// Package chunkindex is the in-memory table answering "is this chunk
// already stored, and in which bundle", plus the on-disk index file
// reader/writer that persists it across sessions.
//
// The chain entries live in an arena of fixed-size slabs addressed by
// integer handles rather than pointers: a slab never moves once allocated,
// so a handle stays valid for the lifetime of the Index, and nothing is
// ever individually freed — the whole arena is dropped with the Index. This
// is the Go rendering of the "arena-as-slab-table" re-architecture note:
// chains are singly linked via next-handles, and the handle 0 means "no
// entry" (entries are allocated starting at handle 1).
package chunkindex

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"govault/internal/bundleid"
	"govault/internal/chunkid"
	"govault/internal/container"
	"govault/internal/format"
	"govault/internal/verrors"
)

// DefaultSlabSize is the number of chain entries per arena slab.
const DefaultSlabSize = 4096

const indexFileVersion = 1

// ChunkRecord is one (ChunkId, length) pair inside a BundleInfo.
type ChunkRecord struct {
	ID   chunkid.ID
	Size uint32
}

// BundleInfo enumerates, in order, every chunk a bundle contains.
type BundleInfo struct {
	Chunks []ChunkRecord
}

// Encode serializes bi as a count followed by (id, size) pairs.
func (bi BundleInfo) Encode() []byte {
	const recSize = chunkid.Size + 4
	buf := make([]byte, 4+len(bi.Chunks)*recSize)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(bi.Chunks)))
	cursor := 4
	for _, c := range bi.Chunks {
		copy(buf[cursor:cursor+chunkid.Size], c.ID[:])
		cursor += chunkid.Size
		binary.LittleEndian.PutUint32(buf[cursor:cursor+4], c.Size)
		cursor += 4
	}
	return buf
}

// TotalSize returns the sum of every chunk's recorded size.
func (bi BundleInfo) TotalSize() uint64 {
	var total uint64
	for _, c := range bi.Chunks {
		total += uint64(c.Size)
	}
	return total
}

// DecodeBundleInfo parses the encoding produced by BundleInfo.Encode.
func DecodeBundleInfo(data []byte) (BundleInfo, error) {
	if len(data) < 4 {
		return BundleInfo{}, verrors.Integrityf("chunkindex: truncated bundle info count")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	const recSize = chunkid.Size + 4
	cursor := 4
	chunks := make([]ChunkRecord, count)
	for i := range chunks {
		if cursor+recSize > len(data) {
			return BundleInfo{}, verrors.Integrityf("chunkindex: truncated bundle info record %d", i)
		}
		var id chunkid.ID
		copy(id[:], data[cursor:cursor+chunkid.Size])
		cursor += chunkid.Size
		size := binary.LittleEndian.Uint32(data[cursor : cursor+4])
		cursor += 4
		chunks[i] = ChunkRecord{ID: id, Size: size}
	}
	return BundleInfo{Chunks: chunks}, nil
}

type entry struct {
	id     chunkid.ID
	bundle uint32
	next   uint32
}

// Index is the in-memory chunk table. It is not safe for concurrent use:
// per the ownership model, it belongs to the repository's single owning
// thread and is never touched by compressor workers.
type Index struct {
	slabSize int
	arena    [][]entry
	buckets  map[uint64]uint32

	bundles          []bundleid.ID
	bundleHandle     map[bundleid.ID]uint32
	bundleInfos      map[bundleid.ID]BundleInfo
	lastBundle       bundleid.ID
	lastBundleHandle uint32
	hasLastBundle    bool
}

// New returns an empty index using the given arena slab size (DefaultSlabSize
// if zero or negative).
func New(slabSize int) *Index {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	return &Index{
		slabSize:     slabSize,
		buckets:      make(map[uint64]uint32),
		bundleHandle: make(map[bundleid.ID]uint32),
		bundleInfos:  make(map[bundleid.ID]BundleInfo),
	}
}

func (x *Index) alloc() uint32 {
	n := len(x.arena)
	if n == 0 || len(x.arena[n-1]) == x.slabSize {
		x.arena = append(x.arena, make([]entry, 0, x.slabSize))
		n++
	}
	slab := &x.arena[n-1]
	*slab = append(*slab, entry{})
	return uint32((n-1)*x.slabSize + len(*slab))
}

func (x *Index) at(h uint32) *entry {
	idx := int(h) - 1
	return &x.arena[idx/x.slabSize][idx%x.slabSize]
}

// internBundle returns a stable small handle for id, reusing the most
// recently interned bundle id without a map lookup when inserts run against
// the same bundle consecutively (the common case while filling one bundle).
func (x *Index) internBundle(id bundleid.ID) uint32 {
	if x.hasLastBundle && x.lastBundle == id {
		return x.lastBundleHandle
	}
	if h, ok := x.bundleHandle[id]; ok {
		x.lastBundle, x.lastBundleHandle, x.hasLastBundle = id, h, true
		return h
	}
	h := uint32(len(x.bundles))
	x.bundles = append(x.bundles, id)
	x.bundleHandle[id] = h
	x.lastBundle, x.lastBundleHandle, x.hasLastBundle = id, h, true
	return h
}

// Find looks up rollingHash in the chain table. src supplies the full
// ChunkId lazily: it is only asked to compute one once at least one chain
// entry shares the rolling hash, keeping the common miss path free of
// SHA-1 work.
func (x *Index) Find(rollingHash uint64, src chunkid.Source) (bundleid.ID, bool) {
	head, ok := x.buckets[rollingHash]
	if !ok {
		return bundleid.ID{}, false
	}
	var id chunkid.ID
	have := false
	for h := head; h != 0; {
		e := x.at(h)
		if !have {
			id = src.ChunkID()
			have = true
		}
		if e.id == id {
			return x.bundles[e.bundle], true
		}
		h = e.next
	}
	return bundleid.ID{}, false
}

// FindByID is a convenience form of Find that always computes the full id.
func (x *Index) FindByID(id chunkid.ID) (bundleid.ID, bool) {
	return x.Find(id.RollingDigest(), chunkid.Precomputed(id))
}

// Add inserts (id, bundle). It returns false if id was already present (the
// stored bundle is left unchanged), true if a new mapping was inserted.
func (x *Index) Add(id chunkid.ID, bundle bundleid.ID) bool {
	rh := id.RollingDigest()
	head := x.buckets[rh]
	for h := head; h != 0; {
		e := x.at(h)
		if e.id == id {
			return false
		}
		h = e.next
	}

	bh := x.internBundle(bundle)
	h := x.alloc()
	e := x.at(h)
	e.id = id
	e.bundle = bh
	e.next = head
	x.buckets[rh] = h
	return true
}

// AddBundle registers every chunk of info as belonging to bundle, used both
// when a bundle is freshly sealed and when replaying an index file.
func (x *Index) AddBundle(bundle bundleid.ID, info BundleInfo) {
	for _, c := range info.Chunks {
		x.Add(c.ID, bundle)
	}
	x.bundleInfos[bundle] = info
	x.internBundle(bundle)
}

// Bundles returns every BundleId this index has ever recorded, in the order
// first seen. Used by the garbage collector to walk every index record.
func (x *Index) Bundles() []bundleid.ID {
	out := make([]bundleid.ID, len(x.bundles))
	copy(out, x.bundles)
	return out
}

// BundleInfoFor returns the BundleInfo recorded for bundle, if any.
func (x *Index) BundleInfoFor(bundle bundleid.ID) (BundleInfo, bool) {
	info, ok := x.bundleInfos[bundle]
	return info, ok
}

// LoadAll reads every file under dir (the repository's index/ directory)
// and populates the table. Files are read in directory order; a malformed
// one aborts the whole load with an IntegrityError.
func (x *Index) LoadAll(dir string, key []byte) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return verrors.IOf(err, "chunkindex: read index directory")
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if err := x.loadFile(filepath.Join(dir, de.Name()), key); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) loadFile(path string, key []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return verrors.IOf(err, "chunkindex: open %s", path)
	}
	defer f.Close()

	in, err := container.NewInputStream(f, key)
	if err != nil {
		return err
	}

	hdrBuf := in.Next(format.HeaderSize)
	hdr, err := format.DecodeAndValidate(hdrBuf, format.TypeIndex)
	if err != nil {
		return verrors.Integrityf("chunkindex: %s: %v", path, err)
	}
	if hdr.Version > indexFileVersion {
		return verrors.Integrityf("chunkindex: %s: unsupported index version %d", path, hdr.Version)
	}

	for {
		idBlock, err := container.ReadBlock(in)
		if err != nil {
			return err
		}
		if len(idBlock) == 0 {
			break
		}
		if len(idBlock) != bundleid.Size {
			return verrors.Integrityf("chunkindex: %s: malformed bundle id", path)
		}
		var id bundleid.ID
		copy(id[:], idBlock)

		infoBlock, err := container.ReadBlock(in)
		if err != nil {
			return err
		}
		info, err := DecodeBundleInfo(infoBlock)
		if err != nil {
			return err
		}
		x.AddBundle(id, info)
	}

	return in.CheckAdler32()
}

// Writer appends index records to a fresh on-disk index file, committed
// atomically once the session's bundles have all been sealed.
type Writer struct {
	f       *os.File
	tmpPath string
	out     *container.OutputStream
}

// NewWriter reserves a temp file under tmpDir and begins a new index file.
func NewWriter(tmpDir string, key []byte) (*Writer, error) {
	f, err := os.CreateTemp(tmpDir, "index-*")
	if err != nil {
		return nil, verrors.IOf(err, "chunkindex: create temp index file")
	}
	out := container.NewOutputStream(f, key)
	hdr := format.Header{Type: format.TypeIndex, Version: indexFileVersion}
	b := hdr.Encode()
	_, _ = out.Write(b[:])
	return &Writer{f: f, tmpPath: f.Name(), out: out}, nil
}

// AddBundle appends one (BundleId, BundleInfo) record.
func (w *Writer) AddBundle(bundle bundleid.ID, info BundleInfo) {
	container.WriteBlock(w.out, bundle[:])
	container.WriteBlock(w.out, info.Encode())
}

// Commit writes the terminating sentinel and the adler32 trailer, closes
// the temp file, and renames it into indexDir under a fresh random name.
// It returns the final path.
func (w *Writer) Commit(indexDir string) (string, error) {
	container.WriteBlock(w.out, nil)
	w.out.WriteAdler32()
	if err := w.out.Close(); err != nil {
		return "", err
	}
	if err := w.f.Close(); err != nil {
		return "", verrors.IOf(err, "chunkindex: close temp index file")
	}

	id, err := bundleid.New()
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(indexDir, id.String())
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return "", verrors.IOf(err, "chunkindex: rename index file into place")
	}
	return finalPath, nil
}

// Discard removes the writer's temp file without committing it, used when
// a session aborts before commit.
func (w *Writer) Discard() {
	_ = w.f.Close()
	_ = os.Remove(w.tmpPath)
}
