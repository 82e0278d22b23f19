// Package storage is the chunk storage layer: it owns the current bundle
// being filled, seals bundles to disk through a bounded pool of compressor
// workers, and serves chunk reads back out of a small LRU cache of recently
// opened bundles.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"govault/internal/bundle"
	"govault/internal/bundleid"
	"govault/internal/chunkid"
	"govault/internal/chunkindex"
	"govault/internal/verrors"
)

// Config bounds a Writer's resource use.
type Config struct {
	// MaxCompressors is the maximum number of bundles being compressed and
	// written to disk concurrently. Zero means 1.
	MaxCompressors int
	// BundleMaxPayloadSize is the uncompressed payload size at which the
	// current bundle is sealed and a new one started.
	BundleMaxPayloadSize int
	// Codec compresses every bundle this Writer seals.
	Codec bundle.Codec
}

func (c Config) maxCompressors() int {
	if c.MaxCompressors <= 0 {
		return 1
	}
	return c.MaxCompressors
}

// Writer accumulates chunks into bundles and seals them to bundlesDir,
// updating idx in place and appending records to a fresh index file as each
// bundle is sealed. It is not safe for concurrent use from multiple
// goroutines; per the ownership model it belongs to the repository's single
// owning thread, which is also the only thing that ever touches idx.
type Writer struct {
	cfg        Config
	idx        *chunkindex.Index
	bundlesDir string
	tmpDir     string
	indexDir   string
	key        []byte

	current   *bundle.Creator
	currentID bundleid.ID

	group       *errgroup.Group
	groupCtx    context.Context
	indexWriter *chunkindex.Writer

	mu      sync.Mutex
	renames []renameOp
}

type renameOp struct {
	tmpPath   string
	finalPath string
}

// NewWriter returns a Writer sealing bundles into bundlesDir, using tmpDir
// for staging and indexDir for the committed index file, updating idx as
// chunks and bundles are added.
func NewWriter(idx *chunkindex.Index, bundlesDir, tmpDir, indexDir string, key []byte, cfg Config) *Writer {
	group, ctx := errgroup.WithContext(context.Background())
	group.SetLimit(cfg.maxCompressors())
	return &Writer{
		cfg:        cfg,
		idx:        idx,
		bundlesDir: bundlesDir,
		tmpDir:     tmpDir,
		indexDir:   indexDir,
		key:        key,
		group:      group,
		groupCtx:   ctx,
	}
}

// Add stores data under id if it is not already present anywhere in the
// index, sealing the current bundle first if it would overflow
// BundleMaxPayloadSize. It reports whether data was newly stored.
func (w *Writer) Add(id chunkid.ID, data []byte) (bool, error) {
	if _, ok := w.idx.FindByID(id); ok {
		return false, nil
	}

	if err := w.ensureCurrent(); err != nil {
		return false, err
	}
	if w.cfg.BundleMaxPayloadSize > 0 && w.current.Len() > 0 &&
		w.current.PayloadSize()+len(data) > w.cfg.BundleMaxPayloadSize {
		if err := w.rollover(); err != nil {
			return false, err
		}
		if err := w.ensureCurrent(); err != nil {
			return false, err
		}
	}

	if err := w.current.AddChunk(id, data); err != nil {
		return false, err
	}
	w.idx.Add(id, w.currentID)
	return true, nil
}

// ensureCurrent lazily starts a new bundle: a BundleId is only minted at a
// bundle's first chunk insertion, never merely at Writer construction.
func (w *Writer) ensureCurrent() error {
	if w.current != nil {
		return nil
	}
	id, err := bundleid.New()
	if err != nil {
		return err
	}
	w.current = bundle.NewCreator(w.cfg.Codec)
	w.currentID = id
	return nil
}

// AddBundle registers an already-sealed bundle's contents (used by the
// garbage collector when it rewrites bundles) without going through the
// current-bundle accumulation path.
func (w *Writer) AddBundle(id bundleid.ID, info chunkindex.BundleInfo) error {
	if err := w.ensureIndexWriter(); err != nil {
		return err
	}
	w.indexWriter.AddBundle(id, info)
	w.idx.AddBundle(id, info)
	return nil
}

func (w *Writer) ensureIndexWriter() error {
	if w.indexWriter != nil {
		return nil
	}
	iw, err := chunkindex.NewWriter(w.tmpDir, w.key)
	if err != nil {
		return err
	}
	w.indexWriter = iw
	return nil
}

// rollover seals the current bundle: it records its contents in the index
// file, reserves its final path, and hands the actual compression and write
// to a worker bounded by Config.MaxCompressors, returning without waiting
// for that write to finish (handing off blocks while MaxCompressors workers
// are already running).
func (w *Writer) rollover() error {
	if w.current == nil || w.current.Len() == 0 {
		return nil
	}
	if err := w.ensureIndexWriter(); err != nil {
		return err
	}
	w.indexWriter.AddBundle(w.currentID, w.current.Info())

	tmpFile, err := os.CreateTemp(w.tmpDir, "bundle-*")
	if err != nil {
		return verrors.IOf(err, "storage: create temp bundle file")
	}
	finalPath := w.bundlePath(w.currentID)

	creator := w.current
	id := w.currentID
	tmpPath := tmpFile.Name()
	key := w.key

	w.group.Go(func() error {
		defer tmpFile.Close()
		if err := creator.WriteTo(tmpFile, key); err != nil {
			return verrors.IOf(err, "storage: write bundle %s", id)
		}
		if err := tmpFile.Sync(); err != nil {
			return verrors.IOf(err, "storage: sync bundle %s", id)
		}
		w.mu.Lock()
		w.renames = append(w.renames, renameOp{tmpPath: tmpPath, finalPath: finalPath})
		w.mu.Unlock()
		return nil
	})

	w.current = nil
	w.currentID = bundleid.ID{}
	return nil
}

func (w *Writer) bundlePath(id bundleid.ID) string {
	return filepath.Join(w.bundlesDir, id.Prefix(), id.String())
}

// Commit seals any in-progress bundle, waits for every outstanding
// compressor worker, atomically renames every sealed bundle into place, and
// finalizes the index file. It must be called exactly once, after which the
// Writer is no longer usable.
func (w *Writer) Commit() error {
	if err := w.rollover(); err != nil {
		return err
	}
	if err := w.group.Wait(); err != nil {
		return err
	}

	for _, r := range w.renames {
		if err := os.MkdirAll(filepath.Dir(r.finalPath), 0o755); err != nil {
			return verrors.IOf(err, "storage: create bundle subdirectory")
		}
		if err := os.Rename(r.tmpPath, r.finalPath); err != nil {
			return verrors.IOf(err, "storage: rename bundle into place")
		}
	}
	w.renames = nil

	if w.indexWriter != nil {
		if _, err := w.indexWriter.Commit(w.indexDir); err != nil {
			return err
		}
		w.indexWriter = nil
	}
	return nil
}

// Discard abandons any in-progress and in-flight work without committing
// anything to bundlesDir or indexDir.
func (w *Writer) Discard() {
	_ = w.group.Wait()
	w.mu.Lock()
	renames := w.renames
	w.renames = nil
	w.mu.Unlock()
	for _, r := range renames {
		_ = os.Remove(r.tmpPath)
	}
	if w.indexWriter != nil {
		w.indexWriter.Discard()
		w.indexWriter = nil
	}
}

// Reader serves chunk payloads back out of sealed bundles, keeping an LRU
// cache of recently opened bundle.Reader instances so that a run of reads
// against the same bundle (the common case: chunks are stored and restored
// in bundle-contiguous runs) only pays the decompression cost once.
type Reader struct {
	idx        *chunkindex.Index
	bundlesDir string
	key        []byte
	cache      *lru.Cache
}

// NewReader returns a Reader backed by idx, caching up to cacheBytes worth
// of decompressed bundles (at least one bundle's worth regardless of how
// small cacheBytes is).
func NewReader(idx *chunkindex.Index, bundlesDir string, key []byte, cacheBytes, bundleMaxPayloadSize int) (*Reader, error) {
	size := 1
	if bundleMaxPayloadSize > 0 && cacheBytes > bundleMaxPayloadSize {
		size = cacheBytes / bundleMaxPayloadSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, verrors.IOf(err, "storage: create bundle cache")
	}
	return &Reader{idx: idx, bundlesDir: bundlesDir, key: key, cache: cache}, nil
}

// GetBundleID reports which bundle holds id, if any.
func (r *Reader) GetBundleID(id chunkid.ID) (bundleid.ID, bool) {
	return r.idx.FindByID(id)
}

// Get returns a copy of the chunk's stored payload.
func (r *Reader) Get(id chunkid.ID) ([]byte, error) {
	bid, ok := r.idx.FindByID(id)
	if !ok {
		return nil, verrors.Integrityf("storage: no such chunk %s", id.String())
	}
	br, err := r.openBundle(bid)
	if err != nil {
		return nil, err
	}
	data, ok := br.Get(id)
	if !ok {
		return nil, verrors.Integrityf("storage: bundle %s does not contain chunk %s", bid, id.String())
	}
	return data, nil
}

func (r *Reader) openBundle(id bundleid.ID) (*bundle.Reader, error) {
	if v, ok := r.cache.Get(id); ok {
		return v.(*bundle.Reader), nil
	}

	path := filepath.Join(r.bundlesDir, id.Prefix(), id.String())
	f, err := os.Open(path)
	if err != nil {
		return nil, verrors.IOf(err, "storage: open bundle %s", id)
	}
	defer f.Close()

	br, err := bundle.OpenReader(f, r.key)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, br)
	return br, nil
}
