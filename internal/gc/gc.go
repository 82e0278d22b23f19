// Package gc implements the garbage collector: it traces every chunk still
// referenced from a backup file, then deletes or repacks bundles whose
// chunks are no longer live, atomically committing the rewritten index and
// bundle set.
package gc

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"govault/internal/backupfile"
	"govault/internal/bundleid"
	"govault/internal/chunkid"
	"govault/internal/chunkindex"
	"govault/internal/restore"
	"govault/internal/storage"
	"govault/internal/verrors"
)

// Mode selects how thoroughly a run inspects the repository.
type Mode int

const (
	// Fast traces live chunks from the backups and repacks accordingly,
	// without independently verifying the index's own consistency.
	Fast Mode = iota
	// Deep additionally builds the union of every chunk id recorded by any
	// bundle in the index (overallChunkSet) and fails the run if a backup
	// references a chunk absent from it. In both modes tracing already
	// fetches every referenced chunk through the reader, so a reference the
	// index cannot resolve fails the run there, before any bundle is
	// classified.
	Deep
)

// Config bounds one GC run.
type Config struct {
	Mode Mode
	// Repack forces even fully-live bundles to be rewritten, in addition to
	// the partially-live bundles GC always repacks.
	Repack bool
	// Storage carries the same bundling parameters (codec, bundle size,
	// worker count) the original backups were written with.
	Storage storage.Config
}

// Dirs names the repository directories GC reads from and writes into.
type Dirs struct {
	BackupsDir string
	BundlesDir string
	IndexDir   string
	TmpDir     string
}

// Result summarizes one GC run.
type Result struct {
	BundlesDeleted  int
	BundlesRepacked int
	BundlesKept     int
	// OrphansRemoved counts bundle files found on disk that the index never
	// referenced at all (only populated by Deep mode).
	OrphansRemoved int
}

// Run performs one collection pass: idx and reader must already reflect the
// on-disk state (as loaded by the repository at open). On success the
// on-disk bundles/ and index/ directories are rewritten to contain only
// live (or freshly repacked) data.
func Run(idx *chunkindex.Index, reader *storage.Reader, dirs Dirs, key []byte, cfg Config) (Result, error) {
	used, err := traceUsedChunks(dirs.BackupsDir, key, reader)
	if err != nil {
		return Result{}, err
	}

	bundles := idx.Bundles()

	if cfg.Mode == Deep {
		overall := make(map[chunkid.ID]struct{})
		for _, bid := range bundles {
			info, _ := idx.BundleInfoFor(bid)
			for _, c := range info.Chunks {
				overall[c.ID] = struct{}{}
			}
		}
		for id := range used {
			if _, ok := overall[id]; !ok {
				return Result{}, verrors.Integrityf("gc: backup references chunk %s absent from every bundle", id.String())
			}
		}
	}

	preExisting, err := existingIndexFiles(dirs.IndexDir)
	if err != nil {
		return Result{}, err
	}

	newIdx := chunkindex.New(0)
	writer := storage.NewWriter(newIdx, dirs.BundlesDir, dirs.TmpDir, dirs.IndexDir, key, cfg.Storage)

	var toDelete []bundleid.ID
	var result Result

	for _, bid := range bundles {
		info, _ := idx.BundleInfoFor(bid)
		total := len(info.Chunks)
		liveCount := 0
		for _, c := range info.Chunks {
			if _, ok := used[c.ID]; ok {
				liveCount++
			}
		}

		switch {
		case total == 0 || liveCount == 0:
			toDelete = append(toDelete, bid)
			result.BundlesDeleted++

		case liveCount < total:
			if err := repack(reader, writer, info, used); err != nil {
				writer.Discard()
				return Result{}, err
			}
			toDelete = append(toDelete, bid)
			result.BundlesRepacked++

		default: // liveCount == total: fully live
			if cfg.Repack {
				if err := repack(reader, writer, info, used); err != nil {
					writer.Discard()
					return Result{}, err
				}
				toDelete = append(toDelete, bid)
				result.BundlesRepacked++
				continue
			}
			if err := writer.AddBundle(bid, info); err != nil {
				writer.Discard()
				return Result{}, err
			}
			result.BundlesKept++
		}
	}

	if err := writer.Commit(); err != nil {
		return Result{}, err
	}

	for _, bid := range toDelete {
		path := filepath.Join(dirs.BundlesDir, bid.Prefix(), bid.String())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Result{}, verrors.IOf(err, "gc: remove stale bundle %s", bid)
		}
	}
	if err := removeFiles(dirs.IndexDir, preExisting); err != nil {
		return Result{}, err
	}
	if cfg.Mode == Deep {
		known := make(map[bundleid.ID]struct{}, len(bundles))
		for _, bid := range bundles {
			known[bid] = struct{}{}
		}
		removed, err := removeOrphanBundles(dirs.BundlesDir, known)
		if err != nil {
			return Result{}, err
		}
		result.OrphansRemoved = removed
	}

	if err := removeEmptyBundleDirs(dirs.BundlesDir); err != nil {
		return Result{}, err
	}

	return result, nil
}

// repack copies every live chunk of info from reader into writer, which
// assigns it to whatever bundle is currently being filled (rolling over to
// a fresh one per the usual bundle_max_payload_size rule).
func repack(reader *storage.Reader, writer *storage.Writer, info chunkindex.BundleInfo, used map[chunkid.ID]struct{}) error {
	for _, c := range info.Chunks {
		if _, ok := used[c.ID]; !ok {
			continue
		}
		data, err := reader.Get(c.ID)
		if err != nil {
			return err
		}
		if _, err := writer.Add(c.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// traceUsedChunks walks every file under backupsDir and runs the restorer's
// iterated mode with the real sink replaced by io.Discard and an observer
// that records every chunk reference encountered at any compaction layer.
func traceUsedChunks(backupsDir string, key []byte, getter restore.ChunkGetter) (map[chunkid.ID]struct{}, error) {
	used := make(map[chunkid.ID]struct{})
	if _, err := os.Stat(backupsDir); err != nil {
		if os.IsNotExist(err) {
			return used, nil
		}
		return nil, verrors.IOf(err, "gc: stat backups directory")
	}

	observe := func(id chunkid.ID) { used[id] = struct{}{} }

	walkErr := filepath.WalkDir(backupsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return verrors.IOf(err, "gc: open backup %s", path)
		}
		defer f.Close()

		info, err := backupfile.Read(f, key)
		if err != nil {
			return err
		}
		return restore.Iterated(getter, info.BackupData, info.Iterations, io.Discard, observe)
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return used, nil
}

func existingIndexFiles(indexDir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(indexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, verrors.IOf(err, "gc: read index directory")
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = struct{}{}
		}
	}
	return out, nil
}

func removeFiles(dir string, names map[string]struct{}) error {
	for name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return verrors.IOf(err, "gc: remove stale index file %s", name)
		}
	}
	return nil
}

// removeOrphanBundles deletes bundle files whose name does not parse to any
// id the index recorded: left behind by a writer that renamed its bundles
// into place but crashed before the index commit that would have recorded
// them. Entries that fail to parse as a BundleID are left alone rather than
// treated as orphans, since this directory is assumed to hold only bundle
// files.
func removeOrphanBundles(bundlesDir string, known map[bundleid.ID]struct{}) (int, error) {
	entries, err := os.ReadDir(bundlesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, verrors.IOf(err, "gc: read bundles directory")
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(bundlesDir, e.Name())
		inner, err := os.ReadDir(sub)
		if err != nil {
			return removed, verrors.IOf(err, "gc: read %s", sub)
		}
		for _, f := range inner {
			if f.IsDir() {
				continue
			}
			id, err := bundleid.Parse(f.Name())
			if err != nil {
				continue
			}
			if _, ok := known[id]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(sub, f.Name())); err != nil && !os.IsNotExist(err) {
				return removed, verrors.IOf(err, "gc: remove orphan bundle %s", f.Name())
			}
			removed++
		}
	}
	return removed, nil
}

func removeEmptyBundleDirs(bundlesDir string) error {
	entries, err := os.ReadDir(bundlesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return verrors.IOf(err, "gc: read bundles directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(bundlesDir, e.Name())
		inner, err := os.ReadDir(sub)
		if err != nil {
			return verrors.IOf(err, "gc: read %s", sub)
		}
		if len(inner) == 0 {
			if err := os.Remove(sub); err != nil {
				return verrors.IOf(err, "gc: remove empty bundle directory %s", sub)
			}
		}
	}
	return nil
}
