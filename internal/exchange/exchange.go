// Package exchange copies bundles, index files, and backup files between
// two repositories, re-keying each file along the way: since every
// container-framed file's cleartext is independent of the key it happens to
// be encrypted under, a file is moved by decrypting it under the source key
// and re-encrypting the identical bytes under the destination key, without
// needing to understand whether the file is a bundle, an index, or a
// backup.
package exchange

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"govault/internal/container"
	"govault/internal/repository"
	"govault/internal/verrors"
)

// Kind names one of the three trees an exchange can move.
type Kind int

const (
	Backups Kind = iota
	Bundles
	Index
)

// Config bounds one exchange run.
type Config struct {
	Kinds []Kind
	// Select, if non-empty, is a doublestar glob matched against each
	// backup's path relative to backups/ (e.g. "2024/**"). It only
	// filters the Backups kind; bundles and index files are always moved
	// in full.
	Select string
}

// Result tallies how many files were moved for each kind, and how many
// were already present at the destination and skipped.
type Result struct {
	BackupsCopied, BackupsSkipped int
	BundlesCopied, BundlesSkipped int
	IndexCopied, IndexSkipped     int
}

// Run moves every file named by cfg.Kinds from srcRoot to dstRoot,
// re-encrypting each under dstKey. Files already present at the
// destination are left untouched and counted as skipped.
func Run(srcRoot, dstRoot string, srcKey, dstKey []byte, cfg Config) (Result, error) {
	src := repository.New(srcRoot)
	dst := repository.New(dstRoot)

	var result Result
	for _, k := range cfg.Kinds {
		var srcDir, dstDir string
		var copied, skipped *int
		var selectPattern string
		switch k {
		case Bundles:
			srcDir, dstDir = src.BundlesDir(), dst.BundlesDir()
			copied, skipped = &result.BundlesCopied, &result.BundlesSkipped
		case Index:
			srcDir, dstDir = src.IndexDir(), dst.IndexDir()
			copied, skipped = &result.IndexCopied, &result.IndexSkipped
		case Backups:
			srcDir, dstDir = src.BackupsDir(), dst.BackupsDir()
			copied, skipped = &result.BackupsCopied, &result.BackupsSkipped
			selectPattern = cfg.Select
		}

		c, s, err := copyTree(srcDir, dstDir, dst.TmpDir(), srcKey, dstKey, selectPattern)
		if err != nil {
			return Result{}, err
		}
		*copied += c
		*skipped += s
	}
	return result, nil
}

func copyTree(srcDir, dstDir, tmpDir string, srcKey, dstKey []byte, selectPattern string) (copied, skipped int, err error) {
	if _, err := os.Stat(srcDir); err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, verrors.IOf(err, "exchange: stat %s", srcDir)
	}

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return verrors.IOf(err, "exchange: relativize %s", path)
		}
		if selectPattern != "" {
			matched, err := doublestar.Match(selectPattern, filepath.ToSlash(rel))
			if err != nil {
				return verrors.Configf("exchange: bad --select pattern %q: %v", selectPattern, err)
			}
			if !matched {
				return nil
			}
		}

		dstPath := filepath.Join(dstDir, rel)
		if _, err := os.Stat(dstPath); err == nil {
			skipped++
			return nil
		}

		if err := recrypt(path, dstPath, tmpDir, srcKey, dstKey); err != nil {
			return err
		}
		copied++
		return nil
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}
	return copied, skipped, nil
}

// recrypt decrypts src under srcKey and re-encrypts the identical cleartext
// under dstKey, staging the write under tmpDir before renaming into place.
func recrypt(srcPath, dstPath, tmpDir string, srcKey, dstKey []byte) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return verrors.IOf(err, "exchange: open %s", srcPath)
	}
	in, err := container.NewInputStream(f, srcKey)
	f.Close()
	if err != nil {
		return err
	}
	plain := in.Next(in.Remaining())

	tmp, err := os.CreateTemp(tmpDir, "exchange-*")
	if err != nil {
		return verrors.IOf(err, "exchange: create temp file")
	}
	tmpPath := tmp.Name()

	out := container.NewOutputStream(tmp, dstKey)
	if _, err := out.Write(plain); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return verrors.IOf(err, "exchange: close temp file")
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
		os.Remove(tmpPath)
		return verrors.IOf(err, "exchange: create destination directory")
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return verrors.IOf(err, "exchange: rename into place")
	}
	return nil
}

// ParseKind maps a CLI token to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "backups":
		return Backups, true
	case "bundles":
		return Bundles, true
	case "index":
		return Index, true
	default:
		return 0, false
	}
}
