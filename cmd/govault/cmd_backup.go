package main

import (
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"govault/internal/backupfile"
	"govault/internal/bundle"
	"govault/internal/chunker"
	"govault/internal/repository"
	"govault/internal/storage"
	"govault/internal/verrors"
)

func newBackupCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <backup file name>",
		Short: "Read stdin and write a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupFile := args[0]

			fd := os.Stdin.Fd()
			if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
				return verrors.Terminalf("backup: refusing to read from a terminal, pipe input instead")
			}
			if _, err := os.Stat(backupFile); err == nil {
				return verrors.Overwritef("backup: %s already exists", backupFile)
			}

			storageDir, err := deriveStorageDir(backupFile)
			if err != nil {
				return err
			}
			passwords, err := resolvePasswords(cmd)
			if err != nil {
				return err
			}
			password, err := resolvePassword(passwords, 0)
			if err != nil {
				return err
			}

			repo, err := repository.Open(storageDir, password)
			if err != nil {
				return err
			}

			codec, ok := bundle.Lookup(repo.Extended.CompressionMethod)
			if !ok {
				return verrors.Configf("backup: unknown compression method %q", repo.Extended.CompressionMethod)
			}
			threads, _ := cmd.Flags().GetInt("threads")

			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return verrors.IOf(err, "backup: read stdin")
			}
			sum := sha256.Sum256(data)

			writer := storage.NewWriter(repo.Index, repo.Layout.BundlesDir(), repo.Layout.TmpDir(), repo.Layout.IndexDir(), repo.Key, storage.Config{
				MaxCompressors:       threads,
				BundleMaxPayloadSize: int(repo.Storage.BundleMaxPayloadSize),
				Codec:                codec,
			})

			final, iterations, err := chunker.Compact(chunker.Config{
				ChunkMaxSize:          int(repo.Storage.ChunkMaxSize),
				SmallLiteralThreshold: int(repo.Storage.SmallLiteralThreshold),
			}, repo.Index, writer, data)
			if err != nil {
				writer.Discard()
				return err
			}
			if err := writer.Commit(); err != nil {
				return err
			}

			info := backupfile.Info{
				SHA256:     sum,
				Size:       uint64(len(data)),
				Time:       uint64(time.Now().Unix()),
				Iterations: iterations,
				BackupData: final,
			}
			if err := writeBackupFile(repo, backupFile, info); err != nil {
				return err
			}

			logger.Info("backup complete", "file", backupFile, "bytes", len(data), "iterations", iterations)
			return nil
		},
	}
}

// writeBackupFile stages the encoded backup file under tmp/ and renames it
// into place, matching the repository's temp-then-rename rule for every
// durable write.
func writeBackupFile(repo *repository.Repository, backupFile string, info backupfile.Info) error {
	tmp, err := os.CreateTemp(repo.Layout.TmpDir(), "backup-*")
	if err != nil {
		return verrors.IOf(err, "backup: create temp file")
	}
	tmpPath := tmp.Name()
	if err := backupfile.Write(tmp, repo.Key, info); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return verrors.IOf(err, "backup: close temp file")
	}
	if err := os.MkdirAll(filepath.Dir(backupFile), 0o750); err != nil {
		os.Remove(tmpPath)
		return verrors.IOf(err, "backup: create backup directory")
	}
	if err := os.Rename(tmpPath, backupFile); err != nil {
		os.Remove(tmpPath)
		return verrors.IOf(err, "backup: rename into place")
	}
	return nil
}
