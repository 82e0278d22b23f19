package main

import (
	"bytes"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"govault/internal/backupfile"
	"govault/internal/repository"
	"govault/internal/restore"
	"govault/internal/storage"
	"govault/internal/verrors"
)

func newRestoreCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup file name>",
		Short: "Restore a backup file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupFile := args[0]

			fd := os.Stdout.Fd()
			if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
				return verrors.Terminalf("restore: refusing to write to a terminal, redirect output instead")
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

			f, err := os.Open(backupFile)
			if err != nil {
				return verrors.IOf(err, "restore: open %s", backupFile)
			}
			defer f.Close()
			info, err := backupfile.Read(f, repo.Key)
			if err != nil {
				return err
			}

			cacheMb, _ := cmd.Flags().GetInt("cache-size")
			reader, err := storage.NewReader(repo.Index, repo.Layout.BundlesDir(), repo.Key, cacheMb<<20, int(repo.Storage.BundleMaxPayloadSize))
			if err != nil {
				return err
			}

			hasher := sha256.New()
			out := io.MultiWriter(os.Stdout, hasher)
			if err := restore.Iterated(reader, info.BackupData, info.Iterations, out, nil); err != nil {
				return err
			}

			var sum [sha256.Size]byte
			copy(sum[:], hasher.Sum(nil))
			if !bytes.Equal(sum[:], info.SHA256[:]) {
				return verrors.Integrityf("restore: checksum mismatch restoring %s", backupFile)
			}

			logger.Info("restore complete", "file", backupFile, "bytes", info.Size)
			return nil
		},
	}
}
