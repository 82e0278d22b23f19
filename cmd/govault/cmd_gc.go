package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"govault/internal/bundle"
	"govault/internal/gc"
	"govault/internal/repository"
	"govault/internal/storage"
	"govault/internal/verrors"
)

func newGCCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "gc [fast|deep] <storage path>",
		Short: "Collect bundles no longer referenced by any backup",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := gc.Fast
			storagePath := args[0]
			if len(args) == 2 {
				switch args[0] {
				case "fast":
					mode = gc.Fast
				case "deep":
					mode = gc.Deep
				default:
					return verrors.Configf("gc: unknown mode %q, want fast or deep", args[0])
				}
				storagePath = args[1]
			}

			passwords, err := resolvePasswords(cmd)
			if err != nil {
				return err
			}
			password, err := resolvePassword(passwords, 0)
			if err != nil {
				return err
			}

			repo, err := repository.Open(storagePath, password)
			if err != nil {
				return err
			}
			codec, ok := bundle.Lookup(repo.Extended.CompressionMethod)
			if !ok {
				return verrors.Configf("gc: unknown compression method %q", repo.Extended.CompressionMethod)
			}
			threads, _ := cmd.Flags().GetInt("threads")
			cacheMb, _ := cmd.Flags().GetInt("cache-size")

			reader, err := storage.NewReader(repo.Index, repo.Layout.BundlesDir(), repo.Key, cacheMb<<20, int(repo.Storage.BundleMaxPayloadSize))
			if err != nil {
				return err
			}

			result, err := gc.Run(repo.Index, reader, gc.Dirs{
				BackupsDir: repo.Layout.BackupsDir(),
				BundlesDir: repo.Layout.BundlesDir(),
				IndexDir:   repo.Layout.IndexDir(),
				TmpDir:     repo.Layout.TmpDir(),
			}, repo.Key, gc.Config{
				Mode: mode,
				Storage: storage.Config{
					MaxCompressors:       threads,
					BundleMaxPayloadSize: int(repo.Storage.BundleMaxPayloadSize),
					Codec:                codec,
				},
			})
			if err != nil {
				return err
			}

			logger.Info("gc complete",
				"deleted", result.BundlesDeleted,
				"repacked", result.BundlesRepacked,
				"kept", result.BundlesKept,
				"orphans_removed", result.OrphansRemoved)
			return nil
		},
	}
}
