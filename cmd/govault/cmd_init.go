package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"govault/internal/chunker"
	"govault/internal/repository"
)

func newInitCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init <storage path>",
		Short: "Initialize a new repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passwords, err := resolvePasswords(cmd)
			if err != nil {
				return err
			}
			password, err := resolvePassword(passwords, 0)
			if err != nil {
				return err
			}
			compression, _ := cmd.Flags().GetString("compression")

			_, err = repository.Init(args[0], repository.InitConfig{
				ChunkMaxSize:          defaultChunkMaxSize,
				BundleMaxPayloadSize:  defaultBundleMax,
				SmallLiteralThreshold: chunker.DefaultSmallLiteralThreshold,
				CompressionMethod:     compression,
				Password:              password,
			})
			if err != nil {
				return err
			}
			logger.Info("initialized repository", "path", args[0], "encrypted", password != nil)
			return nil
		},
	}
}
