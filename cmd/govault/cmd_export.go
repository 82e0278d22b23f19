package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"govault/internal/exchange"
	"govault/internal/repository"
	"govault/internal/verrors"
)

// newExchangeCmd builds the export or import command: the two differ only
// in which positional argument is the source and which is the destination.
func newExchangeCmd(logger *slog.Logger, name string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <source storage path> <destination storage path>",
		Short: "Copy bundles, index files, and/or backups between two repositories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcRoot, dstRoot := args[0], args[1]
			if name == "import" {
				srcRoot, dstRoot = args[1], args[0]
			}

			kindNames, _ := cmd.Flags().GetStringArray("exchange")
			if len(kindNames) == 0 {
				return verrors.Configf("%s: specify --exchange backups|bundles|index at least once", name)
			}
			kinds := make([]exchange.Kind, 0, len(kindNames))
			for _, k := range kindNames {
				kind, ok := exchange.ParseKind(k)
				if !ok {
					return verrors.Configf("%s: invalid --exchange value %q, want backups, bundles, or index", name, k)
				}
				kinds = append(kinds, kind)
			}

			passwords, err := resolvePasswords(cmd)
			if err != nil {
				return err
			}
			srcPassword, err := resolvePassword(passwords, 0)
			if err != nil {
				return verrors.Configf("%s: requires two passwords (--password-file twice, or combined with --non-encrypted)", name)
			}
			dstPassword, err := resolvePassword(passwords, 1)
			if err != nil {
				return verrors.Configf("%s: requires two passwords (--password-file twice, or combined with --non-encrypted)", name)
			}

			srcRepo, err := repository.Open(srcRoot, srcPassword)
			if err != nil {
				return err
			}
			dstRepo, err := repository.Open(dstRoot, dstPassword)
			if err != nil {
				return err
			}

			selectPattern, _ := cmd.Flags().GetString("select")

			result, err := exchange.Run(srcRoot, dstRoot, srcRepo.Key, dstRepo.Key, exchange.Config{
				Kinds:  kinds,
				Select: selectPattern,
			})
			if err != nil {
				return err
			}

			logger.Info(name+" complete",
				"backups_copied", result.BackupsCopied, "backups_skipped", result.BackupsSkipped,
				"bundles_copied", result.BundlesCopied, "bundles_skipped", result.BundlesSkipped,
				"index_copied", result.IndexCopied, "index_skipped", result.IndexSkipped)
			return nil
		},
	}

	cmd.Flags().StringArray("exchange", nil, "what to exchange: backups, bundles, and/or index (repeatable)")
	cmd.Flags().String("select", "", "doublestar glob, matched against each backup's path relative to backups/, restricting the Backups exchange")
	return cmd
}
