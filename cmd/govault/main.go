// Command govault is a globally-deduplicating, encrypted, compressed backup
// tool: it chunks stdin against a shared content-addressed repository,
// writes a small instruction-list backup file, and can restore, garbage
// collect, or exchange data between repositories.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"govault/internal/logging"
)

const (
	defaultCacheSizeMb  = 40
	defaultCompression  = "zstd"
	defaultChunkMaxSize = 64 * 1024
	defaultBundleMax    = 2 * 1024 * 1024
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	for _, a := range os.Args[1:] {
		if a == "--silent" {
			level = slog.LevelError
		}
	}

	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering is done by ComponentFilterHandler
	})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, level))

	if err := buildRootCmd(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree; split out from main so tests can
// drive it without going through os.Args/os.Exit.
func buildRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "govault",
		Short:         "Deduplicating encrypted backup tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringArray("password-file", nil,
		"path to a file holding the repository password (repeatable: first occurrence is the source/only repository, second is the destination for export/import)")
	rootCmd.PersistentFlags().Bool("non-encrypted", false, "add one non-encrypted password slot after the --password-file slots")
	rootCmd.PersistentFlags().Bool("silent", false, "suppress informational logging")
	rootCmd.PersistentFlags().Int("threads", runtime.NumCPU(), "number of concurrent bundle compressors")
	rootCmd.PersistentFlags().Int("cache-size", defaultCacheSizeMb, "bundle read cache size, in MB")
	rootCmd.PersistentFlags().String("compression", defaultCompression, "compression method: zstd or lz4")

	rootCmd.AddCommand(
		newInitCmd(logger),
		newBackupCmd(logger),
		newRestoreCmd(logger),
		newGCCmd(logger),
		newExchangeCmd(logger, "export"),
		newExchangeCmd(logger, "import"),
		newVersionCmd(),
	)
	return rootCmd
}

// newVersionCmd prints the build version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
