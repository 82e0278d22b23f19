package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"govault/internal/verrors"
)

// resolvePasswords reads every --password-file into a password slot, in
// flag order, then appends one non-encrypted (nil) slot if --non-encrypted
// was given. It does not attempt to reconstruct the exact interleaving of
// --password-file and --non-encrypted a caller typed; a slot's position
// only determines which repository (source then destination, for
// export/import) it authenticates.
func resolvePasswords(cmd *cobra.Command) ([][]byte, error) {
	files, err := cmd.Flags().GetStringArray("password-file")
	if err != nil {
		return nil, err
	}
	nonEncrypted, err := cmd.Flags().GetBool("non-encrypted")
	if err != nil {
		return nil, err
	}

	passwords := make([][]byte, 0, len(files)+1)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, verrors.Configf("read password file %s: %v", path, err)
		}
		passwords = append(passwords, []byte(strings.TrimSuffix(string(data), "\n")))
	}
	if nonEncrypted {
		passwords = append(passwords, nil)
	}
	return passwords, nil
}

// resolvePassword returns the password at slot idx, or a ConfigError if the
// caller didn't supply enough --password-file/--non-encrypted flags.
func resolvePassword(passwords [][]byte, idx int) ([]byte, error) {
	if idx >= len(passwords) {
		return nil, verrors.Configf("specify --password-file or --non-encrypted")
	}
	return passwords[idx], nil
}

// deriveStorageDir recovers a repository root from a backup file path
// living at <root>/backups/..., matching the CLI's convention of naming
// only the backup file rather than the repository on the command line.
func deriveStorageDir(backupFile string) (string, error) {
	dir, err := filepath.Abs(filepath.Dir(backupFile))
	if err != nil {
		return "", verrors.Configf("resolve %s: %v", backupFile, err)
	}
	dir = filepath.Clean(dir)

	const marker = string(filepath.Separator) + "backups"
	if strings.HasSuffix(dir, marker) {
		return dir[:len(dir)-len(marker)], nil
	}
	if i := strings.LastIndex(dir, marker+string(filepath.Separator)); i >= 0 {
		return dir[:i], nil
	}
	return "", verrors.Configf("cannot derive repository directory from %s: not under a backups/ directory", backupFile)
}
