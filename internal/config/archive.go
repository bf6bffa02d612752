package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArchivePath returns the last-known-good archive path for a config file.
// Example: /home/user/.config/shurli/config.yaml → /home/user/.config/shurli/.config.last-good.yaml
func ArchivePath(configPath string) string {
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, "."+name+".last-good"+ext)
}

// AtomicWriteFile writes data to path by writing to a same-directory
// temp file and renaming it over path, so a reader never observes a
// partial write. Shared by the config archive/snapshot helpers below
// and by any other store that persists small files (the saved-mesh
// store, section 4.9).
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Archive copies configPath to its last-known-good archive location.
// The write is atomic (write to temp file, then rename) to prevent
// partial writes from corrupting the archive.
func Archive(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("archive: read config: %w", err)
	}
	if err := AtomicWriteFile(ArchivePath(configPath), data, 0600); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// Rollback restores the last-known-good archive over the current config.
// Returns ErrNoArchive if no archive exists.
func Rollback(configPath string) error {
	archivePath := ArchivePath(configPath)
	data, err := os.ReadFile(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoArchive, archivePath)
		}
		return fmt.Errorf("rollback: read archive: %w", err)
	}
	if err := AtomicWriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// HasArchive checks if a last-known-good archive exists for the given config.
func HasArchive(configPath string) bool {
	_, err := os.Stat(ArchivePath(configPath))
	return err == nil
}
