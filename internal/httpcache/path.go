package httpcache

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDirName = "blender-downloader"

// DefaultPath returns the cache database location for the given program
// version, creating its directory if needed. The path is namespaced by
// version so schema changes between releases never collide.
func DefaultPath(programVersion string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache directory: %w", err)
	}

	dir := filepath.Join(base, appDirName, programVersion)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "requests.db"), nil
}

// CleanOtherVersions removes cache directories left behind by other program
// versions.
func CleanOtherVersions(programVersion string) error {
	base, err := os.UserCacheDir()
	if err != nil {
		return fmt.Errorf("resolving user cache directory: %w", err)
	}

	root := filepath.Join(base, appDirName)
	dirents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache directory %s: %w", root, err)
	}

	for _, dirent := range dirents {
		if !dirent.IsDir() || dirent.Name() == programVersion {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, dirent.Name())); err != nil {
			return fmt.Errorf("removing stale cache %s: %w", dirent.Name(), err)
		}
	}
	return nil
}
