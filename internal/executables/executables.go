// Package executables locates the application and interpreter binaries
// inside an extracted release tree.
package executables

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/blender-tools/blender-downloader/internal/platform"
)

// Paths holds the located executables. An empty field means the lookup
// found nothing.
type Paths struct {
	Blender string
	Python  string
}

// Locate walks the extracted tree and resolves the Blender executable and
// the bundled Python interpreter for the given operating system. Lookups
// are independent: either field may come back empty.
func Locate(root string, osName platform.OS) Paths {
	switch osName {
	case platform.Windows:
		return Paths{
			Blender: filepath.Join(root, "blender.exe"),
			Python:  firstInBinDir(root, isExe, true),
		}
	case platform.MacOS:
		return locateMacOS(root)
	default:
		return Paths{
			Blender: filepath.Join(root, "blender"),
			Python:  firstInBinDir(root, isPython, false),
		}
	}
}

func isPython(name string) bool { return strings.HasPrefix(name, "python") }

func isExe(name string) bool { return filepath.Ext(name) == ".exe" }

// firstInBinDir returns the first file matching the predicate inside a
// directory named "bin". When keepScanning is false only the first bin
// directory encountered is considered, matching the linux lookup; windows
// keeps scanning bin directories until a match appears.
func firstInBinDir(root string, match func(string) bool, keepScanning bool) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || d.Name() != "bin" {
			return nil
		}
		found = firstMatchingFile(path, match)
		if found != "" || !keepScanning {
			return fs.SkipAll
		}
		return fs.SkipDir
	})
	return found
}

func firstMatchingFile(dir string, match func(string) bool) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() && match(entry.Name()) {
			return filepath.Join(dir, entry.Name())
		}
	}
	return ""
}

// locateMacOS resolves both executables in one walk: the application lives
// in a "MacOS" bundle directory, the interpreter in a "bin" directory.
func locateMacOS(root string) Paths {
	var paths Paths
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case "bin":
			if paths.Python == "" {
				paths.Python = firstMatchingFile(path, isPython)
			}
		case "MacOS":
			if paths.Blender == "" {
				if first := firstMatchingFile(path, func(name string) bool {
					return name == "Blender" || name == "blender"
				}); first != "" {
					paths.Blender = first
				}
			}
		}
		if paths.Blender != "" && paths.Python != "" {
			return fs.SkipAll
		}
		return nil
	})
	return paths
}

// Verify checks that a located path points at an existing regular file.
func Verify(path string) error {
	if path == "" {
		return fmt.Errorf("executable not found")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("executable not found in expected path '%s'", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("expected path '%s' is not a regular file", path)
	}
	return nil
}
