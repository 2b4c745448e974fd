package extract

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/blender-tools/blender-downloader/internal/platform"
)

// MissingToolError reports external programs needed for disk-image
// extraction that are not installed.
type MissingToolError struct {
	Tools []string
	OS    platform.OS
}

func (e *MissingToolError) Error() string {
	quoted := make([]string, len(e.Tools))
	for i, tool := range e.Tools {
		quoted[i] = "'" + tool + "'"
	}
	plural := ""
	if len(e.Tools) > 1 {
		plural = "s"
	}
	osName := cases.Title(language.English).String(string(e.OS))
	return fmt.Sprintf(
		"you need to install the program%s %s to extract the DMG release inside a %s platform",
		plural, strings.Join(quoted, " and "), osName,
	)
}

// ImageTool makes a disk image's contents available as a directory tree.
// Implementations differ by platform; the extraction algorithm on top of
// them does not.
type ImageTool interface {
	// Stage exposes the image contents under a directory. The returned
	// cleanup must be called once the tree has been copied out.
	Stage(ctx context.Context, imagePath string) (stagingDir string, cleanup func() error, err error)
}

// NativeMount attaches the image with the hdiutil system utility. Only
// usable on macOS.
type NativeMount struct{}

func (NativeMount) Stage(ctx context.Context, imagePath string) (string, func() error, error) {
	mountpoint, err := os.MkdirTemp("", "blender-downloader-dmg-")
	if err != nil {
		return "", nil, fmt.Errorf("creating mountpoint: %w", err)
	}

	attach := exec.CommandContext(ctx, "hdiutil", "attach", imagePath, "-nobrowse", "-mountpoint", mountpoint)
	attach.Stderr = os.Stderr
	if err := attach.Run(); err != nil {
		_ = os.RemoveAll(mountpoint)
		return "", nil, fmt.Errorf("mounting %s: %w", filepath.Base(imagePath), err)
	}

	cleanup := func() error {
		detach := exec.Command("hdiutil", "detach", mountpoint)
		detach.Stderr = os.Stderr
		if err := detach.Run(); err != nil {
			return fmt.Errorf("unmounting %s: %w", mountpoint, err)
		}
		return os.RemoveAll(mountpoint)
	}
	return mountpoint, cleanup, nil
}

// ConversionPipeline converts the image with dmg2img and unpacks the result
// with 7z. This is the cross-platform path for dmg releases.
type ConversionPipeline struct {
	OS platform.OS
}

func (p ConversionPipeline) Stage(ctx context.Context, imagePath string) (string, func() error, error) {
	var missing []string
	for _, tool := range []string{"dmg2img", "7z"} {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return "", nil, &MissingToolError{Tools: missing, OS: p.OS}
	}

	workDir, err := os.MkdirTemp("", "blender-downloader-dmg-")
	if err != nil {
		return "", nil, fmt.Errorf("creating staging directory: %w", err)
	}
	cleanup := func() error { return os.RemoveAll(workDir) }

	imgPath := filepath.Join(workDir, StripArchiveSuffix(filepath.Base(imagePath))+".img")
	convert := exec.CommandContext(ctx, "dmg2img", imagePath, imgPath)
	convert.Stderr = os.Stderr
	if err := convert.Run(); err != nil {
		_ = cleanup()
		return "", nil, fmt.Errorf("converting %s: %w", filepath.Base(imagePath), err)
	}

	stagingDir := filepath.Join(workDir, "contents")
	unpack := exec.CommandContext(ctx, "7z", "x", imgPath, "-o"+stagingDir, "-y")
	unpack.Stderr = os.Stderr
	if err := unpack.Run(); err != nil {
		_ = cleanup()
		return "", nil, fmt.Errorf("unpacking %s: %w", filepath.Base(imgPath), err)
	}
	return stagingDir, cleanup, nil
}

// extractImage stages the disk image, locates the application bundle's
// parent inside the staging tree and copies it beside the archive.
func extractImage(ctx context.Context, archivePath string, opts Options) (string, error) {
	tool := opts.ImageTool
	if tool == nil {
		if opts.OS == platform.MacOS {
			tool = NativeMount{}
		} else {
			tool = ConversionPipeline{OS: opts.OS}
		}
	}

	stagingDir, cleanup, err := tool.Stage(ctx, archivePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = cleanup() }()

	bundleParent, err := findBundleParent(stagingDir)
	if err != nil {
		return "", err
	}

	root := filepath.Join(filepath.Dir(archivePath), StripArchiveSuffix(filepath.Base(archivePath)))
	if err := copyTree(ctx, bundleParent, root); err != nil {
		_ = os.RemoveAll(root)
		return "", err
	}
	return root, nil
}

// findBundleParent walks the staging tree for a directory named "Contents"
// whose path mentions the blender application bundle, and returns its
// parent.
func findBundleParent(stagingDir string) (string, error) {
	var parent string
	err := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "Contents" && strings.Contains(strings.ToLower(path), "blender.app") {
			parent = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching application bundle in %s: %w", stagingDir, err)
	}
	if parent == "" {
		return "", fmt.Errorf("no application bundle found in the disk image")
	}
	return parent, nil
}

// copyTree copies src into dst, which must not exist yet.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("extraction interrupted: %w", ctxErr)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}
