// Package extract unpacks release archives beside the downloaded file.
//
// Zip and tar archives are inspected before extraction: a single common
// top-level directory means the archive is well formed and extracts to a
// sibling directory of that name. Archives without one (old macOS releases
// shipped everything at the archive root) go under a synthetic "Blender"
// directory instead.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/blender-tools/blender-downloader/internal/platform"
)

// syntheticRootName is the container directory used for archives without a
// single top-level directory.
const syntheticRootName = "Blender"

// archiveSuffixes are the long extensions recognized when deriving a root
// directory name from an archive filename. Ordered longest first so
// ".tar.gz" wins over ".gz".
var archiveSuffixes = []string{".tar.bz2", ".tar.gz", ".tar.xz", ".bz2", ".gz", ".xz", ".zip", ".dmg"}

// ProgressFunc receives the number of extracted members and the total.
type ProgressFunc func(done, total int)

// UnsupportedFormatError reports an archive extension with no extractor.
type UnsupportedFormatError struct {
	Extension string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("file extension '%s' extraction not supported", e.Extension)
}

// Options configures extraction.
type Options struct {
	// OS selects the disk-image strategy and appears in tool errors.
	// Zero value means the current operating system.
	OS platform.OS
	// ImageTool overrides the disk-image implementation chosen from OS.
	ImageTool ImageTool
	Progress  ProgressFunc
	Logger    *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) report(done, total int) {
	if o.Progress != nil {
		o.Progress(done, total)
	}
}

// TopLevelDirnames returns the distinct first path segments of the entries
// that are not bare files at the archive root, in order of appearance.
func TopLevelDirnames(paths []string) []string {
	var names []string
	seen := map[string]bool{}
	for _, p := range paths {
		p = strings.TrimPrefix(p, "./")
		slash := strings.IndexByte(p, '/')
		if slash <= 0 {
			continue
		}
		name := p[:slash]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// StripArchiveSuffix removes the archive extension from filename, handling
// compound tar suffixes.
func StripArchiveSuffix(filename string) string {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(filename, suffix) {
			return strings.TrimSuffix(filename, suffix)
		}
	}
	return filename
}

// Extract unpacks the archive at archivePath next to it and returns the
// resulting root directory. Cancellation removes the partially created root.
func Extract(ctx context.Context, archivePath string, opts Options) (string, error) {
	if opts.OS == "" {
		opts.OS = platform.CurrentOS()
	}

	archivePath, err := filepath.Abs(archivePath)
	if err != nil {
		return "", fmt.Errorf("resolving archive path %s: %w", archivePath, err)
	}
	filename := filepath.Base(archivePath)

	opts.logger().Debug("extracting release", slog.String("archive", filename))

	switch {
	case strings.HasSuffix(filename, ".zip"):
		return extractZip(ctx, archivePath, opts)
	case strings.HasSuffix(filename, ".tar.bz2"),
		strings.HasSuffix(filename, ".tar.gz"),
		strings.HasSuffix(filename, ".tar.xz"):
		return extractTar(ctx, archivePath, opts)
	case strings.HasSuffix(filename, ".dmg"):
		return extractImage(ctx, archivePath, opts)
	default:
		return "", &UnsupportedFormatError{Extension: filepath.Ext(filename)}
	}
}

// resolveRoot computes the extraction root from the archive's member paths.
// The second return is true when the root is the synthetic container, in
// which case members extract directly into it instead of into the parent.
func resolveRoot(parent string, memberPaths []string) (string, bool, error) {
	toplevels := TopLevelDirnames(memberPaths)
	if len(toplevels) == 1 {
		return filepath.Join(parent, toplevels[0]), false, nil
	}

	root := filepath.Join(parent, syntheticRootName)
	if entries, err := os.ReadDir(root); err == nil && len(entries) > 0 {
		return "", false, fmt.Errorf(
			"the directory '%s' where the files will be extracted already exists and is not empty",
			root,
		)
	}
	return root, true, nil
}

func extractZip(ctx context.Context, archivePath string, opts Options) (string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", filepath.Base(archivePath), err)
	}
	defer func() { _ = reader.Close() }()

	parent := filepath.Dir(archivePath)
	names := make([]string, len(reader.File))
	for i, f := range reader.File {
		names[i] = f.Name
	}

	root, synthetic, err := resolveRoot(parent, names)
	if err != nil {
		return "", err
	}
	dest := parent
	if synthetic {
		dest = root
	}

	total := len(reader.File)
	for i, f := range reader.File {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(root)
			return "", fmt.Errorf("extraction interrupted: %w", err)
		}
		if err := extractZipMember(f, dest); err != nil {
			return "", err
		}
		opts.report(i+1, total)
	}
	return root, nil
}

func extractZipMember(f *zip.File, dest string) error {
	target, err := memberTarget(dest, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", f.Name, err)
	}

	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive member %s: %w", f.Name, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return nil
}

func extractTar(ctx context.Context, archivePath string, opts Options) (string, error) {
	// First pass reads the member list so the root can be decided before
	// anything touches the disk.
	names, err := tarMemberNames(archivePath)
	if err != nil {
		return "", err
	}

	parent := filepath.Dir(archivePath)
	root, synthetic, err := resolveRoot(parent, names)
	if err != nil {
		return "", err
	}
	dest := parent
	if synthetic {
		dest = root
	}

	reader, closeCodec, err := openTar(archivePath)
	if err != nil {
		return "", err
	}
	defer closeCodec()

	total := len(names)
	done := 0
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", filepath.Base(archivePath), err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = os.RemoveAll(root)
			return "", fmt.Errorf("extraction interrupted: %w", ctxErr)
		}
		if err := extractTarMember(reader, header, dest); err != nil {
			return "", err
		}
		done++
		opts.report(done, total)
	}
	return root, nil
}

func tarMemberNames(archivePath string) ([]string, error) {
	reader, closeCodec, err := openTar(archivePath)
	if err != nil {
		return nil, err
	}
	defer closeCodec()

	var names []string
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(archivePath), err)
		}
		names = append(names, header.Name)
	}
}

// openTar opens archivePath with the codec selected by its extension and
// returns a tar reader plus a close function for the underlying file.
func openTar(archivePath string) (*tar.Reader, func(), error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", filepath.Base(archivePath), err)
	}
	closeFile := func() { _ = file.Close() }

	var decompressed io.Reader
	switch {
	case strings.HasSuffix(archivePath, ".bz2"):
		decompressed = bzip2.NewReader(file)
	case strings.HasSuffix(archivePath, ".gz"):
		gz, err := gzip.NewReader(file)
		if err != nil {
			closeFile()
			return nil, nil, fmt.Errorf("opening gzip stream of %s: %w", filepath.Base(archivePath), err)
		}
		decompressed = gz
	case strings.HasSuffix(archivePath, ".xz"):
		xzReader, err := xz.NewReader(file)
		if err != nil {
			closeFile()
			return nil, nil, fmt.Errorf("opening xz stream of %s: %w", filepath.Base(archivePath), err)
		}
		decompressed = xzReader
	default:
		closeFile()
		return nil, nil, &UnsupportedFormatError{Extension: filepath.Ext(archivePath)}
	}

	return tar.NewReader(decompressed), closeFile, nil
}

func extractTarMember(reader *tar.Reader, header *tar.Header, dest string) error {
	target, err := memberTarget(dest, header.Name)
	if err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(header.Mode)|0o700)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", header.Name, err)
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", header.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
		defer func() { _ = out.Close() }()
		if _, err := io.Copy(out, reader); err != nil {
			return fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		return nil
	default:
		// Character devices and other special members never appear in
		// release archives; skip them instead of failing the extraction.
		return nil
	}
}

// memberTarget joins a member path under dest, rejecting entries that would
// escape it.
func memberTarget(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %s escapes the extraction directory", name)
	}
	return target, nil
}
