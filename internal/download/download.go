// Package download streams release archives to disk.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

const copyChunkSize = 64 * 1024

// ProgressFunc receives the number of bytes written so far and the total
// expected size. Total is -1 when the server does not announce one.
type ProgressFunc func(written, total int64)

// InsufficientSpaceError reports that the destination filesystem cannot hold
// the announced download size.
type InsufficientSpaceError struct {
	Dir    string
	Free   uint64
	Needed uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf(
		"there is no enough space in the directory %s to download the release (free: %d bytes, needed: %d bytes)",
		e.Dir, e.Free, e.Needed,
	)
}

// FreeSpaceFunc reports the free bytes available on the filesystem holding
// dir.
type FreeSpaceFunc func(dir string) (uint64, error)

// DiskFreeSpace queries the operating system for free space.
func DiskFreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("checking free space for %s: %w", dir, err)
	}
	return usage.Free, nil
}

// Downloader fetches a release archive into a directory.
type Downloader struct {
	client    *http.Client
	logger    *slog.Logger
	freeSpace FreeSpaceFunc
	tempDir   string
}

// Config holds downloader configuration. Zero values select defaults.
type Config struct {
	Client    *http.Client
	Logger    *slog.Logger
	FreeSpace FreeSpaceFunc
	// TempDir is where partial downloads are staged before the final move.
	TempDir string
}

// New builds a Downloader.
func New(cfg Config) *Downloader {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = DiskFreeSpace
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "blender-downloader")
	}
	return &Downloader{
		client:    cfg.Client,
		logger:    cfg.Logger,
		freeSpace: cfg.FreeSpace,
		tempDir:   cfg.TempDir,
	}
}

// Filename derives the archive filename from a download URL.
func Filename(downloadURL string) (string, error) {
	parsed, err := url.Parse(downloadURL)
	if err != nil {
		return "", fmt.Errorf("parsing download URL %s: %w", downloadURL, err)
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("download URL %s has no filename", downloadURL)
	}
	return name, nil
}

// Fetch downloads downloadURL into outputDir and returns the path of the
// downloaded archive. The body is staged in a temporary directory and moved
// into place only when complete, so a cancelled download never leaves a
// partial archive in outputDir.
func (d *Downloader) Fetch(ctx context.Context, downloadURL, outputDir string, progress ProgressFunc) (string, error) {
	filename, err := Filename(downloadURL)
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(outputDir, filename)
	if _, err := os.Stat(outputPath); err == nil {
		return "", fmt.Errorf("there is already a file named as %s in the directory in which the release will be downloaded", filename)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", downloadURL, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting %s: %w", downloadURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("requesting %s: unexpected status %s", downloadURL, resp.Status)
	}

	total := resp.ContentLength
	if total > 0 {
		free, err := d.freeSpace(outputDir)
		if err != nil {
			return "", err
		}
		if free < uint64(total) {
			return "", &InsufficientSpaceError{Dir: outputDir, Free: free, Needed: uint64(total)}
		}
	}

	if err := os.MkdirAll(d.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("creating temporary directory %s: %w", d.tempDir, err)
	}
	tempPath := filepath.Join(d.tempDir, filename)

	d.logger.Debug("downloading release",
		slog.String("url", downloadURL),
		slog.Int64("size", total),
		slog.String("destination", outputPath))

	if err := d.copyBody(ctx, tempPath, resp.Body, total, progress); err != nil {
		_ = os.Remove(tempPath)
		return "", err
	}

	if err := movePath(tempPath, outputPath); err != nil {
		_ = os.Remove(tempPath)
		return "", err
	}
	return outputPath, nil
}

func (d *Downloader) copyBody(ctx context.Context, tempPath string, body io.Reader, total int64, progress ProgressFunc) error {
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tempPath, err)
	}
	defer func() { _ = out.Close() }()

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("download cancelled: %w", err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("writing %s: %w", tempPath, writeErr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading download body: %w", readErr)
		}
	}
}

// movePath renames src to dst, falling back to copy-and-remove when the two
// live on different filesystems.
func movePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return os.Remove(src)
}
