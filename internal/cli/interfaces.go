// Package cli provides command-line interface components with testable abstractions.
package cli

import (
	"context"

	"github.com/blender-tools/blender-downloader/internal/download"
	"github.com/blender-tools/blender-downloader/internal/executables"
	"github.com/blender-tools/blender-downloader/internal/extract"
	"github.com/blender-tools/blender-downloader/internal/platform"
	"github.com/blender-tools/blender-downloader/internal/repository"
)

// VersionResolver abstracts repository resolution for testing.
// Following Dave Cheney's principle: "Accept interfaces, return structs"
type VersionResolver interface {
	// ResolveIdentifier maps stable/lts/nightly/daily to a version number.
	ResolveIdentifier(ctx context.Context, identifier string) (string, error)

	// FindDownloadURL locates the release archive URL for a version.
	FindDownloadURL(ctx context.Context, blenderVersion string, d platform.Descriptor) (string, error)

	// ListVersions enumerates available releases from newest to oldest.
	ListVersions(ctx context.Context, max int, d platform.Descriptor) ([]repository.VersionEntry, error)
}

// ReleaseDownloader abstracts the archive download for testing.
type ReleaseDownloader interface {
	// Fetch downloads the archive into outputDir and returns its path.
	Fetch(ctx context.Context, downloadURL, outputDir string, progress download.ProgressFunc) (string, error)
}

// ExtractFunc unpacks a downloaded archive and returns the extracted root.
type ExtractFunc func(ctx context.Context, archivePath string, opts extract.Options) (string, error)

// LocateFunc finds the executables inside an extracted release tree.
type LocateFunc func(root string, osName platform.OS) executables.Paths
