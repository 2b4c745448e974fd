// Package repository resolves Blender release identifiers against the
// vendor's download repositories.
//
// Resolution walks plain HTML directory listings on download.blender.org for
// historical releases and the daily-builds archive on builder.blender.org
// for nightly artifacts. The listing markup (one `<a href="NAME">` anchor
// per line) is an external format dependency: if the vendor changes it,
// resolution breaks and the parsing here must be revisited, not papered
// over.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/blender-tools/blender-downloader/internal/naming"
	"github.com/blender-tools/blender-downloader/internal/platform"
	"github.com/blender-tools/blender-downloader/internal/version"
)

const (
	// DefaultReleaseBaseURL lists one directory per minor release series.
	DefaultReleaseBaseURL = "https://download.blender.org/release/"
	// DefaultDailyBuildsURL is the human-facing daily builds page; it also
	// mentions the current stable release.
	DefaultDailyBuildsURL = "https://builder.blender.org/download/daily/"
	// DefaultDailyArchiveURL lists nightly build artifacts, newest first.
	DefaultDailyArchiveURL = "https://builder.blender.org/download/daily/archive/"
	// DefaultManifestURL maps minor versions to release-channel metadata.
	DefaultManifestURL = "https://docs.blender.org/PROD/versions.json"

	// MinimumSupportedVersion is the oldest release the repository layout
	// supports resolving.
	MinimumSupportedVersion = "2.57"

	// NewIssueURL is included in diagnostics that suggest a bug report.
	NewIssueURL = "https://github.com/blender-tools/blender-downloader/issues/new"
)

// ErrVersionNotFound reports that no release matching the requested version
// and platform exists in the queried repository. It is recoverable only by
// trying the next resolution strategy.
var ErrVersionNotFound = errors.New("blender version not found")

// Fetcher is the HTTP GET capability injected into the resolver. The cached
// and direct implementations live in internal/httpcache.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Config holds resolver dependencies. Zero-value URL fields fall back to the
// official Blender endpoints.
type Config struct {
	Fetcher         Fetcher
	Logger          *slog.Logger
	ReleaseBaseURL  string
	DailyBuildsURL  string
	DailyArchiveURL string
	ManifestURL     string
}

// Resolver locates download URLs and resolves symbolic identifiers.
type Resolver struct {
	fetcher         Fetcher
	logger          *slog.Logger
	releaseBaseURL  string
	dailyBuildsURL  string
	dailyArchiveURL string
	manifestURL     string
}

// New creates a Resolver. cfg.Fetcher must be non-nil.
func New(cfg Config) *Resolver {
	r := &Resolver{
		fetcher:         cfg.Fetcher,
		logger:          cfg.Logger,
		releaseBaseURL:  cfg.ReleaseBaseURL,
		dailyBuildsURL:  cfg.DailyBuildsURL,
		dailyArchiveURL: cfg.DailyArchiveURL,
		manifestURL:     cfg.ManifestURL,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.releaseBaseURL == "" {
		r.releaseBaseURL = DefaultReleaseBaseURL
	}
	if r.dailyBuildsURL == "" {
		r.dailyBuildsURL = DefaultDailyBuildsURL
	}
	if r.dailyArchiveURL == "" {
		r.dailyArchiveURL = DefaultDailyArchiveURL
	}
	if r.manifestURL == "" {
		r.manifestURL = DefaultManifestURL
	}
	return r
}

var stableLineRegex = regexp.MustCompile(`blender-([^-]+)`)

// stableFromDailyBuilds scrapes the daily-builds page for a tag mentioning
// "stable" next to a blender-<version> token. The page has proven unstable
// in the past, so a miss is not an error: callers fall back to the manifest.
func (r *Resolver) stableFromDailyBuilds(ctx context.Context) (version.Version, bool, error) {
	body, err := r.fetcher.Fetch(ctx, r.dailyBuildsURL)
	if err != nil {
		return version.Version{}, false, fmt.Errorf("fetching daily builds page: %w", err)
	}

	for _, chunk := range strings.Split(string(body), "<") {
		chunk = strings.ToLower(chunk)
		if !strings.Contains(chunk, "stable") {
			continue
		}
		if m := stableLineRegex.FindStringSubmatch(chunk); m != nil {
			return version.Parse(m[1]), true, nil
		}
	}
	return version.Version{}, false, nil
}

// manifest fetches the versions JSON: a mapping from minor version to a
// metadata string carrying the "dev" and/or "lts" channel markers.
func (r *Resolver) manifest(ctx context.Context) (map[string]string, error) {
	body, err := r.fetcher.Fetch(ctx, r.manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetching versions manifest: %w", err)
	}
	manifest := make(map[string]string)
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("decoding versions manifest: %w", err)
	}
	return manifest, nil
}

// maxManifestVersion returns the greatest manifest version whose metadata
// satisfies keep.
func maxManifestVersion(manifest map[string]string, keep func(metadata string) bool) (version.Version, bool) {
	var latest version.Version
	found := false
	for minor, metadata := range manifest {
		if !keep(metadata) {
			continue
		}
		v := version.Parse(minor)
		if !found || v.Greater(latest) {
			latest = v
			found = true
		}
	}
	return latest, found
}

// ResolveStable determines the current stable release. The daily-builds
// heuristic is tried first; on a miss the versions manifest decides by
// picking the greatest version not flagged as a development channel. The
// two-tier fallback is deliberate: neither source alone is reliable enough.
func (r *Resolver) ResolveStable(ctx context.Context) (version.Version, error) {
	v, ok, err := r.stableFromDailyBuilds(ctx)
	if err != nil {
		r.logger.Debug("daily builds page lookup failed", "error", err)
	}
	if ok {
		return v, nil
	}

	manifest, err := r.manifest(ctx)
	if err != nil {
		return version.Version{}, err
	}
	latest, found := maxManifestVersion(manifest, func(metadata string) bool {
		return !strings.Contains(metadata, "dev")
	})
	if !found {
		return version.Version{}, fmt.Errorf(
			"error trying to retrieve the stable release from Blender repositories: please submit a report to %s",
			NewIssueURL,
		)
	}
	return latest, nil
}

// ResolveIdentifier maps a symbolic identifier (stable, lts, nightly or
// daily) to a normalized version number. nightly and daily are synonyms for
// the latest development builds.
func (r *Resolver) ResolveIdentifier(ctx context.Context, identifier string) (string, error) {
	switch identifier {
	case "stable":
		v, err := r.ResolveStable(ctx)
		if err != nil {
			return "", err
		}
		return version.Normalize(v.String()), nil

	case "lts", "nightly", "daily":
		marker := "dev"
		if identifier == "lts" {
			marker = "lts"
		}
		manifest, err := r.manifest(ctx)
		if err != nil {
			return "", err
		}
		latest, found := maxManifestVersion(manifest, func(metadata string) bool {
			return strings.Contains(strings.ToLower(metadata), marker)
		})
		if !found {
			return "", fmt.Errorf("no %s release found in Blender versions manifest", identifier)
		}
		return version.Normalize(latest.String()), nil
	}

	return "", fmt.Errorf(
		"invalid identifier %q for Blender version: possible values are 'stable', 'lts' and 'nightly'",
		identifier,
	)
}

// LegacyDownloadURL locates the download URL for a release in the historical
// repository. Returns ErrVersionNotFound when the minor-series directory or
// a matching filename does not exist.
func (r *Resolver) LegacyDownloadURL(ctx context.Context, blenderVersion string, d platform.Descriptor) (string, error) {
	majorMinor := version.MajorMinor(blenderVersion)
	mmVersion := version.Parse(majorMinor)

	if mmVersion.Less(version.Parse(MinimumSupportedVersion)) {
		return "", fmt.Errorf("the minimum version supported is %s", MinimumSupportedVersion)
	}

	body, err := r.fetcher.Fetch(ctx, r.releaseBaseURL)
	if err != nil {
		return "", fmt.Errorf("fetching release listing: %w", err)
	}

	versionPath := "Blender" + majorMinor + "/"
	if !listingHasPrefix(string(body), `<a href="`+versionPath) {
		return "", fmt.Errorf("no release directory for Blender %s: %w", majorMinor, ErrVersionNotFound)
	}

	seriesURL := r.releaseBaseURL + versionPath
	body, err = r.fetcher.Fetch(ctx, seriesURL)
	if err != nil {
		return "", fmt.Errorf("fetching release listing for Blender %s: %w", majorMinor, err)
	}

	token := naming.PlatformToken(d.OS, mmVersion)
	valid := naming.BuildValidator(d, mmVersion)
	filePrefix := `<a href="blender-` + blenderVersion + `-`

	// Listings are assumed to be in a stable, preference-encoding order:
	// the first anchor that survives the token and validator filters wins.
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, filePrefix) {
			continue
		}

		dashSplit := strings.SplitN(line, "-", 3)
		if len(dashSplit) < 3 || !strings.HasPrefix(dashSplit[2], token) {
			continue
		}

		quoteSplit := strings.Split(line, `"`)
		if len(quoteSplit) < 2 {
			continue
		}
		filename := quoteSplit[1]
		if !valid(filename) {
			continue
		}

		url := seriesURL + filename
		r.logger.Debug("legacy release matched", "version", blenderVersion, "url", url)
		return url, nil
	}

	return "", fmt.Errorf("no release file for Blender %s on %s: %w", blenderVersion, d.OS, ErrVersionNotFound)
}

// NightlyDownloadURL locates the freshest daily-builds artifact for the
// version. The archive listing is assumed ordered newest-first, so the first
// match is the freshest build.
func (r *Resolver) NightlyDownloadURL(ctx context.Context, blenderVersion string, d platform.Descriptor) (string, error) {
	body, err := r.fetcher.Fetch(ctx, r.dailyArchiveURL)
	if err != nil {
		return "", fmt.Errorf("fetching daily archive listing: %w", err)
	}

	urlRegex := regexp.MustCompile(`"(` + regexp.QuoteMeta(r.dailyArchiveURL) + `[^"]+)"`)
	token := naming.NightlyToken(d.OS)
	extension := naming.NightlyExtension(d.OS)
	versionMarker := "/blender-" + blenderVersion + "-"

	for _, m := range urlRegex.FindAllStringSubmatch(string(body), -1) {
		url := m[1]
		if !strings.Contains(url, token) || !strings.Contains(url, versionMarker) {
			continue
		}

		// Artifact names look like blender-<version>-<hash>-<token>.<arch>-
		// <flavor>.<ext>: the arch sits right after the OS token, the
		// extension after the last dash.
		tokenSplit := strings.SplitN(url, token+".", 2)
		if len(tokenSplit) < 2 {
			continue
		}
		archExtSplit := strings.Split(tokenSplit[1], "-")

		lastDotSplit := strings.SplitN(archExtSplit[len(archExtSplit)-1], ".", 2)
		if len(lastDotSplit) < 2 || lastDotSplit[1] != extension {
			continue
		}

		if d.Arch != "" && d.Arch != archExtSplit[0] {
			continue
		}

		r.logger.Debug("nightly build matched", "version", blenderVersion, "url", url)
		return url, nil
	}

	return "", fmt.Errorf("no nightly build for Blender %s on %s: %w", blenderVersion, d.OS, ErrVersionNotFound)
}

// FindDownloadURL resolves a version to its download URL, trying the
// historical repository first and the nightly archive second. This fallback
// chain is the only place where ErrVersionNotFound is non-fatal.
func (r *Resolver) FindDownloadURL(ctx context.Context, blenderVersion string, d platform.Descriptor) (string, error) {
	url, err := r.LegacyDownloadURL(ctx, blenderVersion, d)
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, ErrVersionNotFound) {
		return "", err
	}

	r.logger.Debug("legacy repository miss, trying nightly archive", "version", blenderVersion)
	return r.NightlyDownloadURL(ctx, blenderVersion, d)
}

func listingHasPrefix(body, prefix string) bool {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
