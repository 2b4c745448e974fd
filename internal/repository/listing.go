package repository

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/blender-tools/blender-downloader/internal/naming"
	"github.com/blender-tools/blender-downloader/internal/platform"
	"github.com/blender-tools/blender-downloader/internal/version"
)

// Channel annotates an entry returned by ListVersions.
type Channel string

const (
	ChannelNone   Channel = ""
	ChannelLatest Channel = "latest"
	ChannelStable Channel = "stable"
)

// VersionEntry is one row of the available-versions listing.
type VersionEntry struct {
	Version string
	Channel Channel
}

var minorDirRegex = regexp.MustCompile(`^\d+\.\d+$`)

// ListVersions enumerates available releases from newest to oldest, up to
// max entries. The nightly version always comes first; the stable version is
// injected at its correct position by version comparison, since it comes
// from a different source than the historical listing and may not appear
// there yet.
func (r *Resolver) ListVersions(ctx context.Context, max int, d platform.Descriptor) ([]VersionEntry, error) {
	nightly, err := r.ResolveIdentifier(ctx, "nightly")
	if err != nil {
		return nil, err
	}
	entries := []VersionEntry{{Version: nightly, Channel: ChannelLatest}}
	seen := map[string]bool{nightly: true}
	if max < 2 {
		return entries, nil
	}

	stable, err := r.ResolveIdentifier(ctx, "stable")
	if err != nil {
		return nil, err
	}
	seen[stable] = true
	if max < 3 {
		return append(entries, VersionEntry{Version: stable, Channel: ChannelStable}), nil
	}
	stableVersion := version.Parse(stable)
	stableEmitted := false

	body, err := r.fetcher.Fetch(ctx, r.releaseBaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetching release listing: %w", err)
	}
	lines := strings.Split(string(body), "\n")
	minVersion := version.Parse(MinimumSupportedVersion)

	// The base listing is ordered oldest first; walk it backwards so minor
	// series come out newest first.
	for i := len(lines) - 1; i >= 0 && len(entries) < max; i-- {
		quoteSplit := strings.Split(lines[i], `"`)
		if len(quoteSplit) < 2 {
			continue
		}
		blenderSplit := strings.SplitN(quoteSplit[1], "Blender", 2)
		if len(blenderSplit) < 2 {
			continue
		}
		minor := strings.TrimRight(blenderSplit[1], "/")
		if !minorDirRegex.MatchString(minor) {
			continue
		}

		mmVersion := version.Parse(minor)
		if mmVersion.Less(minVersion) {
			continue
		}

		releases, err := r.seriesVersions(ctx, minor, mmVersion, d)
		if err != nil {
			return nil, err
		}

		for _, release := range releases {
			if strings.Count(release, ".") > 2 {
				release = strings.Join(strings.Split(release, ".")[:3], ".")
			}
			if seen[release] {
				continue
			}
			seen[release] = true

			if !stableEmitted && version.Parse(release).Less(stableVersion) {
				entries = append(entries, VersionEntry{Version: stable, Channel: ChannelStable})
				stableEmitted = true
				if len(entries) >= max {
					break
				}
			}

			entries = append(entries, VersionEntry{Version: release})
			if len(entries) >= max {
				break
			}
		}
	}

	return entries, nil
}

// seriesVersions collects the release versions published for one minor
// series that match the platform, sorted newest first.
func (r *Resolver) seriesVersions(ctx context.Context, minor string, mmVersion version.Version, d platform.Descriptor) ([]string, error) {
	seriesURL := r.releaseBaseURL + "Blender" + minor + "/"
	body, err := r.fetcher.Fetch(ctx, seriesURL)
	if err != nil {
		return nil, fmt.Errorf("fetching release listing for Blender %s: %w", minor, err)
	}

	token := naming.PlatformToken(d.OS, mmVersion)
	valid := naming.BuildValidator(d, mmVersion)
	filePrefix := `<a href="blender-` + minor

	var releases []string
	lines := strings.Split(string(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, filePrefix) {
			continue
		}

		dashSplit := strings.SplitN(line, "-", 3)
		if len(dashSplit) < 3 || !strings.HasPrefix(dashSplit[2], token) {
			continue
		}

		quoteSplit := strings.Split(line, `"`)
		if len(quoteSplit) < 2 || !valid(quoteSplit[1]) {
			continue
		}

		releases = append(releases, strings.Split(line, "-")[1])
	}

	sort.Slice(releases, func(i, j int) bool {
		return version.Parse(releases[i]).Greater(version.Parse(releases[j]))
	})
	return releases, nil
}
