// Package naming encodes Blender's release filename conventions.
//
// The download repository has accumulated roughly fifteen years of naming
// drift: the OS token in filenames, the archive extension and the
// bits/architecture suffix each changed independently at different version
// boundaries. The rules are kept as per-OS era tables so each historical
// bracket stays auditable on its own.
package naming

import (
	"strconv"
	"strings"

	"github.com/blender-tools/blender-downloader/internal/platform"
	"github.com/blender-tools/blender-downloader/internal/version"
)

// Validator reports whether a repository filename matches the requested
// platform for a given release. Pure function of (platform, version).
type Validator func(filename string) bool

// era maps a version bracket to a value. An empty upper bound closes the
// table: the value applies to every remaining version.
type era struct {
	below string // exclusive upper bound as major.minor, "" means open
	value string
}

func pick(eras []era, v version.Version) string {
	for _, e := range eras {
		if e.below == "" || v.Less(version.Parse(e.below)) {
			return e.value
		}
	}
	return ""
}

// OS token inside release filenames, per version bracket. macOS cycled
// through "OSX", "release-OSX" and back before settling on "mac" (some
// releases spell it "macOS", others "macos"; the token is a prefix match).
var platformTokens = map[platform.OS][]era{
	platform.MacOS: {
		{below: "2.61", value: "OSX"},
		{below: "2.65", value: "release-OSX"},
		{below: "2.79", value: "OSX"},
		{value: "mac"},
	},
	platform.Windows: {
		{below: "2.61", value: "windows"},
		{below: "2.66", value: "release-windows"},
		{value: "windows"},
	},
	platform.Linux: {
		{value: "linux"},
	},
}

// Archive extension per OS and version bracket. The macOS 2.79 releases are
// the single .tar.gz era: the brackets are [.., 2.79) zip, [2.79, 2.80)
// tar.gz, [2.80, ..) dmg, and only 2.79 falls in the middle one.
var archiveExtensions = map[platform.OS][]era{
	platform.Linux: {
		{below: "2.82", value: ".tar.bz2"},
		{value: ".tar.xz"},
	},
	platform.MacOS: {
		{below: "2.79", value: ".zip"},
		{below: "2.80", value: ".tar.gz"},
		{value: ".dmg"},
	},
	platform.Windows: {
		{value: ".zip"},
	},
}

// PlatformToken returns the OS identifier expected in release filenames for
// the given major.minor version.
func PlatformToken(os platform.OS, v version.Version) string {
	return pick(platformTokens[os], v)
}

// ArchiveExtension returns the compressed archive suffix expected for the
// given OS and major.minor version.
func ArchiveExtension(os platform.OS, v version.Version) string {
	return pick(archiveExtensions[os], v)
}

// last32BitVersion closes the era of bit-width suffixes in filenames.
var last32BitVersion = version.Parse("2.80")

// macOS era boundaries for the bits/arch suffix axis.
var (
	macLast32BitVersion = version.Parse("2.72")
	macFirstArm64       = version.Parse("2.93")
)

// BuildValidator combines the extension rule with the bits/arch suffix rules
// for the requested platform and major.minor version.
func BuildValidator(d platform.Descriptor, v version.Version) Validator {
	switch d.OS {
	case platform.Windows:
		return func(filename string) bool {
			if v.Greater(last32BitVersion) {
				return strings.HasSuffix(filename, ".zip")
			}
			return strings.HasSuffix(filename, strconv.Itoa(d.Bits)+".zip")
		}

	case platform.Linux:
		ext := ArchiveExtension(platform.Linux, v)
		return func(filename string) bool {
			if v.Greater(last32BitVersion) {
				return strings.HasSuffix(filename, ext)
			}
			bitsID := "i686"
			if d.Bits == 64 || d.Arch == "x86_64" {
				bitsID = "x86_64"
			}
			return strings.HasSuffix(filename, bitsID+ext)
		}

	default: // platform.MacOS
		ext := ArchiveExtension(platform.MacOS, v)
		return func(filename string) bool {
			switch {
			case v.Less(macLast32BitVersion):
				bitsID := "i386"
				if d.Bits == 64 || d.Arch == "x86_64" {
					bitsID = "x86_64"
				}
				return strings.HasSuffix(filename, bitsID+ext)
			case v.GreaterEqual(macFirstArm64):
				arch := d.Arch
				if arch != "x64" && arch != "arm64" {
					arch = "x64"
				}
				return strings.HasSuffix(filename, arch+ext)
			default:
				return strings.HasSuffix(filename, ext)
			}
		}
	}
}

// NightlyToken returns the OS identifier used by the daily-builds archive,
// which names macOS builds after the kernel.
func NightlyToken(os platform.OS) string {
	if os == platform.MacOS {
		return "darwin"
	}
	return string(os)
}

// NightlyExtension returns the archive extension (without leading dot) used
// by the daily-builds archive for the given OS.
func NightlyExtension(os platform.OS) string {
	switch os {
	case platform.Linux:
		return "tar.xz"
	case platform.Windows:
		return "zip"
	default:
		return "dmg"
	}
}
