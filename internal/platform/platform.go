// Package platform describes the target OS, bit-width and architecture a
// Blender release build is requested for.
package platform

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/blender-tools/blender-downloader/internal/version"
)

// OS is one of the three operating systems Blender publishes builds for.
type OS string

const (
	Linux   OS = "linux"
	MacOS   OS = "macos"
	Windows OS = "windows"
)

// Max32BitVersion is the last Blender release published with 32-bit builds.
var Max32BitVersion = version.Parse("2.80")

// Descriptor is the platform triple a release build targets. Arch is
// optional; empty means the default for the OS/bits/version combination.
type Descriptor struct {
	OS   OS
	Bits int
	Arch string
}

// ParseOS validates a user-supplied operating system name.
func ParseOS(s string) (OS, error) {
	switch OS(strings.ToLower(s)) {
	case Linux:
		return Linux, nil
	case MacOS:
		return MacOS, nil
	case Windows:
		return Windows, nil
	}
	return "", fmt.Errorf("invalid operative system %q: must be either 'linux', 'macos' or 'windows'", s)
}

// CurrentOS maps the running system to a release OS.
func CurrentOS() OS {
	switch runtime.GOOS {
	case "darwin":
		return MacOS
	case "windows":
		return Windows
	default:
		return Linux
	}
}

// Current returns the descriptor for the running system. Arch is left empty
// so version-dependent defaults apply during filename matching.
func Current() Descriptor {
	return Descriptor{
		OS:   CurrentOS(),
		Bits: strconv.IntSize,
	}
}

// Validate checks the descriptor fields that do not depend on the resolved
// release version.
func (d Descriptor) Validate() error {
	switch d.OS {
	case Linux, MacOS, Windows:
	default:
		return fmt.Errorf("invalid operative system %q", string(d.OS))
	}
	if d.Bits != 32 && d.Bits != 64 {
		return fmt.Errorf("invalid bits '%d': must be either 32 or 64", d.Bits)
	}
	return nil
}

// CheckBits rejects 32-bit requests for releases newer than the last 32-bit
// Blender version.
func (d Descriptor) CheckBits(v version.Version) error {
	if d.Bits == 32 && v.Greater(Max32BitVersion) {
		return fmt.Errorf(
			"the latest Blender version with support for 32 bits systems is v%s: please specify a more recent version",
			Max32BitVersion,
		)
	}
	return nil
}
