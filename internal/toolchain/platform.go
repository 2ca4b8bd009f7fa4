package toolchain

import "sort"

// DefaultWindowsPlatforms is the fixed whitelist of targets rustup-init
// ships with a ".exe" extension. Grounded in the upstream rustup.rs
// installation targets list (PLATFORMS_EXE).
var DefaultWindowsPlatforms = []string{
	"i686-pc-windows-gnu",
	"i686-pc-windows-msvc",
	"x86_64-pc-windows-gnu",
	"x86_64-pc-windows-msvc",
}

// ResolvePlatforms derives the Unix and Windows target sets used both to
// filter channel manifest artifacts and to pick which rustup-init
// installer binaries get mirrored.
//
// When overrideUnix/overrideWindows are non-empty, user configuration
// wins outright. Otherwise the Unix set is every target the canonical
// nightly manifest publishes, minus the Windows whitelist, and the
// Windows set is the fixed whitelist.
func ResolvePlatforms(nightly Manifest, overrideUnix, overrideWindows []string) (unix, windows []string) {
	windows = DefaultWindowsPlatforms
	if len(overrideWindows) > 0 {
		windows = overrideWindows
	}
	windowsSet := toSet(windows)

	if len(overrideUnix) > 0 {
		return overrideUnix, windows
	}

	seen := map[string]bool{}
	for _, pkg := range nightly.Pkg {
		for target := range pkg.Target {
			if target == "*" || windowsSet[target] || seen[target] {
				continue
			}
			seen[target] = true
			unix = append(unix, target)
		}
	}
	sort.Strings(unix)
	return unix, windows
}

// PlatformSet builds a lookup set from unix and windows, for use as the
// platforms argument to DeriveArtifacts.
func PlatformSet(unix, windows []string) map[string]bool {
	set := make(map[string]bool, len(unix)+len(windows))
	for _, p := range unix {
		set[p] = true
	}
	for _, p := range windows {
		set[p] = true
	}
	return set
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}
