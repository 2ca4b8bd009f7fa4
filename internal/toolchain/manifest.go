// Package toolchain drives the rustup toolchain side of the mirror:
// channel manifests, their derived artifact sets, per-channel history
// bookkeeping, installer binaries, and generation-based cleanup.
package toolchain

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/errors"
)

// Manifest is a channel-rust-<channel>.toml document: one package per
// component (rustc, cargo, rust-std, rust-docs, ...), each carrying a
// per-target availability and download record.
type Manifest struct {
	ManifestVersion string             `toml:"manifest-version"`
	Date            string             `toml:"date"`
	Pkg             map[string]Package `toml:"pkg"`
}

// Package is one component's entry in a channel manifest.
type Package struct {
	Version string            `toml:"version"`
	Target  map[string]Target `toml:"target"`
}

// Target is one platform's availability and download record for a package.
// Two encodings may be present: the gzip pair (URL/Hash) and the xz pair
// (XzURL/XzHash); either may be absent when the upstream does not publish
// that encoding for this target.
type Target struct {
	Available bool   `toml:"available"`
	URL       string `toml:"url"`
	Hash      string `toml:"hash"`
	XzURL     string `toml:"xz_url"`
	XzHash    string `toml:"xz_hash"`
}

// ParseManifest decodes a channel manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return Manifest{}, errors.Wrap(err, "parse channel manifest")
	}
	return m, nil
}

// ReleaseStamp is the small document at rustup/release-<channel>.toml
// naming the current installer version for that channel.
type ReleaseStamp struct {
	Version string `toml:"version"`
	Date    string `toml:"date"`
}

// ParseReleaseStamp decodes a release-<channel>.toml document.
func ParseReleaseStamp(data []byte) (ReleaseStamp, error) {
	var r ReleaseStamp
	if _, err := toml.Decode(string(data), &r); err != nil {
		return ReleaseStamp{}, errors.Wrap(err, "parse release stamp")
	}
	return r, nil
}

// isDevPackage reports whether pkgName names a development-only component
// (e.g. "rustc-dev"), excluded from the mirror unless DownloadDev is set.
// Grounded in rustup's own component naming convention: every dev-only
// component upstream publishes carries a "-dev" suffix.
func isDevPackage(pkgName string) bool {
	return strings.HasSuffix(pkgName, "-dev")
}

// Artifact is one (url, hash) pair to download, with its mirror-relative
// destination path.
type Artifact struct {
	Pkg     string
	Target  string
	URL     string
	Hash    string
	RelPath string
}

// DeriveArtifacts walks every package/target pair in m and emits the
// artifacts that should be mirrored, honoring platform filtering and the
// dev/gz/xz inclusion switches.
func DeriveArtifacts(m Manifest, platforms map[string]bool, downloadDev, downloadGz, downloadXz bool) []Artifact {
	var artifacts []Artifact

	for pkgName, pkg := range m.Pkg {
		if !downloadDev && isDevPackage(pkgName) {
			continue
		}
		for targetName, target := range pkg.Target {
			if !target.Available {
				continue
			}
			if targetName != "*" && !platforms[targetName] {
				continue
			}
			if downloadGz && target.URL != "" && target.Hash != "" {
				artifacts = append(artifacts, Artifact{
					Pkg: pkgName, Target: targetName,
					URL: target.URL, Hash: target.Hash, RelPath: RelativeArtifactPath(target.URL),
				})
			}
			if downloadXz && target.XzURL != "" && target.XzHash != "" {
				artifacts = append(artifacts, Artifact{
					Pkg: pkgName, Target: targetName,
					URL: target.XzURL, Hash: target.XzHash, RelPath: RelativeArtifactPath(target.XzURL),
				})
			}
		}
	}

	return artifacts
}

// RelativeArtifactPath rewrites an absolute artifact URL to a
// mirror-relative path by dropping the scheme and host, keeping the
// portion at depth >= 4 of the URL's "/"-separated segments (e.g.
// "https://static.rust-lang.org/dist/2024-01-01/x" -> "dist/2024-01-01/x").
func RelativeArtifactPath(url string) string {
	segments := strings.Split(url, "/")
	if len(segments) <= 3 {
		return url
	}
	return strings.Join(segments[3:], "/")
}
