// Package shard computes the content-addressed directory layout for
// package archives: every archive path is derivable from (name, version)
// alone, so no side table is needed to locate one.
package shard

import (
	"path/filepath"

	"github.com/alecthomas/errors"
)

// Dir returns the shard subdirectory for a (lowercased) package name,
// following cargo's own index sharding rule:
//
//	len(name) == 1 -> "1"
//	len(name) == 2 -> "2"
//	len(name) == 3 -> "3/<name[0]>"
//	len(name) >= 4 -> "<name[0:2]>/<name[2:4]>"
//
// Dir panics on an empty name; callers that accept untrusted names must
// validate through ArchivePath instead.
func Dir(name string) string {
	switch {
	case len(name) == 1:
		return "1"
	case len(name) == 2:
		return "2"
	case len(name) == 3:
		return filepath.Join("3", name[0:1])
	default:
		return filepath.Join(name[0:2], name[2:4])
	}
}

// ArchivePath returns the mirror-relative path, rooted at "crates/", of
// the archive for name@version with the given file extension (e.g.
// "crate"). An empty name is rejected rather than shard by a slice that
// would otherwise panic.
func ArchivePath(name, version, ext string) (string, error) {
	if name == "" {
		return "", errors.Errorf("shard: empty package name")
	}
	return filepath.Join("crates", Dir(name), name, version, name+"-"+version+"."+ext), nil
}
