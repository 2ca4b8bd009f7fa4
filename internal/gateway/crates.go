package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/panamax-rs/panamax/internal/packagesync"
	"github.com/panamax-rs/panamax/internal/shard"
)

// nativeCrateHandler serves GET /crates/<name>/<version>/download, the
// shape cargo uses by default.
func nativeCrateHandler(root string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		version := r.PathValue("version")
		serveCrateFile(w, r, root, name, version)
	}
}

// condensedCrateHandler serves the sharded URL shape that mirrors the
// on-disk archive layout:
//
//	/crates/{1|2|3/<c>|<ab>/<cd>}/<name>/<version>/<name>-<version>.<ext>
//
// The shard prefix itself is not re-derived from the path; only the
// trailing <name>/<version>/<file> triplet is, so every valid shard depth
// (1, 2, 3/<c> and <ab>/<cd>) is accepted uniformly.
func condensedCrateHandler(root string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segments := strings.Split(strings.TrimPrefix(r.URL.Path, "/crates/"), "/")
		if len(segments) < 3 {
			http.NotFound(w, r)
			return
		}

		name := segments[len(segments)-3]
		version := segments[len(segments)-2]
		file := segments[len(segments)-1]

		if !strings.HasSuffix(file, "."+packagesync.ArchiveExt) || !strings.HasPrefix(file, name) {
			http.NotFound(w, r)
			return
		}

		serveCrateFile(w, r, root, name, version)
	}
}

// serveCrateFile resolves (name, version) to its sharded archive path and
// streams it, setting Content-Length from the file's size.
func serveCrateFile(w http.ResponseWriter, r *http.Request, root, name, version string) {
	rel, err := shard.ArchivePath(name, version, packagesync.ArchiveExt)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(root, rel)
	f, err := os.Open(path) //nolint:gosec // path is derived from the mirror root via shard.ArchivePath
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		http.NotFound(w, r)
		return
	}

	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}
