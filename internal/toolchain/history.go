package toolchain

import (
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/errors"
)

// History is a channel's on-disk generation record: ISO date -> the
// mirror-relative paths that generation's sync produced. It is the sole
// source of truth cleanup consults; nothing is ever inferred by walking
// the directory tree.
type History map[string][]string

// HistoryPath returns the mirror-root-relative history file path for channel.
func HistoryPath(channel string) string {
	return "mirror-" + channel + "-history.toml"
}

// LoadHistory reads the history file at path, returning an empty History
// (not an error) if the file does not exist yet.
func LoadHistory(path string) (History, error) {
	h := History{}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, errors.Wrap(err, "stat history file")
	}
	if _, err := toml.DecodeFile(path, &h); err != nil {
		return nil, errors.Wrapf(err, "parse history file %s", path)
	}
	return h, nil
}

// SaveHistory writes h to path, overwriting any existing content.
func SaveHistory(path string, h History) error {
	f, err := os.Create(path) //nolint:gosec // path is derived from a trusted mirror root
	if err != nil {
		return errors.Wrap(err, "create history file")
	}
	defer f.Close() //nolint:errcheck

	if err := toml.NewEncoder(f).Encode(h); err != nil {
		return errors.Wrap(err, "encode history file")
	}
	return nil
}

// Append records one generation. Calling it twice for the same date
// overwrites that generation's path list, so re-syncing a channel whose
// manifest date is already recorded replaces that entry instead of adding one.
func (h History) Append(date string, paths []string) {
	h[date] = paths
}

// Dates returns every generation date recorded, sorted lexicographically
// ascending. ISO-8601 dates sort chronologically, so this also orders the
// generations oldest to newest.
func (h History) Dates() []string {
	dates := make([]string, 0, len(h))
	for d := range h {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// NewestDate returns the lexicographically greatest date recorded, or ""
// if the history is empty.
func (h History) NewestDate() string {
	dates := h.Dates()
	if len(dates) == 0 {
		return ""
	}
	return dates[len(dates)-1]
}

// KeepPaths returns the union of paths listed under the k
// lexicographically-greatest (i.e. newest) dates.
func (h History) KeepPaths(k int) []string {
	dates := h.Dates()
	if k <= 0 || len(dates) == 0 {
		return nil
	}
	if k > len(dates) {
		k = len(dates)
	}
	newest := dates[len(dates)-k:]

	var paths []string
	for _, d := range newest {
		paths = append(paths, h[d]...)
	}
	return paths
}
