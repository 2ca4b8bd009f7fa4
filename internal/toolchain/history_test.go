package toolchain_test

import (
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/panamax-rs/panamax/internal/toolchain"
)

func TestHistoryAppendAndKeepPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirror-nightly-history.toml")

	h, err := toolchain.LoadHistory(path)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(h))

	h.Append("2024-01-01", []string{"dist/2024-01-01/a.tar.xz"})
	assert.NoError(t, toolchain.SaveHistory(path, h))

	h2, err := toolchain.LoadHistory(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"dist/2024-01-01/a.tar.xz"}, h2["2024-01-01"])

	h2.Append("2024-01-02", []string{"dist/2024-01-02/a.tar.xz"})
	assert.NoError(t, toolchain.SaveHistory(path, h2))

	h3, err := toolchain.LoadHistory(path)
	assert.NoError(t, err)
	assert.Equal(t, "2024-01-02", h3.NewestDate())

	keep := h3.KeepPaths(1)
	assert.Equal(t, []string{"dist/2024-01-02/a.tar.xz"}, keep)

	keepAll := h3.KeepPaths(2)
	assert.Equal(t, 2, len(keepAll))
}

func TestHistoryMissingFileIsEmptyNotError(t *testing.T) {
	h, err := toolchain.LoadHistory(filepath.Join(t.TempDir(), "missing.toml"))
	assert.NoError(t, err)
	assert.Equal(t, toolchain.History{}, h)
}
