package toolchain_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/toolchain"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	assert.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestCleanupKeepsOnlyRetainedGenerations(t *testing.T) {
	root := t.TempDir()

	d1 := "dist/2024-01-01/rustc-1.tar.xz"
	d2 := "dist/2024-01-02/rustc-1.tar.xz"
	writeFile(t, root, d1)
	writeFile(t, root, d2)

	histPath := filepath.Join(root, toolchain.HistoryPath("nightly"))
	hist := toolchain.History{}
	hist.Append("2024-01-01", []string{d1})
	hist.Append("2024-01-02", []string{d2})
	assert.NoError(t, toolchain.SaveHistory(histPath, hist))

	_, ctx := logging.Configure(context.Background(), logging.Config{})
	keep := toolchain.BuildKeepSet(ctx, root, toolchain.RetentionConfig{KeepNightly: 1})
	assert.Equal(t, map[string]bool{d2: true}, keep)

	result, err := toolchain.Run(ctx, root, keep)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(d1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(d2)))
	assert.NoError(t, err)
}

func TestCleanupSkippedWhenNoRetentionConfigured(t *testing.T) {
	cfg := toolchain.RetentionConfig{}
	assert.False(t, cfg.AnyRetentionConfigured())
}

func TestCleanupPinnedVersionKeepsNewestGenerationOnly(t *testing.T) {
	root := t.TempDir()

	d1 := "dist/2024-01-01/rustc-1.tar.xz"
	writeFile(t, root, d1)

	histPath := filepath.Join(root, toolchain.HistoryPath("nightly-2024-01-01"))
	hist := toolchain.History{}
	hist.Append("2024-01-01", []string{d1})
	assert.NoError(t, toolchain.SaveHistory(histPath, hist))

	_, ctx := logging.Configure(context.Background(), logging.Config{})
	cfg := toolchain.RetentionConfig{Pinned: []string{"nightly-2024-01-01"}}
	assert.True(t, cfg.AnyRetentionConfigured())

	keep := toolchain.BuildKeepSet(ctx, root, cfg)
	assert.Equal(t, map[string]bool{d1: true}, keep)
}
