package toolchain

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"

	"github.com/panamax-rs/panamax/internal/logging"
)

// RetentionConfig bundles the per-channel retention counts cleanup
// honors. A zero count means "no retention requested for this channel",
// distinct from "retain nothing" (which configuration cannot express).
type RetentionConfig struct {
	KeepStable  int
	KeepBeta    int
	KeepNightly int
	// Pinned names the dated nightly channels (e.g. "nightly-2024-01-01")
	// whose single newest generation is always kept regardless of
	// KeepNightly.
	Pinned []string
}

// AnyRetentionConfigured reports whether cleanup has any work to do at
// all; per the conservatism rule, an operator who configured no retention
// counts wants cleanup skipped entirely rather than defaulting to zero.
func (r RetentionConfig) AnyRetentionConfigured() bool {
	return r.KeepStable > 0 || r.KeepBeta > 0 || r.KeepNightly > 0 || len(r.Pinned) > 0
}

// BuildKeepSet loads each channel's history file under root and unions
// the paths retained by its configured retention count (or, for pinned
// versions, its single newest generation). A history read error for one
// channel is treated as "nothing retained for that channel" rather than
// fatal, per the conservatism rule.
func BuildKeepSet(ctx context.Context, root string, cfg RetentionConfig) map[string]bool {
	logger := logging.FromContext(ctx)
	keep := map[string]bool{}

	add := func(channel string, k int, pinnedNewestOnly bool) {
		h, err := LoadHistory(filepath.Join(root, HistoryPath(channel)))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read channel history, retaining nothing for it",
				slog.String("channel", channel), slog.Any("error", err))
			return
		}
		var paths []string
		if pinnedNewestOnly {
			paths = h[h.NewestDate()]
		} else {
			paths = h.KeepPaths(k)
		}
		for _, p := range paths {
			keep[p] = true
		}
	}

	if cfg.KeepStable > 0 {
		add("stable", cfg.KeepStable, false)
	}
	if cfg.KeepBeta > 0 {
		add("beta", cfg.KeepBeta, false)
	}
	if cfg.KeepNightly > 0 {
		add("nightly", cfg.KeepNightly, false)
	}
	for _, pin := range cfg.Pinned {
		add(pin, 0, true)
	}

	return keep
}

// Result summarizes one cleanup pass.
type Result struct {
	Deleted int
	Errored int
}

// Run walks every immediate subdirectory under <root>/dist and deletes
// every regular file whose mirror-relative path is not in keep.
func Run(ctx context.Context, root string, keep map[string]bool) (Result, error) {
	logger := logging.FromContext(ctx)
	distRoot := filepath.Join(root, "dist")

	var result Result

	entries, err := os.ReadDir(distRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, errors.Wrap(err, "read dist directory")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subdir := filepath.Join(distRoot, entry.Name())
		err := filepath.WalkDir(subdir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if keep[rel] {
				return nil
			}
			if err := os.Remove(path); err != nil {
				logger.ErrorContext(ctx, "failed to delete stale toolchain artifact", slog.String("path", rel), slog.Any("error", err))
				result.Errored++
				return nil
			}
			result.Deleted++
			return nil
		})
		if err != nil {
			return result, errors.Wrapf(err, "walk %s", subdir)
		}
	}

	return result, nil
}
