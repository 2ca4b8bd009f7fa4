package toolchain

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/panamax-rs/panamax/internal/downloader"
	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/metrics"
)

var datedNightlyPattern = regexp.MustCompile(`^nightly-(\d{4}-\d{2}-\d{2})$`)

// ManifestPath returns the mirror-relative path of channel's manifest.
// Dated nightly pins ("nightly-2024-01-01") live under a per-date
// subdirectory; every other channel lives directly under dist/.
func ManifestPath(channel string) string {
	if m := datedNightlyPattern.FindStringSubmatch(channel); m != nil {
		return "dist/" + m[1] + "/channel-rust-nightly.toml"
	}
	return "dist/channel-rust-" + channel + ".toml"
}

// ChannelOptions configures a single channel's synchronization.
type ChannelOptions struct {
	Source          string
	Channel         string
	DownloadThreads int
	Retries         int
	UserAgent       string
	DownloadDev     bool
	DownloadGz      bool
	DownloadXz      bool
	Platforms       map[string]bool
}

// ChannelResult summarizes one channel's synchronization.
type ChannelResult struct {
	Channel        string
	Manifest       Manifest
	Attempted      int
	Downloaded     int
	NotFound       int
	MismatchedHash int
	Errored        int
	// Success reports whether the run is eligible to append a history
	// generation: zero unrecoverable (non-NotFound) artifact errors.
	Success bool
}

// SyncChannel fetches channel's manifest (with sidecar), derives its
// artifact set, downloads every artifact with bounded concurrency, and on
// full success appends a generation to the channel's history file.
func SyncChannel(ctx context.Context, root string, dl *downloader.Client, opts ChannelOptions) (ChannelResult, error) {
	logger := logging.FromContext(ctx)
	ops := metrics.FromContext(ctx)

	manifestRel := ManifestPath(opts.Channel)
	manifestURL := strings.TrimRight(opts.Source, "/") + "/" + manifestRel
	manifestDest := filepath.Join(root, manifestRel)

	if err := dl.DownloadWithSHA256Sidecar(ctx, manifestURL, manifestDest, downloader.Options{Retries: opts.Retries, UserAgent: opts.UserAgent}); err != nil {
		return ChannelResult{Channel: opts.Channel}, errors.Wrap(err, "download channel manifest")
	}

	data, err := os.ReadFile(manifestDest) //nolint:gosec // manifestDest is derived from a trusted mirror root
	if err != nil {
		return ChannelResult{Channel: opts.Channel}, errors.Wrap(err, "read channel manifest")
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return ChannelResult{Channel: opts.Channel}, errors.Wrap(err, "parse channel manifest")
	}

	artifacts := DeriveArtifacts(manifest, opts.Platforms, opts.DownloadDev, opts.DownloadGz, opts.DownloadXz)
	result := ChannelResult{Channel: opts.Channel, Manifest: manifest, Attempted: len(artifacts)}

	threads := opts.DownloadThreads
	if threads <= 0 {
		threads = 1
	}

	var mu sync.Mutex
	var downloadedPaths []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, a := range artifacts {
		a := a
		g.Go(func() error {
			dest := filepath.Join(root, filepath.FromSlash(a.RelPath))
			err := dl.Download(gctx, a.URL, dest, downloader.Options{ExpectedHash: a.Hash, Retries: opts.Retries, UserAgent: opts.UserAgent})

			mu.Lock()
			defer mu.Unlock()
			if ops != nil {
				ops.RecordCount(gctx, "toolchain.download.attempted", 1)
			}
			switch {
			case err == nil:
				result.Downloaded++
				downloadedPaths = append(downloadedPaths, a.RelPath)
			default:
				var derr *downloader.Error
				if errors.As(err, &derr) {
					switch derr.Kind {
					case downloader.KindNotFound:
						result.NotFound++
						return nil
					case downloader.KindMismatchedHash:
						result.MismatchedHash++
						result.Errored++
						return nil
					}
				}
				result.Errored++
				logger.ErrorContext(gctx, "toolchain artifact download failed", slog.String("url", a.URL), slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, errors.Wrap(err, "toolchain download batch")
	}

	result.Success = result.Errored == 0

	if result.Success {
		generationPaths := append([]string{manifestRel, manifestRel + ".sha256"}, downloadedPaths...)
		histPath := filepath.Join(root, HistoryPath(opts.Channel))
		hist, err := LoadHistory(histPath)
		if err != nil {
			return result, errors.Wrap(err, "load channel history")
		}
		hist.Append(manifest.Date, generationPaths)
		if err := SaveHistory(histPath, hist); err != nil {
			return result, errors.Wrap(err, "save channel history")
		}
	}

	logger.InfoContext(ctx, "toolchain channel sync complete",
		slog.String("channel", opts.Channel),
		slog.Int("attempted", result.Attempted),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("not_found", result.NotFound),
		slog.Int("errored", result.Errored),
		slog.Bool("success", result.Success))

	return result, nil
}
