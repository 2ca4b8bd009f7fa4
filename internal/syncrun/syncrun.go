// Package syncrun orchestrates one full mirror synchronization pass,
// wiring together the index repository manager, the package archive
// synchronizer, and the toolchain channel synchronizers and cleanup the
// way panamax's own top-level sync command does: index first, then
// packages, then every configured toolchain channel, then cleanup.
package syncrun

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"

	"github.com/panamax-rs/panamax/internal/config"
	"github.com/panamax-rs/panamax/internal/downloader"
	"github.com/panamax-rs/panamax/internal/index"
	"github.com/panamax-rs/panamax/internal/indexrepo"
	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/packagesync"
	"github.com/panamax-rs/panamax/internal/toolchain"
)

// defaultChannels are the rolling channels synced on every run, in
// addition to whatever dated nightly pins the operator configured.
var defaultChannels = []string{"stable", "beta", "nightly"}

// Result summarizes a full synchronization pass across both the package
// index and every configured toolchain channel.
type Result struct {
	Packages      packagesync.Result
	Channels      []toolchain.ChannelResult
	Installer     toolchain.InstallerResult
	Cleanup       toolchain.Result
	CleanupSkipped bool
}

// Run executes one full synchronization pass against cfg.Root.
func Run(ctx context.Context, cfg config.Mirror, product, version string) (Result, error) {
	logger := logging.FromContext(ctx)
	var result Result

	if err := config.CreateDirectories(cfg.Root); err != nil {
		return result, errors.Wrap(err, "scaffold mirror directories")
	}

	dl := downloader.New()
	userAgent := cfg.UserAgent(product, version)

	if cfg.Packages.Sync {
		packagesResult, err := runPackages(ctx, cfg, dl, userAgent)
		if err != nil {
			return result, errors.Wrap(err, "sync package index")
		}
		result.Packages = packagesResult
	}

	if cfg.Toolchain.Sync {
		channels, installerResult, err := runToolchain(ctx, cfg, dl, userAgent)
		if err != nil {
			return result, errors.Wrap(err, "sync toolchain channels")
		}
		result.Channels = channels
		result.Installer = installerResult

		// A channel whose sync returned an error has no entry in channels.
		allSucceeded := len(channels) == len(defaultChannels)+len(cfg.Toolchain.PinnedVersions)
		for _, c := range channels {
			if !c.Success {
				allSucceeded = false
			}
		}

		retention := toolchain.RetentionConfig{
			KeepStable:  cfg.Toolchain.KeepLatestStables,
			KeepBeta:    cfg.Toolchain.KeepLatestBetas,
			KeepNightly: cfg.Toolchain.KeepLatestNightly,
			Pinned:      cfg.Toolchain.PinnedVersions,
		}
		switch {
		case !retention.AnyRetentionConfigured():
			result.CleanupSkipped = true
			logger.InfoContext(ctx, "toolchain cleanup skipped: no retention counts configured")
		case !allSucceeded:
			result.CleanupSkipped = true
			logger.InfoContext(ctx, "toolchain cleanup skipped: a channel sync reported failures this run")
		default:
			keep := toolchain.BuildKeepSet(ctx, cfg.Root, retention)
			cleanupResult, err := toolchain.Run(ctx, cfg.Root, keep)
			if err != nil {
				return result, errors.Wrap(err, "toolchain cleanup")
			}
			result.Cleanup = cleanupResult
		}
	}

	return result, nil
}

// runPackages syncs the index repository and every archive its diff
// implies, then (if base_url is configured) rewrites the index's embedded
// config.json and fast-forwards again to publish it.
func runPackages(ctx context.Context, cfg config.Mirror, dl *downloader.Client, userAgent string) (packagesync.Result, error) {
	logger := logging.FromContext(ctx)

	repo := indexrepo.New(cfg.Root, cfg.Packages.SourceIndex)
	if err := repo.Sync(ctx); err != nil {
		return packagesync.Result{}, errors.Wrap(err, "sync index repository")
	}

	branch, err := repo.PrimaryBranch(ctx)
	if err != nil {
		return packagesync.Result{}, errors.Wrap(err, "resolve index primary branch")
	}

	result, err := packagesync.Sync(ctx, cfg.Root, repo, dl, branch, packagesync.Options{
		Source:          cfg.Packages.Source,
		DownloadThreads: cfg.Packages.DownloadThreads,
		Retries:         cfg.Mirror.Retries,
		UserAgent:       userAgent,
	})
	if err != nil {
		return result, errors.Wrap(err, "sync package archives")
	}

	if cfg.Packages.BaseURL != "" {
		configJSON, err := index.RewriteConfig(cfg.Packages.BaseURL)
		if err != nil {
			return result, errors.Wrap(err, "build index config.json")
		}
		if err := repo.RewriteConfig(ctx, branch, configJSON); err != nil {
			return result, errors.Wrap(err, "rewrite index config.json")
		}
		if err := repo.FastForward(ctx, branch, mustResolve(ctx, repo, branch)); err != nil {
			return result, errors.Wrap(err, "publish rewritten index config.json")
		}
		logger.InfoContext(ctx, "rewrote index config.json", slog.String("base_url", cfg.Packages.BaseURL))
	}

	return result, nil
}

func mustResolve(ctx context.Context, repo *indexrepo.Repo, branch string) string {
	head, _ := repo.LocalHead(ctx, branch)
	return head
}

// runToolchain resolves the platform sets, syncs rustup-init installer
// binaries once, and then syncs every rolling channel plus every pinned
// dated nightly.
func runToolchain(ctx context.Context, cfg config.Mirror, dl *downloader.Client, userAgent string) ([]toolchain.ChannelResult, toolchain.InstallerResult, error) {
	logger := logging.FromContext(ctx)

	nightlyDest := filepath.Join(cfg.Root, toolchain.ManifestPath("nightly"))
	nightlyURL := cfg.Toolchain.Source + "/" + toolchain.ManifestPath("nightly")
	if err := dl.Download(ctx, nightlyURL, nightlyDest, downloader.Options{Retries: cfg.Mirror.Retries, UserAgent: userAgent}); err != nil {
		return nil, toolchain.InstallerResult{}, errors.Wrap(err, "fetch canonical nightly manifest for platform discovery")
	}
	data, err := os.ReadFile(nightlyDest) //nolint:gosec // nightlyDest is derived from a trusted mirror root
	if err != nil {
		return nil, toolchain.InstallerResult{}, errors.Wrap(err, "read canonical nightly manifest")
	}
	nightly, err := toolchain.ParseManifest(data)
	if err != nil {
		return nil, toolchain.InstallerResult{}, errors.Wrap(err, "parse canonical nightly manifest")
	}

	unix, windows := toolchain.ResolvePlatforms(nightly, cfg.Toolchain.PlatformsUnix, cfg.Toolchain.PlatformsWindows)
	platforms := toolchain.PlatformSet(unix, windows)

	installerOpts := toolchain.InstallerOptions{
		Source:          cfg.Toolchain.Source,
		DownloadThreads: cfg.Toolchain.DownloadThreads,
		Retries:         cfg.Mirror.Retries,
		UserAgent:       userAgent,
		UnixTargets:     unix,
		WindowsTargets:  windows,
	}

	stamp, err := toolchain.FetchReleaseStamp(ctx, cfg.Root, dl, installerOpts)
	if err != nil {
		return nil, toolchain.InstallerResult{}, errors.Wrap(err, "fetch release stamp")
	}

	installerResult, err := toolchain.SyncInstallers(ctx, cfg.Root, dl, stamp.Version, installerOpts)
	if err != nil {
		return nil, installerResult, errors.Wrap(err, "sync installer binaries")
	}

	channels := append([]string{}, defaultChannels...)
	channels = append(channels, cfg.Toolchain.PinnedVersions...)

	var results []toolchain.ChannelResult
	for _, channel := range channels {
		opts := toolchain.ChannelOptions{
			Source:          cfg.Toolchain.Source,
			Channel:         channel,
			DownloadThreads: cfg.Toolchain.DownloadThreads,
			Retries:         cfg.Mirror.Retries,
			UserAgent:       userAgent,
			DownloadDev:     cfg.Toolchain.DownloadDev,
			DownloadGz:      cfg.Toolchain.DownloadGz,
			DownloadXz:      cfg.Toolchain.DownloadXz,
			Platforms:       platforms,
		}
		channelResult, err := toolchain.SyncChannel(ctx, cfg.Root, dl, opts)
		if err != nil {
			logger.ErrorContext(ctx, "channel sync failed", slog.String("channel", channel), slog.Any("error", err))
			continue
		}
		results = append(results, channelResult)
	}

	return results, installerResult, nil
}
