package toolchain

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/panamax-rs/panamax/internal/downloader"
	"github.com/panamax-rs/panamax/internal/logging"
)

// ReleaseStablePath is the release stamp fetched once per run to learn
// the installer version currently shipping.
const ReleaseStablePath = "rustup/release-stable.toml"

// InstallerOptions configures a rustup-init binary sync.
type InstallerOptions struct {
	Source          string
	DownloadThreads int
	Retries         int
	UserAgent       string
	UnixTargets     []string
	WindowsTargets  []string
}

// InstallerResult summarizes a rustup-init sync pass.
type InstallerResult struct {
	Version   string
	Attempted int
	Succeeded int
	Errored   int
}

// FetchReleaseStamp downloads and parses rustup/release-stable.toml,
// which names the installer version currently current.
func FetchReleaseStamp(ctx context.Context, root string, dl *downloader.Client, opts InstallerOptions) (ReleaseStamp, error) {
	dest := filepath.Join(root, ReleaseStablePath)
	url := strings.TrimRight(opts.Source, "/") + "/" + ReleaseStablePath
	if err := dl.Download(ctx, url, dest, downloader.Options{Retries: opts.Retries, UserAgent: opts.UserAgent}); err != nil {
		return ReleaseStamp{}, errors.Wrap(err, "download release stamp")
	}
	data, err := os.ReadFile(dest) //nolint:gosec // dest is derived from a trusted mirror root
	if err != nil {
		return ReleaseStamp{}, errors.Wrap(err, "read release stamp")
	}
	return ParseReleaseStamp(data)
}

// SyncInstallers fetches each selected target's rustup-init binary (with
// its sha256 sidecar) into the versioned archive directory, then copies
// it into the "latest" dist directory for that platform.
func SyncInstallers(ctx context.Context, root string, dl *downloader.Client, version string, opts InstallerOptions) (InstallerResult, error) {
	logger := logging.FromContext(ctx)

	type job struct {
		target string
		isExe  bool
	}
	var jobs []job
	for _, t := range opts.UnixTargets {
		jobs = append(jobs, job{target: t, isExe: false})
	}
	for _, t := range opts.WindowsTargets {
		jobs = append(jobs, job{target: t, isExe: true})
	}

	threads := opts.DownloadThreads
	if threads <= 0 {
		threads = 1
	}

	var mu sync.Mutex
	result := InstallerResult{Version: version, Attempted: len(jobs)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			err := syncOneInstaller(gctx, root, dl, version, j.target, j.isExe, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errored++
				logger.ErrorContext(gctx, "rustup-init sync failed", slog.String("target", j.target), slog.Any("error", err))
			} else {
				result.Succeeded++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, errors.Wrap(err, "installer sync batch")
	}
	return result, nil
}

func installerName(isExe bool) string {
	if isExe {
		return "rustup-init.exe"
	}
	return "rustup-init"
}

func syncOneInstaller(ctx context.Context, root string, dl *downloader.Client, version, target string, isExe bool, opts InstallerOptions) error {
	name := installerName(isExe)
	url := strings.TrimRight(opts.Source, "/") + "/rustup/dist/" + target + "/" + name
	archivePath := filepath.Join(root, "rustup", "archive", version, target, name)
	distPath := filepath.Join(root, "rustup", "dist", target, name)

	if err := dl.DownloadWithSHA256Sidecar(ctx, url, archivePath, downloader.Options{Retries: opts.Retries, UserAgent: opts.UserAgent}); err != nil {
		return errors.Wrap(err, "download installer")
	}

	if err := copyWithSHA256(archivePath, distPath); err != nil {
		return errors.Wrap(err, "copy installer to dist")
	}
	return nil
}

// copyWithSHA256 copies src and its sibling ".sha256" file to dst,
// creating dst's parent directory as needed. Unlike
// downloader.MoveIfExistsWithSHA256 this preserves src, since the
// versioned archive copy and the "latest" dist copy coexist.
func copyWithSHA256(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	if _, err := os.Stat(src + ".sha256"); err == nil {
		return copyFile(src+".sha256", dst+".sha256")
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return errors.Wrap(err, "create destination directory")
	}
	in, err := os.Open(src) //nolint:gosec // src is derived from a trusted mirror root
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer in.Close() //nolint:errcheck

	tmp := dst + ".part"
	out, err := os.Create(tmp) //nolint:gosec // tmp is derived from a trusted mirror root
	if err != nil {
		return errors.Wrap(err, "create staged destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return errors.Wrap(err, "copy file contents")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close staged destination")
	}
	return errors.Wrap(os.Rename(tmp, dst), "rename staged destination")
}
