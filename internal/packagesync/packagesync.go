// Package packagesync drives the package archive synchronizer: it diffs
// the index repository's old and new trees, schedules a bounded-fanout
// concurrent download of every archive the diff implies, deletes archives
// for entries the diff removed, and finally fast-forwards the index.
package packagesync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/panamax-rs/panamax/internal/downloader"
	"github.com/panamax-rs/panamax/internal/index"
	"github.com/panamax-rs/panamax/internal/indexrepo"
	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/metrics"
	"github.com/panamax-rs/panamax/internal/shard"
)

// CanonicalSource is the crates.io origin whose archives are additionally
// reachable, with lower latency, via the CDN shortcut URL form.
const CanonicalSource = "https://crates.io"

// CDNHost is the CDN crates.io archives are actually served from.
const CDNHost = "static.crates.io"

// ArchiveExt is the file extension every package archive carries.
const ArchiveExt = "crate"

// Pair identifies one index entry by (name, version).
type Pair struct {
	Name    string
	Version string
}

// Options configures a synchronization run.
type Options struct {
	// Source is the configured package archive origin.
	Source string
	// DownloadThreads bounds concurrent archive downloads.
	DownloadThreads int
	Retries         int
	UserAgent       string
	// AllowList, when non-nil, restricts downloads to the pairs it contains.
	AllowList map[Pair]bool
}

// Result summarizes one synchronization run.
type Result struct {
	Attempted      int
	Downloaded     int
	NotFound       int
	MismatchedHash int
	Errored        int
	Deleted        int
}

// Sync computes the tree diff between repo's local and remote-tracking
// branches, downloads every archive the diff implies, deletes archives for
// removed entries, and fast-forwards the local branch.
//
// Callers must have already run repo.Sync (clone-or-fetch) so that
// refs/remotes/origin/<branch> reflects the latest remote state; Sync
// itself only diffs and fast-forwards, matching the requirement that the
// diff run against the *old* local tree before it is published.
func Sync(ctx context.Context, root string, repo *indexrepo.Repo, dl *downloader.Client, branch string, opts Options) (Result, error) {
	logger := logging.FromContext(ctx)
	ops := metrics.FromContext(ctx)

	remoteHead, err := repo.RemoteHead(ctx, branch)
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve remote head")
	}
	localHead, err := repo.LocalHead(ctx, branch)
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve local head")
	}

	diff, err := repo.TreeDiff(ctx, localHead, remoteHead)
	if err != nil {
		return Result{}, errors.Wrap(err, "diff index tree")
	}

	var toDownload []index.Entry
	var toDelete []Pair

	for _, d := range diff {
		if index.IsMetadataPath(d.Path) {
			continue
		}
		if d.Deleted() {
			// The path no longer exists in the new tree at all: every
			// version the old blob enumerated for this package is gone.
			if localHead == "" {
				continue
			}
			blob, err := repo.ReadBlob(ctx, localHead, d.Path)
			if err != nil {
				logger.ErrorContext(ctx, "failed to read removed index blob", "path", d.Path, "error", err)
				continue
			}
			for _, e := range index.ParseEntries(blob) {
				toDelete = append(toDelete, Pair{Name: e.Name, Version: e.Vers})
			}
			continue
		}
		blob, err := repo.ReadBlob(ctx, remoteHead, d.Path)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read index blob", "path", d.Path, "error", err)
			continue
		}
		for _, e := range index.ParseEntries(blob) {
			if opts.AllowList != nil && !opts.AllowList[Pair{Name: e.Name, Version: e.Vers}] {
				continue
			}
			toDownload = append(toDownload, e)
		}
	}

	result := Result{Attempted: len(toDownload)}

	threads := opts.DownloadThreads
	if threads <= 0 {
		threads = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)

	for _, e := range toDownload {
		e := e
		g.Go(func() error {
			err := downloadArchive(gctx, root, dl, opts, e)
			mu.Lock()
			defer mu.Unlock()
			classify(&result, err)
			if ops != nil {
				ops.RecordCount(gctx, "packages.download.attempted", 1)
			}
			if err != nil {
				var derr *downloader.Error
				if !errors.As(err, &derr) || (derr.Kind != downloader.KindNotFound && derr.Kind != downloader.KindMismatchedHash) {
					logger.ErrorContext(gctx, "package download failed", "name", e.Name, "version", e.Vers, "error", err)
				}
			}
			return nil // per-task errors never abort the batch
		})
	}
	if err := g.Wait(); err != nil {
		return result, errors.Wrap(err, "package download batch")
	}

	for _, p := range toDelete {
		if err := deleteRemoved(root, p); err != nil {
			logger.ErrorContext(ctx, "failed to delete removed archive", "name", p.Name, "version", p.Version, "error", err)
			continue
		}
		result.Deleted++
	}

	if err := repo.FastForward(ctx, branch, remoteHead); err != nil {
		return result, errors.Wrap(err, "fast-forward index")
	}

	logger.InfoContext(ctx, "package archive sync complete",
		slog.Int("attempted", result.Attempted),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("not_found", result.NotFound),
		slog.Int("mismatched_hash", result.MismatchedHash),
		slog.Int("errored", result.Errored),
		slog.Int("deleted", result.Deleted))

	return result, nil
}

func classify(r *Result, err error) {
	if err == nil {
		r.Downloaded++
		return
	}
	var derr *downloader.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case downloader.KindNotFound:
			r.NotFound++
			return
		case downloader.KindMismatchedHash:
			r.MismatchedHash++
			return
		}
	}
	r.Errored++
}

func downloadArchive(ctx context.Context, root string, dl *downloader.Client, opts Options, e index.Entry) error {
	rel, err := shard.ArchivePath(e.Name, e.Vers, ArchiveExt)
	if err != nil {
		return errors.Wrap(err, "compute archive path")
	}
	url := archiveURL(opts.Source, e.Name, e.Vers)
	dest := filepath.Join(root, rel)
	return dl.Download(ctx, url, dest, downloader.Options{
		ExpectedHash: e.Cksum,
		Retries:      opts.Retries,
		UserAgent:    opts.UserAgent,
	})
}

// archiveURL constructs the URL an archive is downloaded from. The
// canonical crates.io origin is served at lower latency through its CDN,
// so configuring that source takes the CDN-shaped shortcut; any other
// configured source uses the registry API's download redirect endpoint.
func archiveURL(source, name, version string) string {
	if strings.TrimRight(source, "/") == CanonicalSource {
		return "https://" + CDNHost + "/crates/" + name + "/" + name + "-" + version + "." + ArchiveExt
	}
	return strings.TrimRight(source, "/") + "/" + name + "/" + version + "/download"
}

func deleteRemoved(root string, p Pair) error {
	rel, err := shard.ArchivePath(p.Name, p.Version, ArchiveExt)
	if err != nil {
		return errors.Wrap(err, "compute archive path")
	}
	dest := filepath.Join(root, rel)
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove archive")
	}
	return nil
}

// ApplyAllowList builds a lookup set from explicit (name, version) pairs,
// used by the caller after deriving them from a vendor manifest directory
// or a lock file.
func ApplyAllowList(pairs []Pair) map[Pair]bool {
	if len(pairs) == 0 {
		return nil
	}
	set := make(map[Pair]bool, len(pairs))
	for _, p := range pairs {
		set[p] = true
	}
	return set
}
