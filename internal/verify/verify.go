// Package verify cross-checks the local index against the local archive
// store and optionally repairs gaps by downloading the missing archives.
package verify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/panamax-rs/panamax/internal/downloader"
	"github.com/panamax-rs/panamax/internal/index"
	"github.com/panamax-rs/panamax/internal/indexrepo"
	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/packagesync"
	"github.com/panamax-rs/panamax/internal/shard"
)

// KnownUnavailable lists (name, version) pairs that the crates.io origin
// is known to answer with 403 regardless of mirror state, so the verifier
// never flags them as missing. Grounded verbatim in upstream's own
// CRATES_403 carve-out (crates.io issue #1593).
var KnownUnavailable = map[packagesync.Pair]bool{
	{Name: "glib-2-0-sys", Version: "0.0.1"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.2"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.3"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.4"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.5"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.6"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.7"}:    true,
	{Name: "glib-2-0-sys", Version: "0.0.8"}:    true,
	{Name: "glib-2-0-sys", Version: "0.1.0"}:    true,
	{Name: "glib-2-0-sys", Version: "0.1.1"}:    true,
	{Name: "glib-2-0-sys", Version: "0.1.2"}:    true,
	{Name: "glib-2-0-sys", Version: "0.2.0"}:    true,
	{Name: "gobject-2-0-sys", Version: "0.0.2"}: true,
	{Name: "gobject-2-0-sys", Version: "0.0.3"}: true,
	{Name: "gobject-2-0-sys", Version: "0.0.4"}: true,
	{Name: "gobject-2-0-sys", Version: "0.0.5"}: true,
	{Name: "gobject-2-0-sys", Version: "0.0.6"}: true,
	{Name: "gobject-2-0-sys", Version: "0.0.7"}: true,
	{Name: "gobject-2-0-sys", Version: "0.0.8"}: true,
	{Name: "gobject-2-0-sys", Version: "0.1.0"}: true,
	{Name: "gobject-2-0-sys", Version: "0.2.0"}: true,
}

// Mode selects how Run disposes of a non-empty missing set.
type Mode int

const (
	// ModeDryRun only reports; nothing is downloaded.
	ModeDryRun Mode = iota
	// ModeAssumeYes downloads every candidate without prompting.
	ModeAssumeYes
	// ModeInteractive prompts on In/Out for a selection.
	ModeInteractive
)

// Options configures a verification pass.
type Options struct {
	Mode Mode
	// IncludeYanked, when true, reports yanked entries as candidates too.
	// Default (false) mirrors this project's resolution of the source
	// repository's own inconsistency on the point: skip yanked unless the
	// caller opts in.
	IncludeYanked bool
	// AllowList, when non-nil, restricts candidates to these pairs.
	AllowList map[packagesync.Pair]bool

	Source          string
	DownloadThreads int
	Retries         int
	UserAgent       string

	In  io.Reader
	Out io.Writer
}

// Candidate is one (name, version) missing from the local archive store.
type Candidate struct {
	Entry index.Entry
}

// Result summarizes one verification/repair pass.
type Result struct {
	Candidates []Candidate
	Downloaded int
	Errored    int
}

// Run diffs the empty tree against repo's local head to enumerate every
// package entry the index currently carries, filters out known-exempt,
// yanked (unless opted in), and allow-listed-out entries, and reports
// every one whose sharded archive file is absent from root. Depending on
// opts.Mode it then downloads none, all, or an interactively-selected
// subset of the missing set.
func Run(ctx context.Context, root string, repo *indexrepo.Repo, dl *downloader.Client, branch string, opts Options) (Result, error) {
	logger := logging.FromContext(ctx)

	localHead, err := repo.LocalHead(ctx, branch)
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve local head")
	}

	diff, err := repo.TreeDiff(ctx, "", localHead)
	if err != nil {
		return Result{}, errors.Wrap(err, "diff index tree")
	}

	var missing []Candidate
	for _, d := range diff {
		if index.IsMetadataPath(d.Path) || d.Deleted() {
			continue
		}
		blob, err := repo.ReadBlob(ctx, localHead, d.Path)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read index blob during verify", "path", d.Path, "error", err)
			continue
		}
		for _, e := range index.ParseEntries(blob) {
			pair := packagesync.Pair{Name: e.Name, Version: e.Vers}
			if KnownUnavailable[pair] {
				continue
			}
			if e.Yanked && !opts.IncludeYanked {
				continue
			}
			if opts.AllowList != nil && !opts.AllowList[pair] {
				continue
			}
			rel, err := shard.ArchivePath(e.Name, e.Vers, packagesync.ArchiveExt)
			if err != nil {
				continue
			}
			if !fileExists(filepath.Join(root, rel)) {
				missing = append(missing, Candidate{Entry: e})
			}
		}
	}

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Entry.Name != missing[j].Entry.Name {
			return missing[i].Entry.Name < missing[j].Entry.Name
		}
		return missing[i].Entry.Vers < missing[j].Entry.Vers
	})

	result := Result{Candidates: missing}
	if len(missing) == 0 {
		return result, nil
	}

	var selected []Candidate
	switch opts.Mode {
	case ModeDryRun:
		return result, nil
	case ModeAssumeYes:
		selected = missing
	case ModeInteractive:
		selected = selectInteractive(missing, opts.In, opts.Out)
	}

	downloaded, errored := downloadCandidates(ctx, root, dl, opts, selected)
	result.Downloaded = downloaded
	result.Errored = errored
	return result, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func downloadCandidates(ctx context.Context, root string, dl *downloader.Client, opts Options, candidates []Candidate) (downloaded, errored int) {
	threads := opts.DownloadThreads
	if threads <= 0 {
		threads = 1
	}
	logger := logging.FromContext(ctx)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			rel, err := shard.ArchivePath(c.Entry.Name, c.Entry.Vers, packagesync.ArchiveExt)
			if err != nil {
				mu.Lock()
				errored++
				mu.Unlock()
				return nil
			}
			dest := filepath.Join(root, rel)
			url := archiveURLFor(opts.Source, c.Entry.Name, c.Entry.Vers)
			err = dl.Download(gctx, url, dest, downloader.Options{
				ExpectedHash: c.Entry.Cksum,
				Retries:      opts.Retries,
				UserAgent:    opts.UserAgent,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errored++
				logger.ErrorContext(gctx, "verifier repair download failed", slog.String("name", c.Entry.Name), slog.String("version", c.Entry.Vers), slog.Any("error", err))
				return nil
			}
			downloaded++
			return nil
		})
	}
	_ = g.Wait() // per-task errors are already folded into errored above
	return downloaded, errored
}

func archiveURLFor(source, name, version string) string {
	if strings.TrimRight(source, "/") == packagesync.CanonicalSource {
		return "https://" + packagesync.CDNHost + "/crates/" + name + "/" + name + "-" + version + "." + packagesync.ArchiveExt
	}
	return strings.TrimRight(source, "/") + "/" + name + "/" + version + "/download"
}

// selectInteractive prints a numbered list of candidates to out, reads one
// line from in, and resolves it per the accepted input grammar: empty
// input means "all"; a bare index, a space-separated list of indices, or
// a hyphenated inclusive range (1-based); anything out of range or
// unparseable is treated as "none".
func selectInteractive(candidates []Candidate, in io.Reader, out io.Writer) []Candidate {
	if out != nil {
		fmt.Fprintln(out, "Missing archives:")
		for i, c := range candidates {
			fmt.Fprintf(out, "  %d) %s %s\n", i+1, c.Entry.Name, c.Entry.Vers)
		}
		fmt.Fprint(out, "Select archives to download (enter for all): ")
	}

	if in == nil {
		return candidates
	}
	line := readLine(in)
	line = strings.TrimSpace(line)
	if line == "" {
		return candidates
	}

	indices := parseSelection(line, len(candidates))
	if len(indices) == 0 {
		return nil
	}
	selected := make([]Candidate, 0, len(indices))
	for _, idx := range indices {
		selected = append(selected, candidates[idx-1])
	}
	return selected
}

func readLine(in io.Reader) string {
	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return scanner.Text()
	}
	return ""
}

// parseSelection resolves the input grammar into a set of 1-based, sorted,
// deduplicated indices within [1, n]. A range "a-b" expands inclusively.
// Any token referring outside [1, n] or failing to parse yields no
// selection at all, matching the "out-of-range input means download
// nothing" rule.
func parseSelection(line string, n int) []int {
	fields := strings.Fields(line)
	seen := map[int]bool{}
	var indices []int
	for _, f := range fields {
		if lo, hi, ok := parseRange(f); ok {
			if lo < 1 || hi > n || lo > hi {
				return nil
			}
			for i := lo; i <= hi; i++ {
				if !seen[i] {
					seen[i] = true
					indices = append(indices, i)
				}
			}
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil || v < 1 || v > n {
			return nil
		}
		if !seen[v] {
			seen[v] = true
			indices = append(indices, v)
		}
	}
	sort.Ints(indices)
	return indices
}

func parseRange(f string) (lo, hi int, ok bool) {
	parts := strings.SplitN(f, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.Atoi(parts[0])
	b, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, b, true
}
