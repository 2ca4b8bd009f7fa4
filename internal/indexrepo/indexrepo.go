// Package indexrepo manages the single local clone of the package index,
// shelling out to the system git binary the way a mirror of this scale
// always has: no cgo git bindings, just exec.CommandContext and careful
// ref plumbing.
package indexrepo

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alecthomas/errors"
)

// EmptyTreeOID is git's well-known OID for the empty tree. Diffing against
// it enumerates every entry currently in a tree.
const EmptyTreeOID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Repo is a clone of the remote package index, rooted at <mirrorRoot>/crates.io-index.
type Repo struct {
	path   string
	remote string
}

// New returns a Repo for the index clone living under root.
func New(root, remoteURL string) *Repo {
	return &Repo{
		path:   filepath.Join(root, "crates.io-index"),
		remote: remoteURL,
	}
}

// Path is the working-tree path of the clone.
func (r *Repo) Path() string { return r.path }

// Exists reports whether the clone has already been created.
func (r *Repo) Exists() bool {
	_, err := os.Stat(filepath.Join(r.path, ".git"))
	return err == nil
}

func (r *Repo) git(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are constant or internally derived
}

func (r *Repo) gitIn(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", r.path}, args...)
	return r.git(ctx, full...)
}

func run(cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", strings.Join(cmd.Args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// PrimaryBranch discovers the remote's default branch via ls-remote --symref.
func (r *Repo) PrimaryBranch(ctx context.Context) (string, error) {
	out, err := run(r.git(ctx, "ls-remote", "--symref", r.remote, "HEAD"))
	if err != nil {
		return "", errors.Wrap(err, "ls-remote --symref")
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ref:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		return strings.TrimPrefix(fields[1], "refs/heads/"), nil
	}
	return "master", nil
}

// Clone performs the initial clone of the remote index: it creates the
// repository, registers the remote as origin and fetches its branches
// into refs/remotes/origin/*. No local branch is created and nothing is
// checked out, so the first diff of a fresh clone starts from the empty
// tree; the first FastForward publishes the fetched head.
func (r *Repo) Clone(ctx context.Context) error {
	if err := os.MkdirAll(r.path, 0o750); err != nil {
		return errors.Wrap(err, "create index directory")
	}
	if _, err := run(r.gitIn(ctx, "init", "-q")); err != nil {
		return errors.Wrap(err, "git init")
	}
	if _, err := run(r.gitIn(ctx, "remote", "add", "origin", r.remote)); err != nil {
		return errors.Wrap(err, "git remote add")
	}
	if _, err := run(r.gitIn(ctx, "config", "protocol.version", "2")); err != nil {
		return errors.Wrap(err, "configure protocol.version")
	}
	return r.Fetch(ctx)
}

// Fetch updates refs/remotes/origin/* without touching the working tree.
func (r *Repo) Fetch(ctx context.Context) error {
	if _, err := run(r.gitIn(ctx, "fetch", "origin")); err != nil {
		return errors.Wrap(err, "git fetch")
	}
	return nil
}

// Sync clones the index if absent, otherwise fetches it.
func (r *Repo) Sync(ctx context.Context) error {
	if !r.Exists() {
		return errors.Wrap(r.Clone(ctx), "clone index")
	}
	return errors.Wrap(r.Fetch(ctx), "fetch index")
}

// ResolveRef resolves a ref to its commit SHA, returning "" if it does not exist.
func (r *Repo) ResolveRef(ctx context.Context, ref string) (string, error) {
	cmd := r.gitIn(ctx, "rev-parse", "--verify", "--quiet", ref)
	out, err := run(cmd)
	if err != nil {
		// rev-parse --verify --quiet exits non-zero when the ref is absent;
		// that is a normal "not found yet" state, not a failure.
		return "", nil //nolint:nilerr
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteHead resolves the commit the remote tracking branch currently points at.
func (r *Repo) RemoteHead(ctx context.Context, branch string) (string, error) {
	sha, err := r.ResolveRef(ctx, "refs/remotes/origin/"+branch)
	if err != nil {
		return "", errors.Wrap(err, "resolve remote head")
	}
	if sha == "" {
		return "", errors.Errorf("no remote ref refs/remotes/origin/%s", branch)
	}
	return sha, nil
}

// LocalHead resolves the commit the local branch currently points at, or ""
// if the branch does not exist yet.
func (r *Repo) LocalHead(ctx context.Context, branch string) (string, error) {
	return r.ResolveRef(ctx, "refs/heads/"+branch)
}

// FastForward points refs/heads/<branch> and HEAD at commit and forces the
// working tree to match it. The working tree is disposable; conflicts are
// always resolved in favor of commit.
func (r *Repo) FastForward(ctx context.Context, branch, commit string) error {
	ref := "refs/heads/" + branch
	if _, err := run(r.gitIn(ctx, "update-ref", ref, commit)); err != nil {
		return errors.Wrap(err, "update-ref")
	}
	if _, err := run(r.gitIn(ctx, "symbolic-ref", "HEAD", ref)); err != nil {
		return errors.Wrap(err, "symbolic-ref HEAD")
	}
	if _, err := run(r.gitIn(ctx, "checkout", "-f", branch)); err != nil {
		return errors.Wrap(err, "checkout -f")
	}
	return nil
}

// DiffEntry is one line of `git diff --name-status` output.
type DiffEntry struct {
	Status string // "A", "M", "D", or a rename/copy code such as "R100"
	Path   string
}

// Deleted reports whether the entry represents a removed path.
func (e DiffEntry) Deleted() bool { return e.Status == "D" }

// TreeDiff computes the tree diff between oldRef and newRef. Passing ""
// for oldRef diffs against the empty tree, enumerating every path in
// newRef.
func (r *Repo) TreeDiff(ctx context.Context, oldRef, newRef string) ([]DiffEntry, error) {
	if oldRef == "" {
		oldRef = EmptyTreeOID
	}
	out, err := run(r.gitIn(ctx, "diff", "--name-status", oldRef, newRef))
	if err != nil {
		return nil, errors.Wrap(err, "git diff --name-status")
	}

	var entries []DiffEntry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		entries = append(entries, DiffEntry{Status: fields[0], Path: fields[1]})
	}
	return entries, nil
}

// ReadBlob reads the content of path as it exists at ref.
func (r *Repo) ReadBlob(ctx context.Context, ref, path string) ([]byte, error) {
	out, err := run(r.gitIn(ctx, "show", ref+":"+path))
	if err != nil {
		return nil, errors.Wrapf(err, "git show %s:%s", ref, path)
	}
	return out, nil
}

// RewriteConfig replaces config.json at the tip of branch with the JSON
// object panamax's served index must carry so that cargo resolves download
// and publish URLs against this mirror, then commits it onto branch.
//
// The commit is expected to be superseded by the next fast-forward; that is
// fine, it only needs to be visible to clients between syncs.
func (r *Repo) RewriteConfig(ctx context.Context, branch string, configJSON []byte) error {
	configPath := filepath.Join(r.path, "config.json")
	if err := os.WriteFile(configPath, configJSON, 0o644); err != nil { //nolint:gosec // index config.json is public
		return errors.Wrap(err, "write config.json")
	}

	if _, err := run(r.gitIn(ctx, "add", "config.json")); err != nil {
		return errors.Wrap(err, "git add config.json")
	}

	treeOut, err := run(r.gitIn(ctx, "write-tree"))
	if err != nil {
		return errors.Wrap(err, "git write-tree")
	}
	tree := strings.TrimSpace(string(treeOut))

	parent, err := r.LocalHead(ctx, branch)
	if err != nil {
		return errors.Wrap(err, "resolve branch head")
	}

	commitArgs := []string{"commit-tree", tree, "-m", "Update config.json"}
	if parent != "" {
		commitArgs = append(commitArgs, "-p", parent)
	}

	commitCmd := r.gitIn(ctx, commitArgs...)
	commitCmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=panamax", "GIT_AUTHOR_EMAIL=panamax@localhost",
		"GIT_COMMITTER_NAME=panamax", "GIT_COMMITTER_EMAIL=panamax@localhost")
	commitOut, err := run(commitCmd)
	if err != nil {
		return errors.Wrap(err, "git commit-tree")
	}
	commit := strings.TrimSpace(string(commitOut))

	if _, err := run(r.gitIn(ctx, "update-ref", "refs/heads/"+branch, commit)); err != nil {
		return errors.Wrap(err, "update-ref after config rewrite")
	}

	return nil
}
