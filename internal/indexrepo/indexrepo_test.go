package indexrepo_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/panamax-rs/panamax/internal/indexrepo"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...) //nolint:gosec // test-controlled
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	assert.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

// newUpstream builds a tiny bare-ish remote index repository with one
// commit carrying a single package's index entry.
func newUpstream(t *testing.T) string {
	t.Helper()
	remote := t.TempDir()
	runGit(t, remote, "init", "-q", "-b", "master")
	assert.NoError(t, os.WriteFile(filepath.Join(remote, "a.json"), []byte(`{"name":"a","vers":"0.1.0","cksum":"deadbeef","yanked":false}`+"\n"), 0o644))
	runGit(t, remote, "add", "a.json")
	runGit(t, remote, "commit", "-q", "-m", "add a-0.1.0")
	return remote
}

func TestSyncClonesThenFetches(t *testing.T) {
	ctx := context.Background()
	remote := newUpstream(t)
	root := t.TempDir()

	repo := indexrepo.New(root, remote)
	assert.False(t, repo.Exists())

	assert.NoError(t, repo.Sync(ctx))
	assert.True(t, repo.Exists())

	branch, err := repo.PrimaryBranch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "master", branch)

	head, err := repo.RemoteHead(ctx, branch)
	assert.NoError(t, err)
	assert.True(t, head != "")

	// A second sync should fetch cleanly against an unchanged remote.
	assert.NoError(t, repo.Sync(ctx))
}

func TestFastForwardAndTreeDiff(t *testing.T) {
	ctx := context.Background()
	remote := newUpstream(t)
	root := t.TempDir()

	repo := indexrepo.New(root, remote)
	assert.NoError(t, repo.Sync(ctx))

	branch, err := repo.PrimaryBranch(ctx)
	assert.NoError(t, err)

	remoteHead, err := repo.RemoteHead(ctx, branch)
	assert.NoError(t, err)

	// A fresh clone has only the remote-tracking branch; the tree diff
	// from the empty tree to the remote head enumerates everything in it.
	entries, err := repo.TreeDiff(ctx, "", remoteHead)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, "a.json", entries[0].Path)
	assert.Equal(t, "A", entries[0].Status)

	blob, err := repo.ReadBlob(ctx, remoteHead, "a.json")
	assert.NoError(t, err)
	assert.Contains(t, string(blob), `"name":"a"`)

	assert.NoError(t, repo.FastForward(ctx, branch, remoteHead))

	local, err := repo.LocalHead(ctx, branch)
	assert.NoError(t, err)
	assert.Equal(t, remoteHead, local)

	// Add a second commit upstream, then ensure incremental diff only
	// sees the new file.
	assert.NoError(t, os.WriteFile(filepath.Join(remote, "b.json"), []byte(`{"name":"b","vers":"0.2.0","cksum":"cafef00d","yanked":false}`+"\n"), 0o644))
	runGit(t, remote, "add", "b.json")
	runGit(t, remote, "commit", "-q", "-m", "add b-0.2.0")

	assert.NoError(t, repo.Fetch(ctx))
	newHead, err := repo.RemoteHead(ctx, branch)
	assert.NoError(t, err)
	assert.True(t, newHead != remoteHead)

	entries, err = repo.TreeDiff(ctx, local, newHead)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, "b.json", entries[0].Path)
}

func TestRewriteConfigCommitsOntoBranch(t *testing.T) {
	ctx := context.Background()
	remote := newUpstream(t)
	root := t.TempDir()

	repo := indexrepo.New(root, remote)
	assert.NoError(t, repo.Sync(ctx))

	branch, err := repo.PrimaryBranch(ctx)
	assert.NoError(t, err)
	remoteHead, err := repo.RemoteHead(ctx, branch)
	assert.NoError(t, err)
	assert.NoError(t, repo.FastForward(ctx, branch, remoteHead))

	before, err := repo.LocalHead(ctx, branch)
	assert.NoError(t, err)

	assert.NoError(t, repo.RewriteConfig(ctx, branch, []byte(`{"dl":"https://mirror.example.com/{crate}/{crate}-{version}.crate","api":"https://mirror.example.com"}`)))

	after, err := repo.LocalHead(ctx, branch)
	assert.NoError(t, err)
	assert.True(t, after != before)

	data, err := os.ReadFile(filepath.Join(repo.Path(), "config.json"))
	assert.NoError(t, err)
	assert.Contains(t, string(data), "mirror.example.com")
}
