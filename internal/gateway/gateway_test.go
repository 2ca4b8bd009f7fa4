package gateway_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/panamax-rs/panamax/internal/gateway"
	"github.com/panamax-rs/panamax/internal/logging"
)

func testContext() context.Context {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	return ctx
}

func newMirrorRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	body := []byte("crate a contents")
	dir := filepath.Join(root, "crates", "1", "a", "0.1")
	assert.NoError(t, os.MkdirAll(dir, 0o750))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "a-0.1.crate"), body, 0o644))

	distDir := filepath.Join(root, "rustup", "dist", "x86_64-unknown-linux-gnu")
	assert.NoError(t, os.MkdirAll(distDir, 0o750))
	assert.NoError(t, os.WriteFile(filepath.Join(distDir, "rustup-init"), []byte("installer bits"), 0o644))

	return root
}

func TestNativeCrateDownload(t *testing.T) {
	root := newMirrorRoot(t)
	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/crates/a/0.1/download")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, "crate a contents", string(body))
}

func TestCondensedCrateDownload(t *testing.T) {
	root := newMirrorRoot(t)
	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/crates/1/a/0.1/a-0.1.crate")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, "crate a contents", string(body))
}

func TestCondensedCrateDownloadRejectsMismatchedName(t *testing.T) {
	root := newMirrorRoot(t)
	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/crates/1/a/0.1/not-a-0.1.crate")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHomepageListsInstallerPlatforms(t *testing.T) {
	root := newMirrorRoot(t)
	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Contains(t, string(body), "x86_64-unknown-linux-gnu")
}

func TestStaticAssetServed(t *testing.T) {
	root := newMirrorRoot(t)
	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/static/style.css")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDistTreeServedDirectly(t *testing.T) {
	root := newMirrorRoot(t)
	assert.NoError(t, os.MkdirAll(filepath.Join(root, "dist", "2024-01-01"), 0o750))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "dist", "2024-01-01", "manifest.toml"), []byte("date = \"2024-01-01\"\n"), 0o644))

	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dist/2024-01-01/manifest.toml")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGitSmartHTTPHandshake(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root := t.TempDir()
	indexPath := filepath.Join(root, "crates.io-index")
	assert.NoError(t, os.MkdirAll(indexPath, 0o750))

	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", indexPath}, args...)...) //nolint:gosec // test-controlled
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		assert.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "master")
	assert.NoError(t, os.WriteFile(filepath.Join(indexPath, "a.json"), []byte(`{"name":"a","vers":"0.1.0"}`+"\n"), 0o644))
	run("add", "a.json")
	run("commit", "-q", "-m", "initial")
	run("config", "http.receivepack", "true")

	srv := httptest.NewServer(gateway.New(testContext(), gateway.Options{Root: root}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/git/crates.io-index/info/refs?service=git-upload-pack")
	assert.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "001e# service=git-upload-pack\n"))
}
