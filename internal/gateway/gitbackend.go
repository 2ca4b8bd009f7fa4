package gateway

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/cgi" //nolint:gosec // CVE-2016-5386 only affects Go < 1.6.3
	"os"
	"os/exec"
	"path/filepath"

	"github.com/panamax-rs/panamax/internal/logging"
)

// gitBackendHandler delegates git-smart-HTTP requests under
// /git/<index-name>/<tail> to the host "git http-backend" CGI program,
// rooted at the mirror so each index's bare-ish repository is served by
// the git binary itself rather than reimplemented.
func gitBackendHandler(root string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context())

		gitPath, err := exec.LookPath("git")
		if err != nil {
			http.Error(w, "git not found in PATH", http.StatusInternalServerError)
			return
		}

		absRoot, err := filepath.Abs(root)
		if err != nil {
			http.Error(w, "failed to resolve mirror root", http.StatusInternalServerError)
			return
		}

		index := r.PathValue("index")
		tail := r.PathValue("tail")

		var stderr bytes.Buffer
		handler := &cgi.Handler{
			Path:   gitPath,
			Args:   []string{"http-backend"},
			Dir:    absRoot,
			Stderr: &stderr,
			Env: []string{
				"GIT_PROJECT_ROOT=" + absRoot,
				"GIT_HTTP_EXPORT_ALL=true",
				"PATH=" + os.Getenv("PATH"),
			},
		}

		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + index + "/" + tail

		handler.ServeHTTP(w, r2)

		if stderr.Len() > 0 {
			logger.ErrorContext(r.Context(), "git http-backend error",
				slog.String("stderr", stderr.String()),
				slog.String("path", r2.URL.Path))
		}
	})
}
