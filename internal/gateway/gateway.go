// Package gateway serves the mirror tree over HTTP: a homepage listing
// available toolchain installers, static asset and mirror-tree file
// serving, package archive retrieval under two equivalent URL shapes,
// and git-smart-HTTP delegation to the host git binary for index clones.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	alecerrors "github.com/alecthomas/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/metrics"
)

// Options configures the gateway server.
type Options struct {
	// Root is the mirror root directory served.
	Root string
	// Addr is the listen address; Serve resolves the default per TLS
	// availability (":8443" vs ":8080") when empty.
	Addr        string
	CertFile    string
	KeyFile     string
	ServiceName string
}

// newMux builds the gateway's routes: the homepage, static assets, direct
// dist/rustup tree serving, package archive retrieval under both URL
// shapes, and git smart-HTTP delegation.
func newMux(root string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", homepageHandler(root))
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticAssets)))
	mux.Handle("GET /dist/", http.StripPrefix("/dist/", http.FileServer(http.Dir(root+"/dist"))))
	mux.Handle("GET /rustup/", http.StripPrefix("/rustup/", http.FileServer(http.Dir(root+"/rustup"))))
	mux.HandleFunc("GET /crates/{name}/{version}/download", nativeCrateHandler(root))
	mux.HandleFunc("GET /crates/", condensedCrateHandler(root))
	mux.Handle("/git/{index}/{tail...}", gitBackendHandler(root))

	return mux
}

// routePrefix extracts the first path segment, used to label requests for
// per-route logging and metrics without enumerating every pattern twice.
func routePrefix(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "index"
	}
	prefix, _, _ := strings.Cut(trimmed, "/")
	return prefix
}

// New wraps the gateway's routes with otelhttp tracing/metrics and a
// request-completion log line, matching the instrumentation layering the
// rest of this project's servers use.
func New(ctx context.Context, opts Options) http.Handler {
	mux := newMux(opts.Root)
	logger := logging.FromContext(ctx)
	ops := metrics.FromContext(ctx)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		r = r.WithContext(logging.ContextWithLogger(r.Context(), logger))
		mux.ServeHTTP(rec, r)

		route := routePrefix(r.URL.Path)
		logger.InfoContext(r.Context(), "gateway request",
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
		if ops != nil {
			ops.RecordOperation(r.Context(), "gateway."+route, "ok", time.Since(start))
		}
	})

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "panamax-gateway"
	}
	handler = otelhttp.NewMiddleware(serviceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)

	return handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Serve starts the gateway over TLS when both a cert and key are
// configured (port 8443 by default), or cleartext otherwise (port 8080).
// Supplying only one of cert/key is a configuration error.
func Serve(ctx context.Context, opts Options) error {
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return alecerrors.Errorf("gateway: cert_file and key_file must both be set or both be empty")
	}

	handler := New(ctx, opts)
	useTLS := opts.CertFile != "" && opts.KeyFile != ""

	addr := opts.Addr
	if addr == "" {
		if useTLS {
			addr = ":8443"
		} else {
			addr = ":8080"
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "gateway listening", slog.String("addr", addr), slog.Bool("tls", useTLS))

	var err error
	if useTLS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ListenAndServeTLS(opts.CertFile, opts.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return alecerrors.Wrap(err, "gateway server")
}
