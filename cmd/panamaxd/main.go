// Command panamaxd mirrors the crates.io package index, its archives, and
// the rustup toolchain channels to a local directory, and serves the
// result to offline clients over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/panamax-rs/panamax/internal/config"
	"github.com/panamax-rs/panamax/internal/downloader"
	"github.com/panamax-rs/panamax/internal/gateway"
	"github.com/panamax-rs/panamax/internal/indexrepo"
	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/metrics"
	"github.com/panamax-rs/panamax/internal/syncrun"
	"github.com/panamax-rs/panamax/internal/verify"
)

const product = "panamaxd"

// version is overridden at link time via -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	Config        string        `help:"Path to the mirror's mirror.toml file." default:"mirror.toml" short:"c"`
	LoggingConfig logging.Config `embed:"" prefix:"log-"`
	MetricsConfig metrics.Config `embed:"" prefix:"metrics-"`
}

// CLI is panamaxd's command surface: scaffold a mirror root, run one
// synchronization pass, serve the mirror, or verify and repair archive
// completeness against the local index.
type CLI struct {
	globalFlags

	Init   InitCmd   `cmd:"" help:"Scaffold a new mirror root and default mirror.toml."`
	Sync   SyncCmd   `cmd:"" help:"Synchronize the package index, archives, and toolchain channels."`
	Serve  ServeCmd  `cmd:"" help:"Serve the mirror over HTTP."`
	Verify VerifyCmd `cmd:"" help:"Cross-check archives against the local index and repair gaps."`
}

// InitCmd scaffolds a fresh mirror root: the on-disk directory skeleton
// and a default mirror.toml, leaving anything that already exists alone.
type InitCmd struct {
	Root string `arg:"" help:"Directory to scaffold as a new mirror root." default:"."`
}

func (c *InitCmd) Run(g *globalFlags) error {
	if err := config.CreateDirectories(c.Root); err != nil {
		return err
	}
	return config.WriteDefault(g.Config)
}

// SyncCmd runs one full synchronization pass: the index, the package
// archives it enumerates, and every configured toolchain channel,
// followed by generation-based cleanup.
type SyncCmd struct{}

func (c *SyncCmd) Run(ctx context.Context, g *globalFlags, logger *slog.Logger) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}

	ops, err := metrics.NewOperationMetrics()
	if err != nil {
		return err
	}
	ctx = metrics.ContextWithOperations(ctx, ops)

	result, err := syncrun.Run(ctx, cfg, product, version)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "sync complete",
		slog.Int("packages.downloaded", result.Packages.Downloaded),
		slog.Int("packages.deleted", result.Packages.Deleted),
		slog.Int("channels.synced", len(result.Channels)),
		slog.Bool("cleanup.skipped", result.CleanupSkipped),
		slog.Int("cleanup.deleted", result.Cleanup.Deleted))
	return nil
}

// ServeCmd starts the HTTP gateway against an already-synchronized mirror
// root.
type ServeCmd struct {
	Addr string `help:"Override the listen address (default depends on TLS configuration)."`
}

func (c *ServeCmd) Run(ctx context.Context, g *globalFlags) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}

	metricsClient, err := metrics.New(ctx, g.MetricsConfig)
	if err != nil {
		return err
	}
	defer metricsClient.Close() //nolint:errcheck

	if err := metricsClient.ServeMetrics(ctx); err != nil {
		return err
	}

	ops, err := metrics.NewOperationMetrics()
	if err != nil {
		return err
	}
	ctx = metrics.ContextWithOperations(ctx, ops)

	return gateway.Serve(ctx, gateway.Options{
		Root:        cfg.Root,
		Addr:        c.Addr,
		CertFile:    cfg.Gateway.CertFile,
		KeyFile:     cfg.Gateway.KeyFile,
		ServiceName: product,
	})
}

// VerifyCmd cross-checks every index entry against the local archive
// store and, depending on Mode, reports or repairs what is missing.
type VerifyCmd struct {
	DryRun        bool `help:"Report missing archives without downloading them." xor:"mode"`
	Yes           bool `help:"Download every missing archive without prompting." xor:"mode"`
	IncludeYanked bool `help:"Include yanked package versions as verification candidates."`
}

func (c *VerifyCmd) Run(ctx context.Context, g *globalFlags) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}

	repo := indexrepo.New(cfg.Root, cfg.Packages.SourceIndex)
	branch, err := repo.PrimaryBranch(ctx)
	if err != nil {
		return err
	}

	mode := verify.ModeInteractive
	switch {
	case c.DryRun:
		mode = verify.ModeDryRun
	case c.Yes:
		mode = verify.ModeAssumeYes
	}

	dl := downloader.New()
	result, err := verify.Run(ctx, cfg.Root, repo, dl, branch, verify.Options{
		Mode:            mode,
		IncludeYanked:   c.IncludeYanked,
		Source:          cfg.Packages.Source,
		DownloadThreads: cfg.Packages.DownloadThreads,
		Retries:         cfg.Mirror.Retries,
		UserAgent:       cfg.UserAgent(product, version),
		In:              os.Stdin,
		Out:             os.Stdout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%d missing, %d downloaded, %d errored\n", len(result.Candidates), result.Downloaded, result.Errored) //nolint:forbidigo
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name(product),
		kong.Description("Offline mirror for the crates.io package index, its archives, and the rustup toolchain."),
		kong.DefaultEnvars("PANAMAX"),
	)

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, cli.LoggingConfig)

	err := kctx.Run(&cli.globalFlags, logger, ctx)
	kctx.FatalIfErrorf(err)
}
