package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"gopkg.in/urfave/cli.v1"

	"github.com/withObsrvr/snapshot-finder/internal/audit"
	"github.com/withObsrvr/snapshot-finder/internal/catalog"
	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/finder"
	"github.com/withObsrvr/snapshot-finder/internal/logging"
	"github.com/withObsrvr/snapshot-finder/internal/metrics"
	"github.com/withObsrvr/snapshot-finder/internal/registry"
	"github.com/withObsrvr/snapshot-finder/internal/storage"
)

// Exit codes.
const (
	exitExhausted   = 1
	exitEnvironment = 2
	exitInterrupted = 130
)

func main() {
	app := cli.NewApp()
	app.Name = "snapshot-finder"
	app.Usage = "find the fastest fresh Solana snapshot server and download its snapshot"
	app.Version = fmt.Sprintf("%s (%s)", finder.Version, finder.GitSHA)
	app.Flags = flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(exitExhausted)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), exitEnvironment)
	}
	applyFlags(c, &cfg)
	if err := cfg.Validate(); err != nil {
		return cli.NewExitError(err.Error(), exitEnvironment)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := slog.With("component", "main")
	log.Info("snapshot finder starting", "version", finder.Version, "git_sha", finder.GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	var interrupted atomic.Bool
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Warn("received signal, aborting", "signal", sig.String())
		interrupted.Store(true)
		cancel()
	}()

	store, err := storage.NewLocalStore(cfg.Storage.SnapshotPath)
	if err != nil {
		return cli.NewExitError(err.Error(), exitEnvironment)
	}
	if err := store.CheckWritable(); err != nil {
		return cli.NewExitError(err.Error(), exitEnvironment)
	}
	if n, err := store.CleanTemp(); err != nil {
		log.Warn("failed to clean temp files", "error", err)
	} else if n > 0 {
		log.Info("removed leftover temp files", "count", n)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Address != "" {
		m = metrics.Init(cfg.Metrics.Namespace)
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var mirror *storage.Mirror
	if cfg.Mirror.URL != "" {
		mirror, err = storage.OpenMirror(ctx, cfg.Mirror.URL, cfg.Mirror.Prefix)
		if err != nil {
			return cli.NewExitError(err.Error(), exitEnvironment)
		}
		defer mirror.Close()
	}

	var cat catalog.Writer
	if cfg.Catalog.PostgresDSN != "" {
		cat, err = catalog.NewWriter(ctx, cfg.Catalog)
		if err != nil {
			// The catalog is optional.
			log.Warn("catalog unavailable, continuing without it", "error", err)
		} else {
			defer cat.Close()
		}
	}

	emitter := audit.NewEmitter(cfg.Audit)
	defer emitter.Close()

	directory := registry.NewRPCDirectory(cfg.Registry.RPCAddress, cfg.Registry.Timeout)
	defer directory.Close()

	f := finder.New(cfg, finder.Deps{
		Directory: directory,
		Store:     store,
		Audit:     emitter,
		Catalog:   cat,
		Mirror:    mirror,
		Metrics:   m,
	})

	res, err := f.Run(ctx)
	if err != nil {
		switch {
		case interrupted.Load() || errors.Is(err, context.Canceled):
			return cli.NewExitError("interrupted", exitInterrupted)
		case errors.Is(err, storage.ErrNotWritable):
			return cli.NewExitError(err.Error(), exitEnvironment)
		default:
			return cli.NewExitError(fmt.Sprintf("no snapshot acquired: %v", err), exitExhausted)
		}
	}

	var total int64
	for _, file := range res.Files {
		if !file.Skipped {
			total += file.Size
		}
	}
	log.Info("snapshot ready",
		"address", res.Selection.Node.Address,
		"attempts", res.Attempts,
		"files", len(res.Files),
		"downloaded", humanize.Bytes(uint64(total)),
		"path", store.Dir(),
	)
	return nil
}
