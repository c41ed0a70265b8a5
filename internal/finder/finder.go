// Package finder drives discovery passes over the cluster's RPC nodes and
// retries them, widening the candidate pool, until a snapshot is acquired.
package finder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/acquire"
	"github.com/withObsrvr/snapshot-finder/internal/audit"
	"github.com/withObsrvr/snapshot-finder/internal/catalog"
	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/metrics"
	"github.com/withObsrvr/snapshot-finder/internal/probe"
	"github.com/withObsrvr/snapshot-finder/internal/registry"
	"github.com/withObsrvr/snapshot-finder/internal/storage"
	"github.com/withObsrvr/snapshot-finder/internal/summary"
	"github.com/withObsrvr/snapshot-finder/internal/verify"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var (
	// ErrReferenceUnavailable means the current slot could not be fetched.
	ErrReferenceUnavailable = errors.New("reference slot unavailable")
	// ErrDirectoryUnreachable means the node list could not be fetched.
	ErrDirectoryUnreachable = errors.New("node directory unreachable")
	// ErrNoCandidates means no node passed the filters in a pass.
	ErrNoCandidates = errors.New("no candidate passed the filters")
	// ErrExhausted means every attempt failed.
	ErrExhausted = errors.New("all attempts exhausted")
)

// Deps are the collaborators of a Finder. Directory and Store are required;
// a nil Audit, Catalog or Mirror disables that sink.
type Deps struct {
	Directory registry.Directory
	Store     *storage.LocalStore
	Measurer  verify.Measurer
	Summary   summary.Writer
	Audit     audit.Emitter
	Catalog   catalog.Writer
	Mirror    *storage.Mirror
	Metrics   *metrics.Metrics
}

// Result describes a successful run.
type Result struct {
	PassID    string
	Attempts  int
	Selection verify.Selection
	Files     []acquire.File
}

// Finder runs discovery passes until one acquires a snapshot.
type Finder struct {
	cfg        config.Config
	deps       Deps
	prober     *probe.Prober
	downloader *acquire.Downloader
	unsuitable *verify.UnsuitableSet
	log        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Finder. The unsuitable set lives as long as the Finder.
func New(cfg config.Config, deps Deps) *Finder {
	if deps.Measurer == nil {
		deps.Measurer = verify.NewHTTPMeasurer(cfg.Verify.MeasurementTime, cfg.Verify.SettleWindow)
	}
	if deps.Summary == nil {
		deps.Summary = summary.NewFileWriter(deps.Store, cfg.Summary.FileName, cfg.Summary.Parquet)
	}

	return &Finder{
		cfg:    cfg,
		deps:   deps,
		prober: probe.NewProber(cfg.Probe.Timeout),
		downloader: acquire.NewDownloader(deps.Store, acquire.Config{
			MaxRate:       cfg.Storage.MaxRateMB * 1e6,
			VerifyArchive: cfg.Storage.VerifyArchive,
			ProgressEvery: cfg.Storage.ProgressEvery,
		}),
		unsuitable: verify.NewUnsuitableSet(),
		log:        slog.With("component", "finder"),
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Run executes passes until one succeeds, a fatal error occurs or the
// configured number of attempts is used up. Each failed attempt widens the
// candidate pool when escalation is enabled and waits the backoff interval.
func (f *Finder) Run(ctx context.Context) (*Result, error) {
	maxAttempts := f.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	withPrivate := f.cfg.Registry.WithPrivateRPC

	for attempt := 1; ; attempt++ {
		res, err := f.pass(ctx, attempt, maxAttempts, withPrivate)
		if err == nil {
			f.deps.Metrics.IncAttempts("success")
			res.Attempts = attempt
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isFatal(err) {
			f.deps.Metrics.IncAttempts("fatal")
			return nil, err
		}

		f.log.Warn("attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		if attempt >= maxAttempts {
			f.deps.Metrics.IncAttempts("exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		f.deps.Metrics.IncAttempts("retry")

		if f.cfg.Retry.EscalatePrivate && !withPrivate {
			withPrivate = true
			f.log.Info("escalating: including nodes without a public RPC address")
		}

		f.log.Info("waiting before next attempt", "backoff", f.cfg.Retry.Backoff, "unsuitable", f.unsuitable.Len())
		if err := f.sleep(ctx, f.cfg.Retry.Backoff); err != nil {
			return nil, err
		}
	}
}

// isFatal reports errors that no retry can fix.
func isFatal(err error) bool {
	return errors.Is(err, storage.ErrNotWritable)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
