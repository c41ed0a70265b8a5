package finder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/snapshot-finder/internal/acquire"
	"github.com/withObsrvr/snapshot-finder/internal/audit"
	"github.com/withObsrvr/snapshot-finder/internal/catalog"
	"github.com/withObsrvr/snapshot-finder/internal/classify"
	"github.com/withObsrvr/snapshot-finder/internal/logging"
	"github.com/withObsrvr/snapshot-finder/internal/probe"
	"github.com/withObsrvr/snapshot-finder/internal/registry"
	"github.com/withObsrvr/snapshot-finder/internal/summary"
	"github.com/withObsrvr/snapshot-finder/internal/verify"
)

// passInfo identifies one pass for logging and sinks.
type passInfo struct {
	id        string
	attempt   int
	reference uint64
	log       *slog.Logger
}

// pass runs directory, probe, classify, rank, verify and acquire once.
func (f *Finder) pass(ctx context.Context, attempt, maxAttempts int, withPrivate bool) (*Result, error) {
	started := f.now()
	p := passInfo{id: logging.NewPassID(), attempt: attempt}
	ctx = logging.WithPassID(ctx, p.id)

	ref, err := f.referenceSlot(ctx)
	if err != nil {
		return nil, err
	}
	p.reference = ref
	p.log = logging.PassLogger(p.id, attempt, maxAttempts, ref)

	nodes, err := f.deps.Directory.ClusterNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnreachable, err)
	}
	candidates := registry.Candidates(nodes, withPrivate, f.cfg.Registry.PrivatePort)
	p.log.Info("pass started", "nodes", len(nodes), "candidates", len(candidates), "with_private_rpc", withPrivate)

	local, err := f.deps.Store.Inventory()
	if err != nil {
		return nil, err
	}
	if local.Len() > 0 {
		p.log.Debug("local archives", "count", local.Len(), "full_slots", local.FullSlots())
	}

	filter := f.cfg.EffectiveFilter()
	classifier := classify.NewClassifier(ref,
		classify.Rules{
			MaxAge:          filter.MaxSnapshotAge,
			FutureTolerance: filter.FutureTolerance,
			MaxLatency:      filter.MaxLatency,
			Versions:        filter.Versions,
			VersionPrefixes: filter.VersionPrefixes,
		},
		classify.Ranking{
			Order:              classify.SortOrder(f.cfg.Rank.SortOrder),
			FullSizeMB:         f.cfg.Rank.AverageFullSizeMB,
			IncrementalSizeMB:  f.cfg.Rank.AverageIncrSizeMB,
			MinSpeedMB:         f.cfg.Verify.MinSpeedMB,
			CatchupSlotsPerSec: f.cfg.Rank.CatchupSlotsPerSec,
		},
		local,
	)

	scheduler := probe.NewScheduler(f.prober, probe.SchedulerConfig{
		Workers:         f.cfg.Probe.Workers,
		IncrementalPath: f.cfg.Probe.IncrementalPath,
		FullPath:        f.cfg.Probe.FullPath,
		Plan:            classifier,
		OnProgress:      f.progress(p.log),
	})
	outcomes := scheduler.Run(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranked := verify.Rank(classifier.ClassifyAll(outcomes))
	tally := classifier.Tally()
	f.recordPass(ctx, p, len(candidates), ranked, tally)

	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: %d candidates, %d discarded", ErrNoCandidates, len(candidates), tally.Total())
	}

	verifier := verify.NewVerifier(f.deps.Measurer, f.unsuitable, verify.Options{
		MinSpeed:         f.cfg.Verify.MinSpeedMB * 1e6,
		MaxSpeed:         f.cfg.Verify.MaxSpeedMB * 1e6,
		MaxMeasured:      f.cfg.Verify.MaxMeasured,
		ExcludeAddresses: f.cfg.Verify.ExcludeAddresses,
		ExcludeArtifacts: f.cfg.Verify.ExcludeArtifacts,
		IsFatal:          isFatal,
		OnMeasured: func(_ string, speed float64, accepted bool) {
			f.deps.Metrics.ObserveMeasurement(speed, accepted)
		},
	})

	res := &Result{PassID: p.id}
	sel, err := verifier.Select(ctx, ranked, func(ctx context.Context, sel verify.Selection) error {
		files, err := f.acquire(ctx, p, sel)
		if err != nil {
			return err
		}
		res.Files = files
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Selection = *sel

	f.deps.Metrics.ObservePassDuration(f.now().Sub(started).Seconds())
	p.log.Info("snapshot acquired", "address", sel.Node.Address, "files", len(res.Files))
	return res, nil
}

// referenceSlot returns the pinned slot or asks the directory.
func (f *Finder) referenceSlot(ctx context.Context) (uint64, error) {
	if pinned := f.cfg.Filter.PinnedSlot; pinned != 0 {
		return pinned, nil
	}
	slot, err := f.deps.Directory.Slot(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReferenceUnavailable, err)
	}
	return slot, nil
}

// progress logs probing progress in tenths.
func (f *Finder) progress(log *slog.Logger) probe.ProgressFunc {
	return func(done, total int) {
		f.deps.Metrics.IncProbesCompleted()
		step := total / 10
		if step < 1 {
			step = 1
		}
		if done%step == 0 || done == total {
			log.Info("probing", "done", done, "total", total)
		}
	}
}

// recordPass writes the summary document and catalog row for a pass.
// Sink failures are logged, never returned.
func (f *Finder) recordPass(ctx context.Context, p passInfo, candidates int, ranked []classify.CandidateNode, tally *classify.Tally) {
	f.deps.Metrics.SetPass(p.reference, candidates, len(ranked))
	counts := tally.Snapshot()
	for reason, n := range counts {
		f.deps.Metrics.AddDiscards(string(reason), n)
	}
	p.log.Info("candidates classified", "accepted", len(ranked), "discarded", tally.Total(), "discards", counts)

	doc := summary.New(summary.Pass{
		ID:            p.id,
		Attempt:       p.attempt,
		ReferenceSlot: p.reference,
		Candidates:    candidates,
		SortOrder:     f.cfg.Rank.SortOrder,
		At:            f.now(),
	}, ranked, tally)

	if err := f.deps.Summary.Write(ctx, doc); err != nil {
		p.log.Warn("failed to write summary", "error", err)
		f.deps.Metrics.IncSinkErrors("summary")
	}

	if f.deps.Catalog != nil {
		if err := f.deps.Catalog.RecordPass(ctx, catalog.PassFromSummary(f.cfg.Catalog.Cluster, doc)); err != nil {
			p.log.Warn("failed to record pass in catalog", "error", err)
			f.deps.Metrics.IncSinkErrors("catalog")
		}
	}
}

// acquire downloads the selected files and notifies the optional sinks.
func (f *Finder) acquire(ctx context.Context, p passInfo, sel verify.Selection) ([]acquire.File, error) {
	res, err := f.downloader.Acquire(ctx, sel.URLs)
	if err != nil {
		return nil, err
	}

	for _, file := range res.Files {
		if file.Skipped {
			f.deps.Metrics.IncSkippedFiles()
			continue
		}
		kind := "unknown"
		if file.Artifact != nil {
			kind = file.Artifact.Kind.String()
		}
		f.deps.Metrics.AddDownload(kind, file.Size)
	}

	uris := f.mirror(ctx, p, res.Downloaded())

	if f.deps.Audit != nil {
		err := f.deps.Audit.EmitAcquisition(ctx, audit.Record{
			Cluster:       f.cfg.Catalog.Cluster,
			PassID:        p.id,
			Attempt:       p.attempt,
			ReferenceSlot: p.reference,
			Address:       sel.Node.Address,
			Speed:         sel.Speed,
			Files:         res.Files,
			Producer:      audit.ProducerInfo{Name: "snapshot-finder", Version: Version, GitSHA: GitSHA},
			At:            f.now(),
		})
		if err != nil {
			p.log.Warn("failed to emit audit event", "error", err)
			f.deps.Metrics.IncSinkErrors("audit")
		}
	}

	if f.deps.Catalog != nil {
		err := f.deps.Catalog.RecordAcquisition(ctx, catalog.AcquisitionRecord{
			Cluster:    f.cfg.Catalog.Cluster,
			PassID:     p.id,
			Attempt:    p.attempt,
			Address:    sel.Node.Address,
			Speed:      sel.Speed,
			Files:      res.Files,
			MirrorURIs: uris,
		})
		if err != nil {
			p.log.Warn("failed to record acquisition in catalog", "error", err)
			f.deps.Metrics.IncSinkErrors("catalog")
		}
	}

	return res.Files, nil
}

// mirror uploads freshly downloaded files and returns their object URIs.
func (f *Finder) mirror(ctx context.Context, p passInfo, files []acquire.File) map[string]string {
	if f.deps.Mirror == nil || len(files) == 0 {
		return nil
	}
	uris := make(map[string]string, len(files))
	for _, file := range files {
		key, err := f.deps.Mirror.Upload(ctx, file.Path, file.Name)
		if err != nil {
			p.log.Warn("failed to mirror file", "file", file.Name, "error", err)
			f.deps.Metrics.IncSinkErrors("mirror")
			continue
		}
		uris[file.Name] = f.deps.Mirror.URI(key)
	}
	return uris
}
