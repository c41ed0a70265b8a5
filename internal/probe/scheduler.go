package probe

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/withObsrvr/snapshot-finder/internal/logging"
	"github.com/withObsrvr/snapshot-finder/internal/registry"
)

// Outcome is the result of probing one candidate.
type Outcome struct {
	Candidate registry.Candidate

	Incremental    *Redirect
	IncrementalErr error

	Full    *Redirect
	FullErr error
	// FullSkipped is set when the incremental already chains from a local
	// full archive and the full path was not requested.
	FullSkipped bool

	// Rejected is set when the candidate was refused before any request.
	Rejected bool
}

// Plan lets the caller steer probing without the scheduler knowing the
// filtering rules.
type Plan interface {
	// Admit reports whether a candidate should be probed at all.
	Admit(c registry.Candidate) bool
	// SkipFull reports whether the full path can be skipped after the
	// incremental path answered with inc.
	SkipFull(inc *Redirect) bool
	// Rejects reports whether inc already disqualifies the candidate.
	Rejects(inc *Redirect) bool
}

// ProgressFunc is called once per completed candidate. It may be called
// from several goroutines at once.
type ProgressFunc func(done, total int)

// Scheduler fans probes out over a fixed-size worker pool.
type Scheduler struct {
	prober          *Prober
	workers         int
	incrementalPath string
	fullPath        string
	plan            Plan
	onProgress      ProgressFunc
	log             *slog.Logger

	completed atomic.Int64
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Workers         int
	IncrementalPath string
	FullPath        string
	Plan            Plan
	OnProgress      ProgressFunc
}

// NewScheduler creates a scheduler using prober for every request.
func NewScheduler(prober *Prober, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Scheduler{
		prober:          prober,
		workers:         cfg.Workers,
		incrementalPath: cfg.IncrementalPath,
		fullPath:        cfg.FullPath,
		plan:            cfg.Plan,
		onProgress:      cfg.OnProgress,
		log:             logging.Component("probe"),
	}
}

// Completed returns the number of candidates probed in the current or last run.
func (s *Scheduler) Completed() int {
	return int(s.completed.Load())
}

// Run probes every candidate and returns one outcome per candidate, in
// completion order. Candidates not yet dispatched when ctx is cancelled
// produce no outcome.
func (s *Scheduler) Run(ctx context.Context, candidates []registry.Candidate) []Outcome {
	s.completed.Store(0)
	total := len(candidates)
	if total == 0 {
		return nil
	}

	workers := s.workers
	if workers > total {
		workers = total
	}

	jobs := make(chan registry.Candidate, workers)
	results := make(chan Outcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.workerLoop(ctx, i, total, jobs, results, &wg)
	}

	go s.dispatcherLoop(ctx, candidates, jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]Outcome, 0, total)
	for o := range results {
		outcomes = append(outcomes, o)
	}

	s.log.Info("probing finished", "candidates", total, "probed", len(outcomes), "workers", workers)
	return outcomes
}

func (s *Scheduler) dispatcherLoop(ctx context.Context, candidates []registry.Candidate, jobs chan<- registry.Candidate) {
	defer close(jobs)

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return
		case jobs <- c:
		}
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID, total int, jobs <-chan registry.Candidate, results chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logging.WorkerLogger(workerID)

	for c := range jobs {
		if ctx.Err() != nil {
			continue
		}

		o := s.probe(ctx, c)
		if o.IncrementalErr != nil && o.FullErr != nil {
			log.Debug("probe failed", "address", c.Address, "incremental_error", o.IncrementalErr, "full_error", o.FullErr)
		}
		results <- o

		done := s.completed.Add(1)
		if s.onProgress != nil {
			s.onProgress(int(done), total)
		}
	}
}

// probe runs the per-candidate request sequence: admission, incremental
// path, then the full path unless the plan rejects the incremental or says
// the full archive is not needed.
func (s *Scheduler) probe(ctx context.Context, c registry.Candidate) Outcome {
	o := Outcome{Candidate: c}

	if s.plan != nil && !s.plan.Admit(c) {
		o.Rejected = true
		return o
	}

	o.Incremental, o.IncrementalErr = s.prober.Head(ctx, c.Address, s.incrementalPath)
	if o.Incremental != nil && s.plan != nil {
		if s.plan.Rejects(o.Incremental) {
			return o
		}
		if s.plan.SkipFull(o.Incremental) {
			o.FullSkipped = true
			return o
		}
	}

	o.Full, o.FullErr = s.prober.Head(ctx, c.Address, s.fullPath)
	return o
}
