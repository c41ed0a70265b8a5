package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/registry"
)

const (
	incPath  = "/incremental-snapshot.tar.bz2"
	fullPath = "/snapshot.tar.bz2"
)

// snapshotServer redirects both well-known paths and counts full-path hits.
func snapshotServer(t *testing.T, incLocation, fullLocation string, fullHits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		switch r.URL.Path {
		case incPath:
			if incLocation == "" {
				http.NotFound(w, r)
				return
			}
			http.Redirect(w, r, incLocation, http.StatusSeeOther)
		case fullPath:
			if fullHits != nil {
				fullHits.Add(1)
			}
			if fullLocation == "" {
				http.NotFound(w, r)
				return
			}
			http.Redirect(w, r, fullLocation, http.StatusSeeOther)
		default:
			http.NotFound(w, r)
		}
	}))
}

func addr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestProberHead(t *testing.T) {
	srv := snapshotServer(t, "/incremental-snapshot-900-950-H.tar.zst", "", nil)
	defer srv.Close()

	p := NewProber(time.Second)
	r, err := p.Head(context.Background(), addr(srv), incPath)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if r.Location != "/incremental-snapshot-900-950-H.tar.zst" {
		t.Errorf("location = %s", r.Location)
	}
	if r.Status != http.StatusSeeOther {
		t.Errorf("status = %d", r.Status)
	}
	if r.Latency <= 0 {
		t.Error("latency should be measured")
	}

	if _, err := p.Head(context.Background(), addr(srv), fullPath); !errors.Is(err, ErrNoRedirect) {
		t.Errorf("expected ErrNoRedirect, got %v", err)
	}
}

func TestProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewProber(50 * time.Millisecond)
	_, err := p.Head(context.Background(), addr(srv), incPath)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
}

func TestProberRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	a := addr(srv)
	srv.Close()

	_, err := NewProber(time.Second).Head(context.Background(), a, incPath)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if IsTimeout(err) {
		t.Errorf("refused connection should not be a timeout: %v", err)
	}
}

type fakePlan struct {
	reject     string
	skipFull   bool
	rejectsInc string
}

func (f fakePlan) Admit(c registry.Candidate) bool { return c.Address != f.reject }
func (f fakePlan) SkipFull(*Redirect) bool         { return f.skipFull }
func (f fakePlan) Rejects(inc *Redirect) bool {
	return f.rejectsInc != "" && strings.HasSuffix(inc.Location, f.rejectsInc)
}

func TestSchedulerProbesEveryCandidate(t *testing.T) {
	var fullHits atomic.Int64
	var servers []*httptest.Server
	var candidates []registry.Candidate
	for i := 0; i < 10; i++ {
		srv := snapshotServer(t,
			fmt.Sprintf("/incremental-snapshot-900-%d-H.tar.zst", 950+i),
			"/snapshot-900-H.tar.zst", &fullHits)
		servers = append(servers, srv)
		candidates = append(candidates, registry.Candidate{Address: addr(srv)})
	}
	defer func() {
		for _, s := range servers {
			s.Close()
		}
	}()

	var mu sync.Mutex
	var progress []int
	s := NewScheduler(NewProber(time.Second), SchedulerConfig{
		Workers:         3,
		IncrementalPath: incPath,
		FullPath:        fullPath,
		OnProgress: func(done, total int) {
			mu.Lock()
			progress = append(progress, done)
			mu.Unlock()
			if total != 10 {
				t.Errorf("total = %d, want 10", total)
			}
		},
	})

	outcomes := s.Run(context.Background(), candidates)
	if len(outcomes) != 10 {
		t.Fatalf("got %d outcomes, want 10", len(outcomes))
	}
	if s.Completed() != 10 {
		t.Errorf("Completed = %d, want 10", s.Completed())
	}
	if len(progress) != 10 {
		t.Errorf("progress callbacks = %d, want 10", len(progress))
	}
	if fullHits.Load() != 10 {
		t.Errorf("full path hits = %d, want 10", fullHits.Load())
	}
	for _, o := range outcomes {
		if o.Incremental == nil || o.Full == nil {
			t.Errorf("outcome for %s missing redirects: %+v", o.Candidate.Address, o)
		}
	}
}

func TestSchedulerPlan(t *testing.T) {
	var fullHits atomic.Int64
	srv := snapshotServer(t, "/incremental-snapshot-900-950-H.tar.zst", "/snapshot-900-H.tar.zst", &fullHits)
	defer srv.Close()

	s := NewScheduler(NewProber(time.Second), SchedulerConfig{
		Workers:         4,
		IncrementalPath: incPath,
		FullPath:        fullPath,
		Plan:            fakePlan{reject: "rejected:1", skipFull: true},
	})

	outcomes := s.Run(context.Background(), []registry.Candidate{
		{Address: addr(srv)},
		{Address: "rejected:1"},
	})
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		switch o.Candidate.Address {
		case "rejected:1":
			if !o.Rejected || o.Incremental != nil || o.IncrementalErr != nil {
				t.Errorf("rejected candidate must not be probed: %+v", o)
			}
		default:
			if !o.FullSkipped || o.Full != nil {
				t.Errorf("full probe should be skipped: %+v", o)
			}
		}
	}
	if fullHits.Load() != 0 {
		t.Errorf("full path hits = %d, want 0", fullHits.Load())
	}
}

func TestSchedulerSkipsFullForRejectedIncremental(t *testing.T) {
	var fullHits atomic.Int64
	srv := snapshotServer(t, "/incremental-snapshot-900-950-H.tar", "/snapshot-900-H.tar.zst", &fullHits)
	defer srv.Close()

	s := NewScheduler(NewProber(time.Second), SchedulerConfig{
		Workers:         1,
		IncrementalPath: incPath,
		FullPath:        fullPath,
		Plan:            fakePlan{rejectsInc: ".tar"},
	})
	outcomes := s.Run(context.Background(), []registry.Candidate{{Address: addr(srv)}})
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	o := outcomes[0]
	if o.Incremental == nil || o.Full != nil || o.FullErr != nil || o.FullSkipped {
		t.Errorf("outcome = %+v, want incremental only", o)
	}
	if fullHits.Load() != 0 {
		t.Errorf("full path hits = %d, want 0", fullHits.Load())
	}
}

func TestSchedulerFallsBackToFullWithoutIncremental(t *testing.T) {
	srv := snapshotServer(t, "", "/snapshot-900-H.tar.zst", nil)
	defer srv.Close()

	s := NewScheduler(NewProber(time.Second), SchedulerConfig{
		Workers:         1,
		IncrementalPath: incPath,
		FullPath:        fullPath,
		Plan:            fakePlan{skipFull: true},
	})
	outcomes := s.Run(context.Background(), []registry.Candidate{{Address: addr(srv)}})
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	o := outcomes[0]
	if !errors.Is(o.IncrementalErr, ErrNoRedirect) {
		t.Errorf("incremental error = %v", o.IncrementalErr)
	}
	if o.Full == nil || o.Full.Location != "/snapshot-900-H.tar.zst" {
		t.Errorf("full redirect = %+v", o.Full)
	}
}

func TestSchedulerEmpty(t *testing.T) {
	s := NewScheduler(NewProber(time.Second), SchedulerConfig{Workers: 2})
	if got := s.Run(context.Background(), nil); len(got) != 0 {
		t.Errorf("expected no outcomes, got %d", len(got))
	}
}
