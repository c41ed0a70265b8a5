package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/classify"
)

const mb = 1e6

type fakeMeasurer struct {
	mu     sync.Mutex
	speeds map[string]float64
	errs   map[string]error
	calls  []string
}

func (f *fakeMeasurer) Measure(_ context.Context, u string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	host := strings.TrimPrefix(u, "http://")
	host = host[:strings.Index(host, "/")]
	f.calls = append(f.calls, host)
	if err := f.errs[host]; err != nil {
		return 0, err
	}
	return f.speeds[host], nil
}

func (f *fakeMeasurer) measured(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == addr {
			n++
		}
	}
	return n
}

func nodes(n int) []classify.CandidateNode {
	out := make([]classify.CandidateNode, n)
	for i := range out {
		out[i] = classify.CandidateNode{
			Address: fmt.Sprintf("10.0.0.%d:8899", i+1),
			Files:   []string{fmt.Sprintf("/snapshot-%d-H.tar.zst", 1000+i)},
			RankKey: float64(i),
		}
	}
	return out
}

func TestRankTieBreaksByAddress(t *testing.T) {
	ranked := Rank([]classify.CandidateNode{
		{Address: "c:1", RankKey: 2},
		{Address: "b:1", RankKey: 1},
		{Address: "a:1", RankKey: 2},
	})
	got := []string{ranked[0].Address, ranked[1].Address, ranked[2].Address}
	want := []string{"b:1", "a:1", "c:1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSelectFirstFit(t *testing.T) {
	candidates := nodes(20)
	m := &fakeMeasurer{speeds: map[string]float64{}}
	for i, n := range candidates {
		m.speeds[n.Address] = 100 * mb
		if i < 3 {
			m.speeds[n.Address] = 5 * mb
		}
	}

	unsuitable := NewUnsuitableSet()
	v := NewVerifier(m, unsuitable, Options{MinSpeed: 25 * mb, MaxMeasured: 15})

	var accepted []string
	sel, err := v.Select(context.Background(), Rank(candidates), func(_ context.Context, s Selection) error {
		accepted = append(accepted, s.Node.Address)
		return nil
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Node.Address != candidates[3].Address {
		t.Errorf("selected %s, want %s", sel.Node.Address, candidates[3].Address)
	}
	if len(accepted) != 1 || accepted[0] != candidates[3].Address {
		t.Errorf("accept calls = %v", accepted)
	}
	if unsuitable.Len() != 3 {
		t.Errorf("unsuitable = %d, want 3", unsuitable.Len())
	}
	if len(m.calls) != 4 {
		t.Errorf("measurements = %d, want 4", len(m.calls))
	}
	if sel.URLs[0] != "http://10.0.0.4:8899/snapshot-1003-H.tar.zst" {
		t.Errorf("url = %s", sel.URLs[0])
	}

	// A second pass never re-measures known-slow endpoints.
	if _, err := v.Select(context.Background(), Rank(candidates), nil); err != nil {
		t.Fatalf("second Select failed: %v", err)
	}
	for _, n := range candidates[:3] {
		if got := m.measured(n.Address); got != 1 {
			t.Errorf("%s measured %d times, want 1", n.Address, got)
		}
	}
}

func TestSelectRespectsMeasurementCap(t *testing.T) {
	candidates := nodes(10)
	m := &fakeMeasurer{speeds: map[string]float64{}}
	for _, n := range candidates {
		m.speeds[n.Address] = 1 * mb
	}

	v := NewVerifier(m, NewUnsuitableSet(), Options{MinSpeed: 25 * mb, MaxMeasured: 4})
	_, err := v.Select(context.Background(), candidates, nil)
	if !errors.Is(err, ErrNoSuitableCandidate) {
		t.Fatalf("expected ErrNoSuitableCandidate, got %v", err)
	}
	if len(m.calls) != 4 {
		t.Errorf("measurements = %d, want 4", len(m.calls))
	}
}

func TestSelectSkipsExclusions(t *testing.T) {
	candidates := nodes(3)
	m := &fakeMeasurer{speeds: map[string]float64{}}
	for _, n := range candidates {
		m.speeds[n.Address] = 100 * mb
	}

	v := NewVerifier(m, NewUnsuitableSet(), Options{
		MinSpeed:         25 * mb,
		MaxMeasured:      15,
		ExcludeAddresses: []string{candidates[0].Address},
		ExcludeArtifacts: []string{"snapshot-1001-"},
	})
	sel, err := v.Select(context.Background(), candidates, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Node.Address != candidates[2].Address {
		t.Errorf("selected %s, want %s", sel.Node.Address, candidates[2].Address)
	}
	if len(m.calls) != 1 {
		t.Errorf("excluded candidates must not be measured: %v", m.calls)
	}
}

func TestSelectMaxSpeedAndErrors(t *testing.T) {
	candidates := nodes(3)
	m := &fakeMeasurer{
		speeds: map[string]float64{
			candidates[0].Address: 500 * mb,
			candidates[2].Address: 50 * mb,
		},
		errs: map[string]error{candidates[1].Address: errors.New("connection reset")},
	}

	var observed int
	unsuitable := NewUnsuitableSet()
	v := NewVerifier(m, unsuitable, Options{
		MinSpeed:    25 * mb,
		MaxSpeed:    100 * mb,
		MaxMeasured: 15,
		OnMeasured:  func(string, float64, bool) { observed++ },
	})
	sel, err := v.Select(context.Background(), candidates, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Node.Address != candidates[2].Address {
		t.Errorf("selected %s", sel.Node.Address)
	}
	if !unsuitable.Contains(candidates[0].Address) || !unsuitable.Contains(candidates[1].Address) {
		t.Error("too-fast and failing candidates should be memoized")
	}
	if observed != 3 {
		t.Errorf("observed = %d, want 3", observed)
	}
}

func TestSelectFallsThroughOnAcquisitionFailure(t *testing.T) {
	candidates := nodes(2)
	m := &fakeMeasurer{speeds: map[string]float64{
		candidates[0].Address: 100 * mb,
		candidates[1].Address: 100 * mb,
	}}
	v := NewVerifier(m, NewUnsuitableSet(), Options{MinSpeed: 25 * mb, MaxMeasured: 15})

	sel, err := v.Select(context.Background(), candidates, func(_ context.Context, s Selection) error {
		if s.Node.Address == candidates[0].Address {
			return errors.New("download interrupted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Node.Address != candidates[1].Address {
		t.Errorf("selected %s", sel.Node.Address)
	}
}

func TestSelectStopsOnFatalError(t *testing.T) {
	errDisk := errors.New("disk not writable")
	candidates := nodes(2)
	m := &fakeMeasurer{speeds: map[string]float64{
		candidates[0].Address: 100 * mb,
		candidates[1].Address: 100 * mb,
	}}
	v := NewVerifier(m, NewUnsuitableSet(), Options{
		MinSpeed:    25 * mb,
		MaxMeasured: 15,
		IsFatal:     func(err error) bool { return errors.Is(err, errDisk) },
	})

	calls := 0
	_, err := v.Select(context.Background(), candidates, func(context.Context, Selection) error {
		calls++
		return fmt.Errorf("write: %w", errDisk)
	})
	if !errors.Is(err, errDisk) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("accept calls = %d, want 1", calls)
	}
}

func TestSelectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewVerifier(&fakeMeasurer{}, NewUnsuitableSet(), Options{MinSpeed: 1, MaxMeasured: 1})
	if _, err := v.Select(ctx, nodes(1), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResolveURLs(t *testing.T) {
	urls, err := ResolveURLs(classify.CandidateNode{
		Address: "10.0.0.1:8899",
		Files:   []string{"/incremental-snapshot-900-950-H.tar.zst", "http://mirror.example/snapshot-900-H.tar.zst"},
	})
	if err != nil {
		t.Fatalf("ResolveURLs failed: %v", err)
	}
	if urls[0] != "http://10.0.0.1:8899/incremental-snapshot-900-950-H.tar.zst" {
		t.Errorf("relative url = %s", urls[0])
	}
	if urls[1] != "http://mirror.example/snapshot-900-H.tar.zst" {
		t.Errorf("absolute url = %s", urls[1])
	}
}

// fakeClock advances by step on every call.
func fakeClock(step time.Duration) func() time.Time {
	now := time.Unix(0, 0)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

type constReader struct{ n int }

func (r constReader) Read(p []byte) (int, error) {
	n := r.n
	if n > len(p) {
		n = len(p)
	}
	return n, nil
}

func TestSamplerIntervals(t *testing.T) {
	s := NewSampler(10*time.Second, 0)
	s.now = fakeClock(250 * time.Millisecond)

	samples, err := s.Sample(constReader{n: 1000})
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(samples) != 7 {
		t.Fatalf("samples = %v, want 7", samples)
	}
	for _, v := range samples {
		if v != 4000 {
			t.Errorf("sample = %v, want 4000", v)
		}
	}

	settled := NewSampler(10*time.Second, 3*time.Second)
	settled.now = fakeClock(250 * time.Millisecond)
	samples, _ = settled.Sample(constReader{n: 1000})
	if len(samples) != 5 {
		t.Errorf("settled samples = %d, want 5", len(samples))
	}
}

func TestSamplerStopsAtEOF(t *testing.T) {
	s := NewSampler(10*time.Second, 0)
	s.now = fakeClock(600 * time.Millisecond)

	samples, err := s.Sample(strings.NewReader(strings.Repeat("x", 300)))
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(samples) != 1 || samples[0] != 250 {
		t.Errorf("samples = %v, want [250]", samples)
	}
}

func TestSamplerShortStream(t *testing.T) {
	s := NewSampler(10*time.Second, 2*time.Second)
	s.now = fakeClock(250 * time.Millisecond)

	samples, err := s.Sample(strings.NewReader(strings.Repeat("x", 300)))
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(samples) != 1 || samples[0] != 600 {
		t.Errorf("samples = %v, want [600]", samples)
	}

	empty, err := s.Sample(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty stream samples = %v, want none", empty)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		in   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{5}, 5},
		{[]float64{1, 100, 2}, 2},
		{[]float64{4, 1, 3, 2}, 2.5},
	}
	for _, tt := range tests {
		if got := Median(tt.in); got != tt.want {
			t.Errorf("Median(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHTTPMeasurer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snapshot-900-H.tar.zst" {
			http.NotFound(w, r)
			return
		}
		chunk := make([]byte, 64*1024)
		for i := 0; i < 160; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := NewHTTPMeasurer(3*time.Second, 0)
	m.sampler.now = fakeClock(300 * time.Millisecond)

	speed, err := m.Measure(context.Background(), srv.URL+"/snapshot-900-H.tar.zst")
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if speed <= 0 {
		t.Errorf("speed = %v, want > 0", speed)
	}

	if _, err := m.Measure(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestHTTPMeasurerFastIncremental(t *testing.T) {
	const name = "/incremental-snapshot-900-950-H.tar.zst"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != name {
			http.NotFound(w, r)
			return
		}
		w.Write(make([]byte, 8*1024*1024))
	}))
	defer srv.Close()

	m := NewHTTPMeasurer(3*time.Second, 0)
	start := time.Now()
	speed, err := m.Measure(context.Background(), srv.URL+name)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if speed <= 0 {
		t.Fatalf("speed = %v after %v, want > 0", speed, time.Since(start))
	}

	addr := strings.TrimPrefix(srv.URL, "http://")
	node := classify.CandidateNode{Address: addr, Files: []string{name}}
	unsuitable := NewUnsuitableSet()
	v := NewVerifier(m, unsuitable, Options{MinSpeed: 1 * mb, MaxMeasured: 1})

	sel, err := v.Select(context.Background(), []classify.CandidateNode{node}, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Node.Address != addr || sel.Speed < 1*mb {
		t.Errorf("selection = %+v", sel)
	}
	if unsuitable.Contains(addr) {
		t.Error("fast endpoint must not be marked unsuitable")
	}
}
