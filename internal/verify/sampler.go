package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

const (
	chunkSize      = 81920
	sampleInterval = time.Second
	// requestMargin is added to the measurement time to bound the request.
	requestMargin = 2 * time.Second
)

// Sampler turns a byte stream into per-interval throughput samples.
type Sampler struct {
	// Duration bounds how long the stream is read.
	Duration time.Duration
	// Settle drops samples whose interval ends before this offset.
	Settle time.Duration
	// Interval is the minimum span of one sample.
	Interval time.Duration

	now func() time.Time
}

// NewSampler creates a sampler with one-second intervals.
func NewSampler(duration, settle time.Duration) *Sampler {
	return &Sampler{
		Duration: duration,
		Settle:   settle,
		Interval: sampleInterval,
		now:      time.Now,
	}
}

// Sample reads r until Duration elapses or the stream ends and returns the
// bytes-per-second samples collected. A stream that ends before the first
// interval yields a single sample averaged over the whole read.
func (s *Sampler) Sample(r io.Reader) ([]float64, error) {
	buf := make([]byte, chunkSize)
	start := s.now()
	last := start
	var loaded, total int64
	var samples []float64

	for {
		n, err := r.Read(buf)
		now := s.now()
		if now.Sub(start) >= s.Duration {
			return samples, nil
		}

		loaded += int64(n)
		total += int64(n)
		if delta := now.Sub(last); delta > s.Interval {
			if now.Sub(start) >= s.Settle {
				samples = append(samples, float64(loaded)/delta.Seconds())
			}
			last = now
			loaded = 0
		}

		if errors.Is(err, io.EOF) {
			// A stream shorter than one interval is rated on its whole transfer.
			if len(samples) == 0 && total > 0 {
				if elapsed := now.Sub(start); elapsed > 0 {
					samples = append(samples, float64(total)/elapsed.Seconds())
				}
			}
			return samples, nil
		}
		if err != nil {
			return samples, err
		}
	}
}

// Median returns the median of samples, or 0 when there are none.
func Median(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Measurer reports the sustained download speed of a URL in bytes per second.
type Measurer interface {
	Measure(ctx context.Context, url string) (float64, error)
}

// HTTPMeasurer downloads the head of an archive and reports the median
// of its per-second throughput samples.
type HTTPMeasurer struct {
	client  *http.Client
	sampler *Sampler
}

// NewHTTPMeasurer creates a measurer that samples for measurementTime.
func NewHTTPMeasurer(measurementTime, settle time.Duration) *HTTPMeasurer {
	return &HTTPMeasurer{
		client:  &http.Client{},
		sampler: NewSampler(measurementTime, settle),
	}
}

// Measure implements Measurer.
func (m *HTTPMeasurer) Measure(ctx context.Context, url string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.sampler.Duration+requestMargin)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	samples, err := m.sampler.Sample(resp.Body)
	if err != nil && len(samples) == 0 {
		return 0, fmt.Errorf("read %s: %w", url, err)
	}
	return Median(samples), nil
}
