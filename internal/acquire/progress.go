package acquire

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
)

type progressFunc func(copied, delta int64, meter metrics.Meter)

// progressReader counts bytes read from src and periodically reports them
// from a background goroutine.
type progressReader struct {
	done        chan struct{}
	bytesCopied int64
	meter       metrics.Meter

	src io.Reader
}

func newProgressReader(src io.Reader) *progressReader {
	return &progressReader{
		done:  make(chan struct{}),
		meter: metrics.NewMeter(),
		src:   src,
	}
}

// startUpdates calls f every updateEvery until StopUpdates is called.
func (p *progressReader) startUpdates(updateEvery time.Duration, f progressFunc) {
	if updateEvery <= 0 || f == nil {
		return
	}

	var lastTotal int64
	go func() {
		ticker := time.NewTicker(updateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				copied := atomic.LoadInt64(&p.bytesCopied)
				f(copied, copied-lastTotal, p.meter)
				lastTotal = copied
			case <-p.done:
				return
			}
		}
	}()
}

// StopUpdates stops the updater goroutine and the rate meter.
func (p *progressReader) StopUpdates() {
	close(p.done)
	p.meter.Stop()
}

// Copied returns the number of bytes read so far.
func (p *progressReader) Copied() int64 {
	return atomic.LoadInt64(&p.bytesCopied)
}

// Read tracks how many bytes were read.
func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.src.Read(b)
	atomic.AddInt64(&p.bytesCopied, int64(n))
	p.meter.Mark(int64(n))
	return n, err
}
