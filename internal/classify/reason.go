package classify

import (
	"sync/atomic"
)

// Reason tags why a candidate was discarded.
type Reason string

const (
	ReasonUnsupportedArchive Reason = "unsupported-archive-format"
	ReasonExcessiveLatency   Reason = "excessive-latency"
	ReasonExcessiveStaleness Reason = "excessive-staleness"
	ReasonVersionMismatch    Reason = "version-mismatch"
	ReasonTimeout            Reason = "timeout"
	ReasonUnknownError       Reason = "unknown-error"
	ReasonNoSnapshot         Reason = "no-snapshot"
	ReasonMalformedRedirect  Reason = "malformed-redirect"
)

// Reasons lists every discard reason in reporting order.
var Reasons = []Reason{
	ReasonUnsupportedArchive,
	ReasonExcessiveLatency,
	ReasonExcessiveStaleness,
	ReasonVersionMismatch,
	ReasonTimeout,
	ReasonUnknownError,
	ReasonNoSnapshot,
	ReasonMalformedRedirect,
}

// Tally counts discards per reason. It is safe for concurrent use.
type Tally struct {
	counts map[Reason]*atomic.Int64
}

// NewTally creates a zeroed tally.
func NewTally() *Tally {
	t := &Tally{counts: make(map[Reason]*atomic.Int64, len(Reasons))}
	for _, r := range Reasons {
		t.counts[r] = new(atomic.Int64)
	}
	return t
}

// Add records one discard.
func (t *Tally) Add(r Reason) {
	if c, ok := t.counts[r]; ok {
		c.Add(1)
	}
}

// Count returns the number of discards for r.
func (t *Tally) Count(r Reason) int64 {
	if c, ok := t.counts[r]; ok {
		return c.Load()
	}
	return 0
}

// Total returns the number of discards across all reasons.
func (t *Tally) Total() int64 {
	var n int64
	for _, c := range t.counts {
		n += c.Load()
	}
	return n
}

// Snapshot returns a copy of the non-zero counters.
func (t *Tally) Snapshot() map[Reason]int64 {
	out := make(map[Reason]int64)
	for r, c := range t.counts {
		if v := c.Load(); v > 0 {
			out[r] = v
		}
	}
	return out
}
