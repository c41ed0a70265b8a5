// Package classify turns probe outcomes into accepted candidate records or
// tagged discards.
package classify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/probe"
	"github.com/withObsrvr/snapshot-finder/internal/registry"
	"github.com/withObsrvr/snapshot-finder/internal/snapshot"
)

// SortOrder selects the rank key.
type SortOrder string

const (
	SortByCost      SortOrder = "cost"
	SortByLatency   SortOrder = "latency"
	SortBySlotsDiff SortOrder = "slots_diff"
)

// Rules bound which redirects are accepted.
type Rules struct {
	MaxAge          uint64
	FutureTolerance uint64
	MaxLatency      time.Duration
	Versions        []string
	VersionPrefixes []string
}

// Ranking configures the rank key.
type Ranking struct {
	Order              SortOrder
	FullSizeMB         float64
	IncrementalSizeMB  float64
	MinSpeedMB         float64
	CatchupSlotsPerSec float64
}

// CandidateNode is an accepted candidate.
type CandidateNode struct {
	Address   string
	Version   string
	Private   bool
	Staleness int64
	Latency   time.Duration
	// Files lists redirect locations in download order.
	Files     []string
	Artifacts []snapshot.Artifact
	Cost      float64
	RankKey   float64
}

// LatencyMs returns the probe latency in milliseconds.
func (n CandidateNode) LatencyMs() float64 {
	return float64(n.Latency) / float64(time.Millisecond)
}

// Verdict is the classification of one probe outcome. Exactly one of
// Accepted and Reason is set.
type Verdict struct {
	Address  string
	Accepted *CandidateNode
	Reason   Reason
	Detail   string
}

// Classifier applies Rules against a fixed reference slot and local inventory.
// It also implements probe.Plan.
type Classifier struct {
	reference uint64
	rules     Rules
	ranking   Ranking
	local     *snapshot.Inventory
	tally     *Tally
}

// NewClassifier creates a classifier for one pass.
func NewClassifier(reference uint64, rules Rules, ranking Ranking, local *snapshot.Inventory) *Classifier {
	return &Classifier{
		reference: reference,
		rules:     rules,
		ranking:   ranking,
		local:     local,
		tally:     NewTally(),
	}
}

// Tally returns the discard counters of this classifier.
func (c *Classifier) Tally() *Tally {
	return c.tally
}

// Admit checks the declared version before any request is made.
func (c *Classifier) Admit(cand registry.Candidate) bool {
	if len(c.rules.Versions) == 0 && len(c.rules.VersionPrefixes) == 0 {
		return true
	}
	for _, v := range c.rules.Versions {
		if cand.Version == v {
			return true
		}
	}
	for _, p := range c.rules.VersionPrefixes {
		if strings.HasPrefix(cand.Version, p) {
			return true
		}
	}
	return false
}

// SkipFull reports whether inc chains from a full archive already on disk.
func (c *Classifier) SkipFull(inc *probe.Redirect) bool {
	a, err := snapshot.ParseLocation(inc.Location)
	if err != nil || a.Kind != snapshot.Incremental {
		return false
	}
	return c.local.HasFull(a.BaseSlot)
}

// Rejects reports whether inc alone already discards the candidate, so the
// full path need not be requested.
func (c *Classifier) Rejects(inc *probe.Redirect) bool {
	_, _, rejected := c.checkIncremental(inc)
	return rejected != nil
}

var _ probe.Plan = (*Classifier)(nil)

// ClassifyAll classifies every outcome and returns the accepted records.
func (c *Classifier) ClassifyAll(outcomes []probe.Outcome) []CandidateNode {
	var accepted []CandidateNode
	for _, o := range outcomes {
		if v := c.Classify(o); v.Accepted != nil {
			accepted = append(accepted, *v.Accepted)
		}
	}
	return accepted
}

// Classify maps one outcome to a verdict and records discards in the tally.
func (c *Classifier) Classify(o probe.Outcome) Verdict {
	v := c.classify(o)
	v.Address = o.Candidate.Address
	if v.Accepted != nil {
		v.Accepted.Address = o.Candidate.Address
		v.Accepted.Version = o.Candidate.Version
		v.Accepted.Private = o.Candidate.Private
	} else {
		c.tally.Add(v.Reason)
	}
	return v
}

func (c *Classifier) classify(o probe.Outcome) Verdict {
	if o.Rejected {
		return discard(ReasonVersionMismatch, "version %q", o.Candidate.Version)
	}
	if o.Incremental != nil {
		return c.classifyIncremental(o)
	}
	if o.Full != nil {
		return c.classifyFull(o.Full)
	}
	return discard(failureReason(o.IncrementalErr, o.FullErr), "%v", firstErr(o.FullErr, o.IncrementalErr))
}

// checkIncremental applies the rules that depend on the incremental
// redirect alone. A non-nil verdict is a discard.
func (c *Classifier) checkIncremental(inc *probe.Redirect) (snapshot.Artifact, int64, *Verdict) {
	if snapshot.IsUncompressed(inc.Location) {
		v := discard(ReasonUnsupportedArchive, "%s", inc.Location)
		return snapshot.Artifact{}, 0, &v
	}
	if inc.Latency > c.rules.MaxLatency {
		v := discard(ReasonExcessiveLatency, "%s", inc.Latency)
		return snapshot.Artifact{}, 0, &v
	}

	a, err := snapshot.ParseLocation(inc.Location)
	if err != nil || a.Kind != snapshot.Incremental {
		v := discard(ReasonMalformedRedirect, "%s", inc.Location)
		return snapshot.Artifact{}, 0, &v
	}
	staleness, ok := c.staleness(a.Slot)
	if !ok {
		v := discard(ReasonExcessiveStaleness, "slot %d, reference %d", a.Slot, c.reference)
		return a, staleness, &v
	}
	return a, staleness, nil
}

func (c *Classifier) classifyIncremental(o probe.Outcome) Verdict {
	inc := o.Incremental

	a, staleness, rejected := c.checkIncremental(inc)
	if rejected != nil {
		return *rejected
	}

	if o.FullSkipped || c.local.HasFull(a.BaseSlot) {
		return c.accept([]*probe.Redirect{inc}, []snapshot.Artifact{a}, staleness, inc.Latency, c.ranking.IncrementalSizeMB)
	}

	full := o.Full
	if full == nil {
		return discard(failureReason(o.FullErr), "full archive: %v", o.FullErr)
	}
	if snapshot.IsUncompressed(full.Location) {
		return discard(ReasonUnsupportedArchive, "%s", full.Location)
	}
	fa, err := snapshot.ParseLocation(full.Location)
	if err != nil || fa.Kind != snapshot.Full {
		return discard(ReasonMalformedRedirect, "%s", full.Location)
	}
	if fa.Slot != a.BaseSlot {
		// The advertised full archive is not the incremental's base.
		return c.classifyFull(full)
	}

	return c.accept(
		[]*probe.Redirect{inc, full},
		[]snapshot.Artifact{a, fa},
		staleness,
		inc.Latency,
		c.ranking.FullSizeMB+c.ranking.IncrementalSizeMB,
	)
}

func (c *Classifier) classifyFull(full *probe.Redirect) Verdict {
	if snapshot.IsUncompressed(full.Location) {
		return discard(ReasonUnsupportedArchive, "%s", full.Location)
	}
	if full.Latency > c.rules.MaxLatency {
		return discard(ReasonExcessiveLatency, "%s", full.Latency)
	}

	fa, err := snapshot.ParseLocation(full.Location)
	if err != nil || fa.Kind != snapshot.Full {
		return discard(ReasonMalformedRedirect, "%s", full.Location)
	}
	staleness, ok := c.staleness(fa.Slot)
	if !ok {
		return discard(ReasonExcessiveStaleness, "slot %d, reference %d", fa.Slot, c.reference)
	}

	return c.accept([]*probe.Redirect{full}, []snapshot.Artifact{fa}, staleness, full.Latency, c.ranking.FullSizeMB)
}

// staleness returns reference - slot and whether it lies within
// [-FutureTolerance, MaxAge].
func (c *Classifier) staleness(slot uint64) (int64, bool) {
	s := int64(c.reference) - int64(slot)
	if s > int64(c.rules.MaxAge) {
		return s, false
	}
	if s < -int64(c.rules.FutureTolerance) {
		return s, false
	}
	return s, true
}

func (c *Classifier) accept(redirects []*probe.Redirect, artifacts []snapshot.Artifact, staleness int64, latency time.Duration, sizeMB float64) Verdict {
	files := make([]string, len(redirects))
	for i, r := range redirects {
		files[i] = r.Location
	}

	node := &CandidateNode{
		Staleness: staleness,
		Latency:   latency,
		Files:     files,
		Artifacts: artifacts,
		Cost:      c.cost(sizeMB, staleness),
	}
	node.RankKey = c.rankKey(*node)
	return Verdict{Accepted: node}
}

// cost estimates seconds until a node is usable: transfer at the minimum
// accepted speed plus catch-up over the staleness.
func (c *Classifier) cost(sizeMB float64, staleness int64) float64 {
	return sizeMB/c.ranking.MinSpeedMB + float64(staleness)/c.ranking.CatchupSlotsPerSec
}

func (c *Classifier) rankKey(n CandidateNode) float64 {
	switch c.ranking.Order {
	case SortByLatency:
		return n.LatencyMs()
	case SortBySlotsDiff:
		return float64(n.Staleness)
	default:
		return n.Cost
	}
}

func discard(r Reason, format string, args ...any) Verdict {
	return Verdict{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// failureReason maps request errors to a discard reason. A timeout on any
// request wins; an endpoint that answered without redirecting on every path
// has no snapshot.
func failureReason(errs ...error) Reason {
	noRedirect := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if probe.IsTimeout(err) {
			return ReasonTimeout
		}
		if errors.Is(err, probe.ErrNoRedirect) {
			noRedirect++
		}
	}
	if noRedirect > 0 && noRedirect == countNonNil(errs) {
		return ReasonNoSnapshot
	}
	return ReasonUnknownError
}

func countNonNil(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
