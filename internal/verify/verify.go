// Package verify ranks accepted candidates and picks the first one whose
// measured throughput is acceptable.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/withObsrvr/snapshot-finder/internal/classify"
	"github.com/withObsrvr/snapshot-finder/internal/logging"
)

// ErrNoSuitableCandidate is returned when no ranked candidate passed the
// throughput check within the measurement cap.
var ErrNoSuitableCandidate = errors.New("no suitable snapshot candidate")

// Rank orders candidates by ascending rank key, then by address.
func Rank(nodes []classify.CandidateNode) []classify.CandidateNode {
	ranked := append([]classify.CandidateNode(nil), nodes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RankKey != ranked[j].RankKey {
			return ranked[i].RankKey < ranked[j].RankKey
		}
		return ranked[i].Address < ranked[j].Address
	})
	return ranked
}

// UnsuitableSet remembers addresses that failed verification during a run.
type UnsuitableSet struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewUnsuitableSet creates an empty set.
func NewUnsuitableSet() *UnsuitableSet {
	return &UnsuitableSet{addrs: make(map[string]string)}
}

// Add records address with a short reason.
func (s *UnsuitableSet) Add(address, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addrs[address]; !ok {
		s.addrs[address] = reason
	}
}

// Contains reports whether address was marked unsuitable.
func (s *UnsuitableSet) Contains(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[address]
	return ok
}

// Len returns the number of unsuitable addresses.
func (s *UnsuitableSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs)
}

// Selection is a verified candidate and its resolved download URLs.
type Selection struct {
	Node  classify.CandidateNode
	URLs  []string
	Speed float64 // bytes per second
}

// AcceptFunc is called for a candidate that passed the throughput check.
// A non-nil error rejects the candidate and the search continues.
type AcceptFunc func(ctx context.Context, sel Selection) error

// Options configure a Verifier.
type Options struct {
	MinSpeed         float64 // bytes per second
	MaxSpeed         float64 // bytes per second, 0 disables
	MaxMeasured      int
	ExcludeAddresses []string
	ExcludeArtifacts []string

	// IsFatal marks accept errors that must stop the search.
	IsFatal func(error) bool
	// OnMeasured observes every completed measurement.
	OnMeasured func(address string, speed float64, accepted bool)
}

// Verifier measures candidates one at a time in rank order.
type Verifier struct {
	measurer   Measurer
	opts       Options
	unsuitable *UnsuitableSet
	log        *slog.Logger
}

// NewVerifier creates a verifier sharing unsuitable across passes.
func NewVerifier(m Measurer, unsuitable *UnsuitableSet, opts Options) *Verifier {
	if opts.MaxMeasured < 1 {
		opts.MaxMeasured = 1
	}
	return &Verifier{
		measurer:   m,
		opts:       opts,
		unsuitable: unsuitable,
		log:        logging.Component("verify"),
	}
}

// Select walks ranked candidates and returns the first one that measures
// within bounds and is accepted by accept.
func (v *Verifier) Select(ctx context.Context, ranked []classify.CandidateNode, accept AcceptFunc) (*Selection, error) {
	measured := 0

	for i, node := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := logging.CandidateLogger(v.log, node.Address).With("rank", i+1, "of", len(ranked))

		if v.unsuitable.Contains(node.Address) {
			log.Debug("skipping unsuitable candidate")
			continue
		}
		if pattern, ok := v.excluded(node); ok {
			log.Debug("skipping excluded candidate", "pattern", pattern)
			continue
		}
		if measured >= v.opts.MaxMeasured {
			log.Info("measurement limit reached", "max_measured", v.opts.MaxMeasured)
			break
		}
		measured++

		urls, err := ResolveURLs(node)
		if err != nil {
			log.Warn("cannot resolve download urls", "error", err)
			v.unsuitable.Add(node.Address, "malformed location")
			continue
		}

		speed, err := v.measurer.Measure(ctx, urls[len(urls)-1])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("throughput measurement failed", "error", err)
			v.unsuitable.Add(node.Address, "measurement failed")
			v.observe(node.Address, 0, false)
			continue
		}

		log = log.With("speed", humanize.Bytes(uint64(speed))+"/s")
		if speed < v.opts.MinSpeed {
			log.Info("too slow", "min", humanize.Bytes(uint64(v.opts.MinSpeed))+"/s")
			v.unsuitable.Add(node.Address, "below minimum speed")
			v.observe(node.Address, speed, false)
			continue
		}
		if v.opts.MaxSpeed > 0 && speed > v.opts.MaxSpeed {
			log.Info("faster than allowed", "max", humanize.Bytes(uint64(v.opts.MaxSpeed))+"/s")
			v.unsuitable.Add(node.Address, "above maximum speed")
			v.observe(node.Address, speed, false)
			continue
		}
		v.observe(node.Address, speed, true)

		sel := Selection{Node: node, URLs: urls, Speed: speed}
		log.Info("suitable snapshot server found", "files", node.Files)
		if accept == nil {
			return &sel, nil
		}
		if err := accept(ctx, sel); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if v.opts.IsFatal != nil && v.opts.IsFatal(err) {
				return nil, err
			}
			log.Warn("acquisition failed, trying next candidate", "error", err)
			v.unsuitable.Add(node.Address, "acquisition failed")
			continue
		}
		return &sel, nil
	}

	return nil, fmt.Errorf("%w: measured %d of %d candidates", ErrNoSuitableCandidate, measured, len(ranked))
}

func (v *Verifier) excluded(node classify.CandidateNode) (string, bool) {
	for _, a := range v.opts.ExcludeAddresses {
		if node.Address == a {
			return a, true
		}
	}
	for _, pattern := range v.opts.ExcludeArtifacts {
		for _, f := range node.Files {
			if strings.Contains(f, pattern) {
				return pattern, true
			}
		}
	}
	return "", false
}

func (v *Verifier) observe(address string, speed float64, ok bool) {
	if v.opts.OnMeasured != nil {
		v.opts.OnMeasured(address, speed, ok)
	}
}

// ResolveURLs resolves a candidate's redirect locations against its address.
func ResolveURLs(node classify.CandidateNode) ([]string, error) {
	if len(node.Files) == 0 {
		return nil, fmt.Errorf("candidate %s has no files", node.Address)
	}
	base, err := url.Parse("http://" + node.Address + "/")
	if err != nil {
		return nil, fmt.Errorf("parse address %s: %w", node.Address, err)
	}

	urls := make([]string, len(node.Files))
	for i, f := range node.Files {
		ref, err := url.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("parse location %s: %w", f, err)
		}
		urls[i] = base.ResolveReference(ref).String()
	}
	return urls, nil
}
