// Package registry talks to the cluster's JSON-RPC endpoint to discover
// candidate nodes and the current reference slot.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
)

// Node is one entry of the getClusterNodes result. Optional fields are
// null for nodes that do not advertise them.
type Node struct {
	Pubkey  string  `json:"pubkey"`
	Gossip  *string `json:"gossip"`
	RPC     *string `json:"rpc"`
	Version *string `json:"version"`
}

// Candidate is a deduplicated endpoint that may serve snapshots.
type Candidate struct {
	Address string // host:port
	Gossip  string
	Version string
	// Private is set for nodes that do not advertise RPC and are addressed
	// through their gossip host on the default RPC port.
	Private bool
}

// Directory is the registry boundary used by the finder.
type Directory interface {
	ClusterNodes(ctx context.Context) ([]Node, error)
	Slot(ctx context.Context) (uint64, error)
}

// RPCDirectory implements Directory over JSON-RPC 2.0 / HTTP.
type RPCDirectory struct {
	url     string
	timeout time.Duration
	client  *jrpc2.Client
	logger  *slog.Logger
}

// NewRPCDirectory creates a directory client for the given RPC URL.
// Every call is bounded by timeout.
func NewRPCDirectory(url string, timeout time.Duration) *RPCDirectory {
	ch := jhttp.NewChannel(url, &jhttp.ChannelOptions{
		Client: &http.Client{Timeout: timeout},
	})
	return &RPCDirectory{
		url:     url,
		timeout: timeout,
		client:  jrpc2.NewClient(ch, nil),
		logger:  slog.With("component", "registry", "rpc", url),
	}
}

// ClusterNodes returns every node known to the cluster.
func (d *RPCDirectory) ClusterNodes(ctx context.Context) ([]Node, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	var nodes []Node
	if err := d.client.CallResult(ctx, "getClusterNodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("getClusterNodes from %s: %w", d.url, err)
	}
	d.logger.Debug("fetched cluster nodes", "count", len(nodes), "elapsed", time.Since(start))
	return nodes, nil
}

// Slot returns the current slot.
func (d *RPCDirectory) Slot(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var slot uint64
	if err := d.client.CallResult(ctx, "getSlot", nil, &slot); err != nil {
		return 0, fmt.Errorf("getSlot from %s: %w", d.url, err)
	}
	return slot, nil
}

// Close shuts down the underlying client.
func (d *RPCDirectory) Close() error {
	return d.client.Close()
}

// Candidates converts cluster nodes into a deduplicated, address-ordered
// candidate list. Nodes without an advertised RPC address are only included
// when withPrivate is set.
func Candidates(nodes []Node, withPrivate bool, privatePort int) []Candidate {
	byAddr := make(map[string]Candidate, len(nodes))

	for _, n := range nodes {
		c := Candidate{
			Gossip:  deref(n.Gossip),
			Version: deref(n.Version),
		}

		switch {
		case n.RPC != nil && *n.RPC != "":
			c.Address = *n.RPC
		case withPrivate && c.Gossip != "":
			host, _, err := net.SplitHostPort(c.Gossip)
			if err != nil || host == "" {
				continue
			}
			c.Address = net.JoinHostPort(host, fmt.Sprint(privatePort))
			c.Private = true
		default:
			continue
		}

		// An advertised RPC address wins over a derived one.
		if prev, ok := byAddr[c.Address]; ok && !prev.Private {
			continue
		}
		byAddr[c.Address] = c
	}

	out := make([]Candidate, 0, len(byAddr))
	for _, c := range byAddr {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
