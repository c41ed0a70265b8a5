// Package summary persists the per-pass result document listing every
// accepted candidate in rank order.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/classify"
	"github.com/withObsrvr/snapshot-finder/internal/storage"
)

// ErrNoSummary is returned when no summary document exists.
var ErrNoSummary = errors.New("no summary document found")

// Node is one ranked candidate in the document.
type Node struct {
	SnapshotAddress string   `json:"snapshot_address"`
	SlotsDiff       int64    `json:"slots_diff"`
	Latency         float64  `json:"latency"` // milliseconds
	FilesToDownload []string `json:"files_to_download"`
	Cost            float64  `json:"cost"`
	Version         string   `json:"version,omitempty"`
	Private         bool     `json:"private,omitempty"`
}

// Document is the result summary of one pass.
type Document struct {
	LastUpdateAt               float64          `json:"last_update_at"` // unix seconds
	LastUpdateSlot             uint64           `json:"last_update_slot"`
	TotalRPCNodes              int              `json:"total_rpc_nodes"`
	RPCNodesWithActualSnapshot int              `json:"rpc_nodes_with_actual_snapshot"`
	RPCNodes                   []Node           `json:"rpc_nodes"`
	PassID                     string           `json:"pass_id"`
	Attempt                    int              `json:"attempt"`
	SortOrder                  string           `json:"sort_order"`
	Discards                   map[string]int64 `json:"discards"`
}

// Pass identifies the pass a document describes.
type Pass struct {
	ID            string
	Attempt       int
	ReferenceSlot uint64
	Candidates    int
	SortOrder     string
	At            time.Time
}

// New builds a document from the ranked accepted list and discard tally.
func New(p Pass, ranked []classify.CandidateNode, tally *classify.Tally) *Document {
	doc := &Document{
		LastUpdateAt:               float64(p.At.Unix()) + float64(p.At.Nanosecond())/1e9,
		LastUpdateSlot:             p.ReferenceSlot,
		TotalRPCNodes:              p.Candidates,
		RPCNodesWithActualSnapshot: len(ranked),
		RPCNodes:                   make([]Node, 0, len(ranked)),
		PassID:                     p.ID,
		Attempt:                    p.Attempt,
		SortOrder:                  p.SortOrder,
		Discards:                   make(map[string]int64),
	}
	for _, n := range ranked {
		doc.RPCNodes = append(doc.RPCNodes, Node{
			SnapshotAddress: n.Address,
			SlotsDiff:       n.Staleness,
			Latency:         n.LatencyMs(),
			FilesToDownload: n.Files,
			Cost:            n.Cost,
			Version:         n.Version,
			Private:         n.Private,
		})
	}
	if tally != nil {
		for r, c := range tally.Snapshot() {
			doc.Discards[string(r)] = c
		}
	}
	return doc
}

// UpdatedAt returns LastUpdateAt as a time.
func (d *Document) UpdatedAt() time.Time {
	sec := int64(d.LastUpdateAt)
	nsec := int64((d.LastUpdateAt - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Writer persists summary documents.
type Writer interface {
	Write(ctx context.Context, doc *Document) error
}

// FileWriter writes the document into the snapshot directory, replacing
// the previous one atomically, and optionally a Parquet table beside it.
type FileWriter struct {
	store   *storage.LocalStore
	name    string
	parquet bool
}

// NewFileWriter creates a writer for name inside store.
func NewFileWriter(store *storage.LocalStore, name string, parquet bool) *FileWriter {
	return &FileWriter{store: store, name: name, parquet: parquet}
}

// Path returns the document path.
func (w *FileWriter) Path() string {
	return w.store.Path(w.name)
}

// ParquetName returns the file name of the Parquet table.
func (w *FileWriter) ParquetName() string {
	return strings.TrimSuffix(w.name, ".json") + ".parquet"
}

// Write implements Writer.
func (w *FileWriter) Write(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := w.store.WriteFileAtomic(w.name, data); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if w.parquet {
		buf, err := EncodeParquet(doc)
		if err != nil {
			return err
		}
		if err := w.store.WriteFileAtomic(w.ParquetName(), buf); err != nil {
			return fmt.Errorf("write summary parquet: %w", err)
		}
	}
	return nil
}

// Load reads a summary document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSummary
		}
		return nil, fmt.Errorf("read summary: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &doc, nil
}
