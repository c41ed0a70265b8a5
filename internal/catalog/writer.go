// Package catalog records finder passes and snapshot acquisitions in an
// optional PostgreSQL catalog.
package catalog

import (
	"context"

	"github.com/withObsrvr/snapshot-finder/internal/acquire"
	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/summary"
)

// Writer persists pass and acquisition records.
type Writer interface {
	RecordPass(ctx context.Context, rec PassRecord) error
	RecordAcquisition(ctx context.Context, rec AcquisitionRecord) error
	Close() error
}

// PassRecord summarizes one discovery pass.
type PassRecord struct {
	Cluster         string
	PassID          string
	Attempt         int
	ReferenceSlot   uint64
	TotalCandidates int
	Accepted        int
	SortOrder       string
	BestAddress     string
	Discards        map[string]int64
}

// AcquisitionRecord describes the files fetched from the selected node.
type AcquisitionRecord struct {
	Cluster    string
	PassID     string
	Attempt    int
	Address    string
	Speed      float64 // bytes per second
	Files      []acquire.File
	MirrorURIs map[string]string // file name -> object URI
}

// FileRow is one row of _finder_acquisitions.
type FileRow struct {
	FileName    string
	Kind        string
	Slot        int64
	BaseSlot    *int64
	ByteSize    int64
	Checksum    *string
	StoragePath string
	StorageURI  *string
}

// PassFromSummary builds a PassRecord from a summary document.
func PassFromSummary(cluster string, doc *summary.Document) PassRecord {
	rec := PassRecord{
		Cluster:         cluster,
		PassID:          doc.PassID,
		Attempt:         doc.Attempt,
		ReferenceSlot:   doc.LastUpdateSlot,
		TotalCandidates: doc.TotalRPCNodes,
		Accepted:        doc.RPCNodesWithActualSnapshot,
		SortOrder:       doc.SortOrder,
		Discards:        doc.Discards,
	}
	if len(doc.RPCNodes) > 0 {
		rec.BestAddress = doc.RPCNodes[0].SnapshotAddress
	}
	return rec
}

// Rows returns the rows to insert for rec. Files that were already on disk
// are omitted; they were recorded by the acquisition that fetched them.
func (rec AcquisitionRecord) Rows() []FileRow {
	var rows []FileRow
	for _, f := range rec.Files {
		if f.Skipped {
			continue
		}
		row := FileRow{
			FileName:    f.Name,
			ByteSize:    f.Size,
			StoragePath: f.Path,
		}
		if f.SHA256 != "" {
			sum := "sha256:" + f.SHA256
			row.Checksum = &sum
		}
		if uri, ok := rec.MirrorURIs[f.Name]; ok {
			row.StorageURI = &uri
		}
		if a := f.Artifact; a != nil {
			row.Kind = a.Kind.String()
			row.Slot = int64(a.Slot)
			if a.BaseSlot != 0 {
				base := int64(a.BaseSlot)
				row.BaseSlot = &base
			}
		} else {
			row.Kind = "unknown"
		}
		rows = append(rows, row)
	}
	return rows
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg config.CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	w, err := NewPostgresWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type noopWriter struct{}

func (noopWriter) RecordPass(context.Context, PassRecord) error               { return nil }
func (noopWriter) RecordAcquisition(context.Context, AcquisitionRecord) error { return nil }
func (noopWriter) Close() error                                               { return nil }
