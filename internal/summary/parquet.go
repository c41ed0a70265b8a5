package summary

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// CandidateRow is one ranked candidate in the Parquet export.
type CandidateRow struct {
	PassID          string    `parquet:"pass_id"`
	Attempt         int32     `parquet:"attempt"`
	ReferenceSlot   uint64    `parquet:"reference_slot"`
	Rank            int32     `parquet:"rank"`
	SnapshotAddress string    `parquet:"snapshot_address"`
	SlotsDiff       int64     `parquet:"slots_diff"`
	LatencyMs       float64   `parquet:"latency_ms"`
	Cost            float64   `parquet:"cost"`
	FilesToDownload string    `parquet:"files_to_download"` // comma separated
	Version         string    `parquet:"version"`
	Private         bool      `parquet:"private"`
	RecordedAt      time.Time `parquet:"recorded_at,timestamp(millisecond)"`
}

// Rows flattens a document into Parquet rows.
func Rows(doc *Document) []CandidateRow {
	at := doc.UpdatedAt()
	rows := make([]CandidateRow, len(doc.RPCNodes))
	for i, n := range doc.RPCNodes {
		rows[i] = CandidateRow{
			PassID:          doc.PassID,
			Attempt:         int32(doc.Attempt),
			ReferenceSlot:   doc.LastUpdateSlot,
			Rank:            int32(i + 1),
			SnapshotAddress: n.SnapshotAddress,
			SlotsDiff:       n.SlotsDiff,
			LatencyMs:       n.Latency,
			Cost:            n.Cost,
			FilesToDownload: strings.Join(n.FilesToDownload, ","),
			Version:         n.Version,
			Private:         n.Private,
			RecordedAt:      at,
		}
	}
	return rows
}

// EncodeParquet renders the ranked list as a Parquet file.
func EncodeParquet(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[CandidateRow](&buf)
	if _, err := w.Write(Rows(doc)); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
