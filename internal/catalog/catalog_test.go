package catalog

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/withObsrvr/snapshot-finder/internal/acquire"
	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/snapshot"
	"github.com/withObsrvr/snapshot-finder/internal/summary"
)

func TestNewWriterWithoutDSNIsNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), config.CatalogConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.RecordPass(context.Background(), PassRecord{PassID: "p"}); err != nil {
		t.Errorf("noop RecordPass: %v", err)
	}
	if err := w.RecordAcquisition(context.Background(), AcquisitionRecord{}); err != nil {
		t.Errorf("noop RecordAcquisition: %v", err)
	}
}

func TestNewWriterRejectsBadDSN(t *testing.T) {
	if _, err := NewWriter(context.Background(), config.CatalogConfig{PostgresDSN: "::not a dsn::"}); err == nil {
		t.Error("expected error for malformed DSN")
	}
}

func TestPassFromSummary(t *testing.T) {
	doc := &summary.Document{
		PassID:                     "p1",
		Attempt:                    2,
		LastUpdateSlot:             1000,
		TotalRPCNodes:              30,
		RPCNodesWithActualSnapshot: 2,
		SortOrder:                  "cost",
		RPCNodes:                   []summary.Node{{SnapshotAddress: "10.0.0.2:8899"}, {SnapshotAddress: "10.0.0.1:8899"}},
		Discards:                   map[string]int64{"timeout": 3},
	}
	rec := PassFromSummary("mainnet-beta", doc)
	if rec.BestAddress != "10.0.0.2:8899" || rec.ReferenceSlot != 1000 || rec.Accepted != 2 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Discards["timeout"] != 3 {
		t.Errorf("discards = %v", rec.Discards)
	}

	empty := PassFromSummary("mainnet-beta", &summary.Document{})
	if empty.BestAddress != "" {
		t.Errorf("empty pass best = %q", empty.BestAddress)
	}
}

func TestAcquisitionRows(t *testing.T) {
	full, _ := snapshot.Parse("snapshot-900-H.tar.zst")
	inc, _ := snapshot.Parse("incremental-snapshot-900-950-H.tar.zst")
	rec := AcquisitionRecord{
		Files: []acquire.File{
			{Name: inc.Name, Path: "/d/" + inc.Name, Artifact: &inc, Size: 10, SHA256: "aa"},
			{Name: full.Name, Path: "/d/" + full.Name, Artifact: &full, Skipped: true},
		},
		MirrorURIs: map[string]string{inc.Name: "s3://bucket/" + inc.Name},
	}

	rows := rec.Rows()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (skipped files omitted)", len(rows))
	}
	row := rows[0]
	if row.Kind != "incremental" || row.Slot != 950 || row.BaseSlot == nil || *row.BaseSlot != 900 {
		t.Errorf("row = %+v", row)
	}
	if row.Checksum == nil || *row.Checksum != "sha256:aa" {
		t.Errorf("checksum = %v", row.Checksum)
	}
	if row.StorageURI == nil || !strings.HasPrefix(*row.StorageURI, "s3://") {
		t.Errorf("storage uri = %v", row.StorageURI)
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if !strings.HasPrefix(strings.ToUpper(stmt), "CREATE") {
			continue
		}
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("schema statement is not idempotent: %s", stmt)
		}
	}
}

// TestPostgresWriter runs against a live database when
// SNAPSHOT_FINDER_TEST_POSTGRES_DSN is set.
func TestPostgresWriter(t *testing.T) {
	dsn := os.Getenv("SNAPSHOT_FINDER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SNAPSHOT_FINDER_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	w, err := NewPostgresWriter(ctx, config.CatalogConfig{PostgresDSN: dsn, Cluster: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.RecordPass(ctx, PassRecord{Cluster: "test", PassID: "p-test", Attempt: 1, SortOrder: "cost"}); err != nil {
		t.Fatalf("RecordPass: %v", err)
	}
	full, _ := snapshot.Parse("snapshot-900-H.tar.zst")
	err = w.RecordAcquisition(ctx, AcquisitionRecord{
		Cluster: "test", PassID: "p-test", Attempt: 1, Address: "10.0.0.1:8899",
		Files: []acquire.File{{Name: full.Name, Path: "/d/" + full.Name, Artifact: &full, Size: 1}},
	})
	if err != nil {
		t.Fatalf("RecordAcquisition: %v", err)
	}
}
