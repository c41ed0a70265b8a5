package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

const insertPassSQL = `
	INSERT INTO _finder_passes (
		cluster, pass_id, attempt, reference_slot, total_candidates,
		accepted, sort_order, best_address, discards
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	ON CONFLICT (pass_id, attempt)
	DO UPDATE SET
		accepted = EXCLUDED.accepted,
		best_address = EXCLUDED.best_address,
		discards = EXCLUDED.discards,
		created_at = NOW()
`

const insertAcquisitionSQL = `
	INSERT INTO _finder_acquisitions (
		cluster, pass_id, attempt, source_address, measured_speed,
		file_name, kind, slot, base_slot, byte_size, checksum,
		storage_path, storage_uri
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (cluster, file_name)
	DO UPDATE SET
		pass_id = EXCLUDED.pass_id,
		attempt = EXCLUDED.attempt,
		source_address = EXCLUDED.source_address,
		measured_speed = EXCLUDED.measured_speed,
		byte_size = EXCLUDED.byte_size,
		checksum = EXCLUDED.checksum,
		storage_uri = EXCLUDED.storage_uri,
		created_at = NOW()
`

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter connects to the catalog and applies the schema.
func NewPostgresWriter(ctx context.Context, cfg config.CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, log: logging.Component("catalog")}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// RecordPass writes one pass summary.
func (w *PostgresWriter) RecordPass(ctx context.Context, rec PassRecord) error {
	discards, err := json.Marshal(rec.Discards)
	if err != nil {
		return fmt.Errorf("marshal discards: %w", err)
	}

	var best *string
	if rec.BestAddress != "" {
		best = &rec.BestAddress
	}

	_, err = w.pool.Exec(ctx, insertPassSQL,
		rec.Cluster,
		rec.PassID,
		rec.Attempt,
		int64(rec.ReferenceSlot),
		rec.TotalCandidates,
		rec.Accepted,
		rec.SortOrder,
		best,
		string(discards),
	)
	if err != nil {
		return fmt.Errorf("record pass: %w", err)
	}
	return nil
}

// RecordAcquisition writes one row per downloaded file in a single transaction.
func (w *PostgresWriter) RecordAcquisition(ctx context.Context, rec AcquisitionRecord) error {
	rows := rec.Rows()
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertAcquisitionSQL,
			rec.Cluster,
			rec.PassID,
			rec.Attempt,
			rec.Address,
			rec.Speed,
			row.FileName,
			row.Kind,
			row.Slot,
			row.BaseSlot,
			row.ByteSize,
			row.Checksum,
			row.StoragePath,
			row.StorageURI,
		)
	}

	err := pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("record acquisition: %w", err)
	}

	w.log.Info("recorded acquisition", "address", rec.Address, "files", len(rows))
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
