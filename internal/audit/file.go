package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/snapshot-finder/internal/logging"
)

// FileBackup saves audit events to local JSON files.
type FileBackup struct {
	dir string
	log *slog.Logger
}

// NewFileBackup creates a backup handler writing into dir.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir, log: logging.Component("audit")}, nil
}

// FileName returns the backup file name of evt:
// {cluster}_{reference_slot}_{event_id}.json
func FileName(evt *Event) string {
	return fmt.Sprintf("%s_%d_%s.json",
		strings.ReplaceAll(evt.Acquisition.Cluster, "/", "-"),
		evt.Acquisition.ReferenceSlot,
		evt.EventID,
	)
}

// Save writes evt to a JSON file and returns its path.
func (f *FileBackup) Save(evt *Event) (string, error) {
	path := filepath.Join(f.dir, FileName(evt))

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	f.log.Debug("event backed up", "path", path)
	return path, nil
}

// FileOnlyEmitter writes events to files only.
// Used when no audit endpoint is configured.
type FileOnlyEmitter struct {
	heads  *HeadStore
	backup *FileBackup
	log    *slog.Logger
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	heads, err := OpenHeadStore(backupDir)
	if err != nil {
		return nil, fmt.Errorf("open chain heads: %w", err)
	}

	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		heads:  heads,
		backup: backup,
		log:    logging.Component("audit"),
	}, nil
}

// Emit links evt into its chain and writes it to a local file.
func (e *FileOnlyEmitter) Emit(_ context.Context, evt *Event) error {
	if err := e.heads.Link(evt); err != nil {
		return err
	}

	e.log.Info("file-only emit",
		"cluster", evt.Acquisition.Cluster,
		"sequence", evt.Chain.Sequence,
		"reference_slot", evt.Acquisition.ReferenceSlot,
		"event_hash", evt.Chain.EventHash,
	)

	if _, err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.heads.Advance(evt); err != nil {
		e.log.Warn("failed to advance chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
