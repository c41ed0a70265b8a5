// Package audit emits hash-chained records of every snapshot acquisition,
// backed up as local JSON files and optionally posted to an HTTP sink.
package audit

import (
	"context"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/acquire"
	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/logging"
)

const (
	eventVersion = "1.0"
	eventType    = "snapshot_acquired"
)

// Record is the simplified acquisition description used by the finder.
// It is converted to an Event before emission.
type Record struct {
	Cluster       string
	PassID        string
	Attempt       int
	ReferenceSlot uint64
	Address       string
	Speed         float64 // bytes per second
	Files         []acquire.File
	Producer      ProducerInfo
	At            time.Time
}

// Emitter is the interface for audit event emission.
type Emitter interface {
	EmitAcquisition(ctx context.Context, rec Record) error
	Close() error
}

// NewEmitter creates an emitter matching cfg: no-op when disabled, HTTP when
// an endpoint is set, file-only otherwise.
func NewEmitter(cfg config.AuditConfig) Emitter {
	log := logging.Component("audit")
	if !cfg.Enabled {
		log.Debug("disabled, using no-op emitter")
		return &noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg config.AuditConfig) Emitter {
	log := logging.Component("audit")
	emitter, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return &noopEmitter{}
	}
	log.Info("using file-only emitter", "dir", cfg.BackupDir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) EmitAcquisition(ctx context.Context, rec Record) error {
	evt := ToEvent(rec)
	return w.emitter.Emit(ctx, &evt)
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) EmitAcquisition(ctx context.Context, rec Record) error {
	evt := ToEvent(rec)
	return w.emitter.Emit(ctx, &evt)
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type noopEmitter struct{}

func (noopEmitter) EmitAcquisition(context.Context, Record) error { return nil }
func (noopEmitter) Close() error                                   { return nil }

// ToEvent converts a Record into an unchained Event.
func ToEvent(rec Record) Event {
	evt := Event{
		Timestamp: rec.At.UTC(),
		Acquisition: AcquisitionInfo{
			Cluster:       rec.Cluster,
			PassID:        rec.PassID,
			Attempt:       rec.Attempt,
			ReferenceSlot: rec.ReferenceSlot,
			SourceAddress: rec.Address,
			MeasuredSpeed: rec.Speed,
		},
		Files:    make(map[string]FileInfo, len(rec.Files)),
		Producer: rec.Producer,
	}

	for _, f := range rec.Files {
		info := FileInfo{
			ByteSize:    f.Size,
			StoragePath: f.Path,
			Skipped:     f.Skipped,
		}
		if f.SHA256 != "" {
			info.Checksum = "sha256:" + f.SHA256
		}
		if f.Artifact != nil {
			info.Kind = f.Artifact.Kind.String()
			info.Slot = f.Artifact.Slot
			info.BaseSlot = f.Artifact.BaseSlot
		}
		evt.Files[f.Name] = info
	}
	return evt
}
