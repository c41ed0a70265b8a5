package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/withObsrvr/snapshot-finder/internal/config"
	"github.com/withObsrvr/snapshot-finder/internal/logging"
)

// HTTPEmitter sends audit events to an HTTP endpoint.
type HTTPEmitter struct {
	cfg    config.AuditConfig
	client *http.Client
	heads  *HeadStore
	backup *FileBackup
	log    *slog.Logger

	retries    int
	retryDelay time.Duration
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg config.AuditConfig) (*HTTPEmitter, error) {
	heads, err := OpenHeadStore(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("open chain heads: %w", err)
	}

	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		heads:      heads,
		backup:     backup,
		log:        logging.Component("audit"),
		retries:    3,
		retryDelay: time.Second,
	}, nil
}

// Emit sends an event to the configured endpoint. The event is always
// backed up locally first; the chain head only advances after a
// successful POST.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	if err := e.heads.Link(evt); err != nil {
		return err
	}

	log := e.log.With("cluster", evt.Acquisition.Cluster, "sequence", evt.Chain.Sequence, "reference_slot", evt.Acquisition.ReferenceSlot)
	if evt.Chain.PrevEventHash == "" {
		log.Info("emitting event, first in chain", "event_hash", evt.Chain.EventHash)
	} else {
		log.Info("emitting event", "prev_hash", evt.Chain.PrevEventHash, "event_hash", evt.Chain.EventHash)
	}

	if _, err := e.backup.Save(evt); err != nil {
		log.Warn("backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.heads.Advance(evt); err != nil {
		log.Warn("failed to advance chain head", "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.retryDelay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			e.log.Warn("post failed, retrying", "attempt", attempt, "max_attempts", e.retries, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("event posted", "endpoint", e.cfg.Endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}
