// Package acquire downloads selected snapshot archives into the snapshot
// directory without ever exposing a partial file under its final name.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/snapshot-finder/internal/logging"
	"github.com/withObsrvr/snapshot-finder/internal/snapshot"
	"github.com/withObsrvr/snapshot-finder/internal/storage"
)

// Config configures a Downloader.
type Config struct {
	MaxRate       float64 // bytes per second, 0 = unlimited
	VerifyArchive bool
	ProgressEvery time.Duration
}

// File describes one acquired (or skipped) archive.
type File struct {
	URL      string
	Name     string
	Path     string
	Artifact *snapshot.Artifact
	Size     int64
	SHA256   string
	Duration time.Duration
	// Skipped is set when a matching archive was already on disk.
	Skipped bool
}

// Result lists the files of one acquisition in download order.
type Result struct {
	Files []File
}

// Downloaded returns the files that were actually transferred.
func (r *Result) Downloaded() []File {
	var out []File
	for _, f := range r.Files {
		if !f.Skipped {
			out = append(out, f)
		}
	}
	return out
}

// Bytes returns the number of bytes transferred.
func (r *Result) Bytes() int64 {
	var n int64
	for _, f := range r.Files {
		if !f.Skipped {
			n += f.Size
		}
	}
	return n
}

// Downloader streams archives into a LocalStore.
type Downloader struct {
	store   *storage.LocalStore
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config
	log     *slog.Logger
}

// NewDownloader creates a downloader writing into store.
func NewDownloader(store *storage.LocalStore, cfg Config) *Downloader {
	return &Downloader{
		store:   store,
		client:  &http.Client{},
		limiter: newLimiter(cfg.MaxRate),
		cfg:     cfg,
		log:     logging.Component("acquire"),
	}
}

// Acquire downloads every URL in order. Files whose identifying slots are
// already present locally are skipped without any request.
func (d *Downloader) Acquire(ctx context.Context, urls []string) (*Result, error) {
	inv, err := d.store.Inventory()
	if err != nil {
		return nil, fmt.Errorf("scan snapshot directory: %w", err)
	}

	res := &Result{}
	for _, u := range urls {
		f, err := d.fetch(ctx, u, inv)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, f)
	}
	return res, nil
}

func (d *Downloader) fetch(ctx context.Context, url string, inv *snapshot.Inventory) (File, error) {
	name := snapshot.BaseName(url)
	if name == "" || name == "." || name == "/" {
		return File{}, fmt.Errorf("cannot derive a file name from %s", url)
	}
	file := File{URL: url, Name: name, Path: d.store.Path(name)}
	log := d.log.With("file", name, "url", url, "pass_id", logging.PassID(ctx))

	a, parseErr := snapshot.Parse(name)
	if parseErr == nil {
		file.Artifact = &a
		if inv.Has(a) {
			log.Info("archive already present, skipping download")
			file.Skipped = true
			return file, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return file, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return file, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return file, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp, err := d.store.CreateTemp(name)
	if err != nil {
		return file, err
	}
	tempPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			d.store.Abort(tempPath)
		}
	}()

	total := resp.ContentLength
	log.Info("downloading", "size", sizeString(total), "target", file.Path)

	start := time.Now()
	pr := newProgressReader(resp.Body)
	pr.startUpdates(d.cfg.ProgressEvery, func(copied, _ int64, meter metrics.Meter) {
		attrs := []any{"copied", humanize.Bytes(uint64(copied)), "rate", humanize.Bytes(uint64(meter.RateMean())) + "/s"}
		if total > 0 {
			attrs = append(attrs, "percent", fmt.Sprintf("%.1f", float64(copied)*100/float64(total)))
		}
		log.Info("download progress", attrs...)
	})
	defer pr.StopUpdates()

	var src io.Reader = pr
	if d.limiter != nil {
		src = &limitedReader{ctx: ctx, src: pr, limiter: d.limiter}
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return file, fmt.Errorf("download %s after %s: %w", url, humanize.Bytes(uint64(pr.Copied())), err)
	}
	if total > 0 && n != total {
		return file, fmt.Errorf("download %s: incomplete transfer, got %d of %d bytes", url, n, total)
	}
	if err := tmp.Sync(); err != nil {
		return file, fmt.Errorf("sync %s: %w", tempPath, err)
	}
	if err := tmp.Close(); err != nil {
		return file, fmt.Errorf("close %s: %w", tempPath, err)
	}

	if d.cfg.VerifyArchive && file.Artifact != nil {
		if err := VerifyArchive(tempPath, file.Artifact.Compression()); err != nil {
			if !errors.Is(err, ErrUnverifiable) {
				return file, fmt.Errorf("verify %s: %w", name, err)
			}
			log.Warn("archive not verified", "reason", err)
		}
	}

	if _, err := d.store.Finalize(tempPath, name); err != nil {
		return file, err
	}
	committed = true

	file.Size = n
	file.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	file.Duration = time.Since(start)
	if file.Artifact != nil {
		inv.Add(*file.Artifact)
	}

	log.Info("download complete",
		"size", humanize.Bytes(uint64(n)),
		"elapsed", file.Duration.Round(time.Millisecond),
		"rate", humanize.Bytes(uint64(float64(n)/file.Duration.Seconds()))+"/s",
		"sha256", file.SHA256,
	)
	return file, nil
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}
