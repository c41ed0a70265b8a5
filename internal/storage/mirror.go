package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver (also B2, R2, MinIO)
)

// Mirror copies acquired archives into an object store.
type Mirror struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// OpenMirror opens a gocloud.dev bucket URL such as s3://bucket?region=...,
// gs://bucket or file:///path.
func OpenMirror(ctx context.Context, bucketURL, prefix string) (*Mirror, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open mirror bucket %s: %w", bucketURL, err)
	}
	return NewMirror(bucket, bucketURL, prefix), nil
}

// NewMirror wraps an already-open bucket.
func NewMirror(bucket *blob.Bucket, bucketURL, prefix string) *Mirror {
	return &Mirror{bucket: bucket, bucketURL: bucketURL, prefix: prefix}
}

// Key returns the object key for an archive name.
func (m *Mirror) Key(name string) string {
	return m.prefix + name
}

// Exists checks whether name was already mirrored.
func (m *Mirror) Exists(ctx context.Context, name string) (bool, error) {
	return m.bucket.Exists(ctx, m.Key(name))
}

// Upload streams a local file to the bucket. The object is written under a
// temp key and copied to its final key so readers never see a partial object.
func (m *Mirror) Upload(ctx context.Context, localPath, name string) (string, error) {
	key := m.Key(name)

	exists, err := m.Exists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return key, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	tempKey := key + ".tmp." + uuid.New().String()
	w, err := m.bucket.NewWriter(ctx, tempKey, nil)
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", tempKey, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		m.bucket.Delete(ctx, tempKey)
		return "", fmt.Errorf("upload to %s: %w", tempKey, err)
	}
	if err := w.Close(); err != nil {
		m.bucket.Delete(ctx, tempKey)
		return "", fmt.Errorf("close writer for %s: %w", tempKey, err)
	}

	if err := m.bucket.Copy(ctx, key, tempKey, nil); err != nil {
		m.bucket.Delete(ctx, tempKey)
		return "", fmt.Errorf("finalize %s -> %s: %w", tempKey, key, err)
	}
	m.bucket.Delete(ctx, tempKey) // ignore errors

	return key, nil
}

// URI returns a display URI for key.
func (m *Mirror) URI(key string) string {
	return fmt.Sprintf("%s#%s", m.bucketURL, key)
}

// Close releases the bucket.
func (m *Mirror) Close() error {
	if m.bucket != nil {
		return m.bucket.Close()
	}
	return nil
}
