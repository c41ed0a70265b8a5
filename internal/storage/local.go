// Package storage manages the local snapshot directory and the optional
// object-store mirror of acquired archives.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/withObsrvr/snapshot-finder/internal/snapshot"
)

// ErrNotWritable is returned when the snapshot directory cannot be written.
var ErrNotWritable = errors.New("snapshot directory is not writable")

// tempPrefix marks in-progress files. They never parse as snapshot names.
const tempPrefix = "tmp-"

// LocalStore is the directory acquired snapshots are written to.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrNotWritable, baseDir, err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Dir returns the base directory.
func (s *LocalStore) Dir() string {
	return s.baseDir
}

// Path returns the final path for name.
func (s *LocalStore) Path(name string) string {
	return filepath.Join(s.baseDir, name)
}

// CheckWritable creates and removes a probe file.
func (s *LocalStore) CheckWritable() error {
	f, err := os.CreateTemp(s.baseDir, tempPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotWritable, s.baseDir, err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("%w: remove probe file: %v", ErrNotWritable, err)
	}
	return nil
}

// Inventory indexes the snapshot archives in the directory. A directory
// that cannot be read is reported as ErrNotWritable.
func (s *LocalStore) Inventory() (*snapshot.Inventory, error) {
	inv, err := snapshot.ScanDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	return inv, nil
}

// CreateTemp opens a new temporary file for name in the directory.
func (s *LocalStore) CreateTemp(name string) (*os.File, error) {
	tempPath := filepath.Join(s.baseDir, fmt.Sprintf("%s%s-%s", tempPrefix, uuid.New().String(), name))
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file for %s: %v", ErrNotWritable, name, err)
	}
	return f, nil
}

// Finalize atomically moves a temp file to its final name.
func (s *LocalStore) Finalize(tempPath, name string) (string, error) {
	finalPath := s.Path(name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename %s to %s: %w", tempPath, finalPath, err)
	}
	return finalPath, nil
}

// Abort removes a temp file.
func (s *LocalStore) Abort(tempPath string) error {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %s: %w", tempPath, err)
	}
	return nil
}

// WriteFileAtomic writes data to name using temp file + rename.
func (s *LocalStore) WriteFileAtomic(name string, data []byte) error {
	f, err := s.CreateTemp(name)
	if err != nil {
		return err
	}
	tempPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		s.Abort(tempPath)
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		s.Abort(tempPath)
		return fmt.Errorf("close temp file %s: %w", tempPath, err)
	}

	_, err = s.Finalize(tempPath, name)
	return err
}

// CleanTemp removes temp files left behind by interrupted runs and returns
// how many were removed.
func (s *LocalStore) CleanTemp() (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", s.baseDir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
