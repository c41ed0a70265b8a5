// Package snapshot understands snapshot archive names as published by
// validator RPC endpoints and keeps an inventory of archives on disk.
package snapshot

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedName is returned when a file name or redirect location does
// not follow the snapshot naming grammar.
var ErrMalformedName = errors.New("malformed snapshot name")

// Kind distinguishes self-contained archives from incremental ones.
type Kind int

const (
	Full Kind = iota
	Incremental
)

func (k Kind) String() string {
	if k == Incremental {
		return "incremental"
	}
	return "full"
}

// Artifact is a parsed snapshot archive name.
type Artifact struct {
	Kind Kind
	// BaseSlot is the full snapshot slot an incremental applies on top of.
	// Zero for full archives.
	BaseSlot uint64
	Slot     uint64
	Hash     string
	Ext      string // "tar.zst", "tar.bz2", "tar"
	Name     string
}

// Full archive: snapshot-{slot}-{hash}.{ext}
// Example: snapshot-250000000-7xkbj5ZcQZ6ZjTE8h1pu5sbrVG3Bx3XjeyqZ7H1N1JUG.tar.zst
var fullPattern = regexp.MustCompile(`^snapshot-(\d+)-([^-./]+)\.(tar(?:\.[A-Za-z0-9]+)?)$`)

// Incremental archive: incremental-snapshot-{base}-{slot}-{hash}.{ext}
var incrementalPattern = regexp.MustCompile(`^incremental-snapshot-(\d+)-(\d+)-([^-./]+)\.(tar(?:\.[A-Za-z0-9]+)?)$`)

// Parse parses a bare archive file name.
func Parse(name string) (Artifact, error) {
	if m := incrementalPattern.FindStringSubmatch(name); m != nil {
		base, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: base slot in %q: %v", ErrMalformedName, name, err)
		}
		slot, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: slot in %q: %v", ErrMalformedName, name, err)
		}
		return Artifact{
			Kind:     Incremental,
			BaseSlot: base,
			Slot:     slot,
			Hash:     m[3],
			Ext:      m[4],
			Name:     name,
		}, nil
	}

	if m := fullPattern.FindStringSubmatch(name); m != nil {
		slot, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: slot in %q: %v", ErrMalformedName, name, err)
		}
		return Artifact{
			Kind: Full,
			Slot: slot,
			Hash: m[2],
			Ext:  m[3],
			Name: name,
		}, nil
	}

	return Artifact{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
}

// ParseLocation parses a redirect Location header value. Both relative
// paths ("/snapshot-...") and absolute URLs are accepted.
func ParseLocation(location string) (Artifact, error) {
	return Parse(BaseName(location))
}

// BaseName returns the final path segment of a location or URL.
func BaseName(location string) string {
	p := location
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		p = u.Path
	}
	return path.Base(p)
}

// IsUncompressed reports whether a location points at a plain tar archive.
func IsUncompressed(location string) bool {
	return strings.HasSuffix(strings.ToLower(BaseName(location)), ".tar")
}

// Compression returns the compression suffix ("zst", "bz2", ...) or "".
func (a Artifact) Compression() string {
	return strings.TrimPrefix(strings.TrimPrefix(a.Ext, "tar"), ".")
}
