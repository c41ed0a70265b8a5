package acquire

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnverifiable is returned for compression formats VerifyArchive cannot read.
var ErrUnverifiable = errors.New("archive compression cannot be verified")

// VerifyArchive decodes the first tar header of an archive to catch
// truncated or mislabelled downloads.
func VerifyArchive(path, compression string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader
	switch compression {
	case "zst":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	case "gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "bz2":
		r = bzip2.NewReader(f)
	case "":
		r = f
	default:
		return fmt.Errorf("%w: %q", ErrUnverifiable, compression)
	}

	hdr, err := tar.NewReader(r).Next()
	if err != nil {
		return fmt.Errorf("read first tar entry of %s: %w", path, err)
	}
	if hdr.Name == "" {
		return fmt.Errorf("first tar entry of %s has no name", path)
	}
	return nil
}
