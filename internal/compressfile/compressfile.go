// Package compressfile implements the compression layer: suffix-sniffing
// codec selection over file paths, and a scoped stacked-stream resource that
// unwinds cleanly on partial construction failure and closes every layer in
// reverse order on release.
package compressfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/robbat2/gemato/internal/gematoutil"
)

// Suffixes lists the recognized compression suffixes, in the fixed order
// used to build candidate names.
var Suffixes = []string{".gz", ".bz2", ".lzma", ".xz"}

// UnsupportedCompression is returned for a path suffix with no known codec.
type UnsupportedCompression struct {
	Suffix string
}

func (e *UnsupportedCompression) Error() string {
	return fmt.Sprintf("unsupported compression suffix %q", e.Suffix)
}

// CandidateNames returns base plus base suffixed by every known compression
// extension, in Suffixes order. It is used both to discover which variant of
// a top-level Manifest is present on disk and to form rename targets when a
// Manifest is (re)compressed to a different codec.
func CandidateNames(base string) []string {
	names := make([]string, 0, len(Suffixes)+1)
	names = append(names, base)
	for _, suf := range Suffixes {
		names = append(names, base+suf)
	}
	return names
}

// splitSuffix separates path into its base and its recognized compression
// suffix ("" if path is not compressed).
func splitSuffix(path string) (base, suffix string) {
	ext := filepath.Ext(path)
	for _, suf := range Suffixes {
		if ext == suf {
			return path[:len(path)-len(suf)], suf
		}
	}
	return path, ""
}

// CompressedSuffix returns path's recognized compression suffix, or "" if
// path does not carry one. Used by the updater's save pass to decide
// whether a Manifest's current on-disk form already matches the watermark
// policy's verdict.
func CompressedSuffix(path string) string {
	_, suf := splitSuffix(path)
	return suf
}

// Stack owns every nested io.Closer opened to produce a single logical
// stream (the raw file first, each codec layer after it) and closes them all
// in reverse order.
type Stack struct {
	closers []io.Closer
}

func (s *Stack) push(c io.Closer) {
	if c != nil {
		s.closers = append(s.closers, c)
	}
}

// unwind closes every already-opened layer; used when a later layer fails
// to construct and the partially-built stack must not leak descriptors.
func (s *Stack) unwind() {
	_ = s.Close()
}

// Close closes every layer in reverse order, the order FileStack's __exit__
// uses, returning the first error encountered while still attempting every
// layer.
func (s *Stack) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// OpenRead opens path for reading, transparently decompressing it according
// to its suffix. The returned Stack must be closed once the reader has been
// fully consumed or abandoned; no descriptor outlives that Close.
func OpenRead(path string) (io.Reader, *Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	stack := &Stack{}
	stack.push(f)

	_, suffix := splitSuffix(path)
	debugf("compressfile: opening %s for read, suffix %q", path, suffix)
	r, closer, err := wrapReader(suffix, f)
	if err != nil {
		logf("compressfile: cannot wrap %s: %s", path, err)
		stack.unwind()
		return nil, nil, err
	}
	stack.push(closer)
	return r, stack, nil
}

func wrapReader(suffix string, f io.Reader) (io.Reader, io.Closer, error) {
	switch suffix {
	case "":
		return f, nil, nil
	case ".gz":
		r, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	case ".bz2":
		r, err := bzip2.NewReader(f, nil)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	case ".lzma":
		r, err := lzma.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	case ".xz":
		r, err := xz.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	default:
		return nil, nil, &UnsupportedCompression{Suffix: suffix}
	}
}

// OpenWrite creates path for writing, transparently compressing according to
// its suffix. The returned CountingWriter tallies the uncompressed bytes
// written into the codec layer, needed by the compression watermark policy.
// The returned Stack must be closed to flush and release every layer; the
// codec's own Close (which finalizes the compressed stream) always runs
// before the underlying file's.
func OpenWrite(path string) (*gematoutil.CountingWriter, *Stack, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	stack := &Stack{}
	stack.push(f)

	_, suffix := splitSuffix(path)
	debugf("compressfile: opening %s for write, suffix %q", path, suffix)
	w, closer, err := wrapWriter(suffix, f)
	if err != nil {
		logf("compressfile: cannot wrap %s: %s", path, err)
		stack.unwind()
		return nil, nil, err
	}
	stack.push(closer)
	return gematoutil.NewCountingWriter(w), stack, nil
}

func wrapWriter(suffix string, f io.Writer) (io.Writer, io.Closer, error) {
	switch suffix {
	case "":
		return f, nil, nil
	case ".gz":
		w := gzip.NewWriter(f)
		return w, w, nil
	case ".bz2":
		w, err := bzip2.NewWriter(f, nil)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	case ".lzma":
		w, err := lzma.NewWriter(f)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	case ".xz":
		w, err := xz.NewWriter(f)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	default:
		return nil, nil, &UnsupportedCompression{Suffix: suffix}
	}
}
