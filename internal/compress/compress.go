// Package compress provides algorithm-switched compression for store
// checkpoints and snapshot archives.
package compress

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Ext returns the filename extension for an algorithm, empty for none.
func Ext(algorithm string) string {
	switch algorithm {
	case "gzip":
		return ".gz"
	case "zstd":
		return ".zst"
	case "xz":
		return ".xz"
	default:
		return ""
	}
}

// ByExt maps a filename extension back to its algorithm name.
func ByExt(ext string) string {
	switch ext {
	case ".gz":
		return "gzip"
	case ".zst":
		return "zstd"
	case ".xz":
		return "xz"
	default:
		return "none"
	}
}

// Writer wraps a compression writer
type Writer struct {
	writer io.WriteCloser
	base   io.Writer
}

// NewWriter creates a new compression writer based on the algorithm
func NewWriter(w io.Writer, algorithm string) (*Writer, error) {
	var compressor io.WriteCloser
	var err error

	switch algorithm {
	case "gzip":
		compressor, err = gzip.NewWriterLevel(w, gzip.BestSpeed)
	case "zstd":
		var enc *zstd.Encoder
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		compressor = enc
	case "xz":
		compressor, err = xz.NewWriter(w)
	case "none", "":
		// No compression - use a passthrough writer
		return &Writer{
			writer: &nopCloser{w},
			base:   w,
		}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}

	if err != nil {
		return nil, err
	}

	return &Writer{
		writer: compressor,
		base:   w,
	}, nil
}

// Write writes data to the compressor
func (w *Writer) Write(p []byte) (int, error) {
	return w.writer.Write(p)
}

// Close closes the compressor
func (w *Writer) Close() error {
	return w.writer.Close()
}

// NewReader creates a decompressing reader for the given algorithm.
// The caller must Close the returned reader.
func NewReader(r io.Reader, algorithm string) (io.ReadCloser, error) {
	switch algorithm {
	case "gzip":
		return gzip.NewReader(r)
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{dec}, nil
	case "xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case "none", "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

// nopCloser wraps an io.Writer to add a no-op Close method
type nopCloser struct {
	io.Writer
}

func (n *nopCloser) Close() error {
	return nil
}

// zstdReadCloser adapts zstd.Decoder's Close (no error value) to io.ReadCloser.
type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return nil
}
