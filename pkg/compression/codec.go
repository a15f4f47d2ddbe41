package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"squeeze/pkg/types"
)

// Codec wraps raw file streams for one file type.
type Codec interface {
	Name() string
	// Ext is appended to output file names.
	Ext() string
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// ForFileType returns the codec for ft. Schema-aware formats have none.
func ForFileType(ft types.FileType) (Codec, error) {
	switch ft {
	case "", types.FileTypeText:
		return plain{}, nil
	case types.FileTypeGzip:
		return gzipCodec{}, nil
	case types.FileTypeZstd:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("no codec for file type %q", ft)
	}
}

type plain struct{}

func (plain) Name() string { return "text" }
func (plain) Ext() string  { return "" }

func (plain) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (plain) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }
func (gzipCodec) Ext() string  { return ".gz" }

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) Ext() string  { return ".zst" }

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Copy decodes src with c and appends it to dst, returning decoded bytes.
func Copy(c Codec, dst io.Writer, src io.Reader) (int64, error) {
	rc, err := c.NewReader(src)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	return io.Copy(dst, rc)
}

// CountingWriter counts bytes that reach w.
func CountingWriter(w io.Writer) *ByteCounter {
	return &ByteCounter{w: w}
}
