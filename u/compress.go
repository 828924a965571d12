package u

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/kjk/notestore/atomicfile"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression identifies a compression format, named by its file extension
type Compression string

const (
	CompressNone   Compression = ""
	CompressGzip   Compression = "gz"
	CompressBrotli Compression = "br"
	CompressZstd   Compression = "zstd"
	CompressXz     Compression = "xz"
)

// ParseCompression parses a name like "br" or "zstd"
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressNone, nil
	case "gz", "gzip":
		return CompressGzip, nil
	case "br", "brotli":
		return CompressBrotli, nil
	case "zst", "zstd":
		return CompressZstd, nil
	case "xz":
		return CompressXz, nil
	}
	return CompressNone, fmt.Errorf("unknown compression '%s'", s)
}

// CompressionFromPath returns compression based on file extension
// TODO: could sniff file content instead of checking file extension
func CompressionFromPath(path string) Compression {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	c, err := ParseCompression(ext)
	if err != nil || ext == "" || ext == "none" {
		return CompressNone
	}
	return c
}

// Ext returns file extension (with '.') for compression
func (c Compression) Ext() string {
	if c == CompressNone {
		return ""
	}
	return "." + string(c)
}

// readCloser is io.ReadCloser over a decompressing io.Reader.
// close is called on Close()
type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error {
	if rc.close == nil {
		return nil
	}
	return rc.close()
}

// NewReader returns a reader that decompresses r
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressNone:
		return io.NopCloser(r), nil
	case CompressGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case CompressBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case CompressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: zr, close: func() error {
			zr.Close()
			return nil
		}}, nil
	case CompressXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return nil, fmt.Errorf("unknown compression '%s'", c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

func zstdNewWriter(dst io.Writer) (*zstd.Encoder, error) {
	// in my tests:
	// - zstd.SpeedBestCompression is much slower and not much better
	// - default concurrency is GONUMPROCS() but adding concurrency of any value
	//   doesn't consistently speed things up
	return zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
}

// NewWriter returns a writer that compresses to w.
// Close() must be called to flush compressed data. It doesn't close w.
func NewWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressNone:
		return nopWriteCloser{w}, nil
	case CompressGzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case CompressBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	case CompressZstd:
		return zstdNewWriter(w)
	case CompressXz:
		return xz.NewWriter(w)
	}
	return nil, fmt.Errorf("unknown compression '%s'", c)
}

func getErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func CompressData(d []byte, c Compression) ([]byte, error) {
	var dst bytes.Buffer
	w, err := NewWriter(&dst, c)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(d)
	err2 := w.Close()
	if err = getErr(err, err2); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}

func DecompressData(d []byte, c Compression) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(d), c)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// implement io.ReadCloser over os.File wrapped with io.Reader.
// io.Closer goes to os.File and the wrapping reader
type readerWrappedFile struct {
	f *os.File
	r io.ReadCloser
}

func (rc *readerWrappedFile) Close() error {
	err := rc.r.Close()
	err2 := rc.f.Close()
	return getErr(err, err2)
}

func (rc *readerWrappedFile) Read(p []byte) (int, error) {
	return rc.r.Read(p)
}

// OpenFileMaybeCompressed opens a file that might be compressed with gzip,
// brotli, zstd or xz, based on file extension
func OpenFileMaybeCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := CompressionFromPath(path)
	if c == CompressNone {
		return f, nil
	}
	r, err := NewReader(f, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readerWrappedFile{f: f, r: r}, nil
}

// ReadFileMaybeCompressed reads file, decompressing based on file extension
func ReadFileMaybeCompressed(path string) ([]byte, error) {
	r, err := OpenFileMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteFileCompressed atomically writes data to path, compressed based on
// file extension of path
func WriteFileCompressed(path string, r io.Reader) error {
	f, err := atomicfile.New(path)
	if err != nil {
		return err
	}
	defer f.Cancel()
	w, err := NewWriter(f, CompressionFromPath(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	err2 := w.Close()
	if err = getErr(err, err2); err != nil {
		return err
	}
	return f.Close()
}

// CompressFile compresses srcPath and saves as dstPath.
// Compression is based on extension of dstPath
func CompressFile(dstPath, srcPath string) error {
	fSrc, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer fSrc.Close()
	return WriteFileCompressed(dstPath, fSrc)
}
