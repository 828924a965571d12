package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Some references:
// - https://www.slideshare.net/nan1nan1/eat-my-data
// - https://lwn.net/Articles/457667/

var (
	// ErrCancelled is returned by calls subsequent to Cancel()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &File{}
)

// File is written to a temporary file in the same directory as the
// destination and renamed to the destination in Close()
// if everything was written successfully
type File struct {
	dstPath string
	dir     string
	tmpFile *os.File
	tmpPath string
	err     error
}

// New creates new File
func New(path string) (*File, error) {
	dir, fName := filepath.Split(path)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if fName == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}

	tmpFile, err := os.CreateTemp(dir, fName+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &File{
		dstPath: path,
		dir:     dir,
		tmpFile: tmpFile,
		tmpPath: tmpFile.Name(),
	}, nil
}

// remembers the first error and deletes the temporary file
func (f *File) setError(err error) error {
	if err == nil {
		return nil
	}
	if f.err == nil {
		f.err = err
	}
	_ = f.Close()
	return err
}

func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmpFile.Write(d)
	return n, f.setError(err)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Offset returns current size of the written data
func (f *File) Offset() (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	off, err := f.tmpFile.Seek(0, io.SeekCurrent)
	return off, f.setError(err)
}

// Cancel removes the temporary file. Destination file will not be created.
// Use it with defer to cleanup when returning early.
// Cancel after Close is a no-op.
func (f *File) Cancel() {
	if f == nil || f.tmpFile == nil {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close syncs and renames temporary file to destination.
// Can be called multiple times to make it easier to use via defer.
func (f *File) Close() error {
	if f.tmpFile == nil {
		// return the first error we encountered
		return f.err
	}
	tmpFile := f.tmpFile
	f.tmpFile = nil

	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	errSync := tmpFile.Sync()
	errClose := tmpFile.Close()

	if f.err != nil {
		_ = os.Remove(f.tmpPath)
		return f.err
	}
	err := errSync
	if err == nil {
		err = errClose
	}
	if err == nil {
		err = Rename(f.tmpPath, f.dstPath)
	}
	if err != nil {
		_ = os.Remove(f.tmpPath)
		f.err = err
	}
	return err
}

// Rename renames src to dst (over-writing dst) and syncs the directory of dst
func Rename(src, dst string) error {
	err := os.Rename(src, dst)
	if err != nil {
		return err
	}
	syncDir(filepath.Dir(dst))
	return nil
}

// errors are ignored as directory sync is a nice to have, not must have
func syncDir(dir string) {
	fdir, _ := os.Open(dir)
	if fdir != nil {
		_ = fdir.Sync()
		_ = fdir.Close()
	}
}

// WriteFile writes data to path atomically: either the whole data is
// written or path is left unchanged
func WriteFile(path string, data []byte) error {
	f, err := New(path)
	if err != nil {
		return err
	}
	defer f.Cancel()
	if _, err = f.Write(data); err != nil {
		return err
	}
	return f.Close()
}

// CopyFrom writes everything from r to path atomically
func CopyFrom(path string, r io.Reader) (int64, error) {
	f, err := New(path)
	if err != nil {
		return 0, err
	}
	defer f.Cancel()
	n, err := io.Copy(f, r)
	if err != nil {
		return n, err
	}
	return n, f.Close()
}
