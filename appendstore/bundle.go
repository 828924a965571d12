package appendstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kjk/notestore/atomicfile"
	"github.com/klauspost/compress/zip"
)

// names of index and data files inside a store .zip bundle
const (
	ZipIndexName = "index.txt"
	ZipDataName  = "data.bin"
)

// maxZipUncompressedSize limits total uncompressed size of all entries
// read from a bundle
var maxZipUncompressedSize int64 = 2 << 30

func addFileToZip(zw *zip.Writer, name string, path string) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		// empty entry for data file that was never created
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// ExportZip writes index, data and all files of file records as a .zip
// bundle that can be re-created with ImportZip
func (s *Store) ExportZip(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zw := zip.NewWriter(w)
	if err := addFileToZip(zw, ZipIndexName, s.indexFilePath); err != nil {
		return fmt.Errorf("failed to add index to zip: %w", err)
	}
	if err := addFileToZip(zw, ZipDataName, s.dataFilePath); err != nil {
		return fmt.Errorf("failed to add data to zip: %w", err)
	}
	seen := map[string]bool{}
	for _, rec := range s.records {
		name := rec.FileName()
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if err := addFileToZip(zw, name, filepath.Join(s.DataDir, name)); err != nil {
			return fmt.Errorf("failed to add file '%s' to zip: %w", name, err)
		}
	}
	return zw.Close()
}

// readZipFile reads at most limit bytes of uncompressed data
func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("uncompressed size %d exceeds limit of %d bytes", f.UncompressedSize64, limit)
	}
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// UncompressedSize64 comes from the zip header and can lie
	d, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(d)) > limit {
		return nil, fmt.Errorf("uncompressed size exceeds limit of %d bytes", limit)
	}
	return d, nil
}

// validateZipFileName checks that name of a file record's file
// can be safely written to a store directory
func validateZipFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid file name '%s' in zip", name)
	case name != filepath.Base(name), strings.ContainsAny(name, "/\\\n"):
		return fmt.Errorf("file name '%s' in zip cannot contain directories", name)
	}
	return nil
}

// Bundle is a validated content of a store .zip
type Bundle struct {
	Records []*Record
	Index   []byte
	Data    []byte
	// content of files of file records, by file name
	Files map[string][]byte
}

// ReadZip parses and validates a .zip created with ExportZip.
// Every record must reference data that exists in the bundle.
func ReadZip(zipData []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("not a valid zip file: %w", err)
	}
	b := &Bundle{
		Files: map[string][]byte{},
	}
	hasIndex := false
	seen := map[string]bool{}
	remaining := maxZipUncompressedSize
	for _, f := range zr.File {
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate entry '%s' in zip", f.Name)
		}
		seen[f.Name] = true
		if f.Name != ZipIndexName && f.Name != ZipDataName {
			if err := validateZipFileName(f.Name); err != nil {
				return nil, err
			}
		}
		d, err := readZipFile(f, remaining)
		if err != nil {
			return nil, fmt.Errorf("failed to read '%s' from zip: %w", f.Name, err)
		}
		remaining -= int64(len(d))
		switch f.Name {
		case ZipIndexName:
			b.Index = d
			hasIndex = true
		case ZipDataName:
			b.Data = d
		default:
			b.Files[f.Name] = d
		}
	}
	if !hasIndex {
		return nil, fmt.Errorf("zip file doesn't have '%s'", ZipIndexName)
	}

	records, errFn := ParseIndexFromBytes(b.Index, nil)
	dataSize := int64(len(b.Data))
	for rd := range records {
		rec := rd.Rec
		b.Records = append(b.Records, rec)
		if rec.IsFile() {
			if _, ok := b.Files[rec.FileName()]; !ok {
				return nil, fmt.Errorf("file '%s' of record %d missing in zip", rec.FileName(), len(b.Records))
			}
			continue
		}
		if !rec.isRegular() {
			continue
		}
		if end := rec.Offset() + rec.SizeInFile(); end > dataSize {
			return nil, fmt.Errorf("record %d ends at %d, past the end of '%s' (size %d)", len(b.Records), end, ZipDataName, dataSize)
		}
	}
	if err := errFn(); err != nil {
		return nil, fmt.Errorf("invalid '%s' in zip: %w", ZipIndexName, err)
	}
	return b, nil
}

// ValidateZip checks that zipData is a valid store bundle and
// returns its records
func ValidateZip(zipData []byte) ([]*Record, error) {
	b, err := ReadZip(zipData)
	if err != nil {
		return nil, err
	}
	return b.Records, nil
}

// ImportZip creates a store in dir from a .zip bundle.
// dir must not already contain a non-empty store.
// Nothing is written unless the whole bundle is valid. The index is written
// last so that a partial import looks like an empty store.
func ImportZip(dir string, zipData []byte) error {
	b, err := ReadZip(zipData)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	indexPath := filepath.Join(dir, ZipIndexName)
	if st, err := os.Stat(indexPath); err == nil && st.Size() > 0 {
		return fmt.Errorf("store in '%s' is not empty", dir)
	}
	if err = atomicfile.WriteFile(filepath.Join(dir, ZipDataName), b.Data); err != nil {
		return err
	}
	for name, d := range b.Files {
		if err = atomicfile.WriteFile(filepath.Join(dir, name), d); err != nil {
			return err
		}
	}
	return atomicfile.WriteFile(indexPath, b.Index)
}
