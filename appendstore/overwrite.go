package appendstore

import (
	"fmt"
)

func (s *Store) expandPercent() int {
	if s.OverwriteExpandPercent == 0 {
		return DefaultOverwriteExpandPercent
	}
	return s.OverwriteExpandPercent
}

// findOverwritable returns the newest live record in data file with the same
// kind and meta that has enough space for n bytes
func (s *Store) findOverwritable(kind, meta string, n int64) *Record {
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.Overwritten() || !r.isRegular() {
			continue
		}
		if r.Kind != kind || r.metaOrFileName != meta {
			continue
		}
		if r.SizeInFile() >= n {
			return r
		}
		// only the newest version can be over-written
		return nil
	}
	return nil
}

// OverwriteData is for data that changes often, like the content of
// a note being edited. If there's a previous record with the same kind and
// meta and it has enough space, we write data in its place in the data file.
// Otherwise we append the data, reserving OverwriteExpandPercent of
// additional space so that future versions can be written in its place.
// A new index line is always appended. When written in place, the
// previous record is marked as Overwritten.
func (s *Store) OverwriteData(kind string, meta string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	if size == 0 {
		return s.appendRecord(kind, meta, data, 0, 0)
	}
	prev := s.findOverwritable(kind, meta, size)
	if prev == nil {
		var padding int64
		if pct := s.expandPercent(); pct > 0 {
			padding = size*int64(pct)/100 - size
			if padding < 0 {
				padding = 0
			}
		}
		return s.appendRecord(kind, meta, data, 0, padding)
	}

	if err := validateKindAndMeta(kind, meta); err != nil {
		return err
	}
	if _, err := openFileForAppend(s.dataFilePath, &s.dataFile); err != nil {
		return err
	}
	// fill unused space with spaces so the data file stays readable
	d := make([]byte, prev.SizeInFile())
	copy(d, data)
	for i := size; i < int64(len(d)); i++ {
		d[i] = ' '
	}
	if _, err := s.dataFile.WriteAt(d, prev.Offset()); err != nil {
		return fmt.Errorf("failed to over-write %d bytes at offset %d: %w", len(d), prev.Offset(), err)
	}
	if s.SyncWrite {
		if err := s.dataFile.Sync(); err != nil {
			return err
		}
	}

	rec := &Record{
		size:           size,
		Kind:           s.internKind(kind),
		metaOrFileName: meta,
	}
	rec.offset.Store(prev.Offset())
	rec.sizeInFile.Store(prev.SizeInFile())
	indexLine := serializeRecord(rec)
	if _, _, err := appendToFile(s.indexFilePath, &s.indexFile, []byte(indexLine), s.SyncWrite); err != nil {
		return err
	}
	s.addRecord(rec, data)
	return nil
}
