package appendstore

import (
	"fmt"
	"io"
	"os"

	"github.com/kjk/notestore/atomicfile"
)

// compaction writes the new data file and then the new index file next
// to the current ones (with compactSuffix). Once both are fully written,
// they are renamed over the current files, data file first.
// The existence of the new index file marks that compaction is committed.
const compactSuffix = ".compact"

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// recoverCompaction finishes or rolls back compaction interrupted by a crash
func (s *Store) recoverCompaction() error {
	indexStage := s.indexFilePath + compactSuffix
	dataStage := s.dataFilePath + compactSuffix
	if !fileExists(indexStage) {
		if fileExists(dataStage) {
			return os.Remove(dataStage)
		}
		return nil
	}
	if fileExists(dataStage) {
		if err := atomicfile.Rename(dataStage, s.dataFilePath); err != nil {
			return err
		}
	}
	return atomicfile.Rename(indexStage, s.indexFilePath)
}

func writeWithNewline(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if data[len(data)-1] != '\n' {
		_, err := w.Write([]byte{'\n'})
		return err
	}
	return nil
}

type compactedRecord struct {
	rec    *Record
	offset int64
}

// Compact re-writes index and data files to only contain records
// that were not over-written. Space reserved for over-writing is dropped.
// *Record values of live records remain valid and can be read while
// Compact runs.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexStage := s.indexFilePath + compactSuffix
	dataStage := s.dataFilePath + compactSuffix

	dataW, err := atomicfile.New(dataStage)
	if err != nil {
		return err
	}
	defer dataW.Cancel()
	indexW, err := atomicfile.New(indexStage)
	if err != nil {
		return err
	}
	defer indexW.Cancel()

	var compacted []compactedRecord
	for _, rec := range s.records {
		if rec.Overwritten() {
			continue
		}
		data, err := s.readRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to read record at offset %d: %w", rec.Offset(), err)
		}
		c := compactedRecord{rec: rec}
		// rec is only updated after compacted files replace the originals
		tmp := &Record{
			size:           rec.size,
			TimestampMs:    rec.TimestampMs,
			Kind:           rec.Kind,
			metaOrFileName: rec.metaOrFileName,
		}
		if rec.isRegular() {
			c.offset, err = dataW.Offset()
			if err != nil {
				return err
			}
			tmp.offset.Store(c.offset)
			if err = writeWithNewline(dataW, data); err != nil {
				return err
			}
		} else if rec.IsFile() {
			tmp.offset.Store(kOffsetFileMetaDataZero)
		}
		line := serializeRecord(tmp)
		if _, err = indexW.WriteString(line); err != nil {
			return err
		}
		if !rec.isRegular() {
			off, err := indexW.Offset()
			if err != nil {
				return err
			}
			c.offset = off
			if rec.IsFile() {
				c.offset = -off
			}
			if err = writeWithNewline(indexW, data); err != nil {
				return err
			}
		}
		compacted = append(compacted, c)
	}

	if err = dataW.Close(); err != nil {
		return err
	}
	if err = indexW.Close(); err != nil {
		return err
	}

	if err = s.closeFiles(); err != nil {
		return err
	}
	if err = atomicfile.Rename(dataStage, s.dataFilePath); err != nil {
		return err
	}
	if err = atomicfile.Rename(indexStage, s.indexFilePath); err != nil {
		return err
	}

	s.records = s.records[:0]
	s.byOffset = map[int64]*Record{}
	for _, c := range compacted {
		rec := c.rec
		rec.offset.Store(c.offset)
		rec.sizeInFile.Store(0)
		s.records = append(s.records, rec)
		if rec.isRegular() && rec.Size() > 0 {
			s.byOffset[c.offset] = rec
		}
	}
	return nil
}
