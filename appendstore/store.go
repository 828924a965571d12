package appendstore

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// kOffsetFileMetaDataZero indicates that the data is stored in a separate file and metadata is 0
	kOffsetFileMetaDataZero int64 = math.MinInt64

	// DefaultOverwriteExpandPercent is used when Store.OverwriteExpandPercent is 0
	DefaultOverwriteExpandPercent = 140
)

// Record describes a single entry in the index.
// Compact moves records and OverwriteData marks them as over-written while
// other goroutines may hold *Record values returned by Records(), so the
// fields that change after a record is added are atomic.
type Record struct {
	// offset in data file (or index file if inline), 0 means no data
	// offset < 0 means data is stored in a separate file named in metaOrFileName
	offset atomic.Int64
	// size of the data in bytes
	// negative or zero means inline data (stored in index file). Also applies to file records with metadata.
	// use Size() to get absolute value, isInline() to check if inline, IsFile() to see if stored in separate file
	// for files, it's the size of metadata. For size of the file use store.FileSize(*Record))
	size int64
	// space reserved in data file for over-writing the data in place
	// 0 if no space was reserved
	sizeInFile atomic.Int64
	// time in utc unix milliseconds (milliseconds since January 1, 1970, 00:00:00 UTC)
	TimestampMs int64
	// kind of the record, e.g., "note-content", "note-meta"
	// can't contain spaces or newlines
	Kind string
	// for file records: the file name
	// for other records: optional metadata, can't contain newlines
	metaOrFileName string
	// set when a later record re-used this record's space in data file
	overwritten atomic.Bool
}

// Overwritten returns true if a later record re-used this record's space in data file
func (r *Record) Overwritten() bool {
	return r.overwritten.Load()
}

// Size returns the absolute size of the data in bytes
func (r *Record) Size() int64 {
	if r.size < 0 {
		return -r.size
	}
	return r.size
}

func (r *Record) Offset() int64 {
	off := r.offset.Load()
	if off < 0 {
		return -off
	}
	return off
}

// SizeInFile returns how much space the record occupies in data file.
// It's bigger than Size() if space was reserved for over-writing.
func (r *Record) SizeInFile() int64 {
	if n := r.sizeInFile.Load(); n > 0 {
		return n
	}
	return r.Size()
}

// isInline returns true if the data is stored inline in the index file
func (r *Record) isInline() bool {
	return r.size <= 0
}

// IsFile returns true if the data is stored in a separate file
func (r *Record) IsFile() bool {
	return r.offset.Load() < 0
}

func (r *Record) isRegular() bool {
	return !r.IsFile() && !r.isInline()
}

// Meta returns the metadata for this record.
// For file records, returns empty string.
func (r *Record) Meta() string {
	if r.IsFile() {
		return ""
	}
	return r.metaOrFileName
}

// MetaKV parses metadata serialized with KeyValueMarshal
func (r *Record) MetaKV() (*Meta, error) {
	return ParseMeta(r.Meta())
}

// FileName returns the file name for file records.
// For non-file records, returns empty string.
func (r *Record) FileName() string {
	if r.IsFile() {
		return r.metaOrFileName
	}
	return ""
}

type Store struct {
	DataDir       string
	IndexFileName string
	DataFileName  string

	// if true, will call file.Sync() after every write
	// this makes things super slow (5 secs vs 0.03 secs for 1000 records)
	SyncWrite bool

	// when OverwriteData has to append, it reserves this much additional
	// space (in percent of data size) for future over-writes
	// 0 means DefaultOverwriteExpandPercent, negative means no additional space
	OverwriteExpandPercent int

	// if true, OpenStore skips index lines it can't parse (and calls OnCorrupt)
	// if false, OpenStore fails on the first such line
	SkipCorrupt bool
	OnCorrupt   func(lineNo int, line string, err error)

	// called for every record read in OpenStore and every appended record
	// it's called with the store locked so it must not call Store methods
	OnRecord func(*Record, []byte)

	indexFile *os.File
	dataFile  *os.File

	indexFilePath string
	dataFilePath  string

	// internedKinds stores unique Kind strings to reduce memory usage
	// when many records share the same Kind
	internedKinds []string

	records []*Record
	// offset in data file => record that currently owns that space
	byOffset map[int64]*Record
	mu       sync.Mutex
}

// internKind returns an interned version of the kind string.
// If the kind already exists in internedKinds, returns the existing string.
// Otherwise, adds it to internedKinds and returns it.
func (s *Store) internKind(kind string) string {
	for _, k := range s.internedKinds {
		if k == kind {
			return k
		}
	}
	s.internedKinds = append(s.internedKinds, kind)
	return kind
}

// Records returns all records, including over-written
// no direct access to records to ensure thread safety
func (s *Store) Records() []*Record {
	s.mu.Lock()
	res := append([]*Record{}, s.records...)
	s.mu.Unlock()
	return res
}

// LiveRecords returns records whose data was not over-written
func (s *Store) LiveRecords() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*Record
	for _, r := range s.records {
		if !r.Overwritten() {
			res = append(res, r)
		}
	}
	return res
}

// IndexFilePath returns absolute path of the index file, valid after OpenStore
func (s *Store) IndexFilePath() string {
	return s.indexFilePath
}

// DataFilePath returns absolute path of the data file, valid after OpenStore
func (s *Store) DataFilePath() string {
	return s.dataFilePath
}

// CloseFiles closes the index and data files.
func (s *Store) CloseFiles() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	var err1, err2 error
	if s.indexFile != nil {
		err1 = s.indexFile.Close()
		s.indexFile = nil
	}
	if s.dataFile != nil {
		err2 = s.dataFile.Close()
		s.dataFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// writeWithOptionalNewline writes data to the file followed by a newline if data is not empty and doesn't end with one.
// this is for readability of log files: \n is a separator between records
func writeWithOptionalNewline(file *os.File, data []byte, sync bool) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	nWritten, err := file.Write(data)
	if err != nil {
		return nWritten, err
	}
	if data[len(data)-1] != '\n' {
		_, err = file.WriteString("\n")
		if err != nil {
			return 0, err
		}
	}
	if sync {
		err = file.Sync()
		if err != nil {
			return 0, err
		}
	}
	return nWritten, nil
}

func openFileForAppend(path string, filePtr **os.File) (*os.File, error) {
	file := *filePtr
	if file != nil {
		return file, nil
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	*filePtr = file
	return file, nil
}

// returns offset at which the data was written
func appendToFile(path string, filePtr **os.File, data []byte, sync bool) (int64, int64, error) {
	var err error
	var off int64

	file, err := openFileForAppend(path, filePtr)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil && file != nil {
			file.Close()
			*filePtr = nil
		}
	}()

	off, err = file.Seek(0, io.SeekEnd) // move to the end of the file
	if err != nil {
		return 0, 0, err
	}
	nWritten, err := writeWithOptionalNewline(file, data, sync)
	if err != nil {
		return 0, 0, err
	}
	return off, int64(nWritten), nil
}

func validateKind(kind string) error {
	// kind cannot be empty or contain spaces or newlines
	if kind == "" {
		return fmt.Errorf("kind is empty")
	}
	if strings.Contains(kind, " ") {
		return fmt.Errorf("kind cannot contain spaces")
	}
	if strings.Contains(kind, "\n") {
		return fmt.Errorf("kind cannot contain newlines")
	}
	return nil
}

func validateKindAndMeta(kind, meta string) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	if strings.Contains(meta, "\n") {
		return fmt.Errorf("metadata cannot contain newlines")
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// addRecord must be called with s.mu locked
func (s *Store) addRecord(rec *Record, data []byte) {
	if rec.isRegular() && rec.Size() > 0 {
		off := rec.offset.Load()
		if prev := s.byOffset[off]; prev != nil {
			prev.overwritten.Store(true)
		}
		s.byOffset[off] = rec
	}
	s.records = append(s.records, rec)
	if s.OnRecord != nil {
		s.OnRecord(rec, data)
	}
}

// padding is number of additional bytes (spaces) written after data
// to reserve space for over-writing
func (s *Store) appendRecord(kind string, meta string, data []byte, timestampMs int64, padding int64) error {
	if err := validateKindAndMeta(kind, meta); err != nil {
		return err
	}

	size := int64(len(data))
	rec := &Record{
		size:           size,
		Kind:           s.internKind(kind),
		metaOrFileName: meta,
		TimestampMs:    timestampMs,
	}
	if size > 0 {
		d := data
		if padding > 0 {
			d = make([]byte, size+padding)
			copy(d, data)
			for i := size; i < int64(len(d)); i++ {
				d[i] = ' '
			}
			rec.sizeInFile.Store(int64(len(d)))
		}
		off, _, err := appendToFile(s.dataFilePath, &s.dataFile, d, s.SyncWrite)
		if err != nil {
			return err
		}
		rec.offset.Store(off)
	}

	indexLine := serializeRecord(rec)
	if _, _, err := appendToFile(s.indexFilePath, &s.indexFile, []byte(indexLine), s.SyncWrite); err != nil {
		return err
	}
	s.addRecord(rec, data)
	return nil
}

// AppendData appends a new record to the store.
func (s *Store) AppendData(kind string, meta string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecord(kind, meta, data, 0, 0)
}

// AppendDataWithTimestamp appends a new record to the store with the specified timestamp in milliseconds.
// If timestampMs is 0, the current time will be used.
// Note: timestampMs should be in UTC (time.Now().UTC().UnixMilli())
// Timestamps is meant to record the creation time of the data being stored.
// Explicitly setting timestamps can be useful when importing data from other sources
func (s *Store) AppendDataWithTimestamp(kind string, meta string, data []byte, timestampMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecord(kind, meta, data, timestampMs, 0)
}

// AppendKV appends a new record whose metadata are key / value pairs
// serialized with KeyValueMarshal
func (s *Store) AppendKV(kind string, data []byte, keyValues ...string) error {
	meta, err := KeyValueMarshal(keyValues...)
	if err != nil {
		return err
	}
	return s.AppendData(kind, meta, data)
}

// AppendKVInline is like AppendKV but stores data inline in the index file
func (s *Store) AppendKVInline(kind string, data []byte, keyValues ...string) error {
	meta, err := KeyValueMarshal(keyValues...)
	if err != nil {
		return err
	}
	return s.AppendDataInline(kind, meta, data)
}

// AppendDataInline appends a new record with data stored inline in the index file.
// This is useful for small data that doesn't warrant a separate entry in the data file.
// The data is stored immediately after the index line in the index file.
func (s *Store) AppendDataInline(kind string, meta string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecordInline(kind, meta, data, 0)
}

// AppendDataInlineWithTimestamp appends a new record with data stored inline in the index file
// with the specified timestamp in milliseconds.
func (s *Store) AppendDataInlineWithTimestamp(kind string, meta string, data []byte, timestampMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecordInline(kind, meta, data, timestampMs)
}

func (s *Store) appendRecordInline(kind string, meta string, data []byte, timestampMs int64) error {
	if err := validateKindAndMeta(kind, meta); err != nil {
		return err
	}

	rec := &Record{
		size:           -int64(len(data)), // negative size indicates inline
		Kind:           s.internKind(kind),
		metaOrFileName: meta,
		TimestampMs:    timestampMs,
	}

	indexLine := serializeRecord(rec)
	sync := s.SyncWrite && len(data) == 0
	off, _, err := appendToFile(s.indexFilePath, &s.indexFile, []byte(indexLine), sync)
	if err != nil {
		return err
	}
	rec.offset.Store(off + int64(len(indexLine)))
	if _, err = writeWithOptionalNewline(s.indexFile, data, s.SyncWrite); err != nil {
		return err
	}
	s.addRecord(rec, data)
	return nil
}

// AppendFile appends a new record with data stored in a separate file.
// The file is created in DataDir with the given fileName.
// metaData is stored inline in the index file.
func (s *Store) AppendFile(kind string, fileName string, data []byte, metaData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecordFile(kind, fileName, data, metaData, 0)
}

// AppendFileWithTimestamp appends a new record with data stored in a separate file
// with the specified timestamp in milliseconds.
func (s *Store) AppendFileWithTimestamp(kind string, fileName string, data []byte, metaData []byte, timestampMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecordFile(kind, fileName, data, metaData, timestampMs)
}

func (s *Store) appendRecordFile(kind string, fileName string, data []byte, metaData []byte, timestampMs int64) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	if strings.Contains(fileName, "\n") {
		return fmt.Errorf("fileName cannot contain newlines")
	}
	if fileName == "" {
		return fmt.Errorf("fileName cannot be empty")
	}
	if fileName != filepath.Base(fileName) {
		return fmt.Errorf("fileName '%s' cannot contain directories", fileName)
	}

	filePath := filepath.Join(s.DataDir, fileName)
	err := os.WriteFile(filePath, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write data to file %s: %w", filePath, err)
	}

	rec := &Record{
		size:           -int64(len(metaData)),
		Kind:           s.internKind(kind),
		metaOrFileName: fileName,
		TimestampMs:    timestampMs,
	}
	rec.offset.Store(kOffsetFileMetaDataZero)

	sync := s.SyncWrite && len(metaData) == 0
	indexLine := serializeRecord(rec)
	off, _, err := appendToFile(s.indexFilePath, &s.indexFile, []byte(indexLine), sync)
	if err != nil {
		return err
	}
	rec.offset.Store(-(off + int64(len(indexLine))))
	if _, err = writeWithOptionalNewline(s.indexFile, metaData, s.SyncWrite); err != nil {
		return err
	}
	s.addRecord(rec, metaData)
	return nil
}

// readFilePart efficiently reads a specific portion of a file
func readFilePart(path string, offset int64, len int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	_, err = file.Seek(offset, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
	}

	buf := make([]byte, len)
	n, err := io.ReadFull(file, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reached end of file after reading %d bytes, expected %d", n, len)
		}
		return nil, fmt.Errorf("failed to read %d bytes: %w", len, err)
	}

	return buf, nil
}

// FileSize returns the size of the file for file records.
// Size() returns size of inline metadata.
func (s *Store) FileSize(r *Record) (int64, error) {
	if !r.IsFile() {
		return 0, fmt.Errorf("not a file record")
	}
	path := filepath.Join(s.DataDir, r.FileName())
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// ReadFile reads the content of the separate file of a file record
func (s *Store) ReadFile(r *Record) ([]byte, error) {
	if !r.IsFile() {
		return nil, fmt.Errorf("not a file record")
	}
	filePath := filepath.Join(s.DataDir, r.FileName())
	return os.ReadFile(filePath)
}

// ReadRecord reads the data for a given record.
// For inline records (isInline()=true), reads from the index file.
// For file records (IsFile()=true), reads metadata stored in the index file.
// For regular records, reads from the data file.
func (s *Store) ReadRecord(r *Record) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(r)
}

func (s *Store) readRecord(r *Record) ([]byte, error) {
	size := r.Size()
	if size == 0 {
		return nil, nil
	}
	if r.isInline() {
		return readFilePart(s.indexFilePath, r.Offset(), size)
	}
	return readFilePart(s.dataFilePath, r.Offset(), size)
}

// OpenStore initializes the Store by loading existing records from the index file.
func OpenStore(s *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DataDir == "" {
		return fmt.Errorf("data directory is not set. For current directory, use '.'")
	}
	if s.IndexFileName == "" {
		s.IndexFileName = "index.txt"
	}
	if s.DataFileName == "" {
		s.DataFileName = "data.bin"
	}
	// re-opening
	if err := s.closeFiles(); err != nil {
		return err
	}
	s.records = nil
	s.byOffset = map[int64]*Record{}

	var err error
	s.indexFilePath = filepath.Join(s.DataDir, s.IndexFileName)
	s.indexFilePath, err = filepath.Abs(s.indexFilePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for index file: %w", err)
	}
	s.dataFilePath = filepath.Join(s.DataDir, s.DataFileName)
	s.dataFilePath, err = filepath.Abs(s.dataFilePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for data file: %w", err)
	}

	err = os.MkdirAll(s.DataDir, 0755)
	if err != nil {
		return err
	}
	if err = s.recoverCompaction(); err != nil {
		return fmt.Errorf("failed to recover from interrupted compaction: %w", err)
	}
	if _, err := os.Stat(s.indexFilePath); os.IsNotExist(err) {
		file, err := os.Create(s.indexFilePath)
		if err != nil {
			return err
		}
		file.Close()
	}

	var onCorrupt func(lineNo int, line string, err error) bool
	if s.SkipCorrupt {
		onCorrupt = func(lineNo int, line string, err error) bool {
			if s.OnCorrupt != nil {
				s.OnCorrupt(lineNo, line, err)
			}
			return true
		}
	}
	records, errFn := ParseIndexFromFile(s.indexFilePath, s.internKind, onCorrupt)
	for rd := range records {
		s.addRecord(rd.Rec, rd.Data)
	}
	if err := errFn(); err != nil {
		return fmt.Errorf("failed to read records from index file: %w", err)
	}
	return nil
}
