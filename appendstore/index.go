package appendstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
)

// index line:
// <offset> <size>[:<sizeInFile>] <timestampMs> <kind> [<meta>]
// offset is "_" for inline data and "f" for data in a separate file
func serializeRecord(rec *Record) string {
	if rec.TimestampMs == 0 {
		rec.TimestampMs = nowMs()
	}
	var sb strings.Builder
	switch {
	case rec.IsFile():
		sb.WriteString("f")
	case rec.isInline():
		sb.WriteString("_")
	default:
		sb.WriteString(strconv.FormatInt(rec.Offset(), 10))
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(rec.Size(), 10))
	if n := rec.sizeInFile.Load(); n > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(n, 10))
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(rec.TimestampMs, 10))
	sb.WriteByte(' ')
	sb.WriteString(rec.Kind)
	if rec.metaOrFileName != "" {
		sb.WriteByte(' ')
		sb.WriteString(rec.metaOrFileName)
	}
	sb.WriteByte('\n')
	return sb.String()
}

// splitFields splits s into up to 5 space-separated fields.
// The last field gets the remainder, including spaces.
func splitFields(s string, parts *[5]string) int {
	n := 0
	start := 0
	for i := 0; i < len(s) && n < len(parts)-1; i++ {
		if s[i] == ' ' {
			if i > start {
				parts[n] = s[start:i]
				n++
			}
			start = i + 1
		}
	}
	if start < len(s) {
		parts[n] = s[start:]
		n++
	}
	return n
}

func parseNonNegative(s string, what string, line string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s '%s' in index line: %s", what, s, line)
	}
	return v, nil
}

// ParseIndexLine parses a single index line (without the trailing newline).
// For inline and file records the offset is set by the caller based on
// position in the index file.
func ParseIndexLine(line string, rec *Record) error {
	var parts [5]string
	n := splitFields(line, &parts)
	if n < 4 {
		return fmt.Errorf("invalid index line: %s", line)
	}

	var err error
	var isInline, isFile bool
	switch parts[0] {
	case "_":
		isInline = true
		rec.offset.Store(0)
	case "f":
		isFile = true
		rec.offset.Store(kOffsetFileMetaDataZero)
	default:
		off, err := parseNonNegative(parts[0], "offset", line)
		if err != nil {
			return err
		}
		rec.offset.Store(off)
	}

	sizeStr, sizeInFileStr, hasSizeInFile := strings.Cut(parts[1], ":")
	size, err := parseNonNegative(sizeStr, "size", line)
	if err != nil {
		return err
	}
	var sizeInFile int64
	if hasSizeInFile {
		if isInline || isFile {
			return fmt.Errorf("reserved size only allowed for records in data file: %s", line)
		}
		sizeInFile, err = parseNonNegative(sizeInFileStr, "reserved size", line)
		if err != nil {
			return err
		}
		if sizeInFile < size {
			return fmt.Errorf("reserved size %d smaller than size %d in index line: %s", sizeInFile, size, line)
		}
	}
	rec.sizeInFile.Store(sizeInFile)
	if isInline || isFile {
		rec.size = -size // negative size indicates inline
	} else {
		rec.size = size
	}

	rec.TimestampMs, err = parseNonNegative(parts[2], "timestamp", line)
	if err != nil {
		return err
	}

	rec.Kind = parts[3]
	rec.metaOrFileName = "" // possibly reusing rec so needs to reset
	if n > 4 {
		rec.metaOrFileName = parts[4]
	}
	if isFile && rec.metaOrFileName == "" {
		return fmt.Errorf("file record missing fileName in index line: %s", line)
	}
	return nil
}

type RecordData struct {
	Rec *Record
	// for inline and file records, data stored in the index file
	Data []byte
}

// ParseIndexFromFile returns an iterator over records in the index file at path.
// If onCorrupt is not nil, it's called for lines that fail to parse. If it
// returns true the line is skipped, otherwise iteration stops with an error.
// Call the returned function after iteration to get the error.
func ParseIndexFromFile(path string, internKind func(string) string, onCorrupt func(lineNo int, line string, err error) bool) (iter.Seq[RecordData], func() error) {
	var iterErr error
	seq := func(yield func(RecordData) bool) {
		file, err := os.Open(path)
		if err != nil {
			iterErr = err
			return
		}
		defer file.Close()
		records, errFn := parseIndex(file, internKind, onCorrupt)
		for rd := range records {
			if !yield(rd) {
				return
			}
		}
		iterErr = errFn()
	}
	return seq, func() error { return iterErr }
}

// ParseIndexFromBytes is like ParseIndexFromFile for index already in memory
func ParseIndexFromBytes(d []byte, onCorrupt func(lineNo int, line string, err error) bool) (iter.Seq[RecordData], func() error) {
	return parseIndex(bytes.NewReader(d), nil, onCorrupt)
}

func parseIndex(r io.Reader, internKind func(string) string, onCorrupt func(lineNo int, line string, err error) bool) (iter.Seq[RecordData], func() error) {
	var iterErr error

	seq := func(yield func(RecordData) bool) {
		reader := bufio.NewReader(r)
		var currentOffset int64 = 0
		lineNo := 0

		for {
			line, err := reader.ReadString('\n')
			if err == io.EOF {
				if line == "" {
					break
				}
			} else if err != nil {
				iterErr = fmt.Errorf("error reading index file: %w", err)
				return
			}
			lineNo++

			lineLen := int64(len(line))
			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				currentOffset += lineLen
				continue
			}

			rec := &Record{}
			err = ParseIndexLine(line, rec)
			if err != nil {
				currentOffset += lineLen
				if onCorrupt != nil && onCorrupt(lineNo, line, err) {
					continue
				}
				iterErr = fmt.Errorf("line %d: %w", lineNo, err)
				return
			}

			if internKind != nil {
				rec.Kind = internKind(rec.Kind)
			}

			var data []byte
			if rec.isInline() {
				offset := currentOffset + lineLen
				if rec.IsFile() {
					rec.offset.Store(-offset)
				} else {
					rec.offset.Store(offset)
				}
				size := rec.Size()
				currentOffset += lineLen + size
				if size > 0 {
					data = make([]byte, size)
					_, err = io.ReadFull(reader, data)
					if err != nil {
						// truncated inline data can't be skipped
						iterErr = fmt.Errorf("line %d: error reading inline data: %w", lineNo, err)
						return
					}
					lineNo += bytes.Count(data, []byte{'\n'})
				}
				// Skip trailing newline added for readability (if present)
				nextByte, err := reader.Peek(1)
				if err == nil && len(nextByte) > 0 && nextByte[0] == '\n' {
					reader.ReadByte()
					currentOffset++
				}
			} else {
				currentOffset += lineLen
			}

			if !yield(RecordData{Rec: rec, Data: data}) {
				return
			}
		}
	}

	return seq, func() error { return iterErr }
}
