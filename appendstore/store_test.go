package appendstore

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pmezard/go-difflib/difflib"
)

type testRecord struct {
	Kind string
	Data []byte
	Meta string
}

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

func a(_ *testing.T, cond bool, format string, args ...any) {
	if !cond {
		msg := format
		if len(args) > 0 {
			msg = fmt.Sprintf(format, args...)
		}
		panic(msg)
	}
}

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func genRandomText(n int) []byte {
	if n == 0 {
		return nil
	}
	letters := []byte("abcdefghijklmnopqrstuvwxyz")
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	b[len(b)-1] = '\n' // for readability
	return b
}

func genRandomRecords(n int) []testRecord {
	records := make([]testRecord, n)
	for i := 0; i < n; i++ {
		records[i] = testRecord{
			Kind: "note-" + string(rune('a'+rng.Intn(26))),
			Data: genRandomText(rng.Intn(1000)),
			Meta: "id:" + string(rune('a'+rng.Intn(26))),
		}
		if i%33 == 0 {
			records[i].Meta = ""
		}
	}
	return records
}

func verifyRecord(t *testing.T, i int, rec *Record, record testRecord) {
	a(t, rec.Kind == record.Kind, "Record %d: Kind mismatch, expected %s, got %s", i, record.Kind, rec.Kind)
	a(t, rec.Meta() == record.Meta, "Record %d: Meta mismatch, expected %s, got %s", i, record.Meta, rec.Meta())
	a(t, rec.Size() == int64(len(record.Data)), "Record %d: Length mismatch, expected %d, got %d", i, len(record.Data), rec.Size())
	a(t, rec.TimestampMs <= time.Now().UTC().UnixMilli(), "Record %d: Timestamp is in the future, got %d", i, rec.TimestampMs)
}

func getLastRecord(records []*Record) *Record {
	return records[len(records)-1]
}

type testStore struct {
	*Store
	records []*Record
}

func openTestStore(t *testing.T, dir string) *testStore {
	ts := &testStore{}
	ts.Store = &Store{
		DataDir: dir,
		OnRecord: func(rec *Record, _ []byte) {
			ts.records = append(ts.records, rec)
		},
	}
	err := OpenStore(ts.Store)
	a(t, err == nil, "Failed to open store: %v", err)
	t.Cleanup(func() { ts.CloseFiles() })
	return ts
}

func readFileString(t *testing.T, path string) string {
	d, err := os.ReadFile(path)
	a(t, err == nil, "Failed to read %s: %v", path, err)
	return string(d)
}

func assertSameText(t *testing.T, exp, got string) {
	t.Helper()
	if exp == got {
		return
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(exp),
		B:        difflib.SplitLines(got),
		FromFile: "expected",
		ToFile:   "got",
		Context:  2,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	t.Fatalf("text mismatch:\n%s", text)
}

func TestParseIndexLine(t *testing.T) {
	var rec Record
	err := ParseIndexLine("123 456 789 test_kind meta data", &rec)
	a(t, err == nil, "ParseIndexLine failed: %v", err)

	a(t, rec.Offset() == 123, "Expected Offset 123, got %d", rec.Offset())
	a(t, rec.Size() == 456, "Expected Size 456, got %d", rec.Size())
	a(t, rec.SizeInFile() == 456, "Expected SizeInFile 456, got %d", rec.SizeInFile())
	a(t, rec.TimestampMs == 789, "Expected TimestampMs 789, got %d", rec.TimestampMs)
	a(t, rec.Kind == "test_kind", "Expected Kind 'test_kind', got '%s'", rec.Kind)
	a(t, rec.Meta() == "meta data", "Expected Meta 'meta data', got '%s'", rec.Meta())

	err = ParseIndexLine(`8 5:12 789 note-content id:n1 name:"a b"`, &rec)
	a(t, err == nil, "ParseIndexLine failed: %v", err)
	a(t, rec.Size() == 5, "Expected Size 5, got %d", rec.Size())
	a(t, rec.SizeInFile() == 12, "Expected SizeInFile 12, got %d", rec.SizeInFile())
	a(t, rec.Meta() == `id:n1 name:"a b"`, "Expected Meta, got '%s'", rec.Meta())
	m, err := rec.MetaKV()
	a(t, err == nil, "MetaKV failed: %v", err)
	v, _ := m.Get("name")
	a(t, v == "a b", "Expected name 'a b', got '%s'", v)

	invalid := []string{
		"invalid line",
		"x 1 2 kind",
		"-1 1 2 kind",
		"1 -1 2 kind",
		"1 1 -2 kind",
		"1 5:3 2 kind",
		"_ 5:8 2 kind",
		"f 0 2 kind",
		"1 5:x 2 kind",
	}
	for _, line := range invalid {
		err = ParseIndexLine(line, &rec)
		a(t, err != nil, "Expected error for invalid index line '%s'", line)
	}
}

func TestSerializeRecord(t *testing.T) {
	rec := &Record{
		size:           5,
		TimestampMs:    5000,
		Kind:           "note-content",
		metaOrFileName: "id:n1",
	}
	rec.offset.Store(7)
	rec.sizeInFile.Store(12)
	got := serializeRecord(rec)
	a(t, got == "7 5:12 5000 note-content id:n1\n", "got '%s'", got)

	var rec2 Record
	err := ParseIndexLine(strings.TrimSuffix(got, "\n"), &rec2)
	a(t, err == nil, "ParseIndexLine failed: %v", err)
	a(t, rec2.Offset() == 7, "Expected offset 7, got %d", rec2.Offset())
	a(t, rec2.Size() == 5, "Expected size 5, got %d", rec2.Size())
	a(t, rec2.SizeInFile() == 12, "Expected SizeInFile 12, got %d", rec2.SizeInFile())
	a(t, rec2.TimestampMs == 5000, "Expected timestamp 5000, got %d", rec2.TimestampMs)
	a(t, rec2.Kind == rec.Kind && rec2.Meta() == rec.Meta(), "Expected %s %s, got %s %s", rec.Kind, rec.Meta(), rec2.Kind, rec2.Meta())
}

func TestIndexFileGolden(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	err := s.AppendDataWithTimestamp("note-create", `id:n1 name:"my note"`, []byte("hello\n"), 1000)
	a(t, err == nil, "AppendDataWithTimestamp failed: %v", err)
	err = s.AppendDataInlineWithTimestamp("note-meta", "id:n1 starred:1", []byte("x"), 2000)
	a(t, err == nil, "AppendDataInlineWithTimestamp failed: %v", err)
	err = s.AppendFileWithTimestamp("attachment", "a.txt", []byte("abc"), nil, 3000)
	a(t, err == nil, "AppendFileWithTimestamp failed: %v", err)
	err = s.AppendDataWithTimestamp("note-delete", "id:n1", nil, 4000)
	a(t, err == nil, "AppendDataWithTimestamp failed: %v", err)
	err = s.AppendDataWithTimestamp("note-content", "id:n1", []byte("bye"), 5000)
	a(t, err == nil, "AppendDataWithTimestamp failed: %v", err)

	exp := `0 6 1000 note-create id:n1 name:"my note"
_ 1 2000 note-meta id:n1 starred:1
x
f 0 3000 attachment a.txt
_ 0 4000 note-delete id:n1
6 3 5000 note-content id:n1
`
	assertSameText(t, exp, readFileString(t, s.IndexFilePath()))
	assertSameText(t, "hello\nbye\n", readFileString(t, s.DataFilePath()))
}

func TestStoreWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	err := store.AppendData("test_kind", "meta\nwith\nnewlines", []byte("test data"))
	a(t, err != nil, "Expected AppendData to reject metadata with newlines")
	err = store.AppendData("test kind", "meta", []byte("test data"))
	a(t, err != nil, "Expected AppendData to reject kind with spaces")
	err = store.AppendData("", "meta", []byte("test data"))
	a(t, err != nil, "Expected AppendData to reject empty kind")
	err = store.AppendData("test\nkind", "meta", []byte("test data"))
	a(t, err != nil, "Expected AppendData to reject kind with newlines")
	a(t, len(store.records) == 0, "Expected no records to be added, got %d records", len(store.records))

	testRecords := genRandomRecords(300)
	currOff := int64(0)
	for i, recTest := range testRecords {
		if i%13 == 0 {
			err = store.CloseFiles()
			a(t, err == nil, "Failed to close store files: %v", err)
		}
		if i%25 == 0 {
			// make sure we're robust against appending non-indexed data
			// which happens if AppendData() fails with partial write
			d := []byte("lalalala\n")
			_, _, err = appendToFile(store.dataFilePath, &store.dataFile, d, store.SyncWrite)
			a(t, err == nil, "Failed to append non-indexed data: %v", err)
			currOff += int64(len(d))
		}

		err = store.AppendData(recTest.Kind, recTest.Meta, recTest.Data)
		a(t, err == nil, "Failed to append record: %v", err)
		rec := getLastRecord(store.records)
		verifyRecord(t, i, rec, recTest)
		if rec.Size() > 0 && rec.Offset() != currOff {
			t.Fatalf("Record %d: Offset mismatch, expected %d, got %d", i, currOff, rec.Offset())
		}
		currOff += rec.Size()
	}
	a(t, len(store.records) == len(testRecords), "Expected %d records, got %d", len(testRecords), len(store.records))

	store2 := openTestStore(t, dir)
	a(t, len(store2.records) == len(testRecords), "Expected %d records after reopen, got %d", len(testRecords), len(store2.records))
	for i, recTest := range testRecords {
		rec := store2.records[i]
		verifyRecord(t, i, rec, recTest)
		data, err := store2.ReadRecord(rec)
		a(t, err == nil, "Failed to read record: %v", err)
		a(t, bytes.Equal(data, recTest.Data), "Record %d: Data mismatch, expected %s, got %s", i, recTest.Data, data)
	}
	validateStore(t, store2.Store)
}

func validateStore(t *testing.T, store *Store) {
	st, err := os.Stat(store.DataFilePath())
	a(t, err == nil, "Data file %s does not exist", store.DataFilePath())
	dataSize := st.Size()
	for _, rec := range store.Records() {
		recStr := serializeRecord(rec)
		if !rec.isRegular() {
			continue
		}
		if rec.Offset()+rec.SizeInFile() > dataSize {
			t.Fatalf("Record exceeds data file size: offset %d, size %d, data size %d\n%s", rec.Offset(), rec.SizeInFile(), dataSize, recStr)
		}
	}
}

func TestAppendRecordInline(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	data := []byte(`{"theme":"dark","fontSize":14}`)
	err := store.AppendDataInline("config", "settings", data)
	a(t, err == nil, "Failed to append inline record: %v", err)
	rec := getLastRecord(store.records)
	a(t, rec.isInline(), "Expected inline record")
	readData, err := store.ReadRecord(rec)
	a(t, err == nil, "Failed to read inline record: %v", err)
	a(t, bytes.Equal(readData, data), "Data mismatch, expected %s, got %s", data, readData)

	err = store.AppendDataInline("empty", "test", nil)
	a(t, err == nil, "Failed to append empty inline record: %v", err)
	err = store.AppendDataInline("", "meta", data)
	a(t, err != nil, "Expected error for empty kind")
	err = store.AppendDataInline("config", "meta\nwith\nnewlines", data)
	a(t, err != nil, "Expected error for meta with newlines")

	regularData := []byte("regular record data")
	err = store.AppendData("regular", "rec1", regularData)
	a(t, err == nil, "Failed to append regular record: %v", err)
	err = store.AppendDataInline("inline2", "rec2", []byte("ends with newline\n"))
	a(t, err == nil, "Failed to append inline record: %v", err)
	a(t, len(store.records) == 4, "Expected 4 records, got %d", len(store.records))

	store2 := openTestStore(t, dir)
	a(t, len(store2.records) == 4, "Expected 4 records after reopen, got %d", len(store2.records))
	exp := [][]byte{data, nil, regularData, []byte("ends with newline\n")}
	for i, rec := range store2.records {
		d, err := store2.ReadRecord(rec)
		a(t, err == nil, "Failed to read record %d after reopen: %v", i, err)
		a(t, bytes.Equal(d, exp[i]), "Record %d: data mismatch after reopen, expected %q, got %q", i, exp[i], d)
	}
}

func TestAppendRecordFile(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	data := []byte("PDF content here")
	meta := []byte("this is meta")
	err := store.AppendFile("attachment", "doc1.dat", data, meta)
	a(t, err == nil, "Failed to append file record: %v", err)
	rec := getLastRecord(store.records)
	a(t, rec.IsFile(), "Expected file record")
	a(t, rec.Meta() == "", "Expected empty meta for file record, got %s", rec.Meta())
	a(t, rec.FileName() == "doc1.dat", "Expected file name doc1.dat, got %s", rec.FileName())
	a(t, rec.Size() == int64(len(meta)), "Expected size %d, got %d", len(meta), rec.Size())
	fsize, err := store.FileSize(rec)
	a(t, err == nil, "Failed to get file size: %v", err)
	a(t, fsize == int64(len(data)), "Expected file size %d, got %d", len(data), fsize)

	err = store.AppendFile("attachment", "../doc2.dat", data, nil)
	a(t, err != nil, "Expected error for file name with directory")
	err = store.AppendFile("attachment", "", data, nil)
	a(t, err != nil, "Expected error for empty file name")

	store2 := openTestStore(t, dir)
	a(t, len(store2.records) == 1, "Expected 1 record after reopen, got %d", len(store2.records))
	rec = store2.records[0]
	d, err := store2.ReadFile(rec)
	a(t, err == nil, "ReadFile failed: %v", err)
	a(t, bytes.Equal(d, data), "File data mismatch: %s", d)
	d, err = store2.ReadRecord(rec)
	a(t, err == nil, "ReadRecord failed: %v", err)
	a(t, bytes.Equal(d, meta), "Meta data mismatch: %s", d)
}

func TestAppendKV(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	err := store.AppendKV("note-create", nil, "id", "n1", "name", "shopping list")
	a(t, err == nil, "AppendKV failed: %v", err)
	err = store.AppendKVInline("note-content", []byte("milk\neggs\n"), "id", "n1", "ver", "1")
	a(t, err == nil, "AppendKVInline failed: %v", err)
	err = store.AppendKV("note-create", nil, "id")
	a(t, errors.Is(err, ErrInvalidInput), "Expected ErrInvalidInput, got %v", err)
	err = store.AppendKV("note-create", nil, "i d", "n1")
	a(t, errors.Is(err, ErrInvalidKey), "Expected ErrInvalidKey, got %v", err)
	a(t, len(store.records) == 2, "Expected 2 records, got %d", len(store.records))

	store2 := openTestStore(t, dir)
	m, err := store2.records[0].MetaKV()
	a(t, err == nil, "MetaKV failed: %v", err)
	a(t, m.Len() == 2, "Expected 2 entries, got %d", m.Len())
	name, ok := m.Get("name")
	a(t, ok && name == "shopping list", "Expected name 'shopping list', got '%s'", name)

	m, err = store2.records[1].MetaKV()
	a(t, err == nil, "MetaKV failed: %v", err)
	ver, _ := m.Get("ver")
	a(t, ver == "1", "Expected ver 1, got '%s'", ver)
	d, err := store2.ReadRecord(store2.records[1])
	a(t, err == nil, "ReadRecord failed: %v", err)
	a(t, string(d) == "milk\neggs\n", "Data mismatch: %q", d)
}

func TestOverwriteData(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	err := store.OverwriteData("note-content", "id:n1", []byte("hello"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	r1 := getLastRecord(store.records)
	// 140% of 5
	a(t, r1.SizeInFile() == 7, "Expected SizeInFile 7, got %d", r1.SizeInFile())

	err = store.OverwriteData("note-content", "id:n1", []byte("hey"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	r2 := getLastRecord(store.records)
	a(t, r2.Offset() == r1.Offset(), "Expected over-write at offset %d, got %d", r1.Offset(), r2.Offset())
	a(t, r1.Overwritten(), "Expected first record to be over-written")
	a(t, !r2.Overwritten(), "Expected second record to be live")
	d, err := store.ReadRecord(r2)
	a(t, err == nil, "ReadRecord failed: %v", err)
	a(t, string(d) == "hey", "Expected 'hey', got '%s'", d)

	// doesn't fit in reserved space
	err = store.OverwriteData("note-content", "id:n1", []byte("0123456789"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	r3 := getLastRecord(store.records)
	a(t, r3.Offset() > r2.Offset(), "Expected append, got offset %d", r3.Offset())
	a(t, !r2.Overwritten(), "Expected second record to be live")

	// different meta is not over-written
	err = store.OverwriteData("note-content", "id:n2", []byte("x"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	a(t, len(store.LiveRecords()) == 3, "Expected 3 live records, got %d", len(store.LiveRecords()))

	store2 := openTestStore(t, dir)
	a(t, len(store2.records) == 4, "Expected 4 records after reopen, got %d", len(store2.records))
	a(t, store2.records[0].Overwritten(), "Expected first record to be over-written after reopen")
	a(t, len(store2.LiveRecords()) == 3, "Expected 3 live records after reopen, got %d", len(store2.LiveRecords()))
	exp := []string{"", "hey", "0123456789", "x"}
	for i := 1; i < 4; i++ {
		d, err := store2.ReadRecord(store2.records[i])
		a(t, err == nil, "ReadRecord failed: %v", err)
		a(t, string(d) == exp[i], "Record %d: expected '%s', got '%s'", i, exp[i], d)
	}
	validateStore(t, store2.Store)
}

func TestOverwriteNoExpand(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	store.OverwriteExpandPercent = -1
	err := store.OverwriteData("draft", "", []byte("hello"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	r := getLastRecord(store.records)
	a(t, r.SizeInFile() == 5, "Expected no reserved space, got %d", r.SizeInFile())
	a(t, !strings.Contains(serializeRecord(r), ":"), "Expected no reserved size in index line")
}

func writeTestFile(t *testing.T, path string, s string) {
	err := os.WriteFile(path, []byte(s), 0644)
	a(t, err == nil, "Failed to write %s: %v", path, err)
}

func TestCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "index.txt"), "0 5 1000 k1 a:1\nbad line\n5 3 1001 k2\n")
	writeTestFile(t, filepath.Join(dir, "data.bin"), "aaaaabbb")

	s := &Store{DataDir: dir}
	err := OpenStore(s)
	a(t, err != nil, "Expected error for corrupt index")
	a(t, strings.Contains(err.Error(), "line 2"), "Expected line number in error, got %v", err)

	var corruptLines []int
	var records []*Record
	s = &Store{
		DataDir:     dir,
		SkipCorrupt: true,
		OnCorrupt: func(lineNo int, line string, err error) {
			corruptLines = append(corruptLines, lineNo)
			a(t, line == "bad line", "Expected 'bad line', got '%s'", line)
		},
		OnRecord: func(rec *Record, _ []byte) {
			records = append(records, rec)
		},
	}
	err = OpenStore(s)
	a(t, err == nil, "OpenStore failed: %v", err)
	defer s.CloseFiles()
	a(t, len(records) == 2, "Expected 2 records, got %d", len(records))
	a(t, len(corruptLines) == 1 && corruptLines[0] == 2, "Expected corrupt line 2, got %v", corruptLines)
	d, err := s.ReadRecord(records[1])
	a(t, err == nil, "ReadRecord failed: %v", err)
	a(t, string(d) == "bbb", "Expected 'bbb', got '%s'", d)
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	err := store.OverwriteData("note-content", "id:n1", []byte("hello"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	err = store.OverwriteData("note-content", "id:n1", []byte("hey"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	err = store.OverwriteData("note-content", "id:n1", []byte("0123456789"))
	a(t, err == nil, "OverwriteData failed: %v", err)
	err = store.AppendDataInline("note-meta", "id:n1 starred:1", []byte("inline"))
	a(t, err == nil, "AppendDataInline failed: %v", err)
	err = store.AppendFile("attachment", "a.txt", []byte("abc"), []byte("file meta"))
	a(t, err == nil, "AppendFile failed: %v", err)

	live := store.LiveRecords()
	a(t, len(live) == 4, "Expected 4 live records, got %d", len(live))
	err = store.Compact()
	a(t, err == nil, "Compact failed: %v", err)
	a(t, len(store.Records()) == 4, "Expected 4 records after compact, got %d", len(store.Records()))
	assertSameText(t, "hey\n0123456789\n", readFileString(t, store.DataFilePath()))

	exp := []string{"hey", "0123456789", "inline", "file meta"}
	check := func(s *Store, recs []*Record) {
		for i, rec := range recs {
			d, err := s.ReadRecord(rec)
			a(t, err == nil, "ReadRecord failed: %v", err)
			a(t, string(d) == exp[i], "Record %d: expected '%s', got '%s'", i, exp[i], d)
			a(t, rec.SizeInFile() == rec.Size(), "Record %d: expected no reserved space", i)
		}
	}
	// *Record from before compaction are still valid
	check(store.Store, live)

	// can append after compaction
	err = store.AppendData("note-delete", "id:n1", []byte("x"))
	a(t, err == nil, "AppendData failed: %v", err)
	exp = append(exp, "x")

	store2 := openTestStore(t, dir)
	a(t, len(store2.records) == 5, "Expected 5 records after reopen, got %d", len(store2.records))
	check(store2.Store, store2.records)
	_, err = os.Stat(filepath.Join(dir, "index.txt"+compactSuffix))
	a(t, os.IsNotExist(err), "Expected compaction file to be removed")
}

func TestCompactWhileReading(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	for i := range 20 {
		err := store.OverwriteData("note-content", "id:n1", []byte(strings.Repeat("x", i+1)))
		a(t, err == nil, "OverwriteData failed: %v", err)
	}
	err := store.AppendFile("attachment", "a.txt", []byte("abc"), nil)
	a(t, err == nil, "AppendFile failed: %v", err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, rec := range store.Records() {
				if rec.IsFile() {
					continue
				}
				_ = rec.Offset() + rec.SizeInFile()
				_ = rec.Overwritten()
			}
		}
	}()
	for range 5 {
		err = store.Compact()
		a(t, err == nil, "Compact failed: %v", err)
		err = store.OverwriteData("note-content", "id:n1", []byte("y"))
		a(t, err == nil, "OverwriteData failed: %v", err)
	}
	close(done)
	wg.Wait()

	live := store.LiveRecords()
	d, err := store.ReadRecord(live[len(live)-1])
	a(t, err == nil, "ReadRecord failed: %v", err)
	a(t, string(d) == "y", "Expected 'y', got '%s'", d)
}

func TestRecoverCompaction(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "index.txt"), "0 3 1000 old\n")
	writeTestFile(t, filepath.Join(dir, "data.bin"), "old")

	// data written but index not: compaction is rolled back
	writeTestFile(t, filepath.Join(dir, "data.bin"+compactSuffix), "new")
	s := openTestStore(t, dir)
	a(t, len(s.records) == 1 && s.records[0].Kind == "old", "Expected old record")
	a(t, !fileExists(filepath.Join(dir, "data.bin"+compactSuffix)), "Expected staged data to be removed")
	s.CloseFiles()

	// both written: compaction is finished
	writeTestFile(t, filepath.Join(dir, "data.bin"+compactSuffix), "new!")
	writeTestFile(t, filepath.Join(dir, "index.txt"+compactSuffix), "0 4 1000 new\n")
	s = openTestStore(t, dir)
	a(t, len(s.records) == 1 && s.records[0].Kind == "new", "Expected new record")
	d, err := s.ReadRecord(s.records[0])
	a(t, err == nil, "ReadRecord failed: %v", err)
	a(t, string(d) == "new!", "Expected 'new!', got '%s'", d)
	s.CloseFiles()

	// crashed after renaming data file
	writeTestFile(t, filepath.Join(dir, "data.bin"), "newer")
	writeTestFile(t, filepath.Join(dir, "index.txt"+compactSuffix), "0 5 1000 newer\n")
	s = openTestStore(t, dir)
	a(t, len(s.records) == 1 && s.records[0].Kind == "newer", "Expected newer record")
}

func TestExportImportZip(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	err := store.AppendKV("note-create", nil, "id", "n1", "name", "my note")
	a(t, err == nil, "AppendKV failed: %v", err)
	err = store.AppendData("note-content", "id:n1", []byte("content of the note"))
	a(t, err == nil, "AppendData failed: %v", err)
	err = store.AppendDataInline("note-meta", "id:n1 starred:1", []byte("inline"))
	a(t, err == nil, "AppendDataInline failed: %v", err)
	err = store.AppendFile("attachment", "a.txt", []byte("abc"), nil)
	a(t, err == nil, "AppendFile failed: %v", err)

	var buf bytes.Buffer
	err = store.ExportZip(&buf)
	a(t, err == nil, "ExportZip failed: %v", err)
	zipData := buf.Bytes()

	recs, err := ValidateZip(zipData)
	a(t, err == nil, "ValidateZip failed: %v", err)
	a(t, len(recs) == 4, "Expected 4 records, got %d", len(recs))

	dir2 := filepath.Join(t.TempDir(), "imported")
	err = ImportZip(dir2, zipData)
	a(t, err == nil, "ImportZip failed: %v", err)
	err = ImportZip(dir2, zipData)
	a(t, err != nil, "Expected ImportZip to fail for non-empty store")

	store2 := openTestStore(t, dir2)
	a(t, len(store2.records) == 4, "Expected 4 records after import, got %d", len(store2.records))
	for i, rec := range store.records {
		d1, err := store.ReadRecord(rec)
		a(t, err == nil, "ReadRecord failed: %v", err)
		d2, err := store2.ReadRecord(store2.records[i])
		a(t, err == nil, "ReadRecord failed: %v", err)
		a(t, bytes.Equal(d1, d2), "Record %d: data mismatch", i)
	}
	d, err := store2.ReadFile(store2.records[3])
	a(t, err == nil, "ReadFile failed: %v", err)
	a(t, string(d) == "abc", "Expected 'abc', got '%s'", d)
}

func makeZip(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		a(t, err == nil, "zip Create failed: %v", err)
		_, err = w.Write([]byte(content))
		a(t, err == nil, "zip Write failed: %v", err)
	}
	a(t, zw.Close() == nil, "zip Close failed")
	return buf.Bytes()
}

func TestValidateZipErrors(t *testing.T) {
	_, err := ValidateZip([]byte("not a zip"))
	a(t, err != nil, "Expected error for invalid zip")

	tests := []map[string]string{
		{ZipDataName: "abc"},
		{ZipIndexName: "0 5 1000 k\n", ZipDataName: "abc"},
		{ZipIndexName: "0 3:8 1000 k\n", ZipDataName: "abc"},
		{ZipIndexName: "f 0 1000 k a.txt\n", ZipDataName: ""},
		{ZipIndexName: "garbage\n", ZipDataName: "abc"},
	}
	for i, files := range tests {
		_, err = ValidateZip(makeZip(t, files))
		a(t, err != nil, "Test %d: expected validation error", i)
	}

	recs, err := ValidateZip(makeZip(t, map[string]string{ZipIndexName: "0 3 1000 k\n", ZipDataName: "abc"}))
	a(t, err == nil, "ValidateZip failed: %v", err)
	a(t, len(recs) == 1, "Expected 1 record, got %d", len(recs))
}

func TestImportZipBadFileNames(t *testing.T) {
	names := []string{"", ".", "..", "../x.txt", "sub/a.txt", "a\\b.txt"}
	for _, name := range names {
		files := map[string]string{
			ZipIndexName: "0 3 1000 k\n",
			ZipDataName:  "abc",
			name:         "x",
		}
		dir := filepath.Join(t.TempDir(), "imported")
		err := ImportZip(dir, makeZip(t, files))
		a(t, err != nil, "Expected ImportZip to fail for file name '%s'", name)
		a(t, !fileExists(filepath.Join(dir, ZipDataName)), "Expected no data file for file name '%s'", name)
		a(t, !fileExists(filepath.Join(dir, ZipIndexName)), "Expected no index file for file name '%s'", name)
	}

	files := map[string]string{
		ZipIndexName: "f 0 1000 k a.txt\n",
		ZipDataName:  "",
		"a.txt":      "x",
	}
	dir := filepath.Join(t.TempDir(), "imported")
	err := ImportZip(dir, makeZip(t, files))
	a(t, err == nil, "ImportZip failed: %v", err)
	a(t, readFileString(t, filepath.Join(dir, "a.txt")) == "x", "Expected content of a.txt to be 'x'")
}

func TestReadZipSizeLimit(t *testing.T) {
	prev := maxZipUncompressedSize
	maxZipUncompressedSize = 100
	defer func() { maxZipUncompressedSize = prev }()

	// highly compressible so compressed zip is much smaller than the limit
	big := strings.Repeat("a", 1000)
	_, err := ReadZip(makeZip(t, map[string]string{ZipIndexName: "0 1000 1000 k\n", ZipDataName: big}))
	a(t, err != nil, "Expected error for entry over the size limit")

	// each entry is under the limit but together they are not
	data := strings.Repeat("b", 60)
	index := "0 60 1000 k\n" + strings.Repeat("_ 0 1000 k\n", 4)
	_, err = ReadZip(makeZip(t, map[string]string{ZipIndexName: index, ZipDataName: data}))
	a(t, err != nil, "Expected error for entries over the size limit")

	b, err := ReadZip(makeZip(t, map[string]string{ZipIndexName: "0 60 1000 k\n", ZipDataName: data}))
	a(t, err == nil, "ReadZip failed: %v", err)
	a(t, len(b.Records) == 1, "Expected 1 record, got %d", len(b.Records))
}

func TestConcurrentAppend(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				id := fmt.Sprintf("g%d-%d", g, i)
				err := store.AppendKV("note-create", []byte(id), "id", id, "name", "note "+id)
				a(t, err == nil, "AppendKV failed: %v", err)
			}
		}()
	}
	wg.Wait()
	a(t, len(store.Records()) == 400, "Expected 400 records, got %d", len(store.Records()))

	store2 := openTestStore(t, dir)
	a(t, len(store2.records) == 400, "Expected 400 records after reopen, got %d", len(store2.records))
	for _, rec := range store2.records {
		m, err := rec.MetaKV()
		a(t, err == nil, "MetaKV failed: %v", err)
		id, _ := m.Get("id")
		d, err := store2.ReadRecord(rec)
		a(t, err == nil, "ReadRecord failed: %v", err)
		a(t, string(d) == id, "Expected data '%s', got '%s'", id, d)
	}
}
