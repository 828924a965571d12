// Package appendstore provides an append-only storage of records with
// an index file and a data file.
//
// # Store Structure
//
// A Store consists of:
//   - an index file (default: "index.txt"), one line per record
//   - a data file (default: "data.bin") containing record data
//   - optional separate files, for records added with AppendFile
//
// An index line is:
//
//	<offset> <size>[:<sizeInFile>] <timestampMs> <kind> [<meta>]
//
// Offset "_" means the data is stored in the index file right after the
// line. Offset "f" means the data is in a separate file named by meta.
// sizeInFile is present when space was reserved for over-writing the
// data in place (see [Store.OverwriteData]).
//
// # Basic Usage
//
//	s := &appendstore.Store{
//	    DataDir: "./data",
//	}
//	err := appendstore.OpenStore(s)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.CloseFiles()
//
//	err = s.AppendKV("note-create", nil, "id", "n1", "name", "my note")
//
//	for _, rec := range s.Records() {
//	    data, err := s.ReadRecord(rec)
//	    meta, err := rec.MetaKV()
//	    // ...
//	}
//
// # Key-Value Serialization
//
// Record metadata is usually a list of key / value pairs serialized with
// [KeyValueMarshal] into a single line:
//
//	line, err := appendstore.KeyValueMarshal("name", "John Doe", "age", "30")
//	// line: `name:"John Doe" age:30`
//
//	pairs, err := appendstore.KeyValueUnmarshal(line)
//	// pairs: ["name", "John Doe", "age", "30"]
//
// # Thread Safety
//
// The Store is safe for concurrent use. All public methods that access
// or modify records are protected by a mutex.
package appendstore
