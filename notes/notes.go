// Package notes replays note records from appendstore into notes
// and appends new records when notes change.
package notes

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/kjk/notestore/appendstore"
	"github.com/kjk/notestore/log"
)

// record kinds
const (
	KindCreate  = "note-create"
	KindMeta    = "note-meta"
	KindDelete  = "note-delete"
	KindContent = "note-content"
)

// flags in compact representation of a note
const (
	FlagStarred  = 0x01
	FlagArchived = 0x02
)

var (
	ErrNotFound = errors.New("note not found")
	ErrChecksum = errors.New("content checksum mismatch")
)

type Version struct {
	ID          string
	Size        int64
	Sum         string
	TimestampMs int64

	rec *appendstore.Record
}

type Note struct {
	ID          string
	Name        string
	CreatedAt   int64
	ModifiedAt  int64
	IsStarred   bool
	IsArchived  bool
	AltShortcut string
	// content versions, oldest first
	Versions []*Version
}

// Flags returns FlagStarred and FlagArchived bits
func (n *Note) Flags() int {
	flags := 0
	if n.IsStarred {
		flags |= FlagStarred
	}
	if n.IsArchived {
		flags |= FlagArchived
	}
	return flags
}

// Compact returns a note as:
// [id, name, flags, altShortcut, createdAt, modifiedAt, versionIds...]
func (n *Note) Compact() []any {
	res := []any{n.ID, n.Name, n.Flags(), n.AltShortcut, n.CreatedAt, n.ModifiedAt}
	for _, v := range n.Versions {
		res = append(res, v.ID)
	}
	return res
}

func (n *Note) clone() *Note {
	res := *n
	res.Versions = slices.Clone(n.Versions)
	return &res
}

type Options struct {
	// if true, Open fails on a record with malformed metadata
	// if false, such records are logged and skipped
	Strict bool
	// passed to appendstore.Store
	SyncWrite bool
}

type Notes struct {
	store *appendstore.Store
	opts  Options

	notes map[string]*Note
	// in order of creation
	order []*Note
	// number of records in the store
	nRecords int
	// first error in Strict mode
	replayErr error

	mu sync.Mutex
}

// Open opens notes store in dir, creating it if needed
func Open(dir string, opts *Options) (*Notes, error) {
	n := &Notes{
		notes: map[string]*Note{},
	}
	if opts != nil {
		n.opts = *opts
	}
	n.store = &appendstore.Store{
		DataDir:   dir,
		SyncWrite: n.opts.SyncWrite,
		OnRecord:  n.apply,
	}
	if !n.opts.Strict {
		n.store.SkipCorrupt = true
		n.store.OnCorrupt = func(lineNo int, line string, err error) {
			log.Errorf("notes.Open: skipping corrupt line %d in '%s': %s\n", lineNo, filepath.Join(dir, "index.txt"), err)
		}
	}
	if err := appendstore.OpenStore(n.store); err != nil {
		return nil, err
	}
	if n.replayErr != nil {
		n.store.CloseFiles()
		return nil, n.replayErr
	}
	log.Verbosef("notes.Open: %d notes from %d records in '%s'\n", len(n.order), n.nRecords, dir)
	return n, nil
}

func (n *Notes) Close() error {
	return n.store.CloseFiles()
}

// Store returns the underlying store
func (n *Notes) Store() *appendstore.Store {
	return n.store
}

// LastChangeID changes every time a record is added
func (n *Notes) LastChangeID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nRecords
}

// replayError handles a record that can't be applied
func (n *Notes) replayError(rec *appendstore.Record, err error) {
	err = fmt.Errorf("record %d of kind '%s' with meta '%s': %w", n.nRecords, rec.Kind, rec.Meta(), err)
	if n.opts.Strict {
		if n.replayErr == nil {
			n.replayErr = err
		}
		return
	}
	log.Errorf("notes: skipping %s\n", err)
}

func parseBool(s string) (bool, error) {
	switch s {
	case "1":
		return true, nil
	case "0", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool value '%s'", s)
}

// apply is called by the store for every record (from OpenStore and on append)
// it's called with n.mu locked, except during Open
func (n *Notes) apply(rec *appendstore.Record, _ []byte) {
	n.nRecords++
	switch rec.Kind {
	case KindCreate, KindMeta, KindDelete, KindContent:
		// those are ours
	default:
		return
	}
	m, err := rec.MetaKV()
	if err != nil {
		n.replayError(rec, err)
		return
	}
	id, _ := m.Get("id")
	if id == "" {
		n.replayError(rec, fmt.Errorf("missing id"))
		return
	}
	note := n.notes[id]
	if rec.Kind == KindCreate {
		if note != nil {
			n.replayError(rec, fmt.Errorf("note '%s' already exists", id))
			return
		}
		name, _ := m.Get("name")
		note = &Note{
			ID:         id,
			Name:       name,
			CreatedAt:  rec.TimestampMs,
			ModifiedAt: rec.TimestampMs,
		}
		n.notes[id] = note
		n.order = append(n.order, note)
		return
	}
	if note == nil {
		n.replayError(rec, fmt.Errorf("%w: '%s'", ErrNotFound, id))
		return
	}

	switch rec.Kind {
	case KindMeta:
		if err = applyMeta(note, m); err != nil {
			n.replayError(rec, err)
			return
		}
		note.ModifiedAt = rec.TimestampMs
	case KindDelete:
		delete(n.notes, id)
		n.order = slices.DeleteFunc(n.order, func(o *Note) bool { return o == note })
	case KindContent:
		ver, _ := m.Get("ver")
		sum, _ := m.Get("sum")
		if ver == "" || sum == "" {
			n.replayError(rec, fmt.Errorf("missing ver or sum"))
			return
		}
		v := &Version{
			ID:          ver,
			Size:        rec.Size(),
			Sum:         sum,
			TimestampMs: rec.TimestampMs,
			rec:         rec,
		}
		note.Versions = append(note.Versions, v)
		note.ModifiedAt = rec.TimestampMs
	}
}

// applyMeta applies changes to a copy first so that invalid meta
// doesn't partially change the note
func applyMeta(note *Note, m *appendstore.Meta) error {
	tmp := *note
	var err error
	for _, kv := range m.Entries {
		switch kv.Key {
		case "name":
			tmp.Name = kv.Value
		case "starred":
			tmp.IsStarred, err = parseBool(kv.Value)
		case "archived":
			tmp.IsArchived, err = parseBool(kv.Value)
		case "shortcut":
			tmp.AltShortcut = kv.Value
		}
		if err != nil {
			return fmt.Errorf("key '%s': %w", kv.Key, err)
		}
	}
	*note = tmp
	return nil
}

// Create creates a new note
func (n *Notes) Create(name string) (*Note, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := uuid.NewString()
	err := n.store.AppendKV(KindCreate, nil, "id", id, "name", name)
	if err != nil {
		return nil, err
	}
	return n.notes[id].clone(), nil
}

// MetaUpdate describes changes to note metadata. nil fields are not changed.
type MetaUpdate struct {
	Name        *string
	IsStarred   *bool
	IsArchived  *bool
	AltShortcut *string
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (u *MetaUpdate) keyValues() []string {
	var res []string
	if u.Name != nil {
		res = append(res, "name", *u.Name)
	}
	if u.IsStarred != nil {
		res = append(res, "starred", boolStr(*u.IsStarred))
	}
	if u.IsArchived != nil {
		res = append(res, "archived", boolStr(*u.IsArchived))
	}
	if u.AltShortcut != nil {
		res = append(res, "shortcut", *u.AltShortcut)
	}
	return res
}

// SetMeta changes metadata of a note
func (n *Notes) SetMeta(id string, upd *MetaUpdate) (*Note, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	note := n.notes[id]
	if note == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	kv := upd.keyValues()
	if len(kv) == 0 {
		return note.clone(), nil
	}
	kv = append([]string{"id", id}, kv...)
	if err := n.store.AppendKV(KindMeta, nil, kv...); err != nil {
		return nil, err
	}
	return n.notes[id].clone(), nil
}

// Delete deletes a note
func (n *Notes) Delete(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notes[id] == nil {
		return fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	return n.store.AppendKV(KindDelete, nil, "id", id)
}

// Get returns a copy of a note
func (n *Notes) Get(id string) (*Note, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	note := n.notes[id]
	if note == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	return note.clone(), nil
}

// List returns copies of all notes that were not deleted, in order of creation
func (n *Notes) List() []*Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := make([]*Note, 0, len(n.order))
	for _, note := range n.order {
		res = append(res, note.clone())
	}
	return res
}
