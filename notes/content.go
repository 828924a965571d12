package notes

import (
	"fmt"
	"strconv"

	"github.com/kjk/notestore/u"
)

// SaveContent saves a new version of note content
func (n *Notes) SaveContent(id string, content []byte) (*Version, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	note := n.notes[id]
	if note == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	ver := strconv.Itoa(len(note.Versions) + 1)
	sum := u.DataBlake3Hex(content)
	err := n.store.AppendKV(KindContent, content, "id", id, "ver", ver, "sum", sum)
	if err != nil {
		return nil, err
	}
	v := *note.Versions[len(note.Versions)-1]
	return &v, nil
}

func (n *Notes) readVersion(v *Version) ([]byte, error) {
	d, err := n.store.ReadRecord(v.rec)
	if err != nil {
		return nil, err
	}
	if sum := u.DataBlake3Hex(d); sum != v.Sum {
		return nil, fmt.Errorf("%w: version '%s', expected %s, got %s", ErrChecksum, v.ID, v.Sum, sum)
	}
	return d, nil
}

// Content returns the latest version of note content.
// Returns nil if content was never saved.
func (n *Notes) Content(id string) ([]byte, error) {
	n.mu.Lock()
	note := n.notes[id]
	var v *Version
	if note != nil && len(note.Versions) > 0 {
		v = note.Versions[len(note.Versions)-1]
	}
	n.mu.Unlock()
	if note == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	if v == nil {
		return nil, nil
	}
	return n.readVersion(v)
}

// ContentVersion returns a given version of note content
func (n *Notes) ContentVersion(id string, verID string) ([]byte, error) {
	n.mu.Lock()
	note := n.notes[id]
	var v *Version
	if note != nil {
		for _, ver := range note.Versions {
			if ver.ID == verID {
				v = ver
			}
		}
	}
	n.mu.Unlock()
	if note == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: version '%s' of note '%s'", ErrNotFound, verID, id)
	}
	return n.readVersion(v)
}

// Versions returns versions of note content, oldest first
func (n *Notes) Versions(id string) ([]*Version, error) {
	note, err := n.Get(id)
	if err != nil {
		return nil, err
	}
	return note.Versions, nil
}
