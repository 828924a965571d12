package appendstore

// KV represents a single key / value entry
type KV struct {
	Key   string
	Value string
}

// Meta is an ordered list of key / value pairs, usually stored
// as a record's metadata. Keys can repeat.
type Meta struct {
	Entries []KV
}

// NewMeta creates Meta from alternating keys and values
func NewMeta(keyValues ...string) (*Meta, error) {
	n := len(keyValues)
	if n%2 != 0 {
		return nil, &KVError{Kind: ErrInvalidInput, Pos: n, Msg: "odd number of arguments"}
	}
	m := &Meta{}
	for i := 0; i < n; i += 2 {
		m.Add(keyValues[i], keyValues[i+1])
	}
	return m, nil
}

// ParseMeta parses a line serialized with KeyValueMarshal or Meta.Marshal
func ParseMeta(s string) (*Meta, error) {
	kv, err := KeyValueUnmarshal(s)
	if err != nil {
		return nil, err
	}
	m := &Meta{
		Entries: make([]KV, 0, len(kv)/2),
	}
	for i := 0; i < len(kv); i += 2 {
		m.Add(kv[i], kv[i+1])
	}
	return m, nil
}

// Len returns number of entries
func (m *Meta) Len() int {
	return len(m.Entries)
}

// Get returns value of the first entry with a given key
func (m *Meta) Get(key string) (string, bool) {
	for _, kv := range m.Entries {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// GetAll returns values of all entries with a given key, in order
func (m *Meta) GetAll(key string) []string {
	var res []string
	for _, kv := range m.Entries {
		if kv.Key == key {
			res = append(res, kv.Value)
		}
	}
	return res
}

// Add appends an entry even if the key already exists
func (m *Meta) Add(k, v string) {
	m.Entries = append(m.Entries, KV{Key: k, Value: v})
}

// Set sets a value for the first entry with a given key. Returns true if new
// entry was added, false if existing value was updated
func (m *Meta) Set(k, v string) bool {
	for i, kv := range m.Entries {
		if kv.Key == k {
			m.Entries[i].Value = v
			return false
		}
	}
	m.Add(k, v)
	return true
}

// Pairs returns entries as alternating keys and values
func (m *Meta) Pairs() []string {
	res := make([]string, 0, len(m.Entries)*2)
	for _, kv := range m.Entries {
		res = append(res, kv.Key, kv.Value)
	}
	return res
}

// Marshal serializes entries with KeyValueMarshal
func (m *Meta) Marshal() (string, error) {
	return KeyValueMarshal(m.Pairs()...)
}
