package log

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/kjk/notestore/appendstore"
	"github.com/toon-format/toon-go"
)

// Events are written to events log, one per line, serialized with
// appendstore.KeyValueMarshal:
//
//	ts:<unix ms> name:<name> key1:val1 key2:"val 2"

// EventRecord is a parsed line from events log
type EventRecord struct {
	Name string
	Time time.Time
	// key / value pairs after ts and name
	Meta *appendstore.Meta
}

// simpleTypeToStr converts simple types to string
// returns error if v is of complex type
func simpleTypeToStr(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	rt := reflect.TypeOf(v)
	kind := rt.Kind()
	switch kind {
	case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer, reflect.Func:
		return "", fmt.Errorf("value of kind %v can't be logged", kind)
	case reflect.String:
		return reflect.ValueOf(v).String(), nil
	}
	return fmt.Sprint(v), nil
}

// FormatEvent serializes event as a single line (without newline)
func FormatEvent(t time.Time, name string, vals ...any) (string, error) {
	n := len(vals)
	if n%2 != 0 {
		return "", fmt.Errorf("odd number of values (%d) in event '%s'", n, name)
	}
	kv := []string{"ts", strconv.FormatInt(t.UTC().UnixMilli(), 10), "name", name}
	for i := 0; i < n; i++ {
		s, err := simpleTypeToStr(vals[i])
		if err != nil {
			return "", fmt.Errorf("event '%s', value %d: %w", name, i, err)
		}
		kv = append(kv, s)
	}
	return appendstore.KeyValueMarshal(kv...)
}

// ParseEvent parses a line written by Event
func ParseEvent(line string) (*EventRecord, error) {
	m, err := appendstore.ParseMeta(line)
	if err != nil {
		return nil, err
	}
	if m.Len() < 2 || m.Entries[0].Key != "ts" || m.Entries[1].Key != "name" {
		return nil, fmt.Errorf("event line must start with ts and name: '%s'", line)
	}
	ms, err := strconv.ParseInt(m.Entries[0].Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ts '%s' in event line: %w", m.Entries[0].Value, err)
	}
	return &EventRecord{
		Name: m.Entries[1].Value,
		Time: time.UnixMilli(ms).UTC(),
		Meta: &appendstore.Meta{Entries: m.Entries[2:]},
	}, nil
}

func writeEvent(name string, vals ...any) error {
	line, err := FormatEvent(time.Now(), name, vals...)
	if err != nil {
		return err
	}
	return eventsLog.WriteString(line + "\n")
}

// Event logs event with key / value pairs
func Event(name string, vals ...any) {
	IfErrf(writeEvent(name, vals...))
}

// EventMap logs m as an event. m is serialized in toon format
// and stored as "toon" value.
// if "name" is present, it's used as event name, otherwise "_js"
func EventMap(m map[string]any) error {
	name := "_js"
	if v, ok := m["name"]; ok {
		if s, ok := v.(string); ok {
			name = s
		}
	}
	dt, err := toon.Marshal(m)
	if err != nil {
		return err
	}
	return writeEvent(name, "toon", string(dt))
}

// EventJSON logs event we presume is JSON encoded
// it converts it to toon and logs with EventMap
func EventJSON(d []byte) error {
	var m map[string]any
	if err := json.Unmarshal(d, &m); err != nil {
		return err
	}
	return EventMap(m)
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}

func appendRequestValues(r *http.Request, vals []any) []any {
	if r == nil {
		return vals
	}
	ip := BestRemoteAddress(r)
	vals = append(vals, "ip", ip)
	userID := r.Header.Get("X-User")
	if userID != "" {
		vals = append(vals, "user", userID)
	}
	return vals
}

func EventFromRequest(r *http.Request, name string, vals ...any) {
	vals = appendRequestValues(r, vals)
	Event(name, vals...)
}

func ErrorEventFromRequest(r *http.Request, err error, name string, vals ...any) {
	vals = appendRequestValues(r, vals)
	vals = append(vals, "error", err.Error())
	Event(name, vals...)
}

func serveJSONStatus(w http.ResponseWriter, v any, statusCode int) {
	d, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(d)
}

// GET /api/le?name=<name>&key1=val1&key2=val2...
func HandleEvent(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	var vals []any
	name := ""
	// form values are a map, sort keys so events are stable
	for _, k := range slices.Sorted(maps.Keys(r.Form)) {
		va := r.Form[k]
		if len(va) == 0 {
			continue
		}
		if k == "name" {
			name = va[0]
			continue
		}
		vals = append(vals, k, va[0])
	}
	if name == "" {
		v := map[string]any{
			"Error": "<name> is required",
		}
		serveJSONStatus(w, v, http.StatusBadRequest)
		return
	}
	vals = appendRequestValues(r, vals)
	if err := writeEvent(name, vals...); err != nil {
		v := map[string]any{
			"Error": err.Error(),
		}
		serveJSONStatus(w, v, http.StatusBadRequest)
		return
	}
	v := map[string]any{
		"Message": "ok",
	}
	serveJSONStatus(w, v, http.StatusOK)
}

// POST /api/lejson
func HandleEventJSON(w http.ResponseWriter, r *http.Request) {
	d, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = EventJSON(d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	serveJSONStatus(w, map[string]any{"Message": "ok"}, http.StatusOK)
}
