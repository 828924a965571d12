package appendstore

import (
	"errors"
	"fmt"
	"strings"
)

/*
Key/value serialization of a list of strings into a single line:

	key1:value1 key2:value2 key3:"quoted value"

Values containing a space, a newline or '"' are quoted and escaped
(\" \n \\). All other values are written as-is, including backslashes.
Keys are never quoted so they can't contain space, newline or ':'.
*/

var (
	// ErrInvalidInput is returned by KeyValueMarshal for odd number of arguments
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidKey is returned by KeyValueMarshal for a key that can't be serialized
	ErrInvalidKey = errors.New("invalid key")
	// ErrMalformedRecord is returned by KeyValueUnmarshal for a line that isn't valid
	ErrMalformedRecord = errors.New("malformed record")
)

// KVError describes why KeyValueMarshal or KeyValueUnmarshal failed.
// Kind is one of ErrInvalidInput, ErrInvalidKey, ErrMalformedRecord
// so use errors.Is(err, ErrMalformedRecord) to check.
// For KeyValueUnmarshal Pos is byte position in the line.
// For KeyValueMarshal Pos is the index of the argument.
type KVError struct {
	Kind  error
	Pos   int
	Token string
	Msg   string
}

func (e *KVError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s: %s at position %d", e.Kind, e.Msg, e.Pos)
	}
	return fmt.Sprintf("%s: %s at position %d in '%s'", e.Kind, e.Msg, e.Pos, e.Token)
}

func (e *KVError) Unwrap() error {
	return e.Kind
}

func validateKey(key string) string {
	if key == "" {
		return "key is empty"
	}
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case ' ':
			return "key contains space"
		case '\n':
			return "key contains newline"
		case ':':
			return "key contains ':'"
		}
	}
	return ""
}

func needsQuoting(v string) bool {
	return strings.ContainsAny(v, " \n\"")
}

func writeQuoted(sb *strings.Builder, v string) {
	sb.WriteByte('"')
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
}

// KeyValueMarshal serializes key / value pairs into a single line.
// The result never contains a newline.
func KeyValueMarshal(keyValues ...string) (string, error) {
	n := len(keyValues)
	if n%2 != 0 {
		return "", &KVError{Kind: ErrInvalidInput, Pos: n, Msg: fmt.Sprintf("odd number of arguments (%d)", n)}
	}
	var sb strings.Builder
	for i := 0; i < n; i += 2 {
		key := keyValues[i]
		if msg := validateKey(key); msg != "" {
			return "", &KVError{Kind: ErrInvalidKey, Pos: i, Token: key, Msg: msg}
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(key)
		sb.WriteByte(':')
		v := keyValues[i+1]
		if needsQuoting(v) {
			writeQuoted(&sb, v)
		} else {
			sb.WriteString(v)
		}
	}
	return sb.String(), nil
}

func malformed(s string, pos int, msg string) error {
	return &KVError{Kind: ErrMalformedRecord, Pos: pos, Token: s, Msg: msg}
}

// parseQuoted parses quoted value starting at s[i] == '"'
// returns unescaped value and position after closing '"'
func parseQuoted(s string, i int) (string, int, error) {
	start := i
	i++
	var sb strings.Builder
	n := len(s)
	for i < n {
		c := s[i]
		switch c {
		case '"':
			return sb.String(), i + 1, nil
		case '\\':
			if i+1 >= n {
				return "", i, malformed(s, i, "unterminated escape sequence")
			}
			switch s[i+1] {
			case '"':
				sb.WriteByte('"')
			case '\\':
				sb.WriteByte('\\')
			case 'n':
				sb.WriteByte('\n')
			default:
				return "", i, malformed(s, i, fmt.Sprintf("invalid escape sequence '\\%c'", s[i+1]))
			}
			i += 2
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", start, malformed(s, start, "unterminated quoted value")
}

// KeyValueUnmarshal parses a line created with KeyValueMarshal.
// Returns key / value pairs in the order they appear in the line.
func KeyValueUnmarshal(s string) ([]string, error) {
	var res []string
	n := len(s)
	i := 0
	for i < n {
		keyStart := i
		for i < n && s[i] != ':' && s[i] != ' ' {
			if s[i] == '\n' {
				return nil, malformed(s, i, "newline in key")
			}
			i++
		}
		if i >= n || s[i] != ':' {
			return nil, malformed(s, keyStart, "missing ':' after key")
		}
		if i == keyStart {
			return nil, malformed(s, keyStart, "empty key")
		}
		key := s[keyStart:i]
		i++ // ':'

		var val string
		if i < n && s[i] == '"' {
			var err error
			val, i, err = parseQuoted(s, i)
			if err != nil {
				return nil, err
			}
		} else {
			valStart := i
			for i < n && s[i] != ' ' {
				i++
			}
			val = s[valStart:i]
		}
		res = append(res, key, val)

		if i == n {
			break
		}
		if s[i] != ' ' {
			return nil, malformed(s, i, fmt.Sprintf("unexpected '%c' after value", s[i]))
		}
		i++
		if i == n {
			return nil, malformed(s, i-1, "trailing space")
		}
	}
	if len(res)%2 != 0 {
		return nil, malformed(s, n, "odd number of keys and values")
	}
	return res, nil
}
