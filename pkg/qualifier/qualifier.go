/*
Package qualifier implements the structured path names used to address process
models, the items inside them and the ports or parameters of those items.

The textual form is

	[/<model>/][<ItemType>:]<item>[.<objectPath>]

where objectPath is a dot-separated list of segments (usually port.parameter).
A backslash escapes a delimiter inside a model, item type or item name.
*/
package qualifier

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiters of the textual form.
const (
	ModelDelimiter = '/'
	TypeDelimiter  = ':'
	PathDelimiter  = '.'

	escapeChar = '\\'
)

// ErrInvalid is the sentinel wrapped by every ParseError.
var ErrInvalid = errors.New("invalid qualifier")

// ParseError describes why a string could not be parsed.
type ParseError struct {
	Input  string
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("qualifier %q: %s (offset %d)", e.Input, e.Reason, e.Offset)
}

func (e *ParseError) Unwrap() error { return ErrInvalid }

// Qualifier is an immutable structured name. The zero value addresses nothing.
// Empty fields are absent.
type Qualifier struct {
	model      string
	item       string
	itemType   string
	objectPath string
}

// New builds a qualifier for an item inside a model.
func New(model, item string) Qualifier {
	return Qualifier{model: model, item: item}
}

// Parse converts the textual form into a Qualifier.
func Parse(s string) (Qualifier, error) {
	if s == "" {
		return Qualifier{}, &ParseError{Input: s, Reason: "empty qualifier"}
	}

	var q Qualifier
	offset := 0

	if s[0] == ModelDelimiter {
		end := indexUnescaped(s, 1, ModelDelimiter)
		if end < 0 {
			return Qualifier{}, &ParseError{Input: s, Offset: 0, Reason: "unterminated model segment"}
		}
		raw := s[1:end]
		if raw == "" {
			return Qualifier{}, &ParseError{Input: s, Offset: 1, Reason: "empty model name"}
		}
		q.model = unescape(raw)
		offset = end + 1
	}

	rest := s[offset:]
	head := rest
	if dot := indexUnescaped(rest, 0, PathDelimiter); dot >= 0 {
		head = rest[:dot]
		path := rest[dot+1:]
		if err := validatePath(path); err != "" {
			return Qualifier{}, &ParseError{Input: s, Offset: offset + dot + 1, Reason: err}
		}
		q.objectPath = path
	}

	if head != "" {
		if colon := indexUnescaped(head, 0, TypeDelimiter); colon >= 0 {
			typ := head[:colon]
			if typ == "" {
				return Qualifier{}, &ParseError{Input: s, Offset: offset, Reason: "empty item type"}
			}
			q.itemType = unescape(typ)
			q.item = unescape(head[colon+1:])
		} else {
			q.item = unescape(head)
		}
	}

	return q, nil
}

// Must is like Parse but panics on error. Intended for literals in tests and fixtures.
func Must(s string) Qualifier {
	q, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return q
}

func (q Qualifier) Model() string      { return q.model }
func (q Qualifier) Item() string       { return q.item }
func (q Qualifier) ItemType() string   { return q.itemType }
func (q Qualifier) ObjectPath() string { return q.objectPath }

func (q Qualifier) HasModel() bool      { return q.model != "" }
func (q Qualifier) HasItem() bool       { return q.item != "" }
func (q Qualifier) HasObjectPath() bool { return q.objectPath != "" }

// IsZero reports whether no component is set.
func (q Qualifier) IsZero() bool { return q == Qualifier{} }

// Equal reports structural equality.
func (q Qualifier) Equal(other Qualifier) bool { return q == other }

// Segments splits the object path.
func (q Qualifier) Segments() []string {
	if q.objectPath == "" {
		return nil
	}
	return strings.Split(q.objectPath, string(PathDelimiter))
}

func (q Qualifier) WithModel(model string) Qualifier {
	q.model = model
	return q
}

func (q Qualifier) WithItem(item string) Qualifier {
	q.item = item
	return q
}

func (q Qualifier) WithItemType(itemType string) Qualifier {
	q.itemType = itemType
	return q
}

func (q Qualifier) WithObjectPath(path string) Qualifier {
	q.objectPath = path
	return q
}

// Append extends the object path with further segments.
func (q Qualifier) Append(segments ...string) Qualifier {
	q.objectPath = Join(append([]string{q.objectPath}, segments...)...)
	return q
}

// ItemOnly drops the object path, leaving the address of the item itself.
func (q Qualifier) ItemOnly() Qualifier {
	q.objectPath = ""
	return q
}

// ResolveIn fills a missing model from base. Used for references relative to the
// model that contains them.
func (q Qualifier) ResolveIn(base Qualifier) Qualifier {
	if q.model == "" {
		q.model = base.model
	}
	return q
}

// String returns the canonical form. Parsing it yields an equal Qualifier.
func (q Qualifier) String() string {
	var b strings.Builder
	if q.model != "" {
		b.WriteByte(ModelDelimiter)
		b.WriteString(escape(q.model, ModelDelimiter))
		b.WriteByte(ModelDelimiter)
	}
	if q.itemType != "" {
		b.WriteString(escape(q.itemType, ModelDelimiter, TypeDelimiter, PathDelimiter))
		b.WriteByte(TypeDelimiter)
	}
	if q.item != "" {
		b.WriteString(escape(q.item, ModelDelimiter, TypeDelimiter, PathDelimiter))
	}
	if q.objectPath != "" {
		b.WriteByte(PathDelimiter)
		b.WriteString(q.objectPath)
	}
	return b.String()
}

func (q Qualifier) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *Qualifier) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*q = Qualifier{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Join concatenates path parts with the path delimiter, skipping empty parts.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(PathDelimiter)
		}
		b.WriteString(p)
	}
	return b.String()
}

func validatePath(path string) string {
	if path == "" {
		return "empty object path"
	}
	for _, seg := range strings.Split(path, string(PathDelimiter)) {
		if seg == "" {
			return "empty object path segment"
		}
	}
	return ""
}

// indexUnescaped returns the index of the first delim at or after from that is not
// preceded by the escape character, or -1.
func indexUnescaped(s string, from int, delim byte) int {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case escapeChar:
			i++
		case delim:
			return i
		}
	}
	return -1
}

func escape(s string, delims ...byte) string {
	if !strings.ContainsAny(s, string(delims)+string(escapeChar)) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == escapeChar || strings.IndexByte(string(delims), c) >= 0 {
			b.WriteByte(escapeChar)
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unescape(s string) string {
	if strings.IndexByte(s, escapeChar) < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == escapeChar && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
