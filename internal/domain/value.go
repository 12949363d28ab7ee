package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindDate
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	default:
		return "null"
	}
}

// dateKey marks a date value in its JSON form.
const dateKey = "$date"

// Value is a scalar cell or derived value. The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	t    time.Time
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Int(n int) Value { return Value{kind: KindNumber, num: float64(n)} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value { return Value{kind: KindDate, t: t.UTC()} }
func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Time() time.Time { return v.t }
func (v Value) BoolValue() bool { return v.b }
func (v Value) NumberValue() float64 { return v.num }

// Text renders the value the way it would appear in a spreadsheet cell.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		return v.t.Format(time.RFC3339)
	default:
		return ""
	}
}

// Float interprets the value as a number. Strings are parsed leniently.
func (v Value) Float() (float64, error) {
	switch v.kind {
	case KindNumber:
		return v.num, nil
	case KindString:
		trimmed := strings.TrimSpace(v.str)
		if trimmed == "" {
			return 0, errors.Newf("empty string is not a number")
		}
		return cast.ToFloat64E(trimmed)
	case KindBool:
		return cast.ToFloat64E(v.b)
	default:
		return 0, errors.Newf("%s value is not a number", v.kind)
	}
}

// Equal reports whether both values hold the same variant and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindDate:
		return v.t.Equal(other.t)
	default:
		return true
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindDate:
		return json.Marshal(map[string]string{dateKey: v.t.Format(time.RFC3339Nano)})
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Null()
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var wrapped map[string]string
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return errors.Wrap(err, "decode tagged value")
		}
		raw, ok := wrapped[dateKey]
		if !ok || len(wrapped) != 1 {
			return errors.Newf("unsupported object value %s", string(trimmed))
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return errors.Wrapf(err, "decode date value %q", raw)
		}
		*v = Date(t)
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return errors.Wrapf(err, "decode value %s", string(trimmed))
		}
		*v = Number(n)
	}
	return nil
}

func (v Value) GoString() string {
	return fmt.Sprintf("%s(%s)", v.kind, v.Text())
}

// Fields is an insertion-ordered map of named values.
type Fields struct {
	keys   []string
	values map[string]Value
}

// NewFields returns an empty ordered map.
func NewFields() Fields {
	return Fields{values: map[string]Value{}}
}

func (f *Fields) Set(key string, value Value) {
	if f.values == nil {
		f.values = map[string]Value{}
	}
	if _, exists := f.values[key]; !exists {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

func (f Fields) Get(key string) (Value, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f Fields) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (f Fields) Keys() []string {
	return append([]string(nil), f.keys...)
}

func (f Fields) Len() int { return len(f.keys) }

// Merge copies every entry of other into f, overwriting existing keys in place.
func (f *Fields) Merge(other Fields) {
	for _, key := range other.keys {
		f.Set(key, other.values[key])
	}
}

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	out := NewFields()
	out.Merge(f)
	return out
}

func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		encodedValue, err := f.values[key].MarshalJSON()
		if err != nil {
			return nil, errors.Wrapf(err, "encode field %q", key)
		}
		buf.Write(encodedValue)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the key order of the document.
func (f *Fields) UnmarshalJSON(data []byte) error {
	*f = NewFields()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.Newf("fields must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errors.Newf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return errors.Wrapf(err, "decode field %q", key)
		}
		var value Value
		if err := value.UnmarshalJSON(raw); err != nil {
			return errors.Wrapf(err, "decode field %q", key)
		}
		f.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// FieldGroups holds derived values keyed by the group that produced them,
// e.g. {"ageEnrichment": {"currentAge": 44}}. Groups keep insertion order.
type FieldGroups struct {
	names  []string
	groups map[string]Fields
}

func NewFieldGroups() FieldGroups {
	return FieldGroups{groups: map[string]Fields{}}
}

// Put stores group under name, replacing any existing group of that name.
func (g *FieldGroups) Put(name string, group Fields) {
	if g.groups == nil {
		g.groups = map[string]Fields{}
	}
	if _, exists := g.groups[name]; !exists {
		g.names = append(g.names, name)
	}
	g.groups[name] = group.Clone()
}

func (g FieldGroups) Group(name string) (Fields, bool) {
	group, ok := g.groups[name]
	return group, ok
}

func (g FieldGroups) Names() []string {
	return append([]string(nil), g.names...)
}

func (g FieldGroups) Len() int { return len(g.names) }

// Merge replaces groups by name; groups absent from other are kept.
func (g *FieldGroups) Merge(other FieldGroups) {
	for _, name := range other.names {
		g.Put(name, other.groups[name])
	}
}

func (g FieldGroups) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range g.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedName, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedName)
		buf.WriteByte(':')
		encodedGroup, err := g.groups[name].MarshalJSON()
		if err != nil {
			return nil, errors.Wrapf(err, "encode group %q", name)
		}
		buf.Write(encodedGroup)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (g *FieldGroups) UnmarshalJSON(data []byte) error {
	*g = NewFieldGroups()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.Newf("field groups must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return errors.Newf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return errors.Wrapf(err, "decode group %q", name)
		}
		var group Fields
		if err := group.UnmarshalJSON(raw); err != nil {
			return errors.Wrapf(err, "decode group %q", name)
		}
		g.Put(name, group)
	}
	_, err = dec.Token()
	return err
}
