package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// IDField is the field every stored Document is keyed by.
const IDField = "id"

/*
Document is a schema-less record: field name to value.

Values are JSON-shaped: string, bool, nil, numbers (int64 / float64 after
normalization), []any and map[string]any. The only field the cache cares
about is IDField.
*/
type Document map[string]any

// ID returns the document's id in string form, or "" if it has none.
func (d Document) ID() string {
	return idString(d[IDField])
}

// Clone returns a deep copy, so callers never share maps or slices with the cache.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Document:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Filter is an equality conjunction over field names. An empty Filter matches every document.
type Filter map[string]any

// Matches reports whether every field of the filter equals the document's field.
func (f Filter) Matches(d Document) bool {
	if d == nil {
		return false
	}
	for k, want := range f {
		got, ok := d[k]
		if !ok && want != nil {
			return false
		}
		if !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ID returns the id the filter pins, if it pins one.
func (f Filter) ID() (string, bool) {
	v, ok := f[IDField]
	if !ok {
		return "", false
	}
	id := idString(v)
	return id, id != ""
}

// OnlyID returns the id of a filter which selects by id and nothing else.
func (f Filter) OnlyID() (string, bool) {
	if len(f) != 1 {
		return "", false
	}
	return f.ID()
}

// Key is a canonical string form of the filter, usable as a map or singleflight key.
func (f Filter) Key() string {
	// encoding/json sorts map keys.
	b, err := json.Marshal(map[string]any(f))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(f))
	}
	return string(b)
}

// ValuesEqual compares two JSON-shaped values, treating numbers of any Go type
// as equal when they denote the same quantity.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !ValuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		return mapsEqual(ta, b)
	case Document:
		return mapsEqual(ta, b)
	}
	return reflect.DeepEqual(a, b)
}

func mapsEqual(a map[string]any, b any) bool {
	var tb map[string]any
	switch t := b.(type) {
	case map[string]any:
		tb = t
	case Document:
		tb = t
	default:
		return false
	}
	if len(a) != len(tb) {
		return false
	}
	for k, v := range a {
		w, ok := tb[k]
		if !ok || !ValuesEqual(v, w) {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint:
		if uint64(t) <= math.MaxInt64 {
			return int64(t), true
		}
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t), true
		}
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	}
	return 0, false
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	if i, ok := toInt(v); ok {
		return fmt.Sprintf("%d", i)
	}
	return fmt.Sprint(v)
}

// DecodeDocument parses JSON into a Document, keeping integers as int64
// rather than collapsing every number to float64.
func DecodeDocument(b []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return Document(normalize(raw).(map[string]any)), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, vv := range t {
			t[k] = normalize(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = normalize(vv)
		}
		return t
	}
	return v
}
