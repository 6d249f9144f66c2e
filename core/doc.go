package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Doc is a JSON object that preserves key order.
//
// Collection responses are JSON objects keyed by entity id whose order must
// reflect the applied sort, and entity documents keep a stable attribute
// order so canonical bodies and their ETags are deterministic. Nested objects
// decode as *Doc and arrays as []any, so a document read back from the
// response cache re-serializes byte-identically.
type Doc struct {
	keys []string
	vals map[string]any
}

// NewDoc returns an empty ordered document.
func NewDoc() *Doc {
	return &Doc{vals: make(map[string]any)}
}

// Set stores a value under key, appending the key on first use and keeping
// its original position on overwrite. Returns the document for chaining.
func (d *Doc) Set(key string, v any) *Doc {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
	return d
}

// Get returns the value stored under key.
func (d *Doc) Get(key string) (any, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (d *Doc) Has(key string) bool {
	_, ok := d.vals[key]
	return ok
}

// Delete removes key from the document.
func (d *Doc) Delete(key string) {
	if _, ok := d.vals[key]; !ok {
		return
	}
	delete(d.vals, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of keys.
func (d *Doc) Len() int { return len(d.keys) }

// Keys returns the keys in insertion order.
func (d *Doc) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Lookup resolves a dotted attribute path ("metadata.size_bytes") through
// nested documents and plain maps.
func (d *Doc) Lookup(path string) (any, bool) {
	var cur any = d
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case *Doc:
			v, ok := node.Get(part)
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// MarshalJSON emits the document with keys in insertion order.
func (d *Doc) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(d.vals[k])
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order. Numbers decode as
// json.Number so round-tripped documents stay byte-identical.
func (d *Doc) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document must be a JSON object")
	}
	d.keys = nil
	d.vals = make(map[string]any)
	return d.decodeMembers(dec)
}

func (d *Doc) decodeMembers(dec *json.Decoder) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("object key is not a string: %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return err
		}
		d.Set(key, v)
	}
	// closing brace
	_, err := dec.Token()
	return err
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		nested := NewDoc()
		if err := nested.decodeMembers(dec); err != nil {
			return nil, err
		}
		return nested, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %v", delim)
	}
}
