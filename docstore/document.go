package docstore

import (
	"encoding/json"
	"fmt"

	"github.com/jinzhu/copier"
)

// Reserved document keys.
const (
	KeyID        = "_id"
	KeyRev       = "_rev"
	KeyType      = "type"
	KeySession   = "session"
	KeyTimestamp = "timestamp"
)

// Document types used by the grouping protocol.
const (
	TypeClient  = "client"
	TypeSession = "session"
)

// Document is a JSON-shaped document as returned by every store backend.
// Numbers are float64, nested objects are map[string]any and arrays are []any,
// regardless of the backend's native encoding.
type Document map[string]any

// ID returns the document identifier, or "" before the first save.
func (d Document) ID() string {
	s, _ := d[KeyID].(string)
	return s
}

// Rev returns the revision token, or "" before the first save.
func (d Document) Rev() string {
	s, _ := d[KeyRev].(string)
	return s
}

// Type returns the document type field.
func (d Document) Type() string {
	s, _ := d[KeyType].(string)
	return s
}

// Session returns the session a document belongs to.
func (d Document) Session() string {
	s, _ := d[KeySession].(string)
	return s
}

// Lookup walks nested objects along path and reports whether the value exists.
func (d Document) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "" when missing or not a string.
func (d Document) String(path ...string) string {
	v, _ := d.Lookup(path...)
	s, _ := v.(string)
	return s
}

// Float returns the number at path.
func (d Document) Float(path ...string) (float64, bool) {
	v, ok := d.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Slice returns the array at path.
func (d Document) Slice(path ...string) []any {
	v, _ := d.Lookup(path...)
	s, _ := v.([]any)
	return s
}

// Clone returns a deep copy through a JSON round trip, which also
// normalises the value types.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out, err := Normalize(d)
	if err != nil {
		// Values that cannot be encoded are never stored; keep a shallow copy.
		cp := make(Document, len(d))
		if err := copier.Copy(&cp, d); err != nil {
			return d
		}
		return cp
	}
	return out
}

// Normalize converts any JSON-encodable value into a Document.
func Normalize(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return Decode(data)
}

// Decode parses a JSON object into a Document.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, nil
}

// Into decodes the document into a typed value.
func (d Document) Into(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}
