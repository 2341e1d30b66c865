package storage

import (
	"encoding/json"
	"fmt"
)

// Document represents a JSON document in the database
type Document map[string]interface{}

// DocumentID is a unique identifier for a document
type DocumentID string

// Serialize converts a document to JSON bytes
func (d Document) Serialize() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// Deserialize creates a document from JSON bytes
func Deserialize(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return doc, nil
}

// GetID returns the document ID if it exists
func (d Document) GetID() (DocumentID, bool) {
	id, exists := d["_id"]
	if !exists {
		return "", false
	}

	idStr, ok := id.(string)
	if !ok {
		return "", false
	}

	return DocumentID(idStr), true
}

// SetID sets the document ID
func (d Document) SetID(id DocumentID) {
	d["_id"] = string(id)
}

// Clone creates a deep copy of the document
func (d Document) Clone() Document {
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCopyValue(v)
	}
	return clone
}

// deepCopyValue creates a deep copy of a value
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]interface{}:
		return Document(val).Clone()
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		// Primitives (string, number, bool) are immutable or copied by value
		return val
	}
}

// Size returns the approximate size of the document in bytes
func (d Document) Size() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}

// GetPath returns the value at the given dot-notation path.
// The second return is false if any segment of the path is absent.
func (d Document) GetPath(path string) (interface{}, bool) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return nil, false
	}

	var current interface{} = map[string]interface{}(d)
	for _, key := range keys {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		val, exists := m[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// SetPath sets a value at the given dot-notation path, creating intermediate
// objects as needed. A non-object value on the path is overwritten.
func (d Document) SetPath(path string, value interface{}) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return
	}

	current := map[string]interface{}(d)
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		val, exists := current[key]
		if exists {
			if m, ok := asMap(val); ok {
				current = m
				continue
			}
		}
		newMap := make(map[string]interface{})
		current[key] = newMap
		current = newMap
	}
	current[keys[len(keys)-1]] = value
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// ApplyPatch merges a patch document into the target document.
// It supports dot notation for nested updates (e.g., "settings.theme": "dark")
// and the "$unset" operator for deletions.
func (d Document) ApplyPatch(patch map[string]interface{}) error {
	// Deletions first ($unset)
	if unset, ok := patch["$unset"]; ok {
		if unsetMap, ok := unset.(map[string]interface{}); ok {
			for path := range unsetMap {
				d.deletePath(path)
			}
		}
	}

	for k, v := range patch {
		if k == "$unset" {
			continue
		}
		d.SetPath(k, v)
	}
	return nil
}

func (d Document) deletePath(path string) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return
	}

	current := map[string]interface{}(d)
	for i := 0; i < len(keys)-1; i++ {
		val, exists := current[keys[i]]
		if !exists {
			return // Already gone
		}
		m, ok := asMap(val)
		if !ok {
			return // Unreachable path
		}
		current = m
	}
	delete(current, keys[len(keys)-1])
}

func splitPath(path string) []string {
	// "a.b.c" -> ["a", "b", "c"]. Escaped dots are not supported.
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}
