package fireview

import (
	"fmt"
	"strings"
	"time"
)

// Document is an immutable document state as seen by a View.
type Document struct {
	Key        DocumentKey
	Data       map[string]interface{}
	UpdateTime time.Time
	// HasPendingWrites is set when the state includes unacknowledged local mutations.
	HasPendingWrites bool
}

// NewDocument builds a document from a full path, panicking on invalid keys.
func NewDocument(path string, data map[string]interface{}) Document {
	return Document{Key: MustDocumentKey(path), Data: data}
}

// Field resolves a dotted field path. The key field path resolves to the key itself.
func (d Document) Field(path string) (interface{}, bool) {
	if path == KeyFieldPath {
		return d.Key, true
	}
	var current interface{} = d.Data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsEqual compares key, contents, update time and pending-write state.
func (d Document) IsEqual(other Document) bool {
	return d.Key == other.Key &&
		d.HasPendingWrites == other.HasPendingWrites &&
		d.UpdateTime.Equal(other.UpdateTime) &&
		ValuesEqual(d.Data, other.Data)
}

func (d Document) String() string {
	return fmt.Sprintf("Document(%s, %s)", d.Key, CanonicalValue(d.Data))
}

// cloneData copies the top level map and nested maps so that patches never
// alias a document held by another view.
func cloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = cloneData(m)
			continue
		}
		out[k] = v
	}
	return out
}

// setField writes value at a dotted field path, creating intermediate maps.
func setField(data map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	current := data
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}
