package fireview

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// MutationKind is the type of a local write.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationPatch
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "set"
	case MutationPatch:
		return "patch"
	case MutationDelete:
		return "delete"
	}
	return fmt.Sprintf("MutationKind(%d)", int(k))
}

// Mutation is a pending local write. IDs are ULIDs, so they sort in creation order.
type Mutation struct {
	ID   string
	Kind MutationKind
	Key  DocumentKey
	// Data is the full document for Set and a field path to value map for Patch.
	Data map[string]interface{}
}

func newMutation(kind MutationKind, key DocumentKey, data map[string]interface{}) Mutation {
	return Mutation{ID: ulid.Make().String(), Kind: kind, Key: key, Data: data}
}

func NewSetMutation(key DocumentKey, data map[string]interface{}) Mutation {
	return newMutation(MutationSet, key, data)
}

// NewPatchMutation updates the given dotted field paths of an existing document.
func NewPatchMutation(key DocumentKey, fields map[string]interface{}) Mutation {
	return newMutation(MutationPatch, key, fields)
}

func NewDeleteMutation(key DocumentKey) Mutation {
	return newMutation(MutationDelete, key, nil)
}

// NewSetMutationFromModel builds a set mutation from a struct using its firestore tags.
func NewSetMutationFromModel(key DocumentKey, model interface{}) (Mutation, error) {
	data, err := StructToMap(model)
	if err != nil {
		return Mutation{}, err
	}
	return NewSetMutation(key, data), nil
}

// ApplyTo returns the optimistic state of the document after the mutation. A
// false second result means the document does not exist afterwards. A patch
// of a missing document leaves it missing, mirroring the update precondition.
// The update time stays the base's until the backend reports a new one.
func (m Mutation) ApplyTo(base *Document) (Document, bool) {
	switch m.Kind {
	case MutationSet:
		doc := Document{Key: m.Key, Data: cloneData(m.Data), HasPendingWrites: true}
		if base != nil {
			doc.UpdateTime = base.UpdateTime
		}
		return doc, true
	case MutationPatch:
		if base == nil {
			return Document{}, false
		}
		data := cloneData(base.Data)
		for path, value := range m.Data {
			setField(data, path, value)
		}
		return Document{Key: m.Key, Data: data, UpdateTime: base.UpdateTime, HasPendingWrites: true}, true
	}
	return Document{}, false
}

func (m Mutation) String() string {
	return fmt.Sprintf("Mutation(%s %s %s)", m.ID, m.Kind, m.Key)
}
