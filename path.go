package fireview

import (
	"fmt"
	"strings"
)

// KeyFieldPath is the reserved field path that refers to a document's key.
const KeyFieldPath = "__name__"

// ResourcePath is a slash separated path relative to the database root.
type ResourcePath []string

// ParsePath splits a slash separated path, ignoring empty segments.
func ParsePath(path string) ResourcePath {
	var segments ResourcePath
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func (p ResourcePath) CanonicalString() string {
	return strings.Join(p, "/")
}

func (p ResourcePath) String() string {
	return p.CanonicalString()
}

func (p ResourcePath) IsEmpty() bool {
	return len(p) == 0
}

func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

func (p ResourcePath) Child(segment string) ResourcePath {
	child := make(ResourcePath, 0, len(p)+1)
	child = append(child, p...)
	return append(child, segment)
}

func (p ResourcePath) IsEqual(other ResourcePath) bool {
	return p.Compare(other) == 0
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	if len(p)+1 != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Compare orders paths segment by segment, shorter paths first on a shared prefix.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := len(p)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	}
	return 0
}

// IsDocumentKey reports whether the path addresses a single document.
func IsDocumentKey(p ResourcePath) bool {
	return len(p) > 0 && len(p)%2 == 0
}

// DocumentKey identifies a document by its full path.
type DocumentKey struct {
	path string
}

// NewDocumentKey validates that path addresses a document.
func NewDocumentKey(path string) (DocumentKey, error) {
	p := ParsePath(path)
	if !IsDocumentKey(p) {
		return DocumentKey{}, fmt.Errorf("invalid document key %q: path must have an even number of segments", path)
	}
	return DocumentKey{path: p.CanonicalString()}, nil
}

// MustDocumentKey is NewDocumentKey for literals; it panics on invalid paths.
func MustDocumentKey(path string) DocumentKey {
	key, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

func (k DocumentKey) Path() ResourcePath {
	return ParsePath(k.path)
}

func (k DocumentKey) String() string {
	return k.path
}

func (k DocumentKey) IsZero() bool {
	return k.path == ""
}

// ID is the last path segment.
func (k DocumentKey) ID() string {
	return k.Path().LastSegment()
}

// CollectionID is the id of the collection that directly contains the document.
func (k DocumentKey) CollectionID() string {
	return k.Path().Parent().LastSegment()
}

func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}
	return k.Path().Compare(other.Path())
}
