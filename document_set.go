package fireview

import "sort"

// documentSet keeps documents sorted by a comparator with a key index, so
// single-document updates cost a binary search instead of a re-sort.
type documentSet struct {
	cmp    func(a, b Document) int
	sorted []Document
	byKey  map[DocumentKey]Document
}

func newDocumentSet(cmp func(a, b Document) int) *documentSet {
	return &documentSet{cmp: cmp, byKey: map[DocumentKey]Document{}}
}

func (s *documentSet) Len() int {
	return len(s.sorted)
}

func (s *documentSet) Get(key DocumentKey) (Document, bool) {
	doc, ok := s.byKey[key]
	return doc, ok
}

func (s *documentSet) position(doc Document) int {
	return sort.Search(len(s.sorted), func(i int) bool {
		return s.cmp(s.sorted[i], doc) >= 0
	})
}

// Put inserts or replaces the document with the same key.
func (s *documentSet) Put(doc Document) {
	s.Delete(doc.Key)
	i := s.position(doc)
	s.sorted = append(s.sorted, Document{})
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = doc
	s.byKey[doc.Key] = doc
}

func (s *documentSet) Delete(key DocumentKey) {
	old, ok := s.byKey[key]
	if !ok {
		return
	}
	i := s.position(old)
	for i < len(s.sorted) && s.sorted[i].Key != key {
		i++
	}
	if i < len(s.sorted) {
		s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
	}
	delete(s.byKey, key)
}

// Head returns a copy of the first n documents, or all of them when n is negative.
func (s *documentSet) Head(n int) []Document {
	if n < 0 || n > len(s.sorted) {
		n = len(s.sorted)
	}
	out := make([]Document, n)
	copy(out, s.sorted[:n])
	return out
}
