package fireview

import (
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
)

const (
	QueryLimitMax       = 10_000
	QueryLimitUnlimited = -1
)

// LimitType tells which end of the ordered result a limit keeps.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// TargetDefaults lists every default merged into a Target when the Query leaves it unset.
type TargetDefaults struct {
	// KeyDirection orders by document key when no explicit order-by exists.
	KeyDirection firestore.Direction
	Limit        int
}

var DefaultTargetDefaults = TargetDefaults{
	KeyDirection: firestore.Asc,
	Limit:        QueryLimitUnlimited,
}

// Query is the application-level request. Builder methods return a modified
// copy; construction errors are kept on the copy and reported by ToTarget.
type Query struct {
	path            ResourcePath
	collectionGroup string
	explicitOrderBy []OrderBy
	filters         []Filter
	limit           int
	limitType       LimitType
	startAt         *Bound
	endAt           *Bound
	err             error
}

// NewQuery creates a query over a collection, or over a single document when
// the path has an even number of segments.
func NewQuery(path string) Query {
	return Query{path: ParsePath(path), limit: DefaultTargetDefaults.Limit}
}

// NewCollectionGroupQuery matches every collection with the given id.
func NewCollectionGroupQuery(collectionID string) Query {
	q := Query{limit: DefaultTargetDefaults.Limit, collectionGroup: collectionID}
	if collectionID == "" || strings.Contains(collectionID, "/") {
		q.err = invalidQuery("collection group id %q must be a non-empty single segment", collectionID)
	}
	return q
}

// WithCollectionGroup scopes the query to a collection group. Only valid on
// the root path.
func (q Query) WithCollectionGroup(collectionID string) Query {
	q.collectionGroup = collectionID
	return q
}

func (q Query) clone() Query {
	q.explicitOrderBy = append([]OrderBy(nil), q.explicitOrderBy...)
	q.filters = append([]Filter(nil), q.filters...)
	return q
}

// Where adds a filter. Filters are kept in the order they were added.
func (q Query) Where(field string, op Operator, value interface{}) Query {
	f, err := NewFilter(field, op, value)
	if err != nil {
		return q.withErr(err)
	}
	return q.AddFilter(f)
}

func (q Query) AddFilter(f Filter) Query {
	q = q.clone()
	q.filters = append(q.filters, f)
	return q
}

func (q Query) OrderBy(field string, dir firestore.Direction) Query {
	if field == "" {
		return q.withErr(invalidQuery("order-by field path must not be empty"))
	}
	return q.AddOrderBy(OrderBy{Field: field, Direction: dir})
}

func (q Query) AddOrderBy(o OrderBy) Query {
	if q.startAt != nil || q.endAt != nil {
		return q.withErr(invalidQuery("order-by clauses must be added before cursors"))
	}
	q = q.clone()
	q.explicitOrderBy = append(q.explicitOrderBy, o)
	return q
}

func (q Query) Limit(n int) Query {
	if n <= 0 {
		return q.withErr(invalidQuery("limit %d is invalid: limit must be positive", n))
	}
	q.limit = n
	q.limitType = LimitToFirst
	return q
}

// LimitToLast keeps the last n results; it needs at least one explicit order-by.
func (q Query) LimitToLast(n int) Query {
	if n <= 0 {
		return q.withErr(invalidQuery("limit %d is invalid: limit must be positive", n))
	}
	q.limit = n
	q.limitType = LimitToLast
	return q
}

func (q Query) StartAt(values ...interface{}) Query {
	return q.withStart(values, true)
}

func (q Query) StartAfter(values ...interface{}) Query {
	return q.withStart(values, false)
}

func (q Query) EndAt(values ...interface{}) Query {
	return q.withEnd(values, false)
}

func (q Query) EndBefore(values ...interface{}) Query {
	return q.withEnd(values, true)
}

func (q Query) withStart(values []interface{}, before bool) Query {
	b, err := q.cursor(values, before)
	if err != nil {
		return q.withErr(err)
	}
	q.startAt = b
	return q
}

func (q Query) withEnd(values []interface{}, before bool) Query {
	b, err := q.cursor(values, before)
	if err != nil {
		return q.withErr(err)
	}
	q.endAt = b
	return q
}

// cursor converts string operands on the key position into document keys,
// resolving bare ids against the query path.
func (q Query) cursor(values []interface{}, before bool) (*Bound, error) {
	orderBy := q.NormalizedOrderBy()
	if len(values) > len(orderBy) {
		return nil, invalidQuery("too many cursor values: %d values for %d order-by clauses", len(values), len(orderBy))
	}
	resolved := make([]interface{}, len(values))
	for i, v := range values {
		resolved[i] = v
		if !orderBy[i].isKeyOrder() {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		path := ParsePath(s)
		if len(path) == 1 && q.collectionGroup == "" {
			path = q.path.Child(s)
		}
		if !IsDocumentKey(path) {
			return nil, invalidQuery("cursor value %q on %s must be a document id or path", s, KeyFieldPath)
		}
		resolved[i] = DocumentKey{path: path.CanonicalString()}
	}
	return newBound(resolved, before)
}

func (q Query) withErr(err error) Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Err returns the first construction error, if any.
func (q Query) Err() error {
	return q.err
}

func (q Query) Path() ResourcePath {
	return q.path
}

func (q Query) CollectionGroup() string {
	return q.collectionGroup
}

func (q Query) Filters() []Filter {
	return q.filters
}

func (q Query) ExplicitOrderBy() []OrderBy {
	return q.explicitOrderBy
}

func (q Query) LimitValue() int {
	return q.limit
}

func (q Query) HasLimit() bool {
	return q.limit != QueryLimitUnlimited
}

func (q Query) LimitType() LimitType {
	return q.limitType
}

func (q Query) StartBound() *Bound {
	return q.startAt
}

func (q Query) EndBound() *Bound {
	return q.endAt
}

// inequalityField returns the field of the first inequality filter.
func (q Query) inequalityField() (string, bool) {
	for _, f := range q.filters {
		if f.Op.IsInequality() {
			return f.Field, true
		}
	}
	return "", false
}

// NormalizedOrderBy is the effective order: the explicit clauses (or the
// inequality field when there are none) followed by the key, which makes the
// order total.
func (q Query) NormalizedOrderBy() []OrderBy {
	if len(q.explicitOrderBy) == 0 {
		field, ok := q.inequalityField()
		if ok && field != KeyFieldPath {
			return []OrderBy{
				{Field: field, Direction: firestore.Asc},
				{Field: KeyFieldPath, Direction: firestore.Asc},
			}
		}
		return []OrderBy{{Field: KeyFieldPath, Direction: DefaultTargetDefaults.KeyDirection}}
	}
	orderBy := append([]OrderBy(nil), q.explicitOrderBy...)
	for _, o := range orderBy {
		if o.isKeyOrder() {
			return orderBy
		}
	}
	last := orderBy[len(orderBy)-1].normalizedDirection()
	return append(orderBy, OrderBy{Field: KeyFieldPath, Direction: last})
}

// Validate reports construction errors and combinations the backend rejects.
func (q Query) Validate() error {
	if q.err != nil {
		return q.err
	}
	if q.collectionGroup != "" && !q.path.IsEmpty() {
		return invalidQuery("collection group query for %q must start from the root path, got %q", q.collectionGroup, q.path)
	}
	if q.collectionGroup == "" && q.path.IsEmpty() {
		return invalidQuery("query path must not be empty")
	}
	if q.limitType == LimitToLast && len(q.explicitOrderBy) == 0 {
		return invalidQuery("limitToLast queries require at least one order-by clause")
	}
	if q.HasLimit() && (q.limit <= 0 || q.limit > QueryLimitMax) {
		return invalidQuery("limit %d is out of range", q.limit)
	}
	var inequality string
	for _, f := range q.filters {
		if !f.Op.IsInequality() {
			continue
		}
		if inequality != "" && inequality != f.Field {
			return invalidQuery("inequality filters on different fields %s and %s", inequality, f.Field)
		}
		inequality = f.Field
	}
	if inequality != "" && len(q.explicitOrderBy) > 0 && q.explicitOrderBy[0].Field != inequality {
		return invalidQuery("first order-by %s must match the inequality field %s", q.explicitOrderBy[0].Field, inequality)
	}
	orderCount := len(q.NormalizedOrderBy())
	for _, b := range []*Bound{q.startAt, q.endAt} {
		if b != nil && len(b.Position) > orderCount {
			return invalidQuery("cursor has %d values for %d order-by clauses", len(b.Position), orderCount)
		}
	}
	return nil
}

// ToTarget converts the query into the form the backend evaluates. Limit to
// last is expressed by reversing the order and swapping the cursors.
func (q Query) ToTarget() (*Target, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	orderBy := q.NormalizedOrderBy()
	if q.limitType == LimitToFirst {
		return newTarget(q.path, q.collectionGroup, orderBy, q.filters, q.limit, q.startAt, q.endAt), nil
	}
	flipped := make([]OrderBy, len(orderBy))
	for i, o := range orderBy {
		flipped[i] = o.flipped()
	}
	return newTarget(q.path, q.collectionGroup, flipped, q.filters, q.limit, q.endAt.flipped(), q.startAt.flipped()), nil
}

// CanonicalID identifies the query variant, including the SDK-local limit type.
func (q Query) CanonicalID() (string, error) {
	t, err := q.ToTarget()
	if err != nil {
		return "", err
	}
	if q.limitType == LimitToLast {
		return t.CanonicalID() + "|lt:l", nil
	}
	return t.CanonicalID() + "|lt:f", nil
}

// IsEqual compares the normalized targets and the limit type.
func (q Query) IsEqual(other Query) bool {
	a, errA := q.ToTarget()
	b, errB := other.ToTarget()
	if errA != nil || errB != nil {
		return false
	}
	return q.limitType == other.limitType && a.IsEqual(b)
}

// IsDocumentQuery holds when the query addresses a single document.
func (q Query) IsDocumentQuery() bool {
	return IsDocumentKey(q.path) && q.collectionGroup == "" && len(q.filters) == 0
}

// Matches applies the query to a single document locally, as the backend would.
func (q Query) Matches(doc Document) bool {
	return q.matchesPath(doc) && q.matchesOrderBy(doc) && q.matchesFilters(doc) && q.matchesBounds(doc)
}

func (q Query) matchesPath(doc Document) bool {
	docPath := doc.Key.Path()
	switch {
	case q.collectionGroup != "":
		return doc.Key.CollectionID() == q.collectionGroup && len(docPath) > len(q.path) &&
			docPath[:len(q.path)].IsEqual(q.path)
	case IsDocumentKey(q.path):
		return q.path.IsEqual(docPath)
	}
	return q.path.IsImmediateParentOf(docPath)
}

// matchesOrderBy drops documents that lack a field the query sorts on.
func (q Query) matchesOrderBy(doc Document) bool {
	for _, o := range q.explicitOrderBy {
		if o.isKeyOrder() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	return true
}

func (q Query) matchesFilters(doc Document) bool {
	for _, f := range q.filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q Query) matchesBounds(doc Document) bool {
	orderBy := q.NormalizedOrderBy()
	if q.startAt != nil && !q.startAt.SortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.endAt != nil && q.endAt.SortsBeforeDocument(orderBy, doc) {
		return false
	}
	return true
}

// Comparator returns the total order of the query's results.
func (q Query) Comparator() func(a, b Document) int {
	return comparatorFor(q.NormalizedOrderBy())
}

func comparatorFor(orderBy []OrderBy) func(a, b Document) int {
	return func(a, b Document) int {
		keyCompared := false
		for _, o := range orderBy {
			if c := o.Compare(a, b); c != 0 {
				return c
			}
			keyCompared = keyCompared || o.isKeyOrder()
		}
		if keyCompared {
			return 0
		}
		return a.Key.Compare(b.Key)
	}
}

func (q Query) String() string {
	var sb strings.Builder
	sb.WriteString("Query(")
	if q.collectionGroup != "" {
		sb.WriteString("collectionGroup=" + q.collectionGroup)
	} else {
		sb.WriteString(q.path.CanonicalString())
	}
	if len(q.filters) > 0 {
		fmt.Fprintf(&sb, ", filters: %v", q.filters)
	}
	if len(q.explicitOrderBy) > 0 {
		fmt.Fprintf(&sb, ", orderBy: %v", q.explicitOrderBy)
	}
	if q.HasLimit() {
		fmt.Fprintf(&sb, ", limit: %d", q.limit)
		if q.limitType == LimitToLast {
			sb.WriteString(" (last)")
		}
	}
	sb.WriteString(")")
	return sb.String()
}
