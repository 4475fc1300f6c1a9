package fireview

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// Target is what the backend listens to: a Query without SDK-local
// conveniences and with the default ordering made explicit. Targets are only
// built by Query.ToTarget and are immutable afterwards.
type Target struct {
	path            ResourcePath
	collectionGroup string
	orderBy         []OrderBy
	filters         []Filter
	limit           int
	startAt         *Bound
	endAt           *Bound

	canonicalOnce sync.Once
	canonicalID   string
}

func newTarget(path ResourcePath, collectionGroup string, orderBy []OrderBy, filters []Filter,
	limit int, startAt, endAt *Bound) *Target {
	return &Target{
		path:            append(ResourcePath(nil), path...),
		collectionGroup: collectionGroup,
		orderBy:         append([]OrderBy(nil), orderBy...),
		filters:         append([]Filter(nil), filters...),
		limit:           limit,
		startAt:         startAt,
		endAt:           endAt,
	}
}

func (t *Target) Path() ResourcePath      { return t.path }
func (t *Target) CollectionGroup() string { return t.collectionGroup }
func (t *Target) OrderBy() []OrderBy      { return t.orderBy }
func (t *Target) Filters() []Filter       { return t.filters }
func (t *Target) Limit() int              { return t.limit }
func (t *Target) HasLimit() bool          { return t.limit != QueryLimitUnlimited }
func (t *Target) StartAt() *Bound         { return t.startAt }
func (t *Target) EndAt() *Bound           { return t.endAt }

// CanonicalID is the de-duplication and persistence key of the target. It is
// computed once. Every component is escaped before it is joined, so the
// delimiters below only ever appear as delimiters.
func (t *Target) CanonicalID() string {
	t.canonicalOnce.Do(func() {
		var sb strings.Builder
		sb.WriteString(escapeSegment(t.path.CanonicalString()))
		if t.collectionGroup != "" {
			sb.WriteString("|cg:")
			sb.WriteString(escapeSegment(t.collectionGroup))
		}
		sb.WriteString("|f:")
		for _, f := range t.filters {
			sb.WriteString(escapeSegment(f.CanonicalID()))
			sb.WriteString(",")
		}
		sb.WriteString("|ob:")
		for _, o := range t.orderBy {
			sb.WriteString(escapeSegment(o.CanonicalID()))
			sb.WriteString(",")
		}
		if t.HasLimit() {
			sb.WriteString("|l:")
			sb.WriteString(strconv.Itoa(t.limit))
		}
		if t.startAt != nil {
			sb.WriteString("|lb:")
			sb.WriteString(escapeSegment(t.startAt.CanonicalID()))
		}
		if t.endAt != nil {
			sb.WriteString("|ub:")
			sb.WriteString(escapeSegment(t.endAt.CanonicalID()))
		}
		t.canonicalID = sb.String()
	})
	return t.canonicalID
}

// PersistenceKey is a fixed-length digest of the canonical id for storage backends.
func (t *Target) PersistenceKey() string {
	return PersistenceKey(t.CanonicalID())
}

// PersistenceKey hashes a canonical id with blake3.
func PersistenceKey(canonicalID string) string {
	sum := blake3.Sum256([]byte(canonicalID))
	return hex.EncodeToString(sum[:])
}

func escapeSegment(s string) string {
	if !strings.ContainsAny(s, `\|,`) {
		return s
	}
	var sb strings.Builder
	for _, r := range s {
		if r == '\\' || r == '|' || r == ',' {
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// IsEqual compares targets field by field without going through the canonical id.
func (t *Target) IsEqual(other *Target) bool {
	if t == other {
		return true
	}
	if other == nil {
		return false
	}
	if t.limit != other.limit {
		return false
	}
	if len(t.orderBy) != len(other.orderBy) {
		return false
	}
	for i := range t.orderBy {
		if !t.orderBy[i].IsEqual(other.orderBy[i]) {
			return false
		}
	}
	if len(t.filters) != len(other.filters) {
		return false
	}
	for i := range t.filters {
		if !t.filters[i].IsEqual(other.filters[i]) {
			return false
		}
	}
	if t.collectionGroup != other.collectionGroup {
		return false
	}
	if !t.path.IsEqual(other.path) {
		return false
	}
	return t.startAt.IsEqual(other.startAt) && t.endAt.IsEqual(other.endAt)
}

// IsDocumentQuery holds when the target resolves to a single-document existence check.
func (t *Target) IsDocumentQuery() bool {
	return IsDocumentKey(t.path) && t.collectionGroup == "" && len(t.filters) == 0
}

// ToTargetQuery builds a Query equivalent to this target. It can differ from
// the Query the target was made from in the defaults that query omitted.
func (t *Target) ToTargetQuery() Query {
	return Query{
		path:            t.path,
		collectionGroup: t.collectionGroup,
		explicitOrderBy: append([]OrderBy(nil), t.orderBy...),
		filters:         append([]Filter(nil), t.filters...),
		limit:           t.limit,
		limitType:       LimitToFirst,
		startAt:         t.startAt,
		endAt:           t.endAt,
	}
}

func (t *Target) String() string {
	return fmt.Sprintf("Target(%s)", t.contentString())
}

func (t *Target) contentString() string {
	var sb strings.Builder
	sb.WriteString(t.path.CanonicalString())
	if t.collectionGroup != "" {
		sb.WriteString(" collectionGroup=" + t.collectionGroup)
	}
	if len(t.filters) > 0 {
		fmt.Fprintf(&sb, ", filters: %v", t.filters)
	}
	if t.HasLimit() {
		fmt.Fprintf(&sb, ", limit: %d", t.limit)
	}
	if len(t.orderBy) > 0 {
		fmt.Fprintf(&sb, ", orderBy: %v", t.orderBy)
	}
	if t.startAt != nil {
		sb.WriteString(", startAt: " + t.startAt.CanonicalID())
	}
	if t.endAt != nil {
		sb.WriteString(", endAt: " + t.endAt.CanonicalID())
	}
	return sb.String()
}
