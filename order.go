package fireview

import (
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
)

// OrderBy is a single sort key of a query.
type OrderBy struct {
	Field     string
	Direction firestore.Direction
}

func (o OrderBy) isKeyOrder() bool {
	return o.Field == KeyFieldPath
}

func (o OrderBy) directionName() string {
	if o.Direction == firestore.Desc {
		return "desc"
	}
	return "asc"
}

// Compare orders two documents by this key alone.
func (o OrderBy) Compare(a, b Document) int {
	var c int
	if o.isKeyOrder() {
		c = a.Key.Compare(b.Key)
	} else {
		av, _ := a.Field(o.Field)
		bv, _ := b.Field(o.Field)
		c = CompareValues(av, bv)
	}
	if o.Direction == firestore.Desc {
		return -c
	}
	return c
}

func (o OrderBy) CanonicalID() string {
	return escapeField(o.Field) + o.directionName()
}

func (o OrderBy) IsEqual(other OrderBy) bool {
	return o.Field == other.Field && o.normalizedDirection() == other.normalizedDirection()
}

func (o OrderBy) normalizedDirection() firestore.Direction {
	if o.Direction == firestore.Desc {
		return firestore.Desc
	}
	return firestore.Asc
}

func (o OrderBy) flipped() OrderBy {
	if o.Direction == firestore.Desc {
		return OrderBy{Field: o.Field, Direction: firestore.Asc}
	}
	return OrderBy{Field: o.Field, Direction: firestore.Desc}
}

func (o OrderBy) String() string {
	return fmt.Sprintf("%s (%s)", o.Field, o.directionName())
}

// Bound is a pagination cursor positioned on the values of a query's order-by
// fields. Before means the cursor sits before the position, so a start bound
// with Before set is inclusive and an end bound with Before set is exclusive.
type Bound struct {
	Position []interface{}
	Before   bool
}

func newBound(values []interface{}, before bool) (*Bound, error) {
	position := make([]interface{}, len(values))
	for i, v := range values {
		if !isSupportedValue(v) {
			return nil, invalidQuery("unsupported cursor value of type %T", v)
		}
		position[i] = normalizeValue(v)
	}
	return &Bound{Position: position, Before: before}, nil
}

func (b *Bound) CanonicalID() string {
	var sb strings.Builder
	if b.Before {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(CanonicalValue(v))
	}
	return sb.String()
}

// IsEqual treats two nil bounds as equal.
func (b *Bound) IsEqual(other *Bound) bool {
	if b == nil || other == nil {
		return b == nil && other == nil
	}
	if b.Before != other.Before || len(b.Position) != len(other.Position) {
		return false
	}
	for i := range b.Position {
		if !ValuesEqual(b.Position[i], other.Position[i]) {
			return false
		}
	}
	return true
}

// SortsBeforeDocument reports whether the cursor position sorts before doc
// under the given order-by sequence.
func (b *Bound) SortsBeforeDocument(orderBy []OrderBy, doc Document) bool {
	comparison := 0
	for i, component := range b.Position {
		if i >= len(orderBy) {
			break
		}
		o := orderBy[i]
		if o.isKeyOrder() {
			comparison = CompareValues(component, doc.Key)
		} else {
			value, _ := doc.Field(o.Field)
			comparison = CompareValues(component, value)
		}
		if o.Direction == firestore.Desc {
			comparison = -comparison
		}
		if comparison != 0 {
			break
		}
	}
	if b.Before {
		return comparison <= 0
	}
	return comparison < 0
}

func (b *Bound) flipped() *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Position: b.Position, Before: !b.Before}
}
