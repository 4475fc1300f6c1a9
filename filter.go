package fireview

import (
	"fmt"
	"strings"
)

// Operator is a filter comparison, spelled the way the firestore client spells it.
type Operator string

const (
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpLessThan         Operator = "<"
	OpLessThanEqual    Operator = "<="
	OpGreaterThan      Operator = ">"
	OpGreaterThanEqual Operator = ">="
	OpArrayContains    Operator = "array-contains"
	OpIn               Operator = "in"
	OpArrayContainsAny Operator = "array-contains-any"
	OpNotIn            Operator = "not-in"
)

// MaxDisjunctionValues bounds the array operand of in, not-in and array-contains-any.
const MaxDisjunctionValues = 30

func (op Operator) isValid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLessThan, OpLessThanEqual, OpGreaterThan, OpGreaterThanEqual,
		OpArrayContains, OpIn, OpArrayContainsAny, OpNotIn:
		return true
	}
	return false
}

// IsInequality reports operators that constrain the sort order of a query.
func (op Operator) IsInequality() bool {
	switch op {
	case OpNotEqual, OpLessThan, OpLessThanEqual, OpGreaterThan, OpGreaterThanEqual, OpNotIn:
		return true
	}
	return false
}

func (op Operator) takesArray() bool {
	return op == OpIn || op == OpNotIn || op == OpArrayContainsAny
}

// Filter is a single field predicate. Filters are immutable once built.
type Filter struct {
	Field string
	Op    Operator
	Value interface{}
}

// NewFilter validates the operator and operand and normalizes key-field operands.
func NewFilter(field string, op Operator, value interface{}) (Filter, error) {
	if field == "" {
		return Filter{}, invalidQuery("filter field path must not be empty")
	}
	if !op.isValid() {
		return Filter{}, invalidQuery("unsupported operator %q", op)
	}
	if field == KeyFieldPath {
		normalized, err := normalizeKeyOperand(op, value)
		if err != nil {
			return Filter{}, err
		}
		value = normalized
	}
	if !isSupportedValue(value) {
		return Filter{}, invalidQuery("unsupported value of type %T for field %s", value, field)
	}
	if op.takesArray() {
		values := arrayValue(value)
		if !isArrayValue(value) || len(values) == 0 {
			return Filter{}, invalidQuery("operator %s requires a non-empty array", op)
		}
		if len(values) > MaxDisjunctionValues {
			return Filter{}, invalidQuery("operator %s supports at most %d values", op, MaxDisjunctionValues)
		}
	}
	if op.IsInequality() && op != OpNotEqual && op != OpNotIn && (value == nil || isNaNValue(value)) {
		return Filter{}, invalidQuery("only == and != comparisons are allowed with null or NaN")
	}
	return Filter{Field: field, Op: op, Value: normalizeValue(value)}, nil
}

func normalizeKeyOperand(op Operator, value interface{}) (interface{}, error) {
	if op == OpArrayContains || op == OpArrayContainsAny {
		return nil, invalidQuery("operator %s is not supported on %s", op, KeyFieldPath)
	}
	toKey := func(v interface{}) (interface{}, error) {
		if s, ok := v.(string); ok {
			key, err := NewDocumentKey(s)
			if err != nil {
				return nil, &ValidationError{Reason: err.Error()}
			}
			return key, nil
		}
		if typeOrder(normalizeValue(v)) != typeOrderReference {
			return nil, invalidQuery("%s filters require document keys, got %T", KeyFieldPath, v)
		}
		return v, nil
	}
	if op.takesArray() {
		values := arrayValue(value)
		out := make([]interface{}, len(values))
		for i, v := range values {
			key, err := toKey(v)
			if err != nil {
				return nil, err
			}
			out[i] = key
		}
		return out, nil
	}
	return toKey(value)
}

// Matches evaluates the predicate against a document with backend semantics:
// values of a different type never match, and != and not-in skip missing and null fields.
func (f Filter) Matches(doc Document) bool {
	value, ok := doc.Field(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return sameTypeCompare(value, f.Value) == 0
	case OpNotEqual:
		return value != nil && !(sameTypeCompare(value, f.Value) == 0)
	case OpLessThan:
		c := sameTypeCompare(value, f.Value)
		return c != incomparable && c < 0
	case OpLessThanEqual:
		c := sameTypeCompare(value, f.Value)
		return c != incomparable && c <= 0
	case OpGreaterThan:
		c := sameTypeCompare(value, f.Value)
		return c != incomparable && c > 0
	case OpGreaterThanEqual:
		c := sameTypeCompare(value, f.Value)
		return c != incomparable && c >= 0
	case OpArrayContains:
		return isArrayValue(value) && containsValue(arrayValue(value), f.Value)
	case OpIn:
		return containsValue(arrayValue(f.Value), value)
	case OpNotIn:
		return value != nil && !containsValue(arrayValue(f.Value), value)
	case OpArrayContainsAny:
		if !isArrayValue(value) {
			return false
		}
		for _, v := range arrayValue(value) {
			if containsValue(arrayValue(f.Value), v) {
				return true
			}
		}
		return false
	}
	return false
}

const incomparable = 2

// sameTypeCompare returns incomparable when the values do not share a type order.
func sameTypeCompare(a, b interface{}) int {
	a, b = normalizeValue(a), normalizeValue(b)
	if typeOrder(a) != typeOrder(b) {
		return incomparable
	}
	return CompareValues(a, b)
}

func containsValue(values []interface{}, v interface{}) bool {
	for _, e := range values {
		if sameTypeCompare(e, v) == 0 {
			return true
		}
	}
	return false
}

// CanonicalID is the filter's contribution to a target canonical id.
func (f Filter) CanonicalID() string {
	return escapeField(f.Field) + string(f.Op) + CanonicalValue(f.Value)
}

func (f Filter) IsEqual(other Filter) bool {
	return f.Field == other.Field && f.Op == other.Op && ValuesEqual(f.Value, other.Value)
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %s", f.Field, f.Op, CanonicalValue(f.Value))
}

// escapeField backslash-escapes everything except identifier characters and
// dots, so operator text can never be mistaken for part of a field path.
func escapeField(field string) string {
	var sb strings.Builder
	for _, r := range field {
		if r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			continue
		}
		sb.WriteRune('\\')
		sb.WriteRune(r)
	}
	return sb.String()
}
