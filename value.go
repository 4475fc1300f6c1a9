package fireview

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/genproto/googleapis/type/latlng"
)

// Backend type order used when comparing values of different types.
const (
	typeOrderNull = iota
	typeOrderBoolean
	typeOrderNumber
	typeOrderTimestamp
	typeOrderString
	typeOrderBytes
	typeOrderReference
	typeOrderGeoPoint
	typeOrderArray
	typeOrderMap
	typeOrderUnknown
)

// normalizeValue folds the numeric kinds into int64 and float64 so comparisons
// only deal with one integer and one floating point representation.
func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	case *time.Time:
		if n == nil {
			return nil
		}
		return *n
	case []string:
		out := make([]interface{}, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	}
	return v
}

func typeOrder(v interface{}) int {
	switch v.(type) {
	case nil:
		return typeOrderNull
	case bool:
		return typeOrderBoolean
	case int64, float64:
		return typeOrderNumber
	case time.Time:
		return typeOrderTimestamp
	case string:
		return typeOrderString
	case []byte:
		return typeOrderBytes
	case *firestore.DocumentRef, DocumentKey:
		return typeOrderReference
	case *latlng.LatLng:
		return typeOrderGeoPoint
	case []interface{}:
		return typeOrderArray
	case map[string]interface{}:
		return typeOrderMap
	}
	return typeOrderUnknown
}

// isSupportedValue reports whether v belongs to the document value model.
func isSupportedValue(v interface{}) bool {
	v = normalizeValue(v)
	switch t := v.(type) {
	case []interface{}:
		for _, e := range t {
			if !isSupportedValue(e) {
				return false
			}
		}
	case map[string]interface{}:
		for _, e := range t {
			if !isSupportedValue(e) {
				return false
			}
		}
	}
	return typeOrder(v) != typeOrderUnknown
}

func isNaNValue(v interface{}) bool {
	f, ok := normalizeValue(v).(float64)
	return ok && math.IsNaN(f)
}

func isArrayValue(v interface{}) bool {
	_, ok := normalizeValue(v).([]interface{})
	return ok
}

func arrayValue(v interface{}) []interface{} {
	a, _ := normalizeValue(v).([]interface{})
	return a
}

// CompareValues orders two values the way the backend does.
func CompareValues(a, b interface{}) int {
	a, b = normalizeValue(a), normalizeValue(b)
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return compareInts(ta, tb)
	}
	switch ta {
	case typeOrderNull:
		return 0
	case typeOrderBoolean:
		return compareBools(a.(bool), b.(bool))
	case typeOrderNumber:
		return compareNumbers(a, b)
	case typeOrderTimestamp:
		return a.(time.Time).Compare(b.(time.Time))
	case typeOrderString:
		return strings.Compare(a.(string), b.(string))
	case typeOrderBytes:
		return bytes.Compare(a.([]byte), b.([]byte))
	case typeOrderReference:
		return ParsePath(refPath(a)).Compare(ParsePath(refPath(b)))
	case typeOrderGeoPoint:
		ga, gb := a.(*latlng.LatLng), b.(*latlng.LatLng)
		if c := compareFloats(ga.GetLatitude(), gb.GetLatitude()); c != 0 {
			return c
		}
		return compareFloats(ga.GetLongitude(), gb.GetLongitude())
	case typeOrderArray:
		return compareArrays(a.([]interface{}), b.([]interface{}))
	case typeOrderMap:
		return compareMaps(a.(map[string]interface{}), b.(map[string]interface{}))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// ValuesEqual is strict about integer versus floating point values, unlike
// CompareValues which orders them on one number line.
func ValuesEqual(a, b interface{}) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		return x == y
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ValuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		y, ok := b.(map[string]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !ValuesEqual(xv, yv) {
				return false
			}
		}
		return true
	}
	if typeOrder(a) != typeOrder(b) {
		return false
	}
	return CompareValues(a, b) == 0
}

// CanonicalValue renders a value so that distinct values never share a string:
// strings are quoted, floats always carry a decimal point or exponent, and the
// remaining scalar kinds are tagged.
func CanonicalValue(v interface{}) string {
	var sb strings.Builder
	writeCanonicalValue(&sb, normalizeValue(v))
	return sb.String()
}

func writeCanonicalValue(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case float64:
		s := strconv.FormatFloat(positiveZero(t), 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEN") {
			s += ".0"
		}
		sb.WriteString(s)
	case time.Time:
		sb.WriteString("time(")
		sb.WriteString(t.UTC().Format(time.RFC3339Nano))
		sb.WriteString(")")
	case string:
		sb.WriteString(strconv.Quote(t))
	case []byte:
		sb.WriteString("bytes(")
		sb.WriteString(base64.StdEncoding.EncodeToString(t))
		sb.WriteString(")")
	case *firestore.DocumentRef, DocumentKey:
		sb.WriteString("ref(")
		sb.WriteString(strconv.Quote(refPath(t)))
		sb.WriteString(")")
	case *latlng.LatLng:
		fmt.Fprintf(sb, "geo(%s,%s)",
			strconv.FormatFloat(positiveZero(t.GetLatitude()), 'g', -1, 64),
			strconv.FormatFloat(positiveZero(t.GetLongitude()), 'g', -1, 64))
	case []interface{}:
		sb.WriteString("[")
		for i, e := range t {
			if i > 0 {
				sb.WriteString(",")
			}
			writeCanonicalValue(sb, normalizeValue(e))
		}
		sb.WriteString("]")
	case map[string]interface{}:
		sb.WriteString("{")
		for i, k := range sortedKeys(t) {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(":")
			writeCanonicalValue(sb, normalizeValue(t[k]))
		}
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "unknown(%q)", fmt.Sprint(t))
	}
}

// refPath returns the database-relative path of a reference value.
// positiveZero folds -0 into 0; the two compare equal.
func positiveZero(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}

func refPath(v interface{}) string {
	switch ref := v.(type) {
	case DocumentKey:
		return ref.String()
	case *firestore.DocumentRef:
		if ref == nil {
			return ""
		}
		if i := strings.Index(ref.Path, "/documents/"); i >= 0 {
			return ref.Path[i+len("/documents/"):]
		}
		return ref.Path
	}
	return ""
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// compareFloats puts NaN before every other number.
func compareFloats(a, b float64) int {
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	case math.IsNaN(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareNumbers(a, b interface{}) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return compareFloats(toFloat(a), toFloat(b))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

func compareArrays(a, b []interface{}) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(a), len(b))
}

func compareMaps(a, b map[string]interface{}) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return compareInts(len(ak), len(bk))
}
