package fireview

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genproto/googleapis/type/latlng"
)

func TestCompareValuesTypeOrder(t *testing.T) {
	ordered := []interface{}{
		nil,
		false,
		true,
		math.NaN(),
		-1,
		2.5,
		3,
		time.Unix(0, 0),
		"",
		"a",
		[]byte("a"),
		MustDocumentKey("a/b"),
		MustDocumentKey("a/c"),
		&latlng.LatLng{Latitude: 1, Longitude: 2},
		[]interface{}{1},
		[]interface{}{1, 2},
		map[string]interface{}{"a": 1},
	}
	for i := range ordered {
		for j := range ordered {
			got := CompareValues(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Less(t, got, 0, "%v < %v", ordered[i], ordered[j])
			case i > j:
				assert.Greater(t, got, 0, "%v > %v", ordered[i], ordered[j])
			default:
				assert.Equal(t, 0, got, "%v == %v", ordered[i], ordered[j])
			}
		}
	}
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(1, int64(1)))
	assert.True(t, ValuesEqual(float32(0.5), 0.5))
	assert.False(t, ValuesEqual(1, 1.0))
	assert.True(t, ValuesEqual(math.NaN(), math.NaN()))
	assert.True(t, ValuesEqual([]string{"a"}, []interface{}{"a"}))
	assert.False(t, ValuesEqual(map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1, "b": 2}))
	assert.True(t, ValuesEqual(time.Unix(5, 0), time.Unix(5, 0).UTC()))
	assert.False(t, ValuesEqual("1", 1))
	// numbers of both kinds still sort together
	assert.Equal(t, 0, CompareValues(1, 1.0))
}

func TestCanonicalValue(t *testing.T) {
	tests := []struct {
		value interface{}
		want  string
	}{
		{nil, "null"},
		{true, "true"},
		{7, "7"},
		{7.0, "7.0"},
		{math.Copysign(0, -1), "0.0"},
		{1e21, "1e+21"},
		{"a,b", `"a,b"`},
		{[]byte("hi"), "bytes(aGk=)"},
		{time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "time(2024-01-02T03:04:05Z)"},
		{MustDocumentKey("users/alice"), `ref("users/alice")`},
		{&latlng.LatLng{Latitude: 1.5, Longitude: -2}, "geo(1.5,-2)"},
		{&latlng.LatLng{Latitude: math.Copysign(0, -1), Longitude: math.Copysign(0, -1)}, "geo(0,0)"},
		{[]interface{}{1, "x"}, `[1,"x"]`},
		{map[string]interface{}{"b": 1, "a": []string{"y"}}, `{"a":["y"],"b":1}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalValue(tt.value))
	}
}
