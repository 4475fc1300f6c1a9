package fireview

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/type/latlng"
)

func mustTarget(t *testing.T, q Query) *Target {
	t.Helper()
	target, err := q.ToTarget()
	require.NoError(t, err)
	return target
}

func TestTargetCanonicalID(t *testing.T) {
	t.Run("Layout", func(t *testing.T) {
		target := mustTarget(t, NewQuery("rooms/1/msgs").
			Where("author", OpEqual, "ann").
			OrderBy("ts", firestore.Asc).
			Limit(10))
		assert.Equal(t, `rooms/1/msgs|f:author=="ann",|ob:tsasc,__name__asc,|l:10`, target.CanonicalID())
	})

	t.Run("Implicit key order", func(t *testing.T) {
		target := mustTarget(t, NewQuery("users"))
		assert.Equal(t, "users|f:|ob:__name__asc,", target.CanonicalID())
	})

	t.Run("Collection group and bounds", func(t *testing.T) {
		target := mustTarget(t, NewCollectionGroupQuery("msgs").
			OrderBy("ts", firestore.Desc).
			StartAt(5).
			EndBefore(1))
		assert.Equal(t, `|cg:msgs|f:|ob:tsdesc,__name__desc,|lb:b:5|ub:b:1`, target.CanonicalID())
	})

	t.Run("Memoized", func(t *testing.T) {
		target := mustTarget(t, NewQuery("users").Where("age", OpGreaterThan, 30))
		first := target.CanonicalID()
		assert.Equal(t, first, target.CanonicalID())
		assert.Len(t, target.PersistenceKey(), 64)
		assert.Equal(t, PersistenceKey(first), target.PersistenceKey())
	})

	t.Run("Same content through different call sequences", func(t *testing.T) {
		a := mustTarget(t, NewQuery("rooms/1/msgs").OrderBy("ts", firestore.Asc))
		b := mustTarget(t, NewQuery("/rooms/1/msgs/").
			AddOrderBy(OrderBy{Field: "ts", Direction: firestore.Asc}).
			OrderBy(KeyFieldPath, firestore.Asc))
		assert.True(t, a.IsEqual(b))
		assert.Equal(t, a.CanonicalID(), b.CanonicalID())
	})

	t.Run("Numbers keep their type", func(t *testing.T) {
		a := mustTarget(t, NewQuery("users").Where("age", OpEqual, 1))
		b := mustTarget(t, NewQuery("users").Where("age", OpEqual, 1.0))
		assert.False(t, a.IsEqual(b))
		assert.NotEqual(t, a.CanonicalID(), b.CanonicalID())
	})

	t.Run("Negative zero matches zero", func(t *testing.T) {
		negZero := math.Copysign(0, -1)
		a := mustTarget(t, NewQuery("places").Where("loc", OpEqual, &latlng.LatLng{Latitude: 0, Longitude: 1}))
		b := mustTarget(t, NewQuery("places").Where("loc", OpEqual, &latlng.LatLng{Latitude: negZero, Longitude: 1}))
		assert.True(t, a.IsEqual(b))
		assert.Equal(t, a.CanonicalID(), b.CanonicalID())

		c := mustTarget(t, NewQuery("places").Where("n", OpEqual, 0.0))
		d := mustTarget(t, NewQuery("places").Where("n", OpEqual, negZero))
		assert.True(t, c.IsEqual(d))
		assert.Equal(t, c.CanonicalID(), d.CanonicalID())
	})

	t.Run("Delimiters inside values do not collide", func(t *testing.T) {
		a := mustTarget(t, NewQuery("users").Where("a", OpEqual, `x",|f:b=="y`))
		b := mustTarget(t, NewQuery("users").Where("a", OpEqual, "x").Where("b", OpEqual, "y"))
		assert.NotEqual(t, a.CanonicalID(), b.CanonicalID())

		c := mustTarget(t, NewQuery("users").Where("a==b", OpEqual, "c"))
		d := mustTarget(t, NewQuery("users").Where("a", OpEqual, "b==c"))
		assert.NotEqual(t, c.CanonicalID(), d.CanonicalID())
	})

	t.Run("Every component discriminates", func(t *testing.T) {
		base := NewQuery("rooms/1/msgs").Where("n", OpGreaterThan, 1).OrderBy("n", firestore.Asc)
		variants := []Query{
			base,
			base.Limit(1),
			base.Limit(2),
			NewQuery("rooms/1/msgs").Where("n", OpGreaterThan, 2).OrderBy("n", firestore.Asc),
			NewQuery("rooms/1/msgs").Where("n", OpGreaterThanEqual, 1).OrderBy("n", firestore.Asc),
			NewQuery("rooms/1/msgs").Where("n", OpGreaterThan, 1).OrderBy("n", firestore.Desc),
			base.StartAt(3),
			base.StartAfter(3),
			base.EndAt(3),
			base.EndBefore(3),
			NewQuery("rooms/2/msgs").Where("n", OpGreaterThan, 1).OrderBy("n", firestore.Asc),
		}
		seen := map[string]int{}
		for i, q := range variants {
			id := mustTarget(t, q).CanonicalID()
			if j, ok := seen[id]; ok {
				t.Fatalf("variants %d and %d share canonical id %s", j, i, id)
			}
			seen[id] = i
		}
	})
}

func randomValue(r *rand.Rand) interface{} {
	switch r.Intn(7) {
	case 0:
		return r.Intn(5)
	case 1:
		return float64(r.Intn(5)) / 2
	case 2:
		return []string{"a", "b", ",", "|", `\`, `"`, "a,b"}[r.Intn(7)]
	case 3:
		return r.Intn(2) == 0
	case 4:
		return nil
	case 5:
		return time.Unix(int64(r.Intn(3)), 0)
	}
	return []interface{}{r.Intn(3), "x"}
}

func randomQuery(r *rand.Rand) Query {
	fields := []string{"a", "b", "a.b", "c,d", "e|f", `g\`}
	paths := []string{"users", "rooms/1/msgs", "rooms/2/msgs", "a,b", "a|b"}

	q := NewQuery(paths[r.Intn(len(paths))])
	if r.Intn(6) == 0 {
		q = NewCollectionGroupQuery([]string{"msgs", "users", "m|s"}[r.Intn(3)])
	}
	equalityOps := []Operator{OpEqual, OpArrayContains}
	for i := r.Intn(3); i > 0; i-- {
		q = q.Where(fields[r.Intn(len(fields))], equalityOps[r.Intn(len(equalityOps))], randomValue(r))
	}
	if r.Intn(3) == 0 {
		q = q.Where("n", []Operator{OpIn, OpNotIn}[r.Intn(2)], []interface{}{randomValue(r), randomValue(r)})
	}
	orderCount := r.Intn(3)
	for i := 0; i < orderCount; i++ {
		dir := firestore.Asc
		if r.Intn(2) == 0 {
			dir = firestore.Desc
		}
		q = q.OrderBy(fields[r.Intn(len(fields))], dir)
	}
	if r.Intn(2) == 0 {
		q = q.Limit(1 + r.Intn(5))
	}
	if orderCount > 0 && r.Intn(3) == 0 {
		q = q.StartAt(randomValue(r))
	}
	if orderCount > 0 && r.Intn(3) == 0 {
		q = q.EndBefore(randomValue(r))
	}
	return q
}

func TestTargetCanonicalIDNoCollisions(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	byID := map[string]*Target{}
	samples := 0
	for samples < 10_000 {
		q := randomQuery(r)
		target, err := q.ToTarget()
		if err != nil {
			// random combinations may violate inequality or cursor rules
			continue
		}
		samples++
		id := target.CanonicalID()
		if other, ok := byID[id]; ok {
			require.True(t, other.IsEqual(target), "canonical id collision for %s:\n%s\n%s", id, other, target)
			continue
		}
		rebuilt := mustTarget(t, target.ToTargetQuery())
		require.True(t, rebuilt.IsEqual(target))
		require.Equal(t, id, rebuilt.CanonicalID())
		byID[id] = target
	}
	assert.Greater(t, len(byID), 1000)
}

func TestTargetIsDocumentQuery(t *testing.T) {
	assert.True(t, mustTarget(t, NewQuery("users/alice")).IsDocumentQuery())
	assert.False(t, mustTarget(t, NewQuery("users")).IsDocumentQuery())
	assert.False(t, mustTarget(t, NewCollectionGroupQuery("users")).IsDocumentQuery())
}

func TestTargetRoundTrip(t *testing.T) {
	queries := []Query{
		NewQuery("users"),
		NewQuery("users").Where("age", OpGreaterThan, 30),
		NewQuery("rooms/1/msgs").OrderBy("ts", firestore.Desc).Limit(20).StartAfter(100),
		NewCollectionGroupQuery("msgs").Where("tags", OpArrayContains, "go").OrderBy("ts", firestore.Asc).EndAt("x"),
	}
	for i, q := range queries {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			target := mustTarget(t, q)
			back := target.ToTargetQuery()
			again := mustTarget(t, back)

			assert.True(t, target.IsEqual(again))
			assert.Equal(t, target.CanonicalID(), again.CanonicalID())
			assert.Equal(t, target.Limit(), back.LimitValue())
			assert.True(t, target.StartAt().IsEqual(back.StartBound()))
			assert.True(t, target.EndAt().IsEqual(back.EndBound()))
			require.Len(t, back.Filters(), len(target.Filters()))
			for j, f := range target.Filters() {
				assert.True(t, f.IsEqual(back.Filters()[j]))
			}
		})
	}
}

func TestTargetLimitToLast(t *testing.T) {
	q := NewQuery("rooms/1/msgs").OrderBy("ts", firestore.Asc).StartAt(10).EndBefore(20).LimitToLast(3)
	target := mustTarget(t, q)

	require.Len(t, target.OrderBy(), 2)
	assert.Equal(t, firestore.Desc, target.OrderBy()[0].Direction)
	assert.Equal(t, KeyFieldPath, target.OrderBy()[1].Field)
	assert.Equal(t, firestore.Desc, target.OrderBy()[1].Direction)
	assert.Equal(t, 3, target.Limit())

	// the cursors swap ends and flip inclusiveness
	require.NotNil(t, target.StartAt())
	assert.Equal(t, []interface{}{int64(20)}, target.StartAt().Position)
	assert.False(t, target.StartAt().Before)
	require.NotNil(t, target.EndAt())
	assert.Equal(t, []interface{}{int64(10)}, target.EndAt().Position)
	assert.False(t, target.EndAt().Before)

	first := mustTarget(t, NewQuery("rooms/1/msgs").OrderBy("ts", firestore.Asc).Limit(3))
	assert.NotEqual(t, first.CanonicalID(), target.CanonicalID())

	lastID, err := q.CanonicalID()
	require.NoError(t, err)
	assert.Equal(t, target.CanonicalID()+"|lt:l", lastID)
}

func TestEscapeSegment(t *testing.T) {
	assert.Equal(t, "plain", escapeSegment("plain"))
	assert.Equal(t, `a\,b\|c\\d`, escapeSegment(`a,b|c\d`))
	assert.Equal(t, "a.b", escapeField("a.b"))
	assert.Equal(t, `e\|f`, escapeField("e|f"))
}
