package fireview

import (
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetCacheSharedListen(t *testing.T) {
	cache := NewTargetCache()

	first := mustTarget(t, NewQuery("rooms/1/msgs").OrderBy("ts", firestore.Asc))
	second := mustTarget(t, NewQuery("rooms/1/msgs/").
		AddOrderBy(OrderBy{Field: "ts", Direction: firestore.Asc}).
		OrderBy(KeyFieldPath, firestore.Asc))

	a, created := cache.Acquire(first)
	assert.True(t, created)
	b, created := cache.Acquire(second)
	assert.False(t, created)

	assert.Same(t, a, b)
	assert.Equal(t, 2, a.RefCount)
	assert.Equal(t, TargetCacheStats{Active: 1}, cache.Stats())

	inactive, ok := cache.Release(a.TargetID)
	assert.True(t, ok)
	assert.False(t, inactive)
	inactive, ok = cache.Release(a.TargetID)
	assert.True(t, ok)
	assert.True(t, inactive)

	// released targets stay until a GC pass
	data, ok := cache.GetByCanonicalID(first.CanonicalID())
	require.True(t, ok)
	assert.Equal(t, 0, data.RefCount)
	assert.Equal(t, TargetCacheStats{Inactive: 1}, cache.Stats())

	// releasing below zero is ignored
	inactive, ok = cache.Release(a.TargetID)
	assert.True(t, ok)
	assert.False(t, inactive)
	assert.Equal(t, 0, data.RefCount)

	reclaimed := cache.CollectGarbage(GCPolicy{MaxInactive: 0})
	require.Len(t, reclaimed, 1)
	assert.Equal(t, a.TargetID, reclaimed[0].TargetID)
	_, ok = cache.Get(a.TargetID)
	assert.False(t, ok)

	_, ok = cache.Release(a.TargetID)
	assert.False(t, ok)
}

func TestTargetCacheIDs(t *testing.T) {
	cache := NewTargetCache()
	a, _ := cache.Acquire(mustTarget(t, NewQuery("a")))
	b, _ := cache.Acquire(mustTarget(t, NewQuery("b")))
	assert.Equal(t, 2, a.TargetID)
	assert.Equal(t, 4, b.TargetID)

	cache.Release(a.TargetID)
	cache.CollectGarbage(GCPolicy{MaxInactive: 0})

	// target ids are never reused
	again, created := cache.Acquire(mustTarget(t, NewQuery("a")))
	assert.True(t, created)
	assert.Equal(t, 6, again.TargetID)
}

func TestTargetCacheResumeToken(t *testing.T) {
	cache := NewTargetCache()
	data, _ := cache.Acquire(mustTarget(t, NewQuery("a")))
	cache.UpdateResumeToken(data.TargetID, []byte("token"))
	cache.UpdateResumeToken(99, []byte("ignored"))

	got, ok := cache.Get(data.TargetID)
	require.True(t, ok)
	assert.Equal(t, []byte("token"), got.ResumeToken)
}

func TestTargetCacheCollectGarbage(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := NewTargetCache()
	cache.now = func() time.Time { return now }

	acquire := func(path string) *TargetData {
		data, _ := cache.Acquire(mustTarget(t, NewQuery(path)))
		return data
	}
	a := acquire("a")
	b := acquire("b")
	c := acquire("c")
	active := acquire("d")

	cache.Release(b.TargetID)
	cache.Release(a.TargetID)
	now = now.Add(10 * time.Minute)
	cache.Release(c.TargetID)

	t.Run("Idle targets go first", func(t *testing.T) {
		reclaimed := cache.CollectGarbage(GCPolicy{MaxInactive: -1, MaxIdle: 5 * time.Minute})
		require.Len(t, reclaimed, 2)
		assert.Equal(t, a.TargetID, reclaimed[0].TargetID)
		assert.Equal(t, b.TargetID, reclaimed[1].TargetID)
		assert.True(t, active.IsActive())
	})

	t.Run("Lowest sequence number goes first", func(t *testing.T) {
		e := acquire("e")
		cache.Release(e.TargetID)
		reclaimed := cache.CollectGarbage(GCPolicy{MaxInactive: 1})
		require.Len(t, reclaimed, 1)
		assert.Equal(t, c.TargetID, reclaimed[0].TargetID)

		_, ok := cache.Get(e.TargetID)
		assert.True(t, ok)
		assert.Equal(t, TargetCacheStats{Active: 1, Inactive: 1}, cache.Stats())
	})

	t.Run("Reacquiring refreshes the sequence number", func(t *testing.T) {
		e, ok := cache.GetByCanonicalID(mustTarget(t, NewQuery("e")).CanonicalID())
		require.True(t, ok)
		before := e.SequenceNumber
		again, created := cache.Acquire(mustTarget(t, NewQuery("e")))
		assert.False(t, created)
		assert.Greater(t, again.SequenceNumber, before)
		assert.True(t, again.IsActive())
	})
}
