package fireview

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string, ts int) Document {
	return NewDocument("rooms/1/msgs/"+id, map[string]interface{}{"ts": ts, "text": id})
}

func keysOf(docs []Document) []string {
	keys := make([]string, len(docs))
	for i, doc := range docs {
		keys[i] = doc.Key.String()
	}
	return keys
}

func keyStrings(keys []DocumentKey) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key.String()
	}
	return out
}

func newMsgView(t *testing.T, q Query) *View {
	t.Helper()
	return NewView(mustTarget(t, q), 0)
}

var msgsByTs = NewQuery("rooms/1/msgs").OrderBy("ts", firestore.Asc)

func TestViewApplySnapshot(t *testing.T) {
	t.Run("Diff is ordered and the second application is empty", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		assert.Equal(t, ViewEmpty, view.State())

		change := TargetChange{
			Added:       []Document{msg("c", 3), msg("a", 1), msg("b", 2)},
			ResumeToken: []byte("t1"),
			Current:     true,
		}
		diff, err := view.ApplySnapshot(change)
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/a", "rooms/1/msgs/b", "rooms/1/msgs/c"}, keysOf(diff.Added))
		assert.Empty(t, diff.Modified)
		assert.Empty(t, diff.Removed)
		assert.Equal(t, ViewSynced, view.State())
		assert.Equal(t, []byte("t1"), view.ResumeToken())

		diff, err = view.ApplySnapshot(change)
		require.NoError(t, err)
		assert.True(t, diff.IsEmpty())
	})

	t.Run("Inverse restores the previous set", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1), msg("b", 2)}, Current: true})
		require.NoError(t, err)
		before := view.Documents()

		changed := msg("a", 5)
		diff, err := view.ApplySnapshot(TargetChange{
			Added:    []Document{msg("c", 3)},
			Modified: []Document{changed},
			Removed:  []DocumentKey{MustDocumentKey("rooms/1/msgs/b")},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/c"}, keysOf(diff.Added))
		assert.Equal(t, []string{"rooms/1/msgs/a"}, keysOf(diff.Modified))
		assert.Equal(t, []string{"rooms/1/msgs/b"}, keyStrings(diff.Removed))

		_, err = view.ApplySnapshot(TargetChange{
			Added:    []Document{msg("b", 2)},
			Modified: []Document{msg("a", 1)},
			Removed:  []DocumentKey{MustDocumentKey("rooms/1/msgs/c")},
		})
		require.NoError(t, err)
		assert.Equal(t, keysOf(before), keysOf(view.Documents()))
		for i, doc := range view.Documents() {
			assert.True(t, before[i].IsEqual(doc))
		}
	})

	t.Run("Reset drops omitted documents", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1), msg("b", 2)}, Current: true})
		require.NoError(t, err)

		diff, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("b", 2)}, Reset: true, Current: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/a"}, keyStrings(diff.Removed))
		assert.Empty(t, diff.Added)
	})

	t.Run("Non matching documents are ignored", func(t *testing.T) {
		view := newMsgView(t, NewQuery("rooms/1/msgs").Where("ts", OpGreaterThan, 1))
		diff, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1), msg("b", 2)}, Current: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/b"}, keysOf(diff.Added))
	})

	t.Run("Malformed changes are rejected", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		bad := []TargetChange{
			{Added: []Document{{Data: map[string]interface{}{}}}},
			{Added: []Document{msg("a", 1)}, Removed: []DocumentKey{MustDocumentKey("rooms/1/msgs/a")}},
			{Added: []Document{msg("a", 1)}, Modified: []Document{msg("a", 2)}},
			{Added: []Document{NewDocument("rooms/1/msgs/x", map[string]interface{}{"ch": make(chan int)})}},
		}
		for _, change := range bad {
			_, err := view.ApplySnapshot(change)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSnapshot))
		}
		assert.Empty(t, view.Documents())
	})
}

func TestViewLimit(t *testing.T) {
	view := newMsgView(t, msgsByTs.Limit(2))
	diff, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1), msg("b", 2), msg("c", 3)}, Current: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"rooms/1/msgs/a", "rooms/1/msgs/b"}, keysOf(diff.Added))

	diff, err = view.ApplySnapshot(TargetChange{Removed: []DocumentKey{MustDocumentKey("rooms/1/msgs/a")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"rooms/1/msgs/a"}, keyStrings(diff.Removed))
	assert.Equal(t, []string{"rooms/1/msgs/c"}, keysOf(diff.Added))
	assert.Equal(t, []string{"rooms/1/msgs/b", "rooms/1/msgs/c"}, keysOf(view.Documents()))

	// a change outside the window is invisible
	diff, err = view.ApplySnapshot(TargetChange{Added: []Document{msg("d", 9)}})
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
}

func TestViewLocalMutations(t *testing.T) {
	t.Run("Rejected add restores the view", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1)}, Current: true})
		require.NoError(t, err)
		before := view.Documents()

		m := NewSetMutation(MustDocumentKey("rooms/1/msgs/b"), map[string]interface{}{"ts": 2})
		diff := view.ApplyLocalMutation(m)
		require.Len(t, diff.Added, 1)
		assert.True(t, diff.Added[0].HasPendingWrites)
		assert.True(t, view.HasPendingWrites())
		assert.Equal(t, ViewLocalOnly, view.State())

		diff = view.RejectMutation(m.ID)
		assert.Equal(t, []string{"rooms/1/msgs/b"}, keyStrings(diff.Removed))
		assert.Equal(t, ViewSynced, view.State())
		require.Len(t, view.Documents(), len(before))
		for i, doc := range view.Documents() {
			assert.True(t, before[i].IsEqual(doc))
		}
	})

	t.Run("Rejected patch restores the confirmed state", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1)}, Current: true})
		require.NoError(t, err)

		m := NewPatchMutation(MustDocumentKey("rooms/1/msgs/a"), map[string]interface{}{"text": "edited"})
		diff := view.ApplyLocalMutation(m)
		require.Len(t, diff.Modified, 1)
		assert.Equal(t, "edited", diff.Modified[0].Data["text"])

		diff = view.RejectMutation(m.ID)
		require.Len(t, diff.Modified, 1)
		assert.Equal(t, "a", diff.Modified[0].Data["text"])
		assert.False(t, diff.Modified[0].HasPendingWrites)
	})

	t.Run("Acknowledged delete stays deleted", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1), msg("b", 2)}, Current: true})
		require.NoError(t, err)

		m := NewDeleteMutation(MustDocumentKey("rooms/1/msgs/a"))
		diff := view.ApplyLocalMutation(m)
		assert.Equal(t, []string{"rooms/1/msgs/a"}, keyStrings(diff.Removed))

		diff = view.AcknowledgeMutation(m.ID)
		assert.True(t, diff.IsEmpty())
		assert.Equal(t, []string{"rooms/1/msgs/b"}, keysOf(view.Documents()))
		assert.False(t, view.HasPendingWrites())
	})

	t.Run("Acknowledged set clears the pending flag", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Current: true})
		require.NoError(t, err)

		m := NewSetMutation(MustDocumentKey("rooms/1/msgs/n"), map[string]interface{}{"ts": 7})
		view.ApplyLocalMutation(m)
		diff := view.AcknowledgeMutation(m.ID)
		require.Len(t, diff.Modified, 1)
		assert.False(t, diff.Modified[0].HasPendingWrites)
		assert.Equal(t, ViewSynced, view.State())
	})

	t.Run("Applying the same mutation twice is a no-op", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		m := NewSetMutation(MustDocumentKey("rooms/1/msgs/n"), map[string]interface{}{"ts": 7})
		assert.Len(t, view.ApplyLocalMutation(m).Added, 1)
		assert.True(t, view.ApplyLocalMutation(m).IsEmpty())
		assert.True(t, view.RejectMutation("unknown").IsEmpty())
	})

	t.Run("Mutations outside the query are not shown", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		m := NewSetMutation(MustDocumentKey("rooms/2/msgs/n"), map[string]interface{}{"ts": 7})
		assert.True(t, view.ApplyLocalMutation(m).IsEmpty())
	})
}

func TestViewLimbo(t *testing.T) {
	t.Run("Cached documents stay hidden until confirmed", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		view.LoadCached([]Document{msg("a", 1), msg("b", 2)})
		assert.Empty(t, view.Documents())
		assert.Len(t, view.LimboDocumentKeys(), 2)
		assert.Equal(t, ViewLoading, view.State())

		diff, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1)}, Current: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/a"}, keysOf(diff.Added))
		assert.Empty(t, diff.Removed)
		assert.Empty(t, view.LimboDocumentKeys())
	})

	t.Run("Documents restored with a resume token are confirmed", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		diff := view.RestoreConfirmed([]Document{msg("a", 1), msg("b", 2)})
		assert.Equal(t, []string{"rooms/1/msgs/a", "rooms/1/msgs/b"}, keysOf(diff.Added))
		assert.Empty(t, view.LimboDocumentKeys())
		assert.False(t, view.IsCurrent())
		assert.Equal(t, ViewLoading, view.State())

		diff, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("c", 3)}, Current: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/c"}, keysOf(diff.Added))
		assert.Empty(t, diff.Removed)
		assert.Equal(t, []string{"rooms/1/msgs/a", "rooms/1/msgs/b", "rooms/1/msgs/c"}, keysOf(view.Documents()))
		assert.Len(t, view.ConfirmedDocuments(), 3)

		diff, err = view.ApplySnapshot(TargetChange{Added: []Document{msg("c", 3)}, Current: true, Reset: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/a", "rooms/1/msgs/b"}, keyStrings(diff.Removed))
	})

	t.Run("Stale documents are removed when the new listen omits them", func(t *testing.T) {
		view := newMsgView(t, msgsByTs)
		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1), msg("b", 2)}, Current: true})
		require.NoError(t, err)

		view.MarkStale()
		assert.Equal(t, ViewLoading, view.State())
		assert.False(t, view.IsCurrent())
		assert.Nil(t, view.ResumeToken())
		assert.Len(t, view.Documents(), 2)

		diff, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("b", 2)}})
		require.NoError(t, err)
		assert.True(t, diff.IsEmpty())

		diff, err = view.ApplySnapshot(TargetChange{Current: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"rooms/1/msgs/a"}, keyStrings(diff.Removed))
		assert.Equal(t, ViewSynced, view.State())
	})

	t.Run("Limbo documents expire", func(t *testing.T) {
		view := NewView(mustTarget(t, msgsByTs), time.Second)
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		view.now = func() time.Time { return start }

		_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("a", 1)}, Current: true})
		require.NoError(t, err)
		view.MarkStale()

		assert.True(t, view.ExpireLimbo(start.Add(500*time.Millisecond)).IsEmpty())
		diff := view.ExpireLimbo(start.Add(2 * time.Second))
		assert.Equal(t, []string{"rooms/1/msgs/a"}, keyStrings(diff.Removed))
		assert.Empty(t, view.LimboDocumentKeys())
	})
}

func TestViewConfirmedDocuments(t *testing.T) {
	view := newMsgView(t, msgsByTs)
	_, err := view.ApplySnapshot(TargetChange{Added: []Document{msg("b", 1), msg("a", 2)}, Current: true})
	require.NoError(t, err)
	view.ApplyLocalMutation(NewSetMutation(MustDocumentKey("rooms/1/msgs/c"), map[string]interface{}{"ts": 0}))

	assert.Equal(t, []string{"rooms/1/msgs/a", "rooms/1/msgs/b"}, keysOf(view.ConfirmedDocuments()))
	assert.Equal(t, []string{"rooms/1/msgs/c", "rooms/1/msgs/b", "rooms/1/msgs/a"}, keysOf(view.Documents()))
}
