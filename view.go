package fireview

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"
)

// ViewState tracks how far a View has synchronized with the backend.
type ViewState int

const (
	ViewEmpty ViewState = iota
	ViewLoading
	ViewSynced
	// ViewLocalOnly is a synced view with pending local mutations overlaid.
	ViewLocalOnly
)

func (s ViewState) String() string {
	switch s {
	case ViewEmpty:
		return "empty"
	case ViewLoading:
		return "loading"
	case ViewSynced:
		return "synced"
	case ViewLocalOnly:
		return "local-only"
	}
	return fmt.Sprintf("ViewState(%d)", int(s))
}

// TargetChange is one batch from the remote listen stream.
type TargetChange struct {
	Added    []Document
	Modified []Document
	Removed  []DocumentKey
	// ResumeToken, when set, replaces the token of the listen.
	ResumeToken []byte
	ReadTime    time.Time
	// Current means the backend has sent everything up to ReadTime.
	Current bool
	// Reset means the change is the full result: documents it omits are gone.
	Reset bool
}

// Diff is the delta between two successive materializations of a View.
// Added and Modified follow the view order, Removed the order the documents had.
type Diff struct {
	Added    []Document
	Modified []Document
	Removed  []DocumentKey
}

func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

type limboDoc struct {
	doc      Document
	deadline time.Time
	// visible documents were already delivered to listeners.
	visible bool
}

// View materializes the result of one Target from confirmed server state and
// pending local mutations. A View is not safe for concurrent use; the
// SyncEngine serializes all calls for a target.
type View struct {
	target *Target
	query  Query
	cmp    func(a, b Document) int

	state           ViewState
	current         bool
	resumeToken     []byte
	snapshotVersion time.Time

	remote  map[DocumentKey]Document
	pending map[DocumentKey][]Mutation
	// mutation id -> key
	pendingKeys  map[string]DocumentKey
	limbo        map[DocumentKey]*limboDoc
	limboTimeout time.Duration

	results *documentSet
	now     func() time.Time
}

// NewView creates an empty view. limboTimeout bounds how long unconfirmed
// documents wait for the backend; zero disables expiry.
func NewView(target *Target, limboTimeout time.Duration) *View {
	query := target.ToTargetQuery()
	cmp := query.Comparator()
	return &View{
		target:       target,
		query:        query,
		cmp:          cmp,
		state:        ViewEmpty,
		remote:       map[DocumentKey]Document{},
		pending:      map[DocumentKey][]Mutation{},
		pendingKeys:  map[string]DocumentKey{},
		limbo:        map[DocumentKey]*limboDoc{},
		limboTimeout: limboTimeout,
		results:      newDocumentSet(cmp),
		now:          time.Now,
	}
}

func (v *View) Target() *Target {
	return v.target
}

func (v *View) State() ViewState {
	return v.state
}

func (v *View) ResumeToken() []byte {
	return v.resumeToken
}

func (v *View) SnapshotVersion() time.Time {
	return v.snapshotVersion
}

// IsCurrent reports whether the last change marked the view as caught up.
func (v *View) IsCurrent() bool {
	return v.current
}

func (v *View) HasPendingWrites() bool {
	return len(v.pendingKeys) > 0
}

// LimboDocumentKeys lists documents whose state is not confirmed yet, in key order.
func (v *View) LimboDocumentKeys() []DocumentKey {
	keys := make([]DocumentKey, 0, len(v.limbo))
	for key := range v.limbo {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// Documents returns a copy of the materialized result in target order.
func (v *View) Documents() []Document {
	return v.results.Head(v.windowSize())
}

// ConfirmedDocuments returns the server-confirmed documents in key order,
// without local overlays.
func (v *View) ConfirmedDocuments() []Document {
	docs := make([]Document, 0, len(v.remote))
	for _, doc := range v.remote {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key.Compare(docs[j].Key) < 0 })
	return docs
}

func (v *View) windowSize() int {
	if v.target.HasLimit() {
		return v.target.Limit()
	}
	return -1
}

// StartLoading moves an empty view into the loading state once its listen starts.
func (v *View) StartLoading(resumeToken []byte) {
	v.resumeToken = resumeToken
	if v.state == ViewEmpty {
		v.state = ViewLoading
	}
}

// LoadCached seeds the view with cached documents for a listen that starts
// without a resume token. They stay in limbo, hidden from listeners, until
// the backend confirms them.
func (v *View) LoadCached(docs []Document) {
	deadline := v.limboDeadline()
	for _, doc := range docs {
		if _, ok := v.remote[doc.Key]; ok {
			continue
		}
		v.limbo[doc.Key] = &limboDoc{doc: doc, deadline: deadline}
	}
	if v.state == ViewEmpty {
		v.state = ViewLoading
	}
}

// RestoreConfirmed seeds the view with the documents persisted alongside a
// resume token. A resumed listen only sends what changed since the token, so
// these are confirmed state, served from cache until the backend is current.
func (v *View) RestoreConfirmed(docs []Document) Diff {
	tracker := v.track()
	for _, doc := range docs {
		if _, ok := v.remote[doc.Key]; ok {
			continue
		}
		doc.HasPendingWrites = false
		v.remote[doc.Key] = doc
		delete(v.limbo, doc.Key)
		tracker.touch(doc.Key)
	}
	if v.state == ViewEmpty {
		v.state = ViewLoading
	}
	return tracker.diff()
}

func (v *View) limboDeadline() time.Time {
	if v.limboTimeout <= 0 {
		return time.Time{}
	}
	return v.now().Add(v.limboTimeout)
}

// MarkStale is called after the resume token was rejected. Every confirmed
// document moves to limbo and stays visible until the new listen confirms or
// drops it.
func (v *View) MarkStale() {
	deadline := v.limboDeadline()
	for key, doc := range v.remote {
		v.limbo[key] = &limboDoc{doc: doc, deadline: deadline, visible: true}
	}
	v.resumeToken = nil
	v.current = false
	v.state = ViewLoading
}

func (v *View) validate(change TargetChange) error {
	removed := make(map[DocumentKey]bool, len(change.Removed))
	for _, key := range change.Removed {
		if key.IsZero() {
			return &MalformedSnapshotError{Reason: "removed document without a key"}
		}
		removed[key] = true
	}
	seen := map[DocumentKey]bool{}
	for _, docs := range [][]Document{change.Added, change.Modified} {
		for _, doc := range docs {
			switch {
			case doc.Key.IsZero():
				return &MalformedSnapshotError{Reason: "document without a key"}
			case removed[doc.Key]:
				return &MalformedSnapshotError{Reason: fmt.Sprintf("document %s both changed and removed", doc.Key)}
			case seen[doc.Key]:
				return &MalformedSnapshotError{Reason: fmt.Sprintf("document %s reported twice", doc.Key)}
			case !isSupportedValue(doc.Data):
				return &MalformedSnapshotError{Reason: fmt.Sprintf("document %s has unsupported field values", doc.Key)}
			}
			seen[doc.Key] = true
		}
	}
	return nil
}

// ApplySnapshot merges a server change into the confirmed state and returns
// the diff against the previous materialization. Applying the same change
// twice yields an empty diff the second time.
func (v *View) ApplySnapshot(change TargetChange) (Diff, error) {
	if err := v.validate(change); err != nil {
		return Diff{}, err
	}
	tracker := v.track()

	if change.Reset {
		included := map[DocumentKey]bool{}
		for _, docs := range [][]Document{change.Added, change.Modified} {
			for _, doc := range docs {
				included[doc.Key] = true
			}
		}
		for key := range v.remote {
			if !included[key] {
				delete(v.remote, key)
				delete(v.limbo, key)
				tracker.touch(key)
			}
		}
	}
	for _, docs := range [][]Document{change.Added, change.Modified} {
		for _, doc := range docs {
			doc.HasPendingWrites = false
			v.remote[doc.Key] = doc
			delete(v.limbo, doc.Key)
			tracker.touch(doc.Key)
		}
	}
	for _, key := range change.Removed {
		delete(v.remote, key)
		delete(v.limbo, key)
		tracker.touch(key)
	}

	if change.Current {
		v.current = true
		for key, entry := range v.limbo {
			v.resolveLimboNegatively(key, entry, tracker)
		}
	}
	if change.ResumeToken != nil {
		v.resumeToken = change.ResumeToken
	}
	if !change.ReadTime.IsZero() {
		v.snapshotVersion = change.ReadTime
	}
	v.updateState()
	return tracker.diff(), nil
}

func (v *View) resolveLimboNegatively(key DocumentKey, entry *limboDoc, tracker *changeTracker) {
	delete(v.limbo, key)
	if entry.visible {
		delete(v.remote, key)
		tracker.touch(key)
	}
	glog.V(2).Infof("[view]%s limbo %s resolved as missing (visible=%t)\n", v.target.CanonicalID(), key, entry.visible)
}

// ExpireLimbo drops limbo documents whose deadline passed. Visible ones are
// reported as removed.
func (v *View) ExpireLimbo(now time.Time) Diff {
	tracker := v.track()
	for key, entry := range v.limbo {
		if entry.deadline.IsZero() || entry.deadline.After(now) {
			continue
		}
		v.resolveLimboNegatively(key, entry, tracker)
	}
	return tracker.diff()
}

// ApplyLocalMutation overlays a pending write and returns its optimistic effect.
func (v *View) ApplyLocalMutation(m Mutation) Diff {
	if _, ok := v.pendingKeys[m.ID]; ok {
		return Diff{}
	}
	tracker := v.track()
	v.pending[m.Key] = append(v.pending[m.Key], m)
	v.pendingKeys[m.ID] = m.Key
	tracker.touch(m.Key)
	v.updateState()
	return tracker.diff()
}

// AcknowledgeMutation folds an accepted write into the confirmed state.
func (v *View) AcknowledgeMutation(mutationID string) Diff {
	m, ok := v.removePending(mutationID)
	if !ok {
		return Diff{}
	}
	tracker := v.track()
	var base *Document
	if doc, ok := v.remote[m.Key]; ok {
		base = &doc
	}
	doc, exists := m.ApplyTo(base)
	if exists {
		doc.HasPendingWrites = false
		if base != nil || v.query.Matches(doc) {
			v.remote[m.Key] = doc
		}
	} else if m.Kind == MutationDelete {
		delete(v.remote, m.Key)
	}
	tracker.touch(m.Key)
	v.updateState()
	return tracker.diff()
}

// RejectMutation drops a pending write; the diff undoes its optimistic effect.
func (v *View) RejectMutation(mutationID string) Diff {
	m, ok := v.removePending(mutationID)
	if !ok {
		return Diff{}
	}
	tracker := v.track()
	tracker.touch(m.Key)
	v.updateState()
	return tracker.diff()
}

func (v *View) removePending(mutationID string) (Mutation, bool) {
	key, ok := v.pendingKeys[mutationID]
	if !ok {
		return Mutation{}, false
	}
	delete(v.pendingKeys, mutationID)
	list := v.pending[key]
	for i, m := range list {
		if m.ID != mutationID {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(v.pending, key)
		} else {
			v.pending[key] = list
		}
		return m, true
	}
	return Mutation{}, false
}

func (v *View) updateState() {
	switch {
	case !v.current:
		v.state = ViewLoading
	case len(v.pendingKeys) > 0:
		v.state = ViewLocalOnly
	default:
		v.state = ViewSynced
	}
}

// effective computes the visible state of one document: confirmed state with
// every pending mutation for it applied in order.
func (v *View) effective(key DocumentKey) (Document, bool) {
	var current *Document
	if doc, ok := v.remote[key]; ok {
		current = &doc
	}
	for _, m := range v.pending[key] {
		doc, exists := m.ApplyTo(current)
		if !exists {
			current = nil
			continue
		}
		current = &doc
	}
	if current == nil {
		return Document{}, false
	}
	return *current, true
}

// changeTracker records which keys changed so the diff only looks at them,
// plus the limited window when the target has a limit.
type changeTracker struct {
	view      *View
	touched   map[DocumentKey]bool
	oldDocs   map[DocumentKey]Document
	oldWindow map[DocumentKey]Document
}

func (v *View) track() *changeTracker {
	t := &changeTracker{
		view:    v,
		touched: map[DocumentKey]bool{},
		oldDocs: map[DocumentKey]Document{},
	}
	if v.target.HasLimit() {
		t.oldWindow = map[DocumentKey]Document{}
		for _, doc := range v.results.Head(v.windowSize()) {
			t.oldWindow[doc.Key] = doc
		}
	}
	return t
}

func (t *changeTracker) touch(key DocumentKey) {
	if t.touched[key] {
		return
	}
	t.touched[key] = true
	if doc, ok := t.view.results.Get(key); ok {
		t.oldDocs[key] = doc
	}
}

func (t *changeTracker) diff() Diff {
	v := t.view
	for key := range t.touched {
		doc, exists := v.effective(key)
		if exists && v.query.Matches(doc) {
			v.results.Put(doc)
		} else {
			v.results.Delete(key)
		}
	}

	var d Diff
	var removed []Document
	if t.oldWindow == nil {
		for key := range t.touched {
			oldDoc, wasIn := t.oldDocs[key]
			newDoc, isIn := v.results.Get(key)
			switch {
			case wasIn && !isIn:
				removed = append(removed, oldDoc)
			case !wasIn && isIn:
				d.Added = append(d.Added, newDoc)
			case wasIn && isIn && !oldDoc.IsEqual(newDoc):
				d.Modified = append(d.Modified, newDoc)
			}
		}
	} else {
		newWindow := v.results.Head(v.windowSize())
		inNew := make(map[DocumentKey]bool, len(newWindow))
		for _, doc := range newWindow {
			inNew[doc.Key] = true
			oldDoc, wasIn := t.oldWindow[doc.Key]
			switch {
			case !wasIn:
				d.Added = append(d.Added, doc)
			case t.touched[doc.Key] && !oldDoc.IsEqual(doc):
				d.Modified = append(d.Modified, doc)
			}
		}
		for key, oldDoc := range t.oldWindow {
			if !inNew[key] {
				removed = append(removed, oldDoc)
			}
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return v.cmp(d.Added[i], d.Added[j]) < 0 })
	sort.Slice(d.Modified, func(i, j int) bool { return v.cmp(d.Modified[i], d.Modified[j]) < 0 })
	sort.Slice(removed, func(i, j int) bool { return v.cmp(removed[i], removed[j]) < 0 })
	for _, doc := range removed {
		d.Removed = append(d.Removed, doc.Key)
	}
	return d
}
