package fireview

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
)

// ViewSnapshot is what a listener observes after each change of its target.
type ViewSnapshot struct {
	// CanonicalID routes the snapshot to every query variant sharing the target.
	CanonicalID      string
	Query            Query
	Documents        []Document
	Diff             Diff
	State            ViewState
	FromCache        bool
	HasPendingWrites bool
	SnapshotVersion  time.Time
}

// SnapshotHandler is called on the target's event loop, one snapshot at a
// time. It must not wait for a Write to complete.
type SnapshotHandler func(ViewSnapshot)

// ListenerRegistration is one listener attached to a shared target.
type ListenerRegistration struct {
	ID       string
	query    Query
	targetID int
	handler  SnapshotHandler
	engine   *SyncEngine
	active   atomic.Bool

	// touched only on the target event loop
	delivered     bool
	lastFromCache bool
}

func (r *ListenerRegistration) Query() Query {
	return r.query
}

func (r *ListenerRegistration) TargetID() int {
	return r.targetID
}

// Remove detaches the listener. Snapshots already delivered stay delivered;
// no further ones are.
func (r *ListenerRegistration) Remove() {
	r.engine.unlisten(r)
}

// targetRuntime owns the View of one target and the event loop that
// serializes every state transition for it.
type targetRuntime struct {
	data   *TargetData
	view   *View
	events chan func()
	ctx    context.Context
	cancel context.CancelFunc

	// persistence ops of the target, applied in order by runPersistence
	persistOps  chan func(ctx context.Context)
	persistDone chan struct{}

	// event loop state
	listeners    []*ListenerRegistration
	generation   int
	listenCancel context.CancelFunc
}

func (rt *targetRuntime) enqueue(fn func()) bool {
	select {
	case rt.events <- fn:
		return true
	case <-rt.ctx.Done():
		return false
	}
}

func (rt *targetRuntime) run() {
	for {
		select {
		case <-rt.ctx.Done():
			return
		case fn := <-rt.events:
			fn()
		}
	}
}

// enqueuePersist queues op behind every earlier persistence op of the target.
func (rt *targetRuntime) enqueuePersist(op func(ctx context.Context)) {
	select {
	case rt.persistOps <- op:
	case <-rt.ctx.Done():
	}
}

// runPersistence applies persistence ops one at a time. Nothing starts once
// the target is cancelled, so a removal made after persistDone is final.
func (rt *targetRuntime) runPersistence() {
	defer close(rt.persistDone)
	for {
		select {
		case <-rt.ctx.Done():
			return
		case op := <-rt.persistOps:
			if rt.ctx.Err() != nil {
				return
			}
			op(rt.ctx)
		}
	}
}

// SyncEngine shares one remote listen and one View per canonical target among
// all listeners, and fans remote changes and mutation results out to views.
// Events for one target are applied in arrival order on that target's event
// loop; different targets proceed independently.
type SyncEngine struct {
	config      EngineConfig
	remote      RemoteStore
	writer      MutationQueue
	persistence Persistence

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	stateLock sync.Mutex
	cache     *TargetCache
	targets   map[int]*targetRuntime
	listeners map[string]*ListenerRegistration
	// mutations written but not yet acknowledged or rejected, in write order
	pending []Mutation
	closed  bool
}

// NewSyncEngine starts an engine. A nil persistence keeps nothing across restarts.
func NewSyncEngine(config EngineConfig, remote RemoteStore, writer MutationQueue, persistence Persistence) *SyncEngine {
	if persistence == nil {
		persistence = NewMemoryPersistence()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().Engine.QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	e := &SyncEngine{
		config:      config,
		remote:      remote,
		writer:      writer,
		persistence: persistence,
		ctx:         ctx,
		cancel:      cancel,
		group:       group,
		cache:       NewTargetCache(),
		targets:     map[int]*targetRuntime{},
		listeners:   map[string]*ListenerRegistration{},
	}
	if config.GCInterval > 0 {
		group.Go(func() error {
			e.runJanitor(config.GCInterval)
			return nil
		})
	}
	return e
}

func (e *SyncEngine) runJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.ExpireLimbo(now)
			if reclaimed := e.CollectGarbage(e.ctx); len(reclaimed) > 0 {
				glog.V(1).Infof("[sync]gc reclaimed %d targets\n", len(reclaimed))
			}
		}
	}
}

// Listen registers a listener for the query. Semantically identical queries
// share one target, one remote listen and one View. Validation errors are
// returned synchronously.
func (e *SyncEngine) Listen(ctx context.Context, query Query, handler SnapshotHandler) (*ListenerRegistration, error) {
	target, err := query.ToTarget()
	if err != nil {
		return nil, err
	}

	e.stateLock.Lock()
	if e.closed {
		e.stateLock.Unlock()
		return nil, ErrEngineClosed
	}
	data, created := e.cache.Acquire(target)
	rt, ok := e.targets[data.TargetID]
	if !ok {
		rt = e.newTargetRuntime(data)
		e.targets[data.TargetID] = rt
		// started under the lock so Close cannot be waiting on the group yet
		e.group.Go(func() error {
			rt.run()
			return nil
		})
		e.group.Go(func() error {
			rt.runPersistence()
			return nil
		})
	}
	reg := &ListenerRegistration{
		ID:       uuid.NewString(),
		query:    query,
		targetID: data.TargetID,
		handler:  handler,
		engine:   e,
	}
	reg.active.Store(true)
	e.listeners[reg.ID] = reg
	e.stateLock.Unlock()

	if !ok {
		go e.hydrate(rt)
	}
	glog.V(1).Infof("[sync]listen %s target=%d created=%t canonical=%s\n", reg.ID, data.TargetID, created, data.CanonicalID)

	if !rt.enqueue(func() { e.attach(rt, reg) }) {
		e.unlisten(reg)
		return nil, ErrEngineClosed
	}
	return reg, nil
}

// newTargetRuntime builds the view with every pending mutation applied, so a
// target created mid-write sees the same optimistic state as older ones.
// Called with stateLock held.
func (e *SyncEngine) newTargetRuntime(data *TargetData) *targetRuntime {
	ctx, cancel := context.WithCancel(e.ctx)
	view := NewView(data.Target, e.config.LimboTimeout)
	for _, m := range e.pending {
		view.ApplyLocalMutation(m)
	}
	return &targetRuntime{
		data:   data,
		view:   view,
		events: make(chan func(), e.config.QueueSize),
		ctx:    ctx,
		cancel: cancel,

		persistOps:  make(chan func(ctx context.Context), e.config.QueueSize),
		persistDone: make(chan struct{}),
	}
}

// hydrate reads persisted state off the event loop and then starts the listen.
// With a resume token the cached documents are confirmed state, since the
// backend only sends what changed after it. Without one they wait in limbo.
func (e *SyncEngine) hydrate(rt *targetRuntime) {
	token, err := e.persistence.LoadResumeToken(rt.ctx, rt.data.CanonicalID)
	if err != nil {
		glog.Infof("[sync]target=%d load resume token error = %s\n", rt.data.TargetID, err)
		token = nil
	}
	cached, err := e.persistence.LoadCachedDocuments(rt.ctx, rt.data.CanonicalID)
	if err != nil {
		glog.Infof("[sync]target=%d load cached documents error = %s\n", rt.data.TargetID, err)
		cached = nil
	}
	rt.enqueue(func() {
		var diff Diff
		if token != nil {
			diff = rt.view.RestoreConfirmed(cached)
		} else {
			rt.view.LoadCached(cached)
		}
		rt.view.StartLoading(token)
		e.setResumeToken(rt, token)
		e.startListen(rt, token)
		e.notify(rt, diff)
	})
}

func (e *SyncEngine) setResumeToken(rt *targetRuntime, token []byte) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.cache.UpdateResumeToken(rt.data.TargetID, token)
}

// startListen replaces any running listen of the target. Runs on the event loop.
func (e *SyncEngine) startListen(rt *targetRuntime, token []byte) {
	if rt.listenCancel != nil {
		rt.listenCancel()
	}
	rt.generation++
	generation := rt.generation
	ctx, cancel := context.WithCancel(rt.ctx)
	rt.listenCancel = cancel

	go func() {
		stream, err := e.remote.Listen(ctx, rt.data.TargetID, rt.data.Target, token)
		if err != nil {
			rt.enqueue(func() { e.handleListenError(rt, generation, err) })
			return
		}
		defer stream.Stop()
		for {
			change, err := stream.Next()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, iterator.Done) {
				glog.V(1).Infof("[sync]target=%d listen stream ended\n", rt.data.TargetID)
				return
			}
			if err != nil {
				rt.enqueue(func() { e.handleListenError(rt, generation, err) })
				return
			}
			if !rt.enqueue(func() { e.applyRemoteChange(rt, generation, change) }) {
				return
			}
		}
	}()
}

func (e *SyncEngine) applyRemoteChange(rt *targetRuntime, generation int, change *TargetChange) {
	if generation != rt.generation || change == nil {
		return
	}
	diff, err := rt.view.ApplySnapshot(*change)
	if err != nil {
		var malformed *MalformedSnapshotError
		if errors.As(err, &malformed) {
			malformed.TargetID = rt.data.TargetID
		}
		glog.Infof("[sync]target=%d %s, listening again from scratch\n", rt.data.TargetID, err)
		e.relisten(rt)
		return
	}
	if change.ResumeToken != nil {
		e.setResumeToken(rt, change.ResumeToken)
	}
	if change.Current || change.ResumeToken != nil {
		e.persist(rt, change.ResumeToken, rt.view.ConfirmedDocuments())
	}
	e.notify(rt, diff)
}

func (e *SyncEngine) handleListenError(rt *targetRuntime, generation int, err error) {
	if generation != rt.generation {
		return
	}
	if IsStaleListenError(err) || errors.Is(err, ErrMalformedSnapshot) {
		glog.Infof("[sync]target=%d %s, listening again from scratch\n", rt.data.TargetID, err)
		e.relisten(rt)
		return
	}
	// reconnection belongs to the remote store; the view keeps serving from cache
	glog.Infof("[sync]target=%d listen error = %s\n", rt.data.TargetID, err)
}

// relisten drops the resume token and cached state and asks for a full
// snapshot. Listeners see a transient loading state.
func (e *SyncEngine) relisten(rt *targetRuntime) {
	rt.view.MarkStale()
	e.setResumeToken(rt, nil)
	canonicalID := rt.data.CanonicalID
	rt.enqueuePersist(func(ctx context.Context) {
		if err := e.persistence.RemoveTarget(ctx, canonicalID); err != nil {
			glog.Infof("[sync]remove persisted target error = %s\n", err)
		}
	})
	e.startListen(rt, nil)
	e.notify(rt, Diff{})
}

// persist queues a write of the target state behind earlier persistence ops.
func (e *SyncEngine) persist(rt *targetRuntime, token []byte, docs []Document) {
	canonicalID := rt.data.CanonicalID
	rt.enqueuePersist(func(ctx context.Context) {
		if token != nil {
			if err := e.persistence.SaveResumeToken(ctx, canonicalID, token); err != nil {
				glog.Infof("[sync]save resume token error = %s\n", err)
			}
		}
		if err := e.persistence.SaveCachedDocuments(ctx, canonicalID, docs); err != nil {
			glog.Infof("[sync]save cached documents error = %s\n", err)
		}
	})
}

// attach hands the new listener a point-in-time copy of the view. Runs on the event loop.
func (e *SyncEngine) attach(rt *targetRuntime, reg *ListenerRegistration) {
	if !reg.active.Load() {
		return
	}
	rt.listeners = append(rt.listeners, reg)
	docs := rt.view.Documents()
	if len(docs) == 0 && !rt.view.IsCurrent() {
		// nothing to show yet; the first change will be delivered in full
		return
	}
	e.deliver(rt, reg, Diff{Added: docs})
}

func (e *SyncEngine) notify(rt *targetRuntime, diff Diff) {
	// removed listeners are pruned here rather than on Remove, which may be
	// called from inside a handler running on this loop
	live := rt.listeners[:0]
	for _, reg := range rt.listeners {
		if reg.active.Load() {
			live = append(live, reg)
		}
	}
	for i := len(live); i < len(rt.listeners); i++ {
		rt.listeners[i] = nil
	}
	rt.listeners = live

	fromCache := !rt.view.IsCurrent()
	for _, reg := range live {
		if !diff.IsEmpty() || !reg.delivered && !fromCache || reg.delivered && reg.lastFromCache != fromCache {
			if !reg.delivered {
				// first delivery carries the whole result
				e.deliver(rt, reg, Diff{Added: rt.view.Documents()})
				continue
			}
			e.deliver(rt, reg, diff)
		}
	}
}

func (e *SyncEngine) deliver(rt *targetRuntime, reg *ListenerRegistration, diff Diff) {
	if !reg.active.Load() {
		return
	}
	view := rt.view
	snapshot := ViewSnapshot{
		CanonicalID:      rt.data.CanonicalID,
		Query:            reg.query,
		Documents:        view.Documents(),
		Diff:             diff,
		State:            view.State(),
		FromCache:        !view.IsCurrent(),
		HasPendingWrites: view.HasPendingWrites(),
		SnapshotVersion:  view.SnapshotVersion(),
	}
	if reg.query.LimitType() == LimitToLast {
		snapshot.Documents = reversed(snapshot.Documents)
		snapshot.Diff = Diff{
			Added:    reversed(diff.Added),
			Modified: reversed(diff.Modified),
			Removed:  reversedKeys(diff.Removed),
		}
	}
	reg.delivered = true
	reg.lastFromCache = snapshot.FromCache

	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[sync]listener %s panic: %v\n%s", reg.ID, r, debug.Stack())
		}
	}()
	reg.handler(snapshot)
}

func reversed(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, doc := range docs {
		out[len(docs)-1-i] = doc
	}
	return out
}

func reversedKeys(keys []DocumentKey) []DocumentKey {
	out := make([]DocumentKey, len(keys))
	for i, key := range keys {
		out[len(keys)-1-i] = key
	}
	return out
}

func (e *SyncEngine) unlisten(reg *ListenerRegistration) {
	if !reg.active.CompareAndSwap(true, false) {
		return
	}
	e.stateLock.Lock()
	delete(e.listeners, reg.ID)
	becameInactive, _ := e.cache.Release(reg.targetID)
	e.stateLock.Unlock()

	glog.V(1).Infof("[sync]unlisten %s target=%d inactive=%t\n", reg.ID, reg.targetID, becameInactive)
}

// Write applies the mutation optimistically to every view, sends it to the
// mutation queue and reconciles the views with the result. A rejection comes
// back as *MutationRejectedError. A write that could not be delivered before
// ctx ended is undone as well, and its error carries the transport status.
func (e *SyncEngine) Write(ctx context.Context, m Mutation) error {
	if m.ID == "" {
		return fmt.Errorf("mutation has no id")
	}
	if m.Key.IsZero() {
		return fmt.Errorf("mutation %s has no document key", m.ID)
	}
	if !isSupportedValue(m.Data) {
		return fmt.Errorf("mutation %s has unsupported field values", m.ID)
	}

	e.stateLock.Lock()
	if e.closed {
		e.stateLock.Unlock()
		return ErrEngineClosed
	}
	e.pending = append(e.pending, m)
	runtimes := e.runtimes()
	e.stateLock.Unlock()

	for _, rt := range runtimes {
		rt.enqueue(func() {
			e.notify(rt, rt.view.ApplyLocalMutation(m))
		})
	}

	err := e.enqueueWrite(ctx, m)

	e.stateLock.Lock()
	for i, p := range e.pending {
		if p.ID == m.ID {
			e.pending = append(e.pending[:i:i], e.pending[i+1:]...)
			break
		}
	}
	runtimes = e.runtimes()
	e.stateLock.Unlock()

	if err != nil {
		var rejected *MutationRejectedError
		switch {
		case errors.As(err, &rejected):
		case IsPermanentWriteError(err):
			err = NewMutationRejectedError(m.ID, err)
		default:
			// transport failure: undone locally, but the backend never refused it
			err = fmt.Errorf("mutation %s not delivered: %w", m.ID, err)
		}
		glog.Infof("[sync]%s\n", err)
		for _, rt := range runtimes {
			rt.enqueue(func() {
				e.notify(rt, rt.view.RejectMutation(m.ID))
			})
		}
		return err
	}
	for _, rt := range runtimes {
		rt.enqueue(func() {
			e.notify(rt, rt.view.AcknowledgeMutation(m.ID))
		})
	}
	return nil
}

// enqueueWrite hands the mutation to the queue. Transient failures are retried
// every WriteRetryDelay until ctx ends; a zero delay disables retries.
func (e *SyncEngine) enqueueWrite(ctx context.Context, m Mutation) error {
	for {
		err := e.writer.Enqueue(ctx, m)
		if err == nil || isWriteRejection(err) || e.config.WriteRetryDelay <= 0 {
			return err
		}
		glog.V(1).Infof("[sync]%s failed, retrying: %s\n", m, err)
		timer := time.NewTimer(e.config.WriteRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-e.ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func isWriteRejection(err error) bool {
	var rejected *MutationRejectedError
	return errors.As(err, &rejected) || IsPermanentWriteError(err)
}

// runtimes lists the live targets in target id order. Called with stateLock held.
func (e *SyncEngine) runtimes() []*targetRuntime {
	out := make([]*targetRuntime, 0, len(e.targets))
	for _, rt := range e.targets {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].data.TargetID < out[j].data.TargetID })
	return out
}

// ExpireLimbo drops limbo documents whose deadline is before now on every target.
func (e *SyncEngine) ExpireLimbo(now time.Time) {
	e.stateLock.Lock()
	runtimes := e.runtimes()
	e.stateLock.Unlock()

	for _, rt := range runtimes {
		rt.enqueue(func() {
			e.notify(rt, rt.view.ExpireLimbo(now))
		})
	}
}

// CollectGarbage reclaims unreferenced targets under the configured policy.
// Their listens stop, their views are discarded and their persisted state is
// removed, so the next acquisition starts from a full snapshot.
func (e *SyncEngine) CollectGarbage(ctx context.Context) []string {
	e.stateLock.Lock()
	reclaimed := e.cache.CollectGarbage(e.config.GCPolicy())
	var runtimes []*targetRuntime
	for _, data := range reclaimed {
		if rt, ok := e.targets[data.TargetID]; ok {
			runtimes = append(runtimes, rt)
			delete(e.targets, data.TargetID)
		}
	}
	e.stateLock.Unlock()

	canonicalIDs := make([]string, 0, len(reclaimed))
	for _, rt := range runtimes {
		rt.cancel()
	}
	// a save still running would otherwise land after the removal
	for _, rt := range runtimes {
		<-rt.persistDone
	}
	for _, data := range reclaimed {
		canonicalIDs = append(canonicalIDs, data.CanonicalID)
		if err := e.persistence.RemoveTarget(ctx, data.CanonicalID); err != nil {
			glog.Infof("[sync]gc remove target %d error = %s\n", data.TargetID, err)
		}
		glog.V(1).Infof("[sync]gc target=%d seq=%d canonical=%s\n", data.TargetID, data.SequenceNumber, data.CanonicalID)
	}
	return canonicalIDs
}

// TargetData returns a copy of the registration for the query's target.
func (e *SyncEngine) TargetData(query Query) (TargetData, bool) {
	target, err := query.ToTarget()
	if err != nil {
		return TargetData{}, false
	}
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	data, ok := e.cache.GetByCanonicalID(target.CanonicalID())
	if !ok {
		return TargetData{}, false
	}
	return *data, true
}

func (e *SyncEngine) Stats() TargetCacheStats {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.cache.Stats()
}

// Close stops every listen and event loop and waits for them to exit.
func (e *SyncEngine) Close() error {
	e.stateLock.Lock()
	if e.closed {
		e.stateLock.Unlock()
		return nil
	}
	e.closed = true
	e.stateLock.Unlock()

	e.cancel()
	return e.group.Wait()
}
