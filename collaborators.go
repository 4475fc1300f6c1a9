package fireview

import (
	"context"
	"sync"
)

// ListenStream delivers the changes of one remote listen. Next blocks until
// the next change and returns iterator.Done once the stream has ended.
type ListenStream interface {
	Next() (*TargetChange, error)
	Stop()
}

// RemoteStore starts remote listens. A nil resume token asks for a full
// snapshot. Stopping the returned stream is the unlisten.
type RemoteStore interface {
	Listen(ctx context.Context, targetID int, target *Target, resumeToken []byte) (ListenStream, error)
}

// MutationQueue sends a write to the backend. A nil error acknowledges it.
type MutationQueue interface {
	Enqueue(ctx context.Context, m Mutation) error
}

// Persistence is the durable key-value store behind target acquisition and
// snapshot application.
type Persistence interface {
	LoadResumeToken(ctx context.Context, canonicalID string) ([]byte, error)
	SaveResumeToken(ctx context.Context, canonicalID string, token []byte) error
	LoadCachedDocuments(ctx context.Context, canonicalID string) ([]Document, error)
	SaveCachedDocuments(ctx context.Context, canonicalID string, docs []Document) error
	RemoveTarget(ctx context.Context, canonicalID string) error
}

type persistedTarget struct {
	resumeToken []byte
	documents   []Document
}

// MemoryPersistence keeps target state in memory, keyed by PersistenceKey.
type MemoryPersistence struct {
	stateLock sync.Mutex
	targets   map[string]*persistedTarget
}

var _ Persistence = (*MemoryPersistence)(nil)

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{targets: map[string]*persistedTarget{}}
}

func (p *MemoryPersistence) entry(canonicalID string) *persistedTarget {
	key := PersistenceKey(canonicalID)
	t, ok := p.targets[key]
	if !ok {
		t = &persistedTarget{}
		p.targets[key] = t
	}
	return t
}

func (p *MemoryPersistence) LoadResumeToken(ctx context.Context, canonicalID string) ([]byte, error) {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()

	t, ok := p.targets[PersistenceKey(canonicalID)]
	if !ok || t.resumeToken == nil {
		return nil, nil
	}
	return append([]byte(nil), t.resumeToken...), nil
}

func (p *MemoryPersistence) SaveResumeToken(ctx context.Context, canonicalID string, token []byte) error {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()

	p.entry(canonicalID).resumeToken = append([]byte(nil), token...)
	return nil
}

func (p *MemoryPersistence) LoadCachedDocuments(ctx context.Context, canonicalID string) ([]Document, error) {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()

	t, ok := p.targets[PersistenceKey(canonicalID)]
	if !ok {
		return nil, nil
	}
	return append([]Document(nil), t.documents...), nil
}

func (p *MemoryPersistence) SaveCachedDocuments(ctx context.Context, canonicalID string, docs []Document) error {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()

	p.entry(canonicalID).documents = append([]Document(nil), docs...)
	return nil
}

func (p *MemoryPersistence) RemoveTarget(ctx context.Context, canonicalID string) error {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()

	delete(p.targets, PersistenceKey(canonicalID))
	return nil
}

// Has reports whether anything is stored for the canonical id.
func (p *MemoryPersistence) Has(canonicalID string) bool {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()

	_, ok := p.targets[PersistenceKey(canonicalID)]
	return ok
}
