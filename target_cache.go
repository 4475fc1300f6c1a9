package fireview

import (
	"sort"
	"time"
)

// TargetData is the shared listen registration for one canonical id.
type TargetData struct {
	TargetID    int
	Target      *Target
	CanonicalID string
	RefCount    int
	ResumeToken []byte
	// SequenceNumber is bumped on every acquire; GC reclaims the lowest first.
	SequenceNumber int64
	// ReleasedAt is when the ref count last dropped to zero.
	ReleasedAt time.Time
}

func (d *TargetData) IsActive() bool {
	return d.RefCount > 0
}

// GCPolicy decides which unreferenced targets a GC pass reclaims.
type GCPolicy struct {
	// MaxInactive keeps at most this many unreferenced targets; negative keeps all.
	MaxInactive int
	// MaxIdle reclaims unreferenced targets released longer ago; zero disables it.
	MaxIdle time.Duration
}

// TargetCacheStats counts registrations by state.
type TargetCacheStats struct {
	Active   int
	Inactive int
}

// TargetCache is an arena of target registrations indexed by canonical id and
// by target id. Reference counts are explicit; entries at zero stay until a
// CollectGarbage pass reclaims them. It is not safe for concurrent use.
type TargetCache struct {
	byCanonicalID map[string]*TargetData
	byTargetID    map[int]*TargetData
	nextTargetID  int
	sequence      int64
	now           func() time.Time
}

func NewTargetCache() *TargetCache {
	return &TargetCache{
		byCanonicalID: map[string]*TargetData{},
		byTargetID:    map[int]*TargetData{},
		nextTargetID:  2,
		now:           time.Now,
	}
}

// Acquire returns the registration for the target's canonical id and
// increments its ref count. created is true when the registration is new and
// the caller must start a remote listen for it.
func (c *TargetCache) Acquire(target *Target) (data *TargetData, created bool) {
	c.sequence++
	canonicalID := target.CanonicalID()
	if data, ok := c.byCanonicalID[canonicalID]; ok {
		data.RefCount++
		data.SequenceNumber = c.sequence
		return data, false
	}
	data = &TargetData{
		TargetID:       c.nextTargetID,
		Target:         target,
		CanonicalID:    canonicalID,
		RefCount:       1,
		SequenceNumber: c.sequence,
	}
	// even ids, leaving odd ones for targets owned by other components
	c.nextTargetID += 2
	c.byCanonicalID[canonicalID] = data
	c.byTargetID[data.TargetID] = data
	return data, true
}

// Release decrements the ref count. The registration stays cached at zero.
// It reports whether the target became inactive.
func (c *TargetCache) Release(targetID int) (becameInactive bool, ok bool) {
	data, ok := c.byTargetID[targetID]
	if !ok || data.RefCount == 0 {
		return false, ok
	}
	data.RefCount--
	if data.RefCount == 0 {
		data.ReleasedAt = c.now()
		return true, true
	}
	return false, true
}

func (c *TargetCache) Get(targetID int) (*TargetData, bool) {
	data, ok := c.byTargetID[targetID]
	return data, ok
}

func (c *TargetCache) GetByCanonicalID(canonicalID string) (*TargetData, bool) {
	data, ok := c.byCanonicalID[canonicalID]
	return data, ok
}

func (c *TargetCache) UpdateResumeToken(targetID int, token []byte) {
	if data, ok := c.byTargetID[targetID]; ok {
		data.ResumeToken = token
	}
}

// CollectGarbage removes unreferenced registrations under the policy, oldest
// sequence number first, and returns them so the caller can tear down their
// listens and views.
func (c *TargetCache) CollectGarbage(policy GCPolicy) []*TargetData {
	var inactive []*TargetData
	for _, data := range c.byTargetID {
		if !data.IsActive() {
			inactive = append(inactive, data)
		}
	}
	sort.Slice(inactive, func(i, j int) bool {
		return inactive[i].SequenceNumber < inactive[j].SequenceNumber
	})

	excess := 0
	if policy.MaxInactive >= 0 && len(inactive) > policy.MaxInactive {
		excess = len(inactive) - policy.MaxInactive
	}
	now := c.now()
	var reclaimed []*TargetData
	for i, data := range inactive {
		idle := policy.MaxIdle > 0 && now.Sub(data.ReleasedAt) >= policy.MaxIdle
		if i < excess || idle {
			c.remove(data)
			reclaimed = append(reclaimed, data)
		}
	}
	return reclaimed
}

func (c *TargetCache) remove(data *TargetData) {
	delete(c.byCanonicalID, data.CanonicalID)
	delete(c.byTargetID, data.TargetID)
}

func (c *TargetCache) Stats() TargetCacheStats {
	var stats TargetCacheStats
	for _, data := range c.byTargetID {
		if data.IsActive() {
			stats.Active++
		} else {
			stats.Inactive++
		}
	}
	return stats
}
