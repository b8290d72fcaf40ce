package main

import (
	"sync"
	"time"
)

// buildSnapshot produces the authoritative view. Caller must hold b.mu.
func buildSnapshot(b *Box, cfg *Config) Snapshot {
	comps := make([]Competitor, len(b.Competitors))
	copy(comps, b.Competitors)
	return Snapshot{
		Type:                 EvtStateSnapshot,
		BoxID:                b.ID,
		SessionID:            b.sessionID,
		BoxVersion:           b.boxVersion,
		Categorie:            b.Categorie,
		Initiated:            b.Initiated,
		RouteIndex:           b.RouteIndex,
		RoutesCount:          b.RoutesCount,
		HoldsCounts:          append([]int(nil), b.HoldsCounts...),
		HoldsCount:           b.holdsCount(),
		TimerPresetSec:       b.Timer.PresetSec,
		TimerState:           b.Timer.State,
		Remaining:            b.Timer.Remaining(),
		HoldCount:            float64(b.holdTenths) / 10,
		UsedHalfHold:         b.UsedHalfHold,
		Competitors:          comps,
		CurrentClimber:       b.currentClimber(),
		PreparingClimber:     b.preparingClimber(),
		RegisteredTime:       b.Timer.RegisteredTime(),
		ScoresByName:         copyScores(b.Scores),
		TimesByName:          copyScores(b.Times),
		TimeCriterionEnabled: b.timeCriterionEnabled(cfg.TimeCriterionDefault),
		Ts:                   time.Now().UTC(),
	}
}

// buildPublicSnapshot produces the spectator-safe view: no session pair, no
// roster PII beyond display names. Caller must hold b.mu.
func buildPublicSnapshot(b *Box, cfg *Config) PublicSnapshot {
	return PublicSnapshot{
		Type:                 EvtStateSnapshot,
		BoxID:                b.ID,
		Categorie:            b.Categorie,
		Initiated:            b.Initiated,
		RouteIndex:           b.RouteIndex,
		RoutesCount:          b.RoutesCount,
		HoldsCounts:          append([]int(nil), b.HoldsCounts...),
		HoldsCount:           b.holdsCount(),
		TimerState:           b.Timer.State,
		Remaining:            b.Timer.Remaining(),
		HoldCount:            float64(b.holdTenths) / 10,
		CurrentClimber:       b.currentClimber(),
		PreparingClimber:     b.preparingClimber(),
		ScoresByName:         copyScores(b.Scores),
		TimesByName:          copyScores(b.Times),
		TimeCriterionEnabled: b.timeCriterionEnabled(cfg.TimeCriterionDefault),
		Ts:                   time.Now().UTC(),
	}
}

func copyScores(src map[string][]*float64) map[string][]*float64 {
	out := make(map[string][]*float64, len(src))
	for name, row := range src {
		out[name] = append([]*float64(nil), row...)
	}
	return out
}

// SnapshotCache keeps the latest public snapshot per box so the aggregate
// endpoints and freshly connecting subscribers can be served without taking
// box locks. Aggregations are recomputed on change; a snapshot fresher than
// snapshotFreshness is reused for new subscribers.
type SnapshotCache struct {
	mu     sync.RWMutex
	public map[int]PublicSnapshot
	auth   map[int]cachedAuth
}

type cachedAuth struct {
	snap Snapshot
	at   time.Time
}

const snapshotFreshness = 250 * time.Millisecond

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		public: make(map[int]PublicSnapshot),
		auth:   make(map[int]cachedAuth),
	}
}

// Update records the latest views after a successful command.
func (c *SnapshotCache) Update(snap Snapshot, pub PublicSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth[snap.BoxID] = cachedAuth{snap: snap, at: time.Now()}
	c.public[pub.BoxID] = pub
}

// Drop forgets a deleted box.
func (c *SnapshotCache) Drop(boxID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.auth, boxID)
	delete(c.public, boxID)
}

// Fresh returns the cached authoritative snapshot if it is recent enough to
// hand to a new subscriber.
func (c *SnapshotCache) Fresh(boxID int) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.auth[boxID]
	if !ok || time.Since(e.at) > snapshotFreshness {
		return Snapshot{}, false
	}
	return e.snap, true
}

// Public returns the cached public snapshot of one box.
func (c *SnapshotCache) Public(boxID int) (PublicSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.public[boxID]
	return p, ok
}

// Aggregate returns the combined view of all initiated boxes, ordered by id.
func (c *SnapshotCache) Aggregate() AggregateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agg := AggregateSnapshot{Type: EvtPublicStateSnapshot, Ts: time.Now().UTC()}
	maxID := -1
	for id := range c.public {
		if id > maxID {
			maxID = id
		}
	}
	for id := 0; id <= maxID; id++ {
		if p, ok := c.public[id]; ok && p.Initiated {
			agg.Boxes = append(agg.Boxes, p)
		}
	}
	return agg
}

// Listings returns the initiated-boxes list for GET /api/public/boxes.
func (c *SnapshotCache) Listings() []BoxListing {
	agg := c.Aggregate()
	out := make([]BoxListing, 0, len(agg.Boxes))
	for _, p := range agg.Boxes {
		out = append(out, BoxListing{
			BoxID:          p.BoxID,
			Label:          p.Categorie,
			Categorie:      p.Categorie,
			Initiated:      p.Initiated,
			TimerState:     p.TimerState,
			CurrentClimber: p.CurrentClimber,
		})
	}
	return out
}

// Warm seeds the cache from live boxes, used at startup after recovery.
func (c *SnapshotCache) Warm(m *BoxManager) {
	for _, b := range m.List() {
		if pub, ok := m.PublicSnapshot(b.ID); ok {
			c.mu.Lock()
			c.public[b.ID] = pub
			c.mu.Unlock()
		}
	}
}
