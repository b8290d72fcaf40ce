package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/craglive/boxd/server/journal"
	"github.com/craglive/boxd/server/middleware"
	"github.com/craglive/boxd/server/observability"
	"github.com/craglive/boxd/server/session"
	"github.com/craglive/boxd/server/store"
)

// Dispatcher is the single entry point for commands from both transports.
// It authenticates against the principal's box allow-list, applies per-class
// rate limits, serializes writes through the box lock, and returns one of
// ok / ignored / error. It never panics outward.
type Dispatcher struct {
	manager  *BoxManager
	hub      *Hub
	cache    *SnapshotCache
	journal  *journal.Store
	store    store.Store
	sessions *session.Registry
	cfg      *Config

	progressLimiter *TokenBucketLimiter
	otherLimiter    *TokenBucketLimiter

	persistMu      sync.Mutex
	persistPending map[int][]byte
	persistBusy    map[int]bool
}

func NewDispatcher(cfg *Config, manager *BoxManager, hub *Hub, cache *SnapshotCache, jn *journal.Store, st store.Store, sessions *session.Registry) *Dispatcher {
	return &Dispatcher{
		manager:         manager,
		hub:             hub,
		cache:           cache,
		journal:         jn,
		store:           st,
		sessions:        sessions,
		cfg:             cfg,
		progressLimiter: NewPerMinuteLimiter(cfg.RateProgressPerMin, cfg.RateProgressPerMin/4+1),
		otherLimiter:    NewPerMinuteLimiter(cfg.RateOtherPerMin, cfg.RateOtherPerMin/4+1),
		persistPending:  make(map[int][]byte),
		persistBusy:     make(map[int]bool),
	}
}

type applyOutcome struct {
	res  Result
	snap Snapshot
}

// Apply runs one command to completion or deadline.
func (d *Dispatcher) Apply(ctx context.Context, pr middleware.Principal, cmd Command) Result {
	start := time.Now()
	res := d.apply(ctx, pr, cmd)
	observability.CommandDuration.Observe(time.Since(start).Seconds())
	observability.CommandsTotal.WithLabelValues(cmd.Type, res.Status).Inc()

	d.journal.Record(journal.Entry{
		BoxID:      cmd.BoxID,
		Type:       cmd.Type,
		Status:     res.Status,
		Reason:     res.Reason,
		Role:       pr.Role,
		SessionID:  cmd.SessionID,
		BoxVersion: cmd.BoxVersion,
	})
	return res
}

func (d *Dispatcher) apply(ctx context.Context, pr middleware.Principal, cmd Command) Result {
	if !pr.Allows(cmd.BoxID) {
		return Result{Status: StatusIgnored, Reason: ReasonForbidden}
	}

	kind := commandKind(cmd.Type)
	limiter := d.otherLimiter
	if kind == "progress" {
		limiter = d.progressLimiter
	}
	key := fmt.Sprintf("%s:%d", pr.Role, cmd.BoxID)
	if !limiter.Allow(key) {
		observability.RateLimited.WithLabelValues(kind).Inc()
		return Result{Status: StatusIgnored, Reason: ReasonRateLimited, RetryAfter: 1}
	}

	box := d.manager.Get(cmd.BoxID)
	if box == nil {
		return Result{Status: StatusIgnored, Reason: ReasonUnknownBox}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CommandDeadline)
	defer cancel()

	out := make(chan applyOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic applying %s on box %d: %v", cmd.Type, cmd.BoxID, r)
				out <- applyOutcome{res: Result{Status: StatusError, Reason: ReasonInternal, RetryAfter: 1}}
			}
		}()
		res, snap := box.Apply(cmd, d.sessions, d.cfg, d.publish)
		out <- applyOutcome{res: res, snap: snap}
	}()

	select {
	case <-ctx.Done():
		return Result{Status: StatusError, Reason: ReasonInternal, RetryAfter: 1}
	case o := <-out:
		if o.res.Status == StatusOK {
			d.persistSnapshot(o.snap)
		}
		return o.res
	}
}

// publish runs while the box lock is still held: it only marshals frames
// and enqueues to bounded queues, so ordering follows lock order and no
// blocking I/O happens under the lock.
func (d *Dispatcher) publish(b *Box, events []Event, snap Snapshot, pub PublicSnapshot) {
	d.cache.Update(snap, pub)

	snapFrame, err := json.Marshal(snap)
	if err != nil {
		log.Printf("snapshot marshal failed for box %d: %v", b.ID, err)
		return
	}

	frames := make([][]byte, 0, len(events)+1)
	for _, ev := range events {
		f, err := json.Marshal(ev)
		if err != nil {
			// A failing event build downgrades to snapshot-only so
			// clients still converge.
			log.Printf("event marshal failed for box %d type %s: %v", b.ID, ev.Type, err)
			continue
		}
		frames = append(frames, f)
	}
	frames = append(frames, snapFrame)
	d.hub.BroadcastOperator(b.ID, frames...)

	pubFrame, err := json.Marshal(pub)
	if err != nil {
		log.Printf("public snapshot marshal failed for box %d: %v", b.ID, err)
		return
	}
	d.hub.BroadcastPublic(b.ID, pubFrame)

	aggFrames := make([][]byte, 0, len(events))
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, aggregateEventType(ev.Type))
	}
	if len(types) == 0 {
		types = append(types, EvtBoxRankingUpdate) // RESET_BOX has no delta event
	}
	for _, t := range dedupe(types) {
		f, err := json.Marshal(boxUpdate{Type: t, BoxID: b.ID, Box: pub, Ts: pub.Ts})
		if err != nil {
			continue
		}
		aggFrames = append(aggFrames, f)
	}
	d.hub.BroadcastAggregate(aggFrames...)
}

// boxUpdate is the per-box frame pushed on the public aggregate channel.
type boxUpdate struct {
	Type  string         `json:"type"`
	BoxID int            `json:"boxId"`
	Box   PublicSnapshot `json:"box"`
	Ts    time.Time      `json:"ts"`
}

// aggregateEventType buckets command echoes into the three public update
// frames: timer activity, climb flow, ranking-relevant changes.
func aggregateEventType(evType string) string {
	switch evType {
	case CmdStartTimer, CmdStopTimer, CmdResumeTimer, CmdTimerSync, CmdRegisterTime, CmdSetTimeCriterion:
		return EvtBoxStatusUpdate
	case CmdProgressUpdate, CmdActiveClimber:
		return EvtBoxFlowUpdate
	default:
		return EvtBoxRankingUpdate
	}
}

func dedupe(in []string) []string {
	out := in[:0]
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// persistSnapshot writes the latest authoritative snapshot for restart
// recovery. Best effort, outside the box lock. One writer per box drains
// a latest-wins slot, so a slow store write can never land after, and
// clobber, a newer snapshot.
func (d *Dispatcher) persistSnapshot(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	d.persistMu.Lock()
	d.persistPending[snap.BoxID] = data
	if d.persistBusy[snap.BoxID] {
		d.persistMu.Unlock()
		return
	}
	d.persistBusy[snap.BoxID] = true
	d.persistMu.Unlock()
	go d.drainSnapshots(snap.BoxID)
}

func (d *Dispatcher) drainSnapshots(boxID int) {
	for {
		d.persistMu.Lock()
		data, ok := d.persistPending[boxID]
		if !ok {
			d.persistBusy[boxID] = false
			d.persistMu.Unlock()
			return
		}
		delete(d.persistPending, boxID)
		d.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := d.store.SaveBoxSnapshot(ctx, boxID, data)
		cancel()
		if err != nil {
			observability.SnapshotPersistFailures.Inc()
			log.Printf("snapshot persist failed for box %d: %v", boxID, err)
		}
	}
}
