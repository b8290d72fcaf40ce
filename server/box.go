package main

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/craglive/boxd/server/session"
	"github.com/craglive/boxd/server/store"
)

// Box is the single source of truth for one live category. All mutation
// happens through Apply under the box mutex; inside the critical section no
// I/O is performed — state is mutated, the event and snapshot frames are
// built, and only then is the lock released.
type Box struct {
	mu sync.Mutex

	ID          int
	Categorie   string
	Initiated   bool
	RouteIndex  int
	RoutesCount int
	HoldsCounts []int

	holdTenths   int // tenths of a hold, so 20.1 is exact
	UsedHalfHold bool

	Competitors []Competitor
	Scores      map[string][]*float64
	Times       map[string][]*float64

	// nil means "fall back to the global default".
	timeCriterion *bool

	Timer Timer

	sessionID  string
	boxVersion int64
}

// currentClimber is derived: the first competitor with marked=false.
func (b *Box) currentClimber() string {
	for _, c := range b.Competitors {
		if !c.Marked {
			return c.Name
		}
	}
	return ""
}

// preparingClimber is the unmarked competitor after the current one.
func (b *Box) preparingClimber() string {
	seen := false
	for _, c := range b.Competitors {
		if c.Marked {
			continue
		}
		if seen {
			return c.Name
		}
		seen = true
	}
	return ""
}

func (b *Box) allMarked() bool {
	for _, c := range b.Competitors {
		if !c.Marked {
			return false
		}
	}
	return true
}

func (b *Box) holdsCount() int {
	if b.RouteIndex >= 1 && b.RouteIndex <= len(b.HoldsCounts) {
		return b.HoldsCounts[b.RouteIndex-1]
	}
	return 0
}

func (b *Box) timeCriterionEnabled(def bool) bool {
	if b.timeCriterion != nil {
		return *b.timeCriterion
	}
	return def
}

// rekeyScores ensures every roster name has per-route score/time slots.
func (b *Box) rekeyScores() {
	if b.Scores == nil {
		b.Scores = make(map[string][]*float64)
	}
	if b.Times == nil {
		b.Times = make(map[string][]*float64)
	}
	for _, c := range b.Competitors {
		if len(b.Scores[c.Name]) != b.RoutesCount {
			s := make([]*float64, b.RoutesCount)
			copy(s, b.Scores[c.Name])
			b.Scores[c.Name] = s
		}
		if len(b.Times[c.Name]) != b.RoutesCount {
			t := make([]*float64, b.RoutesCount)
			copy(t, b.Times[c.Name])
			b.Times[c.Name] = t
		}
	}
}

// publishFunc delivers pre-built frames for a successful command. It must
// not block: the hub enqueues to bounded per-subscriber queues.
type publishFunc func(b *Box, events []Event, snap Snapshot, pub PublicSnapshot)

// Apply validates and executes one command under the box lock, publishing
// the resulting event(s) plus a fresh snapshot before the lock is released
// so every subscriber observes commands in dispatch order.
//
// The returned snapshot is only valid when the result status is "ok"; the
// caller uses it for best-effort persistence outside the lock.
func (b *Box) Apply(cmd Command, reg *session.Registry, cfg *Config, publish publishFunc) (Result, Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if needsSessionPair(cmd.Type) && !reg.Matches(b.ID, cmd.SessionID, cmd.BoxVersion) {
		return Result{Status: StatusIgnored, Reason: ReasonStale}, Snapshot{}
	}

	var events []Event
	now := time.Now().UTC()
	ev := func(t string) *Event {
		events = append(events, Event{Type: t, BoxID: b.ID, Ts: now, BoxRef: b.Categorie})
		return &events[len(events)-1]
	}
	ignored := func(reason string) (Result, Snapshot) {
		return Result{Status: StatusIgnored, Reason: reason, SessionID: b.sessionID, BoxVersion: b.boxVersion}, Snapshot{}
	}

	switch cmd.Type {
	case CmdInitRoute:
		if cmd.RouteIndex < 1 || cmd.RouteIndex > b.RoutesCount {
			return ignored(ReasonPrecondition)
		}
		if cmd.RouteIndex > b.RouteIndex && b.Initiated && !b.allMarked() {
			return ignored(ReasonPrecondition)
		}
		if len(cmd.Competitors) > 0 {
			b.Competitors = b.Competitors[:0]
			for _, c := range cmd.Competitors {
				b.Competitors = append(b.Competitors, Competitor{Name: c.Name, Club: c.Club})
			}
		}
		b.RouteIndex = cmd.RouteIndex
		if cmd.HoldsCount > 0 {
			b.HoldsCounts[b.RouteIndex-1] = cmd.HoldsCount
		}
		preset := b.Timer.PresetSec
		if sec, ok := parsePreset(cmd.TimerPreset); ok {
			preset = sec
		}
		p := reg.Rotate(b.ID)
		b.sessionID, b.boxVersion = p.ID, p.Version
		b.Initiated = true
		b.holdTenths = 0
		b.UsedHalfHold = false
		for i := range b.Competitors {
			b.Competitors[i].Marked = false
		}
		b.rekeyScores()
		b.Timer.Reset(preset)
		e := ev(CmdInitRoute)
		e.RouteIndex = b.RouteIndex
		e.CurrentClimber = b.currentClimber()

	case CmdResetBox:
		p := reg.Rotate(b.ID)
		b.sessionID, b.boxVersion = p.ID, p.Version
		b.Initiated = false
		b.RouteIndex = 1
		b.holdTenths = 0
		b.UsedHalfHold = false
		for i := range b.Competitors {
			b.Competitors[i].Marked = false
		}
		b.Scores = nil
		b.Times = nil
		b.rekeyScores()
		b.Timer.Reset(b.Timer.PresetSec)
		// Reset emits no delta event, just the fresh snapshot.

	case CmdStartTimer:
		if !b.Initiated || b.currentClimber() == "" || b.Timer.State != TimerIdle {
			return ignored(ReasonPrecondition)
		}
		b.Timer.StartFresh()
		e := ev(CmdStartTimer)
		e.TimerState = b.Timer.State
		e.Remaining = intp(b.Timer.Remaining())

	case CmdStopTimer:
		if b.Timer.State != TimerRunning {
			return ignored(ReasonPrecondition)
		}
		b.Timer.Pause()
		e := ev(CmdStopTimer)
		e.TimerState = b.Timer.State
		e.Remaining = intp(b.Timer.Remaining())

	case CmdResumeTimer:
		if !b.Initiated || b.currentClimber() == "" || b.Timer.State != TimerPaused {
			return ignored(ReasonPrecondition)
		}
		b.Timer.Resume()
		e := ev(CmdResumeTimer)
		e.TimerState = b.Timer.State
		e.Remaining = intp(b.Timer.Remaining())

	case CmdProgressUpdate:
		if !b.Initiated || b.currentClimber() == "" {
			return ignored(ReasonPrecondition)
		}
		max := b.holdsCount() * 10
		if cmd.HoldAbsolute != nil {
			// Absolute value wins: display reconciliation path.
			tenths := int(math.Round(*cmd.HoldAbsolute * 10))
			if tenths < 0 {
				tenths = 0
			}
			if tenths > max {
				tenths = max
			}
			b.holdTenths = tenths
			if tenths%10 != 0 {
				b.UsedHalfHold = true
			}
		} else if almostEqual(cmd.Delta, 0.1) {
			if b.UsedHalfHold {
				return ignored(ReasonHalfHoldUsed)
			}
			b.holdTenths++
			b.UsedHalfHold = true
		} else if almostEqual(cmd.Delta, 1) {
			b.holdTenths += 10
		} else {
			return ignored(ReasonPrecondition)
		}
		if b.holdTenths > max {
			b.holdTenths = max
		}
		e := ev(CmdProgressUpdate)
		e.HoldCount = f64p(float64(b.holdTenths) / 10)
		e.UsedHalfHold = boolp(b.UsedHalfHold)

	case CmdSubmitScore:
		if !b.Initiated || cmd.Score == nil {
			return ignored(ReasonPrecondition)
		}
		idx := -1
		for i, c := range b.Competitors {
			if c.Name == cmd.Competitor {
				idx = i
				break
			}
		}
		if idx < 0 || b.Competitors[idx].Marked {
			return ignored(ReasonPrecondition)
		}
		b.rekeyScores()
		b.Scores[cmd.Competitor][b.RouteIndex-1] = cmd.Score
		rt := cmd.RegisteredTime
		if rt == nil {
			rt = b.Timer.RegisteredTime()
		}
		if rt != nil && b.timeCriterionEnabled(cfg.TimeCriterionDefault) {
			b.Times[cmd.Competitor][b.RouteIndex-1] = rt
		}
		b.Competitors[idx].Marked = true
		b.holdTenths = 0
		b.UsedHalfHold = false
		b.Timer.Reset(b.Timer.PresetSec)
		e := ev(CmdSubmitScore)
		e.Competitor = cmd.Competitor
		e.Score = cmd.Score
		e.RegisteredTime = rt
		e.CurrentClimber = b.currentClimber()
		e.PreparingClimber = b.preparingClimber()

	case CmdRegisterTime:
		if b.Timer.State != TimerPaused || !b.timeCriterionEnabled(cfg.TimeCriterionDefault) || cmd.Seconds == nil {
			return ignored(ReasonPrecondition)
		}
		b.Timer.RegisterTime(*cmd.Seconds)
		e := ev(CmdRegisterTime)
		e.RegisteredTime = cmd.Seconds

	case CmdActiveClimber:
		if !b.Initiated {
			return ignored(ReasonPrecondition)
		}
		if cmd.Name == b.currentClimber() {
			break // already current: accepted no-op
		}
		idx := -1
		for i, c := range b.Competitors {
			if c.Name == cmd.Name && !c.Marked {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ignored(ReasonPrecondition)
		}
		// Move the named competitor in front of the first unmarked one so
		// the derived currentClimber picks them up.
		first := 0
		for i, c := range b.Competitors {
			if !c.Marked {
				first = i
				break
			}
		}
		picked := b.Competitors[idx]
		b.Competitors = append(b.Competitors[:idx], b.Competitors[idx+1:]...)
		b.Competitors = append(b.Competitors[:first], append([]Competitor{picked}, b.Competitors[first:]...)...)
		e := ev(CmdActiveClimber)
		e.CurrentClimber = b.currentClimber()
		e.PreparingClimber = b.preparingClimber()

	case CmdSetTimeCriterion:
		if cmd.Enabled == nil {
			return ignored(ReasonPrecondition)
		}
		v := *cmd.Enabled
		b.timeCriterion = &v
		e := ev(CmdSetTimeCriterion)
		e.TimeCriterion = &v

	case CmdTimerSync:
		// Advisory only: a display client reporting its local countdown.
		// Accepted for observability, never written to the engine.
		if b.Timer.State != TimerRunning || cmd.Remaining == nil {
			return ignored(ReasonPrecondition)
		}
		drift := *cmd.Remaining - b.Timer.Remaining()
		if drift < -2 || drift > 2 {
			return ignored(ReasonPrecondition)
		}
		e := ev(CmdTimerSync)
		e.Remaining = cmd.Remaining

	default:
		return ignored(ReasonUnknownType)
	}

	snap := buildSnapshot(b, cfg)
	pub := buildPublicSnapshot(b, cfg)
	if publish != nil {
		publish(b, events, snap, pub)
	}
	return Result{Status: StatusOK, SessionID: b.sessionID, BoxVersion: b.boxVersion}, snap
}

func intp(v int) *int          { return &v }
func f64p(v float64) *float64  { return &v }
func boolp(v bool) *bool       { return &v }
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// BoxManager owns the set of live boxes and their ids.
type BoxManager struct {
	mu     sync.RWMutex
	boxes  map[int]*Box
	nextID int

	sessions *session.Registry
	cfg      *Config
}

func NewBoxManager(cfg *Config, sessions *session.Registry) *BoxManager {
	return &BoxManager{
		boxes:    make(map[int]*Box),
		sessions: sessions,
		cfg:      cfg,
	}
}

// CreateBox registers a new box from an uploaded roster. The box starts
// uninitiated at version 0; the first INIT_ROUTE rotates to version 1.
func (m *BoxManager) CreateBox(categorie string, routesCount int, holdsCounts []int, presetSec int, roster []CompetitorSpec) *Box {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	if len(holdsCounts) < routesCount {
		padded := make([]int, routesCount)
		copy(padded, holdsCounts)
		holdsCounts = padded
	}
	if presetSec <= 0 {
		presetSec = m.cfg.TimerPresetSec
	}

	b := &Box{
		ID:          id,
		Categorie:   categorie,
		RouteIndex:  1,
		RoutesCount: routesCount,
		HoldsCounts: holdsCounts,
		Timer:       newTimer(presetSec, m.cfg.TimerAllowNegative, nil),
	}
	for _, c := range roster {
		b.Competitors = append(b.Competitors, Competitor{Name: c.Name, Club: c.Club})
	}
	b.rekeyScores()

	p := m.sessions.Create(id)
	b.sessionID, b.boxVersion = p.ID, p.Version

	m.boxes[id] = b
	return b
}

func (m *BoxManager) Get(id int) *Box {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.boxes[id]
}

// List returns the live boxes ordered by id.
func (m *BoxManager) List() []*Box {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Box, 0, len(m.boxes))
	for _, b := range m.boxes {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *BoxManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boxes)
}

// Delete removes a box and invalidates its session so late commands from
// old clients are dropped. The caller closes the box's subscribers.
func (m *BoxManager) Delete(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boxes[id]; !ok {
		return false
	}
	delete(m.boxes, id)
	m.sessions.Invalidate(id)
	return true
}

// Snapshot builds a fresh authoritative snapshot for a box.
func (m *BoxManager) Snapshot(id int) (Snapshot, bool) {
	b := m.Get(id)
	if b == nil {
		return Snapshot{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return buildSnapshot(b, m.cfg), true
}

// PublicSnapshot builds the spectator-safe view for a box.
func (m *BoxManager) PublicSnapshot(id int) (PublicSnapshot, bool) {
	b := m.Get(id)
	if b == nil {
		return PublicSnapshot{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return buildPublicSnapshot(b, m.cfg), true
}

// Restore rebuilds a box from its persisted record and latest snapshot.
// The recovered session pair stays in effect, so clients that survived the
// restart remain fresh.
func (m *BoxManager) Restore(rec *store.BoxRecord, snap *Snapshot) *Box {
	roster := make([]CompetitorSpec, 0, len(rec.Competitors))
	for _, c := range rec.Competitors {
		roster = append(roster, CompetitorSpec{Name: c.Name, Club: c.Club})
	}
	b := m.CreateBox(rec.Categorie, rec.RoutesCount, append([]int(nil), rec.HoldsCounts...), rec.TimerPresetSec, roster)

	m.mu.Lock()
	if rec.BoxID >= m.nextID {
		m.nextID = rec.BoxID + 1
	}
	delete(m.boxes, b.ID)
	b.ID = rec.BoxID
	m.boxes[b.ID] = b
	m.mu.Unlock()

	if snap == nil {
		m.sessions.Restore(b.ID, session.Pair{ID: b.sessionID, Version: b.boxVersion})
		return b
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.Initiated = snap.Initiated
	b.RouteIndex = snap.RouteIndex
	if len(snap.HoldsCounts) == b.RoutesCount {
		b.HoldsCounts = append([]int(nil), snap.HoldsCounts...)
	}
	b.holdTenths = int(math.Round(snap.HoldCount * 10))
	b.UsedHalfHold = snap.UsedHalfHold
	if len(snap.Competitors) > 0 {
		b.Competitors = append([]Competitor(nil), snap.Competitors...)
	}
	b.Scores = snap.ScoresByName
	b.Times = snap.TimesByName
	b.rekeyScores()
	tc := snap.TimeCriterionEnabled
	b.timeCriterion = &tc
	// A running timer does not survive a restart; recover paused with the
	// last observed remaining so the judge can resume.
	b.Timer.Reset(snap.TimerPresetSec)
	if snap.TimerState != TimerIdle {
		b.Timer.State = TimerPaused
		b.Timer.remainingSec = snap.Remaining
	}
	b.sessionID, b.boxVersion = snap.SessionID, snap.BoxVersion
	m.sessions.Restore(b.ID, session.Pair{ID: snap.SessionID, Version: snap.BoxVersion})
	return b
}

// Shutdown quiesces every box: takes each lock in turn, emits a terminal
// snapshot with a shutdown reason, and closes subscribers normally.
func (m *BoxManager) Shutdown(ctx context.Context, hub *Hub) {
	for _, b := range m.List() {
		b.mu.Lock()
		snap := buildSnapshot(b, m.cfg)
		snap.ShutdownReason = "server_shutdown"
		b.mu.Unlock()

		hub.BroadcastSnapshot(b.ID, snap)
		hub.CloseBox(b.ID, CloseNormal)

		select {
		case <-ctx.Done():
			log.Printf("shutdown quiesce interrupted at box %d: %v", b.ID, ctx.Err())
			return
		default:
		}
	}
	hub.CloseAggregate(CloseNormal)
}
