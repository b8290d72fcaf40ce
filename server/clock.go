package main

import (
	"time"
)

// Timer is the per-box countdown engine. It is owned by a Box and only ever
// touched under the box lock. While running the monotonic deadline is
// authoritative and remaining is derived; while idle/paused remaining is
// stored directly.
//
// Crossing zero does not auto-stop the timer: overtime is a legal display
// state and the judge is expected to submit.
type Timer struct {
	PresetSec int
	State     string

	deadline     time.Time
	remainingSec int
	registered   *float64

	allowNegative bool
	now           func() time.Time
}

func newTimer(presetSec int, allowNegative bool, now func() time.Time) Timer {
	if now == nil {
		now = time.Now
	}
	return Timer{
		PresetSec:     presetSec,
		State:         TimerIdle,
		remainingSec:  presetSec,
		allowNegative: allowNegative,
		now:           now,
	}
}

// StartFresh arms the full preset. Idempotent against duplicate starts: a
// second START while running is rejected by the caller via State.
func (t *Timer) StartFresh() {
	t.deadline = t.now().Add(time.Duration(t.PresetSec) * time.Second)
	t.State = TimerRunning
	t.registered = nil
}

// Pause freezes the countdown, storing the derived remaining.
func (t *Timer) Pause() {
	t.remainingSec = t.remainingNow()
	if t.remainingSec < 0 {
		t.remainingSec = 0
	}
	t.deadline = time.Time{}
	t.State = TimerPaused
}

// Resume re-arms the deadline from the stored remaining.
func (t *Timer) Resume() {
	t.deadline = t.now().Add(time.Duration(t.remainingSec) * time.Second)
	t.State = TimerRunning
	t.registered = nil
}

// Reset returns the timer to idle with a (possibly new) preset.
func (t *Timer) Reset(presetSec int) {
	t.PresetSec = presetSec
	t.State = TimerIdle
	t.deadline = time.Time{}
	t.remainingSec = presetSec
	t.registered = nil
}

// Remaining is the authoritative "seconds left" view for every client.
func (t *Timer) Remaining() int {
	if t.State != TimerRunning {
		return t.remainingSec
	}
	r := t.remainingNow()
	if r < 0 && !t.allowNegative {
		return 0
	}
	return r
}

func (t *Timer) remainingNow() int {
	d := t.deadline.Sub(t.now())
	// Ceil to whole seconds so a freshly started 300s timer reads 300, not 299.
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}

// RegisterTime records the judged climb time. Only meaningful while paused;
// the caller enforces the time-criterion flag.
func (t *Timer) RegisterTime(sec float64) {
	t.registered = &sec
}

// RegisteredTime returns the recorded climb time, or nil.
func (t *Timer) RegisteredTime() *float64 {
	return t.registered
}

// parsePreset converts a "MM:SS" preset string to seconds.
func parsePreset(s string) (int, bool) {
	var m, sec int
	if len(s) < 4 {
		return 0, false
	}
	colon := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			colon = i
			break
		}
	}
	if colon <= 0 || colon == len(s)-1 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if i == colon {
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		if i < colon {
			m = m*10 + int(s[i]-'0')
		} else {
			sec = sec*10 + int(s[i]-'0')
		}
	}
	if sec > 59 {
		return 0, false
	}
	return m*60 + sec, true
}
