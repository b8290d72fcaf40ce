package main

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func TestTimerStartPauseResume(t *testing.T) {
	clk := newFakeClock()
	timer := newTimer(300, true, clk.now)

	if timer.State != TimerIdle || timer.Remaining() != 300 {
		t.Fatalf("fresh timer: state=%s remaining=%d", timer.State, timer.Remaining())
	}

	timer.StartFresh()
	if timer.Remaining() != 300 {
		t.Errorf("just started: remaining=%d, want 300", timer.Remaining())
	}

	clk.advance(30 * time.Second)
	if got := timer.Remaining(); got != 270 {
		t.Errorf("after 30s: remaining=%d, want 270", got)
	}

	timer.Pause()
	clk.advance(time.Minute)
	if got := timer.Remaining(); got != 270 {
		t.Errorf("paused timer must freeze: remaining=%d, want 270", got)
	}

	timer.Resume()
	clk.advance(70 * time.Second)
	if got := timer.Remaining(); got != 200 {
		t.Errorf("after resume+70s: remaining=%d, want 200", got)
	}
}

func TestTimerOvertime(t *testing.T) {
	clk := newFakeClock()
	timer := newTimer(10, true, clk.now)
	timer.StartFresh()
	clk.advance(15 * time.Second)

	if got := timer.Remaining(); got != -5 {
		t.Errorf("overtime remaining=%d, want -5", got)
	}
	if timer.State != TimerRunning {
		t.Errorf("crossing zero must not stop the timer, state=%s", timer.State)
	}

	// Clamped variant stops the display at zero.
	clamped := newTimer(10, false, clk.now)
	clamped.StartFresh()
	clk.advance(15 * time.Second)
	if got := clamped.Remaining(); got != 0 {
		t.Errorf("clamped remaining=%d, want 0", got)
	}
}

func TestTimerPauseInOvertimeStoresZero(t *testing.T) {
	clk := newFakeClock()
	timer := newTimer(5, true, clk.now)
	timer.StartFresh()
	clk.advance(9 * time.Second)
	timer.Pause()
	if got := timer.Remaining(); got != 0 {
		t.Errorf("paused in overtime: remaining=%d, want 0", got)
	}
}

func TestTimerReset(t *testing.T) {
	clk := newFakeClock()
	timer := newTimer(300, true, clk.now)
	timer.StartFresh()
	timer.RegisterTime(42.5)
	clk.advance(100 * time.Second)

	timer.Reset(240)
	if timer.State != TimerIdle {
		t.Errorf("reset state=%s, want idle", timer.State)
	}
	if timer.Remaining() != 240 || timer.PresetSec != 240 {
		t.Errorf("reset remaining=%d preset=%d, want 240/240", timer.Remaining(), timer.PresetSec)
	}
	if timer.RegisteredTime() != nil {
		t.Error("reset must clear the registered time")
	}
}

func TestParsePreset(t *testing.T) {
	cases := []struct {
		in   string
		sec  int
		ok   bool
	}{
		{"05:00", 300, true},
		{"0:30", 30, true},
		{"12:59", 779, true},
		{"1:60", 0, false},
		{"", 0, false},
		{"500", 0, false},
		{":30", 0, false},
		{"5:", 0, false},
		{"a:10", 0, false},
	}
	for _, c := range cases {
		sec, ok := parsePreset(c.in)
		if ok != c.ok || (ok && sec != c.sec) {
			t.Errorf("parsePreset(%q) = %d,%v; want %d,%v", c.in, sec, ok, c.sec, c.ok)
		}
	}
}
