package orchestrator

import (
	"time"

	"drillcontrol/internal/core"
)

// stepTimer is a single-shot, cancelable, re-armable timer whose callback
// runs on the control loop. Every arm or cancel bumps the generation, so a
// callback already queued by an earlier arming is discarded.
type stepTimer struct {
	clock core.Clock
	post  func(func())

	timer    core.Timer
	gen      uint64
	deadline time.Time
}

func newStepTimer(clock core.Clock, post func(func())) *stepTimer {
	return &stepTimer{clock: clock, post: post}
}

func (t *stepTimer) arm(d time.Duration, fire func()) {
	t.cancel()
	gen := t.gen
	t.deadline = t.clock.Now().Add(d)
	t.timer = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if t.gen != gen {
				return
			}
			t.timer = nil
			t.gen++
			fire()
		})
	})
}

func (t *stepTimer) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.deadline = time.Time{}
}

func (t *stepTimer) active() bool {
	return t.timer != nil
}

// remaining 剩余时间，未启动时为 0
func (t *stepTimer) remaining() time.Duration {
	if !t.active() {
		return 0
	}
	return max(0, t.deadline.Sub(t.clock.Now()))
}
