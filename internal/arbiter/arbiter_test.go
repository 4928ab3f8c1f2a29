package arbiter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"drillcontrol/pkg/types"
)

type recordingStopper struct {
	mu        sync.Mutex
	calls     int
	holderAt  []types.MotionSource
	arbiter   *Arbiter
	returnErr error
}

func (r *recordingStopper) StopAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.arbiter != nil {
		r.holderAt = append(r.holderAt, r.arbiter.Holder())
	}
	return r.returnErr
}

func (r *recordingStopper) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestAcquireWhenIdle(t *testing.T) {
	a := New(&recordingStopper{}, nil)
	if !a.IsIdle() {
		t.Fatal("new arbiter should be idle")
	}
	if !a.Acquire(types.SourceAutoScript, "task plan.json") {
		t.Fatal("acquire on idle arbiter failed")
	}
	if a.Holder() != types.SourceAutoScript || a.Description() != "task plan.json" {
		t.Fatalf("holder = %s %q", a.Holder(), a.Description())
	}
}

func TestAcquireNoneIsRejected(t *testing.T) {
	a := New(nil, nil)
	if a.Acquire(types.SourceNone, "") {
		t.Fatal("SourceNone must never be granted")
	}
}

func TestContinuousJogDoesNotConflict(t *testing.T) {
	var confirmCalls int
	a := New(&recordingStopper{}, func(Conflict) bool {
		confirmCalls++
		return false
	})

	if !a.Acquire(types.SourceManualJog, "jog +Z") {
		t.Fatal("first jog acquire failed")
	}
	if !a.Acquire(types.SourceManualJog, "jog -Z") {
		t.Fatal("repeated jog acquire failed")
	}
	if confirmCalls != 0 {
		t.Fatalf("confirm called %d times for jog->jog", confirmCalls)
	}
	if a.Description() != "jog -Z" {
		t.Fatalf("description = %q, want updated in place", a.Description())
	}
}

func TestConflictDeclinedKeepsHolder(t *testing.T) {
	hw := &recordingStopper{}
	var seen Conflict
	a := New(hw, func(c Conflict) bool {
		seen = c
		return false
	})

	var events []Event
	a.Subscribe(func(ev Event) { events = append(events, ev) })

	a.Acquire(types.SourceManualAbs, "jog Z")
	if a.Acquire(types.SourceAutoScript, "drilling task") {
		t.Fatal("declined acquire returned true")
	}

	if seen.Holder != types.SourceManualAbs || seen.HolderDescription != "jog Z" ||
		seen.Requester != types.SourceAutoScript || seen.RequesterDescription != "drilling task" {
		t.Fatalf("conflict snapshot = %+v", seen)
	}
	if a.Holder() != types.SourceManualAbs || a.Description() != "jog Z" {
		t.Fatalf("holder changed to %s %q", a.Holder(), a.Description())
	}
	if hw.Calls() != 0 {
		t.Fatal("stop-all issued on declined preemption")
	}

	kinds := []EventKind{}
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventGranted, EventConflict, EventDeclined}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestConflictAcceptedStopsBeforeGrant(t *testing.T) {
	hw := &recordingStopper{}
	a := New(hw, func(Conflict) bool { return true })
	hw.arbiter = a

	a.Acquire(types.SourceManualAbs, "jog Z")
	if !a.Acquire(types.SourceAutoScript, "drilling task") {
		t.Fatal("accepted acquire returned false")
	}
	if hw.Calls() != 1 {
		t.Fatalf("stop-all calls = %d, want 1", hw.Calls())
	}
	if hw.holderAt[0] != types.SourceManualAbs {
		t.Fatalf("holder during stop-all = %s, want previous holder", hw.holderAt[0])
	}
	if a.Holder() != types.SourceAutoScript {
		t.Fatalf("holder = %s, want auto_script", a.Holder())
	}
}

func TestConfirmRunsOutsideCriticalSection(t *testing.T) {
	var a *Arbiter
	a = New(&recordingStopper{}, func(c Conflict) bool {
		// 对话框回调查询仲裁器状态不能死锁
		return a.Holder() == c.Holder && !a.IsIdle()
	})

	a.Acquire(types.SourceHoming, "homing feed axis")
	if !a.Acquire(types.SourceManualAbs, "move to 100mm") {
		t.Fatal("confirm callback could not inspect arbiter state")
	}
}

func TestReleaseByNonHolderIsIgnored(t *testing.T) {
	a := New(nil, nil)
	a.Acquire(types.SourceAutoScript, "task")

	a.Release(types.SourceManualJog)
	a.Release(types.SourceNone)
	if a.Holder() != types.SourceAutoScript {
		t.Fatalf("holder = %s after stale release", a.Holder())
	}

	a.Release(types.SourceAutoScript)
	if !a.IsIdle() {
		t.Fatal("holder release did not clear grant")
	}
}

func TestEmergencyStopClearsAnyHolder(t *testing.T) {
	hw := &recordingStopper{returnErr: errors.New("bus timeout")}
	a := New(hw, nil)
	a.Acquire(types.SourceManualAbs, "jog")

	if err := a.EmergencyStop(); err == nil {
		t.Fatal("expected stop-all error to be returned")
	}
	if hw.Calls() != 1 {
		t.Fatalf("stop-all calls = %d", hw.Calls())
	}
	if !a.IsIdle() {
		t.Fatal("emergency stop must clear the holder even when stop-all fails")
	}

	// 空闲时同样执行
	if err := New(&recordingStopper{}, nil).EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop on idle arbiter: %v", err)
	}
}

func TestConcurrentAcquireGrantsOnce(t *testing.T) {
	a := New(&recordingStopper{}, func(Conflict) bool { return false })

	sources := []types.MotionSource{types.SourceManualAbs, types.SourceAutoScript, types.SourceHoming}
	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(src types.MotionSource) {
			defer wg.Done()
			if a.Acquire(src, "race") {
				atomic.AddInt32(&granted, 1)
			}
		}(sources[i%len(sources)])
	}
	wg.Wait()

	// 同源重复请求同样视为冲突，只有第一个成功
	if granted != 1 {
		t.Fatalf("granted = %d, want exactly 1", granted)
	}
}

func TestSubscriberPanicDoesNotBreakArbiter(t *testing.T) {
	a := New(nil, nil)
	a.Subscribe(func(Event) { panic("listener bug") })

	if !a.Acquire(types.SourceHoming, "home") {
		t.Fatal("acquire failed")
	}
	a.Release(types.SourceHoming)
	if !a.IsIdle() {
		t.Fatal("release failed after panicking subscriber")
	}
}

// gatedConfirmer accepts every conflict, but only after release is closed.
type gatedConfirmer struct {
	entered chan Conflict
	release chan struct{}
}

func newGatedConfirmer() *gatedConfirmer {
	return &gatedConfirmer{entered: make(chan Conflict, 8), release: make(chan struct{})}
}

func (g *gatedConfirmer) confirm(c Conflict) bool {
	g.entered <- c
	<-g.release
	return true
}

func TestSecondConflictDeclinedWhilePromptOpen(t *testing.T) {
	gate := newGatedConfirmer()
	a := New(&recordingStopper{}, gate.confirm)
	a.Acquire(types.SourceManualAbs, "move to 100mm")

	result := make(chan bool, 1)
	go func() { result <- a.Acquire(types.SourceAutoScript, "drilling task") }()
	<-gate.entered

	if a.Acquire(types.SourceHoming, "home feed axis") {
		t.Fatal("second conflicting requester granted while a prompt was open")
	}
	close(gate.release)

	if !<-result {
		t.Fatal("confirmed preemption was not granted")
	}
	if a.Holder() != types.SourceAutoScript {
		t.Fatalf("holder = %s, want auto_script", a.Holder())
	}
	if len(gate.entered) != 0 {
		t.Fatal("confirm asked twice")
	}
}

func TestConcurrentAcceptedPreemptionsGrantOnce(t *testing.T) {
	gate := newGatedConfirmer()
	a := New(&recordingStopper{}, gate.confirm)
	a.Acquire(types.SourceManualAbs, "move to 100mm")

	type outcome struct {
		source types.MotionSource
		ok     bool
	}
	results := make(chan outcome, 2)
	for _, src := range []types.MotionSource{types.SourceAutoScript, types.SourceHoming} {
		go func(src types.MotionSource) {
			results <- outcome{src, a.Acquire(src, "race")}
		}(src)
	}

	// 一个请求进入确认，另一个必须在确认结束前被拒绝
	prompted := <-gate.entered
	declined := <-results
	if declined.ok || declined.source == prompted.Requester {
		t.Fatalf("outcome while prompt open = %+v, prompted %s", declined, prompted.Requester)
	}
	close(gate.release)

	granted := <-results
	if !granted.ok || granted.source != prompted.Requester {
		t.Fatalf("prompted requester outcome = %+v", granted)
	}
	if a.Holder() != prompted.Requester {
		t.Fatalf("holder = %s, want %s", a.Holder(), prompted.Requester)
	}
}

func TestIdleGrantDuringPromptIsNotOverwritten(t *testing.T) {
	gate := newGatedConfirmer()
	hw := &recordingStopper{}
	a := New(hw, gate.confirm)
	a.Acquire(types.SourceManualAbs, "move to 100mm")

	result := make(chan bool, 1)
	go func() { result <- a.Acquire(types.SourceAutoScript, "drilling task") }()
	<-gate.entered

	// 确认期间原持有者释放，另一来源试图占用空闲仲裁器
	a.Release(types.SourceManualAbs)
	if a.Acquire(types.SourceHoming, "home feed axis") {
		t.Fatal("idle grant issued while a preemption prompt was open")
	}
	close(gate.release)

	if !<-result {
		t.Fatal("preemption of a released holder was declined")
	}
	if a.Holder() != types.SourceAutoScript {
		t.Fatalf("holder = %s, want auto_script", a.Holder())
	}
}

func TestEmergencyStopCancelsOpenPreemption(t *testing.T) {
	gate := newGatedConfirmer()
	hw := &recordingStopper{}
	a := New(hw, gate.confirm)
	a.Acquire(types.SourceManualAbs, "move to 100mm")

	result := make(chan bool, 1)
	go func() { result <- a.Acquire(types.SourceAutoScript, "drilling task") }()
	<-gate.entered

	if err := a.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	close(gate.release)

	if <-result {
		t.Fatal("preemption granted after an emergency stop")
	}
	if !a.IsIdle() {
		t.Fatalf("holder = %s, want none", a.Holder())
	}
	if hw.Calls() != 1 {
		t.Fatalf("stop-all calls = %d, want only the emergency stop", hw.Calls())
	}

	// 急停后仲裁器恢复正常授权
	if !a.Acquire(types.SourceHoming, "home feed axis") {
		t.Fatal("acquire after cancelled preemption failed")
	}
}
