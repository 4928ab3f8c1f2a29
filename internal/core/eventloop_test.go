package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"drillcontrol/pkg/types"
)

type recordModule struct {
	name string
	log  *[]string
	mu   *sync.Mutex
	fail bool
}

func (m recordModule) Name() string { return m.name }

func (m recordModule) Start(context.Context) error {
	if m.fail {
		return errors.New("boom")
	}
	m.mu.Lock()
	*m.log = append(*m.log, "start "+m.name)
	m.mu.Unlock()
	return nil
}

func (m recordModule) Stop() error {
	m.mu.Lock()
	*m.log = append(*m.log, "stop "+m.name)
	m.mu.Unlock()
	return nil
}

func (m recordModule) Status() interface{} { return m.name + " ok" }

func startLoop(t *testing.T, cfg LoopConfig) *Loop {
	t.Helper()
	l := NewLoop(cfg)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if l.IsRunning() {
			_ = l.Stop()
		}
	})
	return l
}

func TestFramesHandledInArrivalOrder(t *testing.T) {
	l := NewLoop(LoopConfig{TelemetryQueueSize: 16})
	var got []float64
	done := make(chan struct{})
	l.SetFrameHandler(func(f types.Frame) {
		got = append(got, f.Readings[0].Value)
		if len(got) == 10 {
			close(done)
		}
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	for i := 0; i < 10; i++ {
		l.PushFrame(types.Frame{Source: "poller", Readings: []types.Reading{{Quantity: types.QuantityPosition, Value: float64(i)}}})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handled %d frames", len(got))
	}
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("frames out of order: %v", got)
		}
	}
}

func TestPushFrameDropsWhenFull(t *testing.T) {
	l := startLoop(t, LoopConfig{TelemetryQueueSize: 2})

	// 阻塞循环协程
	release := make(chan struct{})
	entered := make(chan struct{})
	l.Post(func() {
		close(entered)
		<-release
	})
	<-entered

	if !l.PushFrame(types.Frame{}) || !l.PushFrame(types.Frame{}) {
		t.Fatal("queue rejected frames below capacity")
	}
	if l.PushFrame(types.Frame{}) {
		t.Fatal("third frame should be dropped")
	}
	if l.DroppedFrames() != 1 {
		t.Fatalf("dropped = %d, want 1", l.DroppedFrames())
	}
	close(release)
}

func TestCallRunsOnLoop(t *testing.T) {
	l := startLoop(t, LoopConfig{})

	counter := 0
	for i := 0; i < 5; i++ {
		if err := l.Call(func() error {
			counter++
			return nil
		}); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if counter != 5 {
		t.Fatalf("counter = %d", counter)
	}

	want := errors.New("rejected")
	if err := l.Call(func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestHandlerPanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t, LoopConfig{})

	l.Post(func() { panic("bad handler") })
	if err := l.Call(func() error { return nil }); err != nil {
		t.Fatalf("loop not serving after panic: %v", err)
	}
}

func TestCallAfterStopFails(t *testing.T) {
	l := startLoop(t, LoopConfig{})
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := l.Call(func() error { return nil }); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("err = %v, want ErrLoopStopped", err)
	}
	if l.Post(func() {}) {
		t.Fatal("Post accepted after stop")
	}
	if l.PushFrame(types.Frame{}) {
		t.Fatal("PushFrame accepted after stop")
	}
	if err := l.Stop(); err == nil {
		t.Fatal("second Stop should fail")
	}
}

func TestModuleLifecycleOrder(t *testing.T) {
	var mu sync.Mutex
	var log []string
	l := NewLoop(LoopConfig{})
	for _, name := range []string{"b_poller", "a_ipc"} {
		if err := l.RegisterModule(recordModule{name: name, log: &log, mu: &mu}); err != nil {
			t.Fatalf("RegisterModule: %v", err)
		}
	}
	if err := l.RegisterModule(recordModule{name: "a_ipc", log: &log, mu: &mu}); err == nil {
		t.Fatal("duplicate module accepted")
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"start a_ipc", "start b_poller", "stop b_poller", "stop a_ipc"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("lifecycle = %v, want %v", log, want)
	}

	status := l.GetModuleStatus()
	if status["a_ipc"] != "a_ipc ok" {
		t.Fatalf("status = %v", status)
	}
}

func TestStartRollsBackOnModuleFailure(t *testing.T) {
	var mu sync.Mutex
	var log []string
	l := NewLoop(LoopConfig{})
	l.RegisterModule(recordModule{name: "a_store", log: &log, mu: &mu})
	l.RegisterModule(recordModule{name: "b_bus", log: &log, mu: &mu, fail: true})

	if err := l.Start(context.Background()); err == nil {
		t.Fatal("Start should fail")
	}
	if l.IsRunning() {
		t.Fatal("loop running after failed start")
	}
	if fmt.Sprint(log) != fmt.Sprint([]string{"start a_store", "stop a_store"}) {
		t.Fatalf("lifecycle = %v", log)
	}
}
