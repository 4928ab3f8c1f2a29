package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"drillcontrol/internal/arbiter"
	"drillcontrol/pkg/types"
)

type fakeController struct {
	mu        sync.Mutex
	calls     []string
	startGate chan struct{}
	startErr  error
}

func (f *fakeController) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeController) LoadPlan(path string) (interface{}, error) {
	f.record("load:" + path)
	return map[string]interface{}{"steps": 3}, nil
}

func (f *fakeController) Start() error {
	if f.startGate != nil {
		<-f.startGate
	}
	f.record("start")
	return f.startErr
}

func (f *fakeController) Pause() error {
	f.record("pause")
	return nil
}

func (f *fakeController) Resume() error {
	f.record("resume")
	return nil
}

func (f *fakeController) Abort() error {
	f.record("abort")
	return nil
}

func (f *fakeController) EmergencyStop() error {
	f.record("estop")
	return nil
}

func (f *fakeController) Status() (interface{}, error) {
	return map[string]interface{}{"state": "idle"}, nil
}

func startServer(t *testing.T) (*IPCServer, types.IPCConfig) {
	t.Helper()
	cfg := types.IPCConfig{Address: "127.0.0.1", Port: 0, Timeout: time.Second, BufferSize: 64}
	srv := NewIPCServer(cfg)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	cfg.Port = srv.Addr().(*net.TCPAddr).Port
	return srv, cfg
}

func connect(t *testing.T, cfg types.IPCConfig) *IPCClient {
	t.Helper()
	c := NewIPCClient(cfg, "test")
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandsRoundTrip(t *testing.T) {
	srv, cfg := startServer(t)
	ctrl := &fakeController{}
	RegisterCommands(srv, ctrl, nil)
	c := connect(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, MsgLoadPlan, map[string]interface{}{"path": "plans/a.yaml"})
	if err != nil {
		t.Fatalf("load_plan: %v", err)
	}
	if result, _ := resp.Data["result"].(map[string]interface{}); result["steps"] != float64(3) {
		t.Fatalf("result = %v", resp.Data)
	}

	for _, cmd := range []string{MsgStart, MsgPause, MsgResume, MsgAbort} {
		if _, err := c.Request(ctx, cmd, nil); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}

	status, err := c.Request(ctx, MsgStatus, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if result, _ := status.Data["result"].(map[string]interface{}); result["state"] != "idle" {
		t.Fatalf("status = %v", status.Data)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	want := []string{"load:plans/a.yaml", "start", "pause", "resume", "abort"}
	if len(ctrl.calls) != len(want) {
		t.Fatalf("calls = %v", ctrl.calls)
	}
	for i := range want {
		if ctrl.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", ctrl.calls, want)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	srv, cfg := startServer(t)
	ctrl := &fakeController{startErr: types.ErrNotReady}
	RegisterCommands(srv, ctrl, nil)
	c := connect(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Request(ctx, MsgStart, nil); err == nil {
		t.Fatal("start error not propagated")
	}
	if _, err := c.Request(ctx, MsgLoadPlan, nil); err == nil {
		t.Fatal("load_plan without path accepted")
	}
	if _, err := c.Request(ctx, "teleport", nil); err == nil {
		t.Fatal("unknown command accepted")
	}
	if _, err := c.Request(ctx, MsgConfirmPreempt, map[string]interface{}{"request_id": "x"}); err == nil {
		t.Fatal("confirm without confirmer accepted")
	}
}

func TestEmergencyStopBypassesQueuedCommands(t *testing.T) {
	srv, cfg := startServer(t)
	ctrl := &fakeController{startGate: make(chan struct{})}
	RegisterCommands(srv, ctrl, nil)
	c := connect(t, cfg)

	if err := c.Send(NewMessage(MsgStart, "", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, MsgEmergencyStop, nil); err != nil {
		t.Fatalf("emergency_stop blocked behind start: %v", err)
	}
	close(ctrl.startGate)
}

func TestBroadcastReachesClients(t *testing.T) {
	srv, cfg := startServer(t)
	c := connect(t, cfg)

	got := make(chan types.IPCMessage, 4)
	c.RegisterHandler(MsgTaskEvent, func(m types.IPCMessage) { got <- m })
	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	srv.Broadcast(TaskEventMessage(types.TaskEvent{Kind: types.EventStateChanged, State: types.TaskDrilling, StepIndex: 1}))

	select {
	case m := <-got:
		ev, _ := m.Data["event"].(map[string]interface{})
		if ev["kind"] != "state_changed" || ev["state"] != "drilling" {
			t.Fatalf("event = %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestRemoteConfirmerAccept(t *testing.T) {
	srv, cfg := startServer(t)
	rc := NewRemoteConfirmer(srv.Broadcast, srv.ClientCount, 2*time.Second)
	RegisterCommands(srv, &fakeController{}, rc)

	operator := connect(t, cfg)
	operator.RegisterHandler(MsgPreemptRequest, func(m types.IPCMessage) {
		go operator.Request(context.Background(), MsgConfirmPreempt, map[string]interface{}{
			"request_id": m.Data["request_id"],
			"accept":     true,
		})
	})
	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	ok := rc.Confirm(arbiter.Conflict{Holder: types.SourceAutoScript, Requester: types.SourceManualJog})
	if !ok {
		t.Fatal("operator acceptance not delivered")
	}
	if rc.Pending() != 0 {
		t.Fatalf("pending = %d", rc.Pending())
	}
}

func TestRemoteConfirmerDeclines(t *testing.T) {
	srv, cfg := startServer(t)

	rc := NewRemoteConfirmer(srv.Broadcast, srv.ClientCount, 30*time.Millisecond)
	start := time.Now()
	if rc.Confirm(arbiter.Conflict{}) {
		t.Fatal("accepted with no operator connected")
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Fatal("should decline immediately without listeners")
	}

	connect(t, cfg)
	waitFor(t, func() bool { return srv.ClientCount() == 1 })
	if rc.Confirm(arbiter.Conflict{}) {
		t.Fatal("accepted without an answer")
	}

	if rc.Resolve("unknown", true) {
		t.Fatal("resolved an unknown request")
	}
}

func TestRemoteConfirmerDeclineAll(t *testing.T) {
	prompted := make(chan struct{}, 1)
	rc := NewRemoteConfirmer(func(types.IPCMessage) error {
		prompted <- struct{}{}
		return nil
	}, nil, 5*time.Second)

	result := make(chan bool, 1)
	go func() { result <- rc.Confirm(arbiter.Conflict{Holder: types.SourceManualAbs, Requester: types.SourceAutoScript}) }()
	<-prompted
	waitFor(t, func() bool { return rc.Pending() == 1 })

	if n := rc.DeclineAll(); n != 1 {
		t.Fatalf("declined %d prompts, want 1", n)
	}
	select {
	case ok := <-result:
		if ok {
			t.Fatal("prompt accepted after DeclineAll")
		}
	case <-time.After(time.Second):
		t.Fatal("Confirm still waiting after DeclineAll")
	}
	if rc.DeclineAll() != 0 {
		t.Fatal("second DeclineAll found prompts")
	}
}

func TestRemoteConfirmerBroadcastFailure(t *testing.T) {
	rc := NewRemoteConfirmer(func(types.IPCMessage) error { return errors.New("down") }, nil, time.Second)
	if rc.Confirm(arbiter.Conflict{}) {
		t.Fatal("accepted after broadcast failure")
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := NewIPCServer(types.IPCConfig{Address: "127.0.0.1"})
	if err := srv.Stop(); err == nil {
		t.Fatal("Stop before Start succeeded")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
