package management

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drillcontrol/internal/config"
	"drillcontrol/internal/ipc"
	"drillcontrol/internal/store"
	"drillcontrol/pkg/types"
)

const fastPlan = `
presets:
  FAST:
    feed_speed: 3000
    rotation_rpm: 60
steps:
  - type: positioning
    target_depth: 5
    preset: FAST
  - type: hold
    duration_ms: 20
`

const slowPlan = `
presets:
  SLOW:
    feed_speed: 60
    rotation_rpm: 60
steps:
  - type: drilling
    target_depth: 1500
    preset: SLOW
`

type harness struct {
	sys    *System
	client *ipc.IPCClient
	dir    string
	dbPath string
	events chan map[string]interface{}
}

func startSystem(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Store.Path = filepath.Join(dir, "audit.db")
	cfg.IPC.Port = 0
	cfg.Hardware.PollInterval = 10 * time.Millisecond
	cfg.Presets["SITE"] = types.ParameterSet{ID: "SITE", FeedSpeed: 10, RotationRPM: 30}

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := config.NewConfigManager(cfgPath).SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	sys, err := NewSystem(context.Background(), cfgPath, Options{ForceSim: true})
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	if err := sys.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h := &harness{
		sys:    sys,
		dir:    dir,
		dbPath: cfg.Store.Path,
		events: make(chan map[string]interface{}, 256),
	}

	ipcCfg := cfg.IPC
	ipcCfg.Port = sys.Addr().(*net.TCPAddr).Port
	h.client = ipc.NewIPCClient(ipcCfg, "console")
	if err := h.client.Connect(); err != nil {
		sys.Stop()
		t.Fatalf("Connect: %v", err)
	}
	h.client.RegisterHandler(ipc.MsgTaskEvent, func(m types.IPCMessage) {
		ev, ok := m.Data["event"].(map[string]interface{})
		if !ok {
			return
		}
		select {
		case h.events <- ev:
		default:
		}
	})

	t.Cleanup(func() {
		h.client.Disconnect()
		h.sys.Stop()
	})
	return h
}

func (h *harness) request(t *testing.T, msgType string, data map[string]interface{}) (types.IPCMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return h.client.Request(ctx, msgType, data)
}

// startWhenReady retries start until the simulator has produced telemetry.
func (h *harness) startWhenReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := h.request(t, ipc.MsgStart, nil)
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *harness) waitEvent(t *testing.T, kind types.TaskEventKind) map[string]interface{} {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev["kind"] == string(kind) {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func writePlan(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func loadPlan(t *testing.T, h *harness, body string) string {
	t.Helper()
	resp, err := h.request(t, ipc.MsgLoadPlan, map[string]interface{}{"path": writePlan(t, h.dir, "plan.yaml", body)})
	if err != nil {
		t.Fatalf("load_plan: %v", err)
	}
	result, _ := resp.Data["result"].(map[string]interface{})
	roundID, _ := result["roundId"].(string)
	if roundID == "" {
		t.Fatalf("load_plan result = %v", resp.Data)
	}
	return roundID
}

func roundOutcome(t *testing.T, dbPath, roundID string) string {
	t.Helper()
	db, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()
	round, err := db.GetRound(roundID)
	if err != nil || round == nil {
		t.Fatalf("GetRound(%s) = %v, %v", roundID, round, err)
	}
	return round.Outcome
}

func TestSystemRunsPlanToCompletion(t *testing.T) {
	h := startSystem(t)
	roundID := loadPlan(t, h, fastPlan)

	h.startWhenReady(t)
	h.waitEvent(t, types.EventTaskCompleted)

	resp, err := h.request(t, ipc.MsgStatus, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	result, _ := resp.Data["result"].(map[string]interface{})
	task, _ := result["task"].(map[string]interface{})
	if task["state"] != "finished" {
		t.Fatalf("task state = %v", task["state"])
	}
	motion, _ := result["motion"].(map[string]interface{})
	if motion["holder"] != types.SourceNone.String() {
		t.Fatalf("motion still held by %v", motion["holder"])
	}

	if err := h.sys.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := roundOutcome(t, h.dbPath, roundID); got != "completed" {
		t.Fatalf("round outcome = %q", got)
	}
}

func TestSystemEmergencyStopFailsTask(t *testing.T) {
	h := startSystem(t)
	roundID := loadPlan(t, h, slowPlan)

	h.startWhenReady(t)
	h.waitEvent(t, types.EventStepStarted)

	if _, err := h.request(t, ipc.MsgEmergencyStop, nil); err != nil {
		t.Fatalf("emergency_stop: %v", err)
	}
	ev := h.waitEvent(t, types.EventTaskFailed)
	failure, _ := ev["failure"].(map[string]interface{})
	if failure["code"] != "EMERGENCY_STOP" {
		t.Fatalf("failure = %v", failure)
	}

	if err := h.sys.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := roundOutcome(t, h.dbPath, roundID); got != string(types.FailureCancelled)+":EMERGENCY_STOP" {
		t.Fatalf("round outcome = %q", got)
	}
}

func TestSystemRejectsInvalidPlan(t *testing.T) {
	h := startSystem(t)
	path := writePlan(t, h.dir, "bad.yaml", "steps: []\n")
	if _, err := h.request(t, ipc.MsgLoadPlan, map[string]interface{}{"path": path}); err == nil {
		t.Fatal("empty plan accepted")
	}
	if _, err := h.request(t, ipc.MsgStart, nil); err == nil {
		t.Fatal("start without a plan accepted")
	}
}

func TestSystemListsPresets(t *testing.T) {
	h := startSystem(t)
	resp, err := h.request(t, ipc.MsgListPresets, nil)
	if err != nil {
		t.Fatalf("list_presets: %v", err)
	}
	list, _ := resp.Data["result"].([]interface{})
	ids := make(map[string]bool)
	for _, item := range list {
		if ps, ok := item.(map[string]interface{}); ok {
			ids[ps["id"].(string)] = true
		}
	}
	for _, want := range []string{"P1", "P6", "SITE"} {
		if !ids[want] {
			t.Fatalf("preset %s missing from %v", want, ids)
		}
	}
}

func TestSystemStopTwice(t *testing.T) {
	h := startSystem(t)
	if err := h.sys.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.sys.Stop(); err == nil {
		t.Fatal("second Stop succeeded")
	}
}

func TestSystemEmergencyStopWhileIdle(t *testing.T) {
	h := startSystem(t)
	if _, err := h.request(t, ipc.MsgEmergencyStop, nil); err != nil {
		t.Fatalf("emergency_stop: %v", err)
	}

	// 急停后系统照常装载并完成任务
	roundID := loadPlan(t, h, fastPlan)
	h.startWhenReady(t)
	h.waitEvent(t, types.EventTaskCompleted)

	if err := h.sys.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := roundOutcome(t, h.dbPath, roundID); got != "completed" {
		t.Fatalf("round outcome = %q", got)
	}
}
