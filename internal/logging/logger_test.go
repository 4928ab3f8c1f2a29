package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestModuleLoggerAddsModuleField(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewManager(&Config{Level: "debug", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.GetLogger("orchestrator").Info("step started", "step", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["module"] != "orchestrator" {
		t.Fatalf("module = %v, want orchestrator", entry["module"])
	}
	if entry["step"] != float64(2) {
		t.Fatalf("step = %v, want 2", entry["step"])
	}
}

func TestGetLoggerIsCached(t *testing.T) {
	m, err := NewManager(&Config{Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.GetLogger("safety_monitor") != m.GetLogger("safety_monitor") {
		t.Fatal("expected cached logger instance")
	}
	names := m.GetLoggerNames()
	if len(names) != 2 || names[0] != "default" || names[1] != "safety_monitor" {
		t.Fatalf("names = %v", names)
	}
}

func TestUpdateLevelAffectsDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewManager(&Config{Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	logger := m.GetLogger("motion_arbiter")

	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line written at info level")
	}

	m.UpdateLevel("debug")
	if logger.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", logger.Level())
	}
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug line missing after level update: %q", buf.String())
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("verbose"); got != slog.LevelInfo {
		t.Fatalf("parseLevel(verbose) = %v, want info", got)
	}
	if got := parseLevel("WARNING"); got != slog.LevelWarn {
		t.Fatalf("parseLevel(WARNING) = %v, want warn", got)
	}
}
