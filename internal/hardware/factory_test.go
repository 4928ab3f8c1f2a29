package hardware

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"drillcontrol/internal/hardware/devices"
	"drillcontrol/internal/hardware/protocols/serial"
	"drillcontrol/pkg/types"
)

type nopBus struct{}

func (nopBus) ReadRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return []uint16{0}, nil
}
func (nopBus) ReadFloats(_ context.Context, _ uint16, n int) ([]float64, error) {
	return make([]float64, n), nil
}
func (nopBus) WriteRegister(context.Context, uint16, uint16) error { return nil }
func (nopBus) WriteFloats(context.Context, uint16, ...float64) error { return nil }

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

func hwConfig(driver string) types.HardwareConfig {
	return types.HardwareConfig{
		Driver:       driver,
		PollInterval: 10 * time.Millisecond,
		Feed:         types.FeedAxisConfig{MaxDepth: 2000, ReachTolerance: 0.5},
	}
}

func TestBuildSim(t *testing.T) {
	rig, err := NewHardwareFactory().Build(context.Background(), hwConfig("sim"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rig.Mechanisms.Feed == nil || rig.Mechanisms.Rotation == nil || rig.Mechanisms.Percussion == nil {
		t.Fatal("mechanisms missing")
	}
	if rig.Stopper == nil || len(rig.Modules) != 1 || rig.Modules[0].Name() != "sim_rig" {
		t.Fatalf("rig = %+v", rig)
	}

	var reached []float64
	rig.SetFeedCallbacks(func(d float64) { reached = append(reached, d) }, nil)
	if err := rig.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBuildModbusWithForceSensor(t *testing.T) {
	closer := &closeCounter{}
	hf := NewHardwareFactory()
	hf.dialBus = func(context.Context, types.ModbusConfig) (devices.RegisterBus, io.Closer, error) {
		return nopBus{}, closer, nil
	}
	hf.openSerial = func(types.SerialPortConfig) serial.Opener {
		return func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("")), nil }
	}

	cfg := hwConfig("modbus")
	cfg.ForceSensor = types.SerialPortConfig{Enabled: true, PortName: "/dev/ttyUSB1"}
	rig, err := hf.Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	names := []string{}
	for _, m := range rig.Modules {
		names = append(names, m.Name())
	}
	if strings.Join(names, ",") != "modbus_poller,force_sensor" {
		t.Fatalf("modules = %v", names)
	}
	if _, ok := rig.Stopper.(*devices.Rig); !ok {
		t.Fatalf("stopper = %T", rig.Stopper)
	}

	rig.Close()
	if closer.n != 1 {
		t.Fatalf("bus closed %d times", closer.n)
	}
}

func TestBuildModbusDialFailure(t *testing.T) {
	hf := NewHardwareFactory()
	want := errors.New("connection refused")
	hf.dialBus = func(context.Context, types.ModbusConfig) (devices.RegisterBus, io.Closer, error) {
		return nil, nil, want
	}
	if _, err := hf.Build(context.Background(), hwConfig("modbus"), nil); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	if _, err := NewHardwareFactory().Build(context.Background(), hwConfig("ethercat"), nil); err == nil {
		t.Fatal("expected error")
	}
}
