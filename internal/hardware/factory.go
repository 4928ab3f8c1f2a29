// Package hardware assembles the rig's drives and telemetry sources from
// the hardware section of the system configuration.
package hardware

import (
	"context"
	"fmt"
	"io"

	"drillcontrol/internal/core"
	"drillcontrol/internal/hardware/devices"
	"drillcontrol/internal/hardware/protocols/modbus"
	"drillcontrol/internal/hardware/protocols/serial"
	"drillcontrol/internal/logging"
	"drillcontrol/internal/orchestrator"
	"drillcontrol/internal/sim"
	"drillcontrol/pkg/types"
)

// Rig is the assembled hardware: mechanisms for the orchestrator, the
// rig-wide stop for the arbiter and the modules that produce telemetry.
type Rig struct {
	Mechanisms orchestrator.Mechanisms
	Stopper    interface{ StopAll() error }
	Modules    []core.Module

	setCallbacks func(onReached func(float64), onState func(types.FeedState))
	closer       io.Closer
}

// SetFeedCallbacks 注册给进到位与状态回调
func (r *Rig) SetFeedCallbacks(onReached func(float64), onState func(types.FeedState)) {
	if r.setCallbacks != nil {
		r.setCallbacks(onReached, onState)
	}
}

// Close releases the field bus, if any.
func (r *Rig) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// HardwareFactory 按驱动类型构造钻机
type HardwareFactory struct {
	dialBus    func(ctx context.Context, cfg types.ModbusConfig) (devices.RegisterBus, io.Closer, error)
	openSerial func(cfg types.SerialPortConfig) serial.Opener
	logger     *logging.Logger
}

func NewHardwareFactory() *HardwareFactory {
	return &HardwareFactory{
		dialBus:    dialModbus,
		openSerial: serial.PortOpener,
		logger:     logging.GetLogger("hardware_factory"),
	}
}

// Build assembles the rig; sink receives every telemetry frame.
func (hf *HardwareFactory) Build(ctx context.Context, cfg types.HardwareConfig, sink func(types.Frame) bool) (*Rig, error) {
	var rig *Rig
	var err error

	switch cfg.Driver {
	case "sim", "":
		rig = hf.buildSim(cfg, sink)
	case "modbus":
		rig, err = hf.buildModbus(ctx, cfg, sink)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported hardware driver: %s", cfg.Driver)
	}

	if cfg.ForceSensor.Enabled {
		stream := serial.NewForceStream(hf.openSerial(cfg.ForceSensor), sink)
		rig.Modules = append(rig.Modules, stream)
		hf.logger.Info("Force sensor stream enabled", "port", cfg.ForceSensor.PortName)
	}

	hf.logger.Info("Hardware assembled", "driver", cfg.Driver, "modules", len(rig.Modules))
	return rig, nil
}

func (hf *HardwareFactory) buildSim(cfg types.HardwareConfig, sink func(types.Frame) bool) *Rig {
	simCfg := sim.DefaultConfig()
	simCfg.Interval = cfg.PollInterval
	simCfg.Limits = cfg.Feed
	r := sim.NewRig(simCfg, sink)
	return &Rig{
		Mechanisms:   orchestrator.Mechanisms{Feed: r.Feed, Rotation: r.Rotation, Percussion: r.Percussion},
		Stopper:      r,
		Modules:      []core.Module{r},
		setCallbacks: r.SetCallbacks,
	}
}

func (hf *HardwareFactory) buildModbus(ctx context.Context, cfg types.HardwareConfig, sink func(types.Frame) bool) (*Rig, error) {
	bus, closer, err := hf.dialBus(ctx, cfg.Modbus)
	if err != nil {
		return nil, err
	}

	regs := cfg.Modbus.Registers
	timeout := cfg.Modbus.Timeout * 2
	r := devices.NewRig(bus, regs, cfg.Feed, timeout)
	poller := devices.NewPoller(bus, regs, r.Feed, devices.PollerConfig{
		Interval:   cfg.PollInterval,
		SkipForces: cfg.ForceSensor.Enabled,
	}, sink)

	return &Rig{
		Mechanisms:   orchestrator.Mechanisms{Feed: r.Feed, Rotation: r.Rotation, Percussion: r.Percussion},
		Stopper:      r,
		Modules:      []core.Module{poller},
		setCallbacks: r.Feed.SetCallbacks,
		closer:       closer,
	}, nil
}

func dialModbus(ctx context.Context, cfg types.ModbusConfig) (devices.RegisterBus, io.Closer, error) {
	bus := modbus.NewBus(cfg)
	if err := bus.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return bus, bus, nil
}
