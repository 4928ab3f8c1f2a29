// Package devices drives the rig's mechanisms (feed axis, rotation head,
// percussion unit) through the PLC's holding registers and polls the
// telemetry block back into the control loop.
package devices

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// RegisterBus is the register-level transport the drives write through.
type RegisterBus interface {
	ReadRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error)
	ReadFloats(ctx context.Context, addr uint16, n int) ([]float64, error)
	WriteRegister(ctx context.Context, addr, value uint16) error
	WriteFloats(ctx context.Context, addr uint16, values ...float64) error
}

// 命令字
const (
	CmdStop  uint16 = 0
	CmdStart uint16 = 1
)

// 给进状态寄存器取值
const (
	FeedStatusIdle    uint16 = 0
	FeedStatusMoving  uint16 = 1
	FeedStatusReached uint16 = 2
	FeedStatusFault   uint16 = 3
)

const defaultOpTimeout = time.Second

// FeedAxis 给进轴
type FeedAxis struct {
	bus     RegisterBus
	regs    types.ModbusRegisterMap
	limits  types.FeedAxisConfig
	timeout time.Duration
	logger  *logging.Logger

	mu        sync.Mutex
	target    float64
	state     types.FeedState
	onReached func(float64)
	onState   func(types.FeedState)
}

func NewFeedAxis(bus RegisterBus, regs types.ModbusRegisterMap, limits types.FeedAxisConfig, timeout time.Duration) *FeedAxis {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &FeedAxis{
		bus:     bus,
		regs:    regs,
		limits:  limits,
		timeout: timeout,
		state:   types.FeedIdle,
		logger:  logging.GetLogger("feed_axis"),
	}
}

// SetCallbacks registers the target-reached and state-change callbacks.
// Both run on the polling goroutine.
func (f *FeedAxis) SetCallbacks(onReached func(float64), onState func(types.FeedState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReached = onReached
	f.onState = onState
}

// SetTargetDepth 下发目标深度与给进速度，超出行程或写入失败返回 false
func (f *FeedAxis) SetTargetDepth(depth, speed float64) bool {
	if depth < f.limits.MinDepth || depth > f.limits.MaxDepth {
		f.logger.Warn("Target depth outside travel", "depth", depth, "min", f.limits.MinDepth, "max", f.limits.MaxDepth)
		return false
	}
	if speed <= 0 {
		f.logger.Warn("Feed speed must be positive", "speed", speed)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.bus.WriteFloats(ctx, f.regs.FeedTarget, depth); err != nil {
		f.logger.Error("Failed to write feed target", "error", err)
		return false
	}
	if err := f.bus.WriteFloats(ctx, f.regs.FeedSpeed, speed); err != nil {
		f.logger.Error("Failed to write feed speed", "error", err)
		return false
	}
	if err := f.bus.WriteRegister(ctx, f.regs.FeedCommand, CmdStart); err != nil {
		f.logger.Error("Failed to start feed", "error", err)
		return false
	}

	f.mu.Lock()
	f.target = depth
	f.mu.Unlock()
	f.setState(types.FeedMoving)

	f.logger.Debug("Feed target set", "depth", depth, "speed", speed)
	return true
}

func (f *FeedAxis) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.bus.WriteRegister(ctx, f.regs.FeedCommand, CmdStop); err != nil {
		return fmt.Errorf("stop feed: %w", err)
	}
	f.setState(types.FeedStopped)
	return nil
}

func (f *FeedAxis) State() types.FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// markStopped 急停后同步本地状态，不再写寄存器
func (f *FeedAxis) markStopped() {
	f.setState(types.FeedStopped)
}

// Observe folds one poll of the status register and position into the
// axis state. A moving axis counts as reached when the PLC reports it or
// the position is within the reach tolerance of the target.
func (f *FeedAxis) Observe(status uint16, position float64) {
	f.mu.Lock()
	prev := f.state
	target := f.target
	next := prev
	switch {
	case status == FeedStatusFault:
		next = types.FeedFault
	case prev == types.FeedMoving && (status == FeedStatusReached || math.Abs(position-target) <= f.limits.ReachTolerance):
		next = types.FeedReached
	}
	f.mu.Unlock()

	if next == prev {
		return
	}
	f.setState(next)
	if next == types.FeedReached {
		f.mu.Lock()
		cb := f.onReached
		f.mu.Unlock()
		if cb != nil {
			cb(target)
		}
	}
}

func (f *FeedAxis) setState(s types.FeedState) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	f.state = s
	cb := f.onState
	f.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}

// RotationDrive 回转头
type RotationDrive struct {
	bus     RegisterBus
	regs    types.ModbusRegisterMap
	timeout time.Duration

	mu       sync.Mutex
	rotating bool
	rpm      float64
}

func NewRotationDrive(bus RegisterBus, regs types.ModbusRegisterMap, timeout time.Duration) *RotationDrive {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &RotationDrive{bus: bus, regs: regs, timeout: timeout}
}

func (r *RotationDrive) SetSpeed(rpm float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.bus.WriteFloats(ctx, r.regs.RotationSpeed, rpm); err != nil {
		return fmt.Errorf("set rotation speed: %w", err)
	}
	r.mu.Lock()
	r.rpm = rpm
	r.mu.Unlock()
	return nil
}

func (r *RotationDrive) StartRotation() error {
	return r.command(CmdStart)
}

func (r *RotationDrive) StopRotation() error {
	return r.command(CmdStop)
}

func (r *RotationDrive) Stop() error {
	return r.StopRotation()
}

func (r *RotationDrive) IsRotating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotating
}

func (r *RotationDrive) command(cmd uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.bus.WriteRegister(ctx, r.regs.RotationCommand, cmd); err != nil {
		return fmt.Errorf("rotation command %d: %w", cmd, err)
	}
	r.mu.Lock()
	r.rotating = cmd == CmdStart
	r.mu.Unlock()
	return nil
}

// PercussionUnit 冲击器
type PercussionUnit struct {
	bus     RegisterBus
	regs    types.ModbusRegisterMap
	timeout time.Duration

	mu         sync.Mutex
	percussing bool
}

func NewPercussionUnit(bus RegisterBus, regs types.ModbusRegisterMap, timeout time.Duration) *PercussionUnit {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &PercussionUnit{bus: bus, regs: regs, timeout: timeout}
}

func (p *PercussionUnit) SetFrequency(hz float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.bus.WriteFloats(ctx, p.regs.PercussionFreq, hz); err != nil {
		return fmt.Errorf("set percussion frequency: %w", err)
	}
	return nil
}

func (p *PercussionUnit) StartPercussion() error {
	return p.command(CmdStart)
}

func (p *PercussionUnit) StopPercussion() error {
	return p.command(CmdStop)
}

func (p *PercussionUnit) Stop() error {
	return p.StopPercussion()
}

func (p *PercussionUnit) IsPercussing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percussing
}

func (p *PercussionUnit) command(cmd uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.bus.WriteRegister(ctx, p.regs.PercussionCommand, cmd); err != nil {
		return fmt.Errorf("percussion command %d: %w", cmd, err)
	}
	p.mu.Lock()
	p.percussing = cmd == CmdStart
	p.mu.Unlock()
	return nil
}

// Rig groups the drives behind one PLC and implements the rig-wide stop.
type Rig struct {
	Feed       *FeedAxis
	Rotation   *RotationDrive
	Percussion *PercussionUnit

	bus     RegisterBus
	regs    types.ModbusRegisterMap
	timeout time.Duration
	logger  *logging.Logger
}

func NewRig(bus RegisterBus, regs types.ModbusRegisterMap, limits types.FeedAxisConfig, timeout time.Duration) *Rig {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Rig{
		Feed:       NewFeedAxis(bus, regs, limits, timeout),
		Rotation:   NewRotationDrive(bus, regs, timeout),
		Percussion: NewPercussionUnit(bus, regs, timeout),
		bus:        bus,
		regs:       regs,
		timeout:    timeout,
		logger:     logging.GetLogger("rig"),
	}
}

// StopAll 写急停寄存器，PLC 同时切断三路输出
func (r *Rig) StopAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.bus.WriteRegister(ctx, r.regs.StopAll, CmdStart)

	r.Rotation.mu.Lock()
	r.Rotation.rotating = false
	r.Rotation.mu.Unlock()
	r.Percussion.mu.Lock()
	r.Percussion.percussing = false
	r.Percussion.mu.Unlock()
	r.Feed.markStopped()

	if err != nil {
		r.logger.Error("Stop-all write failed", "error", err)
		return fmt.Errorf("stop all: %w", err)
	}
	r.logger.Warn("Stop-all issued")
	return nil
}
