package devices

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// 遥测寄存器块布局（每项两个寄存器）
const (
	telemetryPosition = iota
	telemetryVelocity
	telemetryTorque
	telemetryUpperForce
	telemetryLowerForce
	telemetryCount
)

// PollerConfig 轮询参数
type PollerConfig struct {
	Interval time.Duration
	// SkipForces leaves the force channels to a dedicated sensor stream.
	SkipForces bool
}

// Poller reads the telemetry block and the feed status register every
// interval, feeds the axis watcher and pushes one Frame per cycle.
type Poller struct {
	bus    RegisterBus
	regs   types.ModbusRegisterMap
	feed   *FeedAxis
	config PollerConfig
	sink   func(types.Frame) bool
	logger *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	cycles atomic.Uint64
	errors atomic.Uint64
}

func NewPoller(bus RegisterBus, regs types.ModbusRegisterMap, feed *FeedAxis, config PollerConfig, sink func(types.Frame) bool) *Poller {
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	return &Poller{
		bus:    bus,
		regs:   regs,
		feed:   feed,
		config: config,
		sink:   sink,
		logger: logging.GetLogger("modbus_poller"),
	}
}

func (p *Poller) Name() string { return "modbus_poller" }

func (p *Poller) Start(ctx context.Context) error {
	if p.running.Load() {
		return fmt.Errorf("poller is already running")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(true)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("Telemetry poller started", "interval", p.config.Interval)
	return nil
}

func (p *Poller) Stop() error {
	if !p.running.Swap(false) {
		return fmt.Errorf("poller is not running")
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Telemetry poller stopped", "cycles", p.cycles.Load(), "errors", p.errors.Load())
	return nil
}

func (p *Poller) Status() interface{} {
	return map[string]interface{}{
		"running":  p.running.Load(),
		"cycles":   p.cycles.Load(),
		"errors":   p.errors.Load(),
		"interval": p.config.Interval.String(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(p.ctx); err != nil {
				p.errors.Add(1)
				p.logger.Warn("Telemetry poll failed", "error", err)
			}
		}
	}
}

// PollOnce performs a single acquisition cycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Interval*5)
	defer cancel()

	values, err := p.bus.ReadFloats(ctx, p.regs.TelemetryBase, telemetryCount)
	if err != nil {
		return err
	}
	status, err := p.bus.ReadRegisters(ctx, p.regs.FeedStatus, 1)
	if err != nil {
		return err
	}
	p.cycles.Add(1)

	frame := types.Frame{
		Source: "modbus",
		At:     time.Now(),
		Readings: []types.Reading{
			{Quantity: types.QuantityPosition, Value: values[telemetryPosition]},
			{Quantity: types.QuantityVelocity, Value: values[telemetryVelocity]},
			{Quantity: types.QuantityTorque, Value: values[telemetryTorque]},
		},
	}
	if !p.config.SkipForces {
		frame.Readings = append(frame.Readings,
			types.Reading{Quantity: types.QuantityUpperForce, Value: values[telemetryUpperForce]},
			types.Reading{Quantity: types.QuantityLowerForce, Value: values[telemetryLowerForce]},
		)
	}

	if p.sink != nil {
		p.sink(frame)
	}
	if p.feed != nil {
		p.feed.Observe(status[0], values[telemetryPosition])
	}
	return nil
}
