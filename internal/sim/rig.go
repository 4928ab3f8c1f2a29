// Package sim provides an in-process drilling rig for bench runs without a
// PLC. It implements the same mechanism surface as the Modbus drives and
// produces telemetry from a simple kinematic model.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// Config 仿真参数
type Config struct {
	Interval     time.Duration
	Limits       types.FeedAxisConfig
	StartDepth   float64
	UpperForce   float64
	LowerForce   float64
	IdleTorque   float64
	TorquePerRPM float64
	TorquePerHz  float64
}

func DefaultConfig() Config {
	return Config{
		Interval:     100 * time.Millisecond,
		Limits:       types.FeedAxisConfig{MinDepth: 0, MaxDepth: 2000, ReachTolerance: 0.5},
		UpperForce:   3000,
		LowerForce:   2000,
		IdleTorque:   50,
		TorquePerRPM: 4,
		TorquePerHz:  6,
	}
}

// Rig 仿真钻机
type Rig struct {
	Feed       *Feed
	Rotation   *Rotation
	Percussion *Percussion

	cfg    Config
	sink   func(types.Frame) bool
	logger *logging.Logger

	mu         sync.Mutex
	depth      float64
	velocity   float64
	target     float64
	speed      float64
	feedState  types.FeedState
	rpm        float64
	rotating   bool
	freq       float64
	percussing bool
	extraLoad  float64
	onReached  func(float64)
	onState    func(types.FeedState)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewRig(cfg Config, sink func(types.Frame) bool) *Rig {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Limits.MaxDepth == 0 {
		cfg.Limits = def.Limits
	}
	r := &Rig{
		cfg:       cfg,
		sink:      sink,
		depth:     cfg.StartDepth,
		feedState: types.FeedIdle,
		logger:    logging.GetLogger("sim_rig"),
	}
	r.Feed = &Feed{r: r}
	r.Rotation = &Rotation{r: r}
	r.Percussion = &Percussion{r: r}
	return r
}

// SetCallbacks registers the feed target-reached and state callbacks.
func (r *Rig) SetCallbacks(onReached func(float64), onState func(types.FeedState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReached = onReached
	r.onState = onState
}

// SetExtraLoad adds a formation torque on top of the model (bench fault injection).
func (r *Rig) SetExtraLoad(torque float64) {
	r.mu.Lock()
	r.extraLoad = torque
	r.mu.Unlock()
}

// Depth 当前钻深
func (r *Rig) Depth() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth
}

// StopAll 全部停止
func (r *Rig) StopAll() error {
	r.mu.Lock()
	r.rotating = false
	r.percussing = false
	r.velocity = 0
	changed := r.feedState != types.FeedStopped
	r.feedState = types.FeedStopped
	cb := r.onState
	r.mu.Unlock()

	if changed && cb != nil {
		cb(types.FeedStopped)
	}
	r.logger.Warn("Simulated stop-all")
	return nil
}

// Step advances the model by dt and publishes one frame.
func (r *Rig) Step(dt time.Duration) {
	var reached bool
	var target float64

	r.mu.Lock()
	r.velocity = 0
	if r.feedState == types.FeedMoving {
		remaining := r.target - r.depth
		delta := r.speed * dt.Minutes()
		if math.Abs(remaining) <= math.Max(delta, r.cfg.Limits.ReachTolerance) {
			r.depth = r.target
			r.feedState = types.FeedReached
			reached = true
			target = r.target
		} else {
			dir := math.Copysign(1, remaining)
			r.depth += dir * delta
			r.velocity = dir * r.speed
		}
	}
	frame := types.Frame{
		Source: "sim",
		At:     time.Now(),
		Readings: []types.Reading{
			{Quantity: types.QuantityPosition, Value: r.depth},
			{Quantity: types.QuantityVelocity, Value: r.velocity},
			{Quantity: types.QuantityTorque, Value: r.torqueLocked()},
			{Quantity: types.QuantityUpperForce, Value: r.cfg.UpperForce},
			{Quantity: types.QuantityLowerForce, Value: r.cfg.LowerForce},
		},
	}
	onReached, onState := r.onReached, r.onState
	r.mu.Unlock()

	if r.sink != nil {
		r.sink(frame)
	}
	if reached {
		if onState != nil {
			onState(types.FeedReached)
		}
		if onReached != nil {
			onReached(target)
		}
	}
}

func (r *Rig) torqueLocked() float64 {
	if !r.rotating {
		return 0
	}
	t := r.cfg.IdleTorque + r.rpm*r.cfg.TorquePerRPM + r.extraLoad
	if r.percussing {
		t += r.freq * r.cfg.TorquePerHz
	}
	return t
}

func (r *Rig) setFeedState(s types.FeedState) {
	r.mu.Lock()
	if r.feedState == s {
		r.mu.Unlock()
		return
	}
	r.feedState = s
	cb := r.onState
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (r *Rig) Name() string { return "sim_rig" }

func (r *Rig) Start(ctx context.Context) error {
	if r.running.Load() {
		return fmt.Errorf("simulated rig is already running")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Step(r.cfg.Interval)
			}
		}
	}()

	r.logger.Info("Simulated rig started", "interval", r.cfg.Interval, "depth", r.Depth())
	return nil
}

func (r *Rig) Stop() error {
	if !r.running.Swap(false) {
		return fmt.Errorf("simulated rig is not running")
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Simulated rig stopped")
	return nil
}

func (r *Rig) Status() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"running":    r.running.Load(),
		"depth":      r.depth,
		"feed_state": string(r.feedState),
		"rotating":   r.rotating,
		"percussing": r.percussing,
	}
}

// Feed 仿真给进轴
type Feed struct{ r *Rig }

func (f *Feed) SetTargetDepth(depth, speed float64) bool {
	lim := f.r.cfg.Limits
	if depth < lim.MinDepth || depth > lim.MaxDepth || speed <= 0 {
		f.r.logger.Warn("Simulated feed rejected target", "depth", depth, "speed", speed)
		return false
	}
	f.r.mu.Lock()
	f.r.target = depth
	f.r.speed = speed
	f.r.mu.Unlock()
	f.r.setFeedState(types.FeedMoving)
	return true
}

func (f *Feed) Stop() error {
	f.r.setFeedState(types.FeedStopped)
	return nil
}

func (f *Feed) State() types.FeedState {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	return f.r.feedState
}

// Rotation 仿真回转
type Rotation struct{ r *Rig }

func (m *Rotation) SetSpeed(rpm float64) error {
	if rpm < 0 {
		return fmt.Errorf("rotation speed must not be negative: %v", rpm)
	}
	m.r.mu.Lock()
	m.r.rpm = rpm
	m.r.mu.Unlock()
	return nil
}

func (m *Rotation) StartRotation() error {
	m.r.mu.Lock()
	m.r.rotating = true
	m.r.mu.Unlock()
	return nil
}

func (m *Rotation) StopRotation() error {
	m.r.mu.Lock()
	m.r.rotating = false
	m.r.mu.Unlock()
	return nil
}

func (m *Rotation) Stop() error { return m.StopRotation() }

func (m *Rotation) IsRotating() bool {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	return m.r.rotating
}

// Percussion 仿真冲击
type Percussion struct{ r *Rig }

func (m *Percussion) SetFrequency(hz float64) error {
	if hz < 0 {
		return fmt.Errorf("percussion frequency must not be negative: %v", hz)
	}
	m.r.mu.Lock()
	m.r.freq = hz
	m.r.mu.Unlock()
	return nil
}

func (m *Percussion) StartPercussion() error {
	m.r.mu.Lock()
	m.r.percussing = true
	m.r.mu.Unlock()
	return nil
}

func (m *Percussion) StopPercussion() error {
	m.r.mu.Lock()
	m.r.percussing = false
	m.r.mu.Unlock()
	return nil
}

func (m *Percussion) Stop() error { return m.StopPercussion() }

func (m *Percussion) IsPercussing() bool {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	return m.r.percussing
}
