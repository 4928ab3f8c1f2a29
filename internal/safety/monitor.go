// Package safety implements the safety monitor that evaluates live telemetry
// against the armed parameter set and latches at most one fault.
//
// A Monitor is not safe for concurrent use: it runs on the control loop
// together with the orchestrator that owns it.
package safety

import (
	"fmt"
	"math"
	"time"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// 故障代码
const (
	FaultEmergencyForce     = "EMERGENCY_FORCE"
	FaultUpperForceLimit    = "UPPER_FORCE_LIMIT"
	FaultLowerForceLow      = "LOWER_FORCE_LOW"
	FaultTorqueLimit        = "TORQUE_LIMIT"
	FaultPressureLimit      = "PRESSURE_LIMIT"
	FaultFeedSpeedLimit     = "FEED_SPEED_LIMIT"
	FaultVelocityChangeRate = "VELOCITY_CHANGE_RATE"
	FaultStallDetected      = "STALL_DETECTED"
)

const (
	maxHistory  = 100
	minHistory  = 2
	minRateSpan = 50 * time.Millisecond
)

// Config holds the thresholds that do not come from a parameter set.
type Config struct {
	EmergencyForceLimit  float64
	StallPositionEpsilon float64
	LowerForceNoiseFloor float64
	MovingVelocity       float64
	VelocityRateWindow   time.Duration
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{
		EmergencyForceLimit:  15000,
		StallPositionEpsilon: 0.1,
		LowerForceNoiseFloor: 10,
		MovingVelocity:       1,
		VelocityRateWindow:   500 * time.Millisecond,
	}
}

// ConfigFrom 用系统配置覆盖默认值（零值保持默认）
func ConfigFrom(c types.SafetyConfig) Config {
	cfg := DefaultConfig()
	if c.EmergencyForceLimit > 0 {
		cfg.EmergencyForceLimit = c.EmergencyForceLimit
	}
	if c.StallPositionEpsilon > 0 {
		cfg.StallPositionEpsilon = c.StallPositionEpsilon
	}
	if c.LowerForceNoiseFloor > 0 {
		cfg.LowerForceNoiseFloor = c.LowerForceNoiseFloor
	}
	if c.MovingVelocity > 0 {
		cfg.MovingVelocity = c.MovingVelocity
	}
	if c.VelocityRateWindow > 0 {
		cfg.VelocityRateWindow = c.VelocityRateWindow
	}
	return cfg
}

type point struct {
	value float64
	at    time.Time
}

// Monitor 安全监视器
type Monitor struct {
	cfg        Config
	params     types.ParameterSet
	armed      bool
	fault      types.FaultRecord
	velocities []point
	positions  []point
	handlers   []func(types.FaultRecord)
	now        func() time.Time
	logger     *logging.Logger
}

func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:        cfg,
		velocities: make([]point, 0, maxHistory),
		positions:  make([]point, 0, maxHistory),
		now:        time.Now,
		logger:     logging.GetLogger("safety_monitor"),
	}
}

// Subscribe registers a fault handler. Handlers run synchronously after the
// fault has been latched.
func (m *Monitor) Subscribe(handler func(types.FaultRecord)) {
	m.handlers = append(m.handlers, handler)
}

// Arm stores the set and resets history. The monitor only becomes armed when
// the set is valid; the return value reports that.
func (m *Monitor) Arm(params types.ParameterSet) bool {
	m.params = params
	m.resetHistory()
	m.armed = params.IsValid()
	if m.armed {
		m.logger.Debug("Monitor armed", "preset", params.ID)
	} else {
		m.logger.Warn("Refusing to arm with invalid parameter set", "preset", params.ID)
	}
	return m.armed
}

func (m *Monitor) Disarm() {
	m.armed = false
	m.resetHistory()
}

// ClearFault 清除故障，不改变布防状态
func (m *Monitor) ClearFault() {
	m.fault = types.FaultRecord{}
}

func (m *Monitor) IsArmed() bool { return m.armed }

func (m *Monitor) Fault() types.FaultRecord { return m.fault }

func (m *Monitor) HasFault() bool { return !m.fault.IsZero() }

// Params 当前布防的参数组副本
func (m *Monitor) Params() types.ParameterSet { return m.params }

// OnTelemetry evaluates one sample. It is a no-op while disarmed or while a
// fault is latched.
func (m *Monitor) OnTelemetry(s types.Sample) {
	if !m.armed || m.HasFault() {
		return
	}

	at := s.At
	if at.IsZero() {
		at = m.now()
	}
	m.record(s, at)

	if code, detail := m.evaluate(s, at); code != "" {
		m.raise(code, detail, at)
	}
}

// evaluate 按优先级依次检查，命中即返回
func (m *Monitor) evaluate(s types.Sample, at time.Time) (string, string) {
	p := m.params

	if lim := m.cfg.EmergencyForceLimit; lim > 0 {
		if math.Abs(s.UpperForce) > lim || math.Abs(s.LowerForce) > lim {
			return FaultEmergencyForce, fmt.Sprintf("force upper=%.1fN lower=%.1fN exceeds emergency ceiling %.1fN", s.UpperForce, s.LowerForce, lim)
		}
	}

	if p.UpperForceLimit > 0 && s.UpperForce > p.UpperForceLimit {
		return FaultUpperForceLimit, fmt.Sprintf("upper force %.1fN exceeds limit %.1fN", s.UpperForce, p.UpperForceLimit)
	}

	// 启动与静止保持时下拉力读数不可靠，只在运动中且读数有效时判断
	if p.LowerForceMin > 0 && math.Abs(s.Velocity) > m.cfg.MovingVelocity &&
		s.LowerForce > m.cfg.LowerForceNoiseFloor && s.LowerForce < p.LowerForceMin {
		return FaultLowerForceLow, fmt.Sprintf("lower force %.1fN below minimum %.1fN", s.LowerForce, p.LowerForceMin)
	}

	if p.TorqueLimit > 0 && math.Abs(s.Torque) > p.TorqueLimit {
		return FaultTorqueLimit, fmt.Sprintf("torque %.1fNm exceeds limit %.1fNm", s.Torque, p.TorqueLimit)
	}

	if p.PressureLimit > 0 {
		if pressure := s.Pressure(p.DrillStringWeight); pressure > p.PressureLimit {
			return FaultPressureLimit, fmt.Sprintf("pressure %.1fN exceeds limit %.1fN", pressure, p.PressureLimit)
		}
	}

	if p.MaxFeedSpeed > 0 && math.Abs(s.Velocity) > p.MaxFeedSpeed {
		return FaultFeedSpeedLimit, fmt.Sprintf("feed speed %.1fmm/min exceeds limit %.1fmm/min", math.Abs(s.Velocity), p.MaxFeedSpeed)
	}

	if p.MaxVelocityChangeRate > 0 {
		if rate, ok := m.velocityChangeRate(); ok && rate > p.MaxVelocityChangeRate {
			return FaultVelocityChangeRate, fmt.Sprintf("velocity change rate %.2fmm/s² exceeds limit %.2fmm/s²", rate, p.MaxVelocityChangeRate)
		}
	}

	if p.StallWindowMs > 0 && m.stalled(s, at) {
		return FaultStallDetected, fmt.Sprintf("position held within %.3fmm for %dms at %.2fmm/min", m.cfg.StallPositionEpsilon, p.StallWindowMs, s.Velocity)
	}

	return "", ""
}

// velocityChangeRate 窗口内速度变化率，单位 mm/s²
func (m *Monitor) velocityChangeRate() (float64, bool) {
	if len(m.velocities) < minHistory {
		return 0, false
	}
	first := m.velocities[0]
	last := m.velocities[len(m.velocities)-1]
	span := last.at.Sub(first.at)
	if span < minRateSpan || span > 2*m.cfg.VelocityRateWindow {
		return 0, false
	}
	// 速度单位 mm/min，换算为 mm/s
	dv := math.Abs(last.value-first.value) / 60
	return dv / span.Seconds(), true
}

func (m *Monitor) stalled(s types.Sample, at time.Time) bool {
	if len(m.positions) < minHistory {
		return false
	}
	window := m.stallWindow()
	oldest := m.positions[0]
	if at.Sub(oldest.at) < window {
		return false
	}
	moved := math.Abs(s.Depth - oldest.value)
	return moved < m.cfg.StallPositionEpsilon && s.Stalled(m.params.StallVelocity)
}

func (m *Monitor) stallWindow() time.Duration {
	return time.Duration(m.params.StallWindowMs) * time.Millisecond
}

func (m *Monitor) record(s types.Sample, at time.Time) {
	m.velocities = appendPoint(m.velocities, point{value: s.Velocity, at: at}, 0)
	m.velocities = prune(m.velocities, at, m.cfg.VelocityRateWindow)

	window := m.stallWindow()
	// 位置队列按窗口抽稀，保证上限 100 条时仍覆盖完整窗口
	m.positions = appendPoint(m.positions, point{value: s.Depth, at: at}, window/(maxHistory/2))
	m.positions = prune(m.positions, at, window)
}

// appendPoint 追加采样；乱序到达的采样不入队
func appendPoint(q []point, p point, minSpacing time.Duration) []point {
	if n := len(q); n > 0 {
		last := q[n-1]
		if p.at.Before(last.at) {
			return q
		}
		if minSpacing > 0 && p.at.Sub(last.at) < minSpacing {
			return q
		}
	}
	return append(q, p)
}

// prune 丢弃超出窗口的旧采样，但保留恰好跨越窗口边界的一条，且至少保留两条；总数不超过 100
func prune(q []point, now time.Time, window time.Duration) []point {
	drop := 0
	if window > 0 {
		for len(q)-drop > minHistory && now.Sub(q[drop+1].at) >= window {
			drop++
		}
	}
	if over := len(q) - drop - maxHistory; over > 0 {
		drop += over
	}
	if drop == 0 {
		return q
	}
	return append(q[:0], q[drop:]...)
}

func (m *Monitor) resetHistory() {
	m.velocities = m.velocities[:0]
	m.positions = m.positions[:0]
}

func (m *Monitor) raise(code, detail string, at time.Time) {
	m.fault = types.FaultRecord{Code: code, Detail: detail, At: at}
	m.logger.Warn("Safety fault raised", "code", code, "detail", detail, "preset", m.params.ID)

	handlers := make([]func(types.FaultRecord), len(m.handlers))
	copy(handlers, m.handlers)
	for _, h := range handlers {
		h(m.fault)
	}
}
