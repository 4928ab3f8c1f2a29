package types

import (
	"fmt"
	"strings"
)

// ParameterSet 钻进参数组：工艺设定值与安全阈值
//
// 速度单位 mm/min，转速 rpm，冲击频率 Hz，力/压力 N，扭矩 Nm。
// 限值字段为 0 表示该项检查关闭。
type ParameterSet struct {
	ID                    string  `json:"id" yaml:"id"`
	Name                  string  `json:"name,omitempty" yaml:"name,omitempty"`
	FeedSpeed             float64 `json:"feedSpeed" yaml:"feed_speed"`
	RotationRPM           float64 `json:"rotationRpm" yaml:"rotation_rpm"`
	ImpactFrequency       float64 `json:"impactFrequency" yaml:"impact_frequency"`
	TorqueLimit           float64 `json:"torqueLimit" yaml:"torque_limit"`
	PressureLimit         float64 `json:"pressureLimit" yaml:"pressure_limit"`
	UpperForceLimit       float64 `json:"upperForceLimit" yaml:"upper_force_limit"`
	LowerForceMin         float64 `json:"lowerForceMin" yaml:"lower_force_min"`
	DrillStringWeight     float64 `json:"drillStringWeight" yaml:"drill_string_weight"`
	StallVelocity         float64 `json:"stallVelocityMmPerMin" yaml:"stall_velocity"`
	StallWindowMs         int     `json:"stallWindowMs" yaml:"stall_window_ms"`
	MaxVelocityChangeRate float64 `json:"maxVelocityChangeRate" yaml:"max_velocity_change_rate"`
	MaxFeedSpeed          float64 `json:"maxFeedSpeed" yaml:"max_feed_speed"`
}

// IsValid reports whether the set can drive a step: both feed speed and
// rotation speed must be positive.
func (p ParameterSet) IsValid() bool {
	return p.FeedSpeed > 0 && p.RotationRPM > 0
}

// Validate 返回带参数组名称的错误，便于定位
func (p ParameterSet) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: parameter set id is empty", ErrValidation)
	}
	if p.FeedSpeed <= 0 {
		return fmt.Errorf("%w: parameter set %s: feed speed must be > 0", ErrValidation, p.ID)
	}
	if p.RotationRPM <= 0 {
		return fmt.Errorf("%w: parameter set %s: rotation rpm must be > 0", ErrValidation, p.ID)
	}
	if p.StallWindowMs < 0 {
		return fmt.Errorf("%w: parameter set %s: stall window must not be negative", ErrValidation, p.ID)
	}
	return nil
}

// 内置参数组 P1-P6，按地层由软到硬排列
var builtinPresets = map[string]ParameterSet{
	"P1": {
		ID: "P1", Name: "soft formation",
		FeedSpeed: 45, RotationRPM: 60, ImpactFrequency: 0,
		TorqueLimit: 1200, PressureLimit: 8000, UpperForceLimit: 10000, LowerForceMin: 0,
		DrillStringWeight: 500, StallVelocity: 5, StallWindowMs: 3000,
		MaxVelocityChangeRate: 50, MaxFeedSpeed: 120,
	},
	"P2": {
		ID: "P2", Name: "medium formation",
		FeedSpeed: 35, RotationRPM: 80, ImpactFrequency: 0,
		TorqueLimit: 1500, PressureLimit: 10000, UpperForceLimit: 11000, LowerForceMin: 0,
		DrillStringWeight: 500, StallVelocity: 5, StallWindowMs: 3000,
		MaxVelocityChangeRate: 50, MaxFeedSpeed: 120,
	},
	"P3": {
		ID: "P3", Name: "hard formation",
		FeedSpeed: 25, RotationRPM: 100, ImpactFrequency: 20,
		TorqueLimit: 1800, PressureLimit: 12000, UpperForceLimit: 12000, LowerForceMin: 50,
		DrillStringWeight: 500, StallVelocity: 3, StallWindowMs: 4000,
		MaxVelocityChangeRate: 40, MaxFeedSpeed: 100,
	},
	"P4": {
		ID: "P4", Name: "fractured rock",
		FeedSpeed: 20, RotationRPM: 90, ImpactFrequency: 25,
		TorqueLimit: 1600, PressureLimit: 11000, UpperForceLimit: 12000, LowerForceMin: 50,
		DrillStringWeight: 500, StallVelocity: 3, StallWindowMs: 4000,
		MaxVelocityChangeRate: 30, MaxFeedSpeed: 80,
	},
	"P5": {
		ID: "P5", Name: "core sampling",
		FeedSpeed: 15, RotationRPM: 120, ImpactFrequency: 0,
		TorqueLimit: 1400, PressureLimit: 9000, UpperForceLimit: 10000, LowerForceMin: 0,
		DrillStringWeight: 500, StallVelocity: 2, StallWindowMs: 5000,
		MaxVelocityChangeRate: 30, MaxFeedSpeed: 60,
	},
	"P6": {
		ID: "P6", Name: "reaming",
		FeedSpeed: 60, RotationRPM: 50, ImpactFrequency: 0,
		TorqueLimit: 1000, PressureLimit: 7000, UpperForceLimit: 9000, LowerForceMin: 0,
		DrillStringWeight: 500, StallVelocity: 5, StallWindowMs: 2000,
		MaxVelocityChangeRate: 60, MaxFeedSpeed: 150,
	},
}

// DefaultParameterSet returns the built-in preset for id. The second value is
// false when no built-in preset carries that id.
func DefaultParameterSet(id string) (ParameterSet, bool) {
	p, ok := builtinPresets[strings.ToUpper(strings.TrimSpace(id))]
	return p, ok
}

// DefaultPresetIDs 返回内置参数组编号（有序）
func DefaultPresetIDs() []string {
	return []string{"P1", "P2", "P3", "P4", "P5", "P6"}
}
