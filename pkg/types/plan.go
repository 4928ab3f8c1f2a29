package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// StepKind 任务步骤类型
type StepKind string

const (
	StepPositioning StepKind = "positioning"
	StepDrilling    StepKind = "drilling"
	StepHold        StepKind = "hold"
)

// SensorKind 停止条件可引用的传感量
type SensorKind string

const (
	SensorTorque   SensorKind = "torque"
	SensorPressure SensorKind = "pressure"
	SensorStall    SensorKind = "stall"
)

// Comparator 比较运算符
type Comparator string

const (
	CompareGreater      Comparator = ">"
	CompareGreaterEqual Comparator = ">="
	CompareLess         Comparator = "<"
	CompareLessEqual    Comparator = "<="
	CompareEqual        Comparator = "=="
)

// ConditionLogic 多条件组合方式
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// StopCondition is one {sensor, comparator, threshold} triple.
type StopCondition struct {
	Sensor    SensorKind `json:"sensor" yaml:"sensor"`
	Op        Comparator `json:"op" yaml:"op"`
	Threshold float64    `json:"value" yaml:"value"`
}

func (c StopCondition) Validate() error {
	switch c.Sensor {
	case SensorTorque, SensorPressure, SensorStall:
	default:
		return fmt.Errorf("%w: unknown sensor %q", ErrValidation, c.Sensor)
	}
	switch c.Op {
	case CompareGreater, CompareGreaterEqual, CompareLess, CompareLessEqual, CompareEqual:
	default:
		return fmt.Errorf("%w: unknown comparator %q", ErrValidation, c.Op)
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
		return fmt.Errorf("%w: condition threshold must be finite", ErrValidation)
	}
	return nil
}

// TaskStep 任务步骤（定位 / 钻进 / 保持）
type TaskStep struct {
	Kind        StepKind        `json:"type" yaml:"type"`
	TargetDepth float64         `json:"targetDepth,omitempty" yaml:"target_depth,omitempty"`
	Preset      string          `json:"preset,omitempty" yaml:"preset,omitempty"`
	TimeoutMs   int             `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
	Conditions  []StopCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Logic       ConditionLogic  `json:"logic,omitempty" yaml:"logic,omitempty"`
	DurationMs  int             `json:"durationMs,omitempty" yaml:"duration_ms,omitempty"`
}

// IsMotion reports whether the step commands the feed axis.
func (s TaskStep) IsMotion() bool {
	return s.Kind == StepPositioning || s.Kind == StepDrilling
}

// Timeout 返回步骤超时，0 表示不限
func (s TaskStep) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// HoldDuration 保持时长，最少 1ms
func (s TaskStep) HoldDuration() time.Duration {
	return time.Duration(max(1, s.DurationMs)) * time.Millisecond
}

func (s TaskStep) Validate() error {
	switch s.Kind {
	case StepHold:
		if s.DurationMs <= 0 {
			return fmt.Errorf("%w: hold step requires duration > 0", ErrValidation)
		}
		return nil
	case StepPositioning, StepDrilling:
	default:
		return fmt.Errorf("%w: unknown step type %q", ErrValidation, s.Kind)
	}

	if math.IsNaN(s.TargetDepth) || math.IsInf(s.TargetDepth, 0) {
		return fmt.Errorf("%w: %s step requires a finite target depth", ErrValidation, s.Kind)
	}
	if strings.TrimSpace(s.Preset) == "" {
		return fmt.Errorf("%w: %s step requires a parameter set reference", ErrValidation, s.Kind)
	}
	if s.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrValidation)
	}
	if len(s.Conditions) > 0 && s.Logic != LogicAnd && s.Logic != LogicOr {
		return fmt.Errorf("%w: unknown condition logic %q", ErrValidation, s.Logic)
	}
	for i, c := range s.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// TaskPlan is the loaded, immutable task: ordered steps plus the presets the
// plan defines. A reload replaces the whole value.
type TaskPlan struct {
	Source  string                  `json:"-" yaml:"-"`
	Presets map[string]ParameterSet `json:"presets" yaml:"presets"`
	Steps   []TaskStep              `json:"steps" yaml:"steps"`
}

// MaxTargetDepth 所有运动步骤中的最大目标深度，用于进度计算
func (p *TaskPlan) MaxTargetDepth() float64 {
	var deepest float64
	for _, s := range p.Steps {
		if s.IsMotion() && s.TargetDepth > deepest {
			deepest = s.TargetDepth
		}
	}
	return deepest
}

func (p *TaskPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrValidation)
	}
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
