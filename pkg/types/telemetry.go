package types

import (
	"math"
	"time"
)

// Quantity 物理量标签
type Quantity string

const (
	QuantityTorque     Quantity = "torque"
	QuantityUpperForce Quantity = "upper_force"
	QuantityLowerForce Quantity = "lower_force"
	QuantityPosition   Quantity = "position"
	QuantityVelocity   Quantity = "velocity"
)

// Reading is a single tagged value from an acquisition worker.
type Reading struct {
	Quantity Quantity `json:"quantity"`
	Value    float64  `json:"value"`
}

// Frame 一次采集周期内的读数集合
type Frame struct {
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
	Readings []Reading `json:"readings"`
}

// Sample is the merged last-known telemetry the core evaluates.
// Depth is the feed position in mm, Velocity in mm/min.
type Sample struct {
	At         time.Time `json:"at"`
	Depth      float64   `json:"depth"`
	Velocity   float64   `json:"velocity"`
	Torque     float64   `json:"torque"`
	UpperForce float64   `json:"upperForce"`
	LowerForce float64   `json:"lowerForce"`
}

// Pressure 钻压 = 2·(上拉力 − 下拉力) − 钻具重量
func (s Sample) Pressure(drillStringWeight float64) float64 {
	return 2*(s.UpperForce-s.LowerForce) - drillStringWeight
}

// Stalled reports |velocity| <= threshold.
func (s Sample) Stalled(threshold float64) bool {
	return math.Abs(s.Velocity) <= threshold
}

// Apply merges the frame's readings into the sample.
func (s Sample) Apply(f Frame) Sample {
	for _, r := range f.Readings {
		switch r.Quantity {
		case QuantityTorque:
			s.Torque = r.Value
		case QuantityUpperForce:
			s.UpperForce = r.Value
		case QuantityLowerForce:
			s.LowerForce = r.Value
		case QuantityPosition:
			s.Depth = r.Value
		case QuantityVelocity:
			s.Velocity = r.Value
		}
	}
	if !f.At.IsZero() {
		s.At = f.At
	}
	return s
}

// FaultRecord 安全监视器故障记录
type FaultRecord struct {
	Code   string    `json:"code"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

func (f FaultRecord) IsZero() bool {
	return f.Code == ""
}
