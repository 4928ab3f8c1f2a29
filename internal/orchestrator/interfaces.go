package orchestrator

import "drillcontrol/pkg/types"

// FeedMechanism drives the feed axis. Target-reached and state-change
// notifications come back through Orchestrator.OnTargetReached and
// Orchestrator.OnFeedStateChanged, marshaled onto the control loop.
type FeedMechanism interface {
	Stop() error
	SetTargetDepth(depth, speed float64) bool
}

// RotationMechanism 回转机构
type RotationMechanism interface {
	Stop() error
	SetSpeed(rpm float64) error
	StartRotation() error
	StopRotation() error
	IsRotating() bool
}

// PercussionMechanism 冲击机构
type PercussionMechanism interface {
	Stop() error
	SetFrequency(hz float64) error
	StartPercussion() error
	StopPercussion() error
	IsPercussing() bool
}

// Mechanisms groups the three actuator collaborators.
type Mechanisms struct {
	Feed       FeedMechanism
	Rotation   RotationMechanism
	Percussion PercussionMechanism
}

func (m Mechanisms) complete() bool {
	return m.Feed != nil && m.Rotation != nil && m.Percussion != nil
}

// MotionArbiter is the part of the arbiter the orchestrator uses.
type MotionArbiter interface {
	Acquire(source types.MotionSource, description string) bool
	Release(source types.MotionSource)
	EmergencyStop() error
	Holder() types.MotionSource
}

// AuditSink 审计事件写入；实现不得阻塞控制循环
type AuditSink interface {
	Append(rec types.AuditRecord) error
}
