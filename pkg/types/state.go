package types

import (
	"fmt"
	"time"
)

// TaskState 任务状态
type TaskState int

const (
	TaskIdle TaskState = iota
	TaskPreparing
	TaskMoving
	TaskDrilling
	TaskPaused
	TaskFinished
	TaskError
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskPreparing:
		return "preparing"
	case TaskMoving:
		return "moving"
	case TaskDrilling:
		return "drilling"
	case TaskPaused:
		return "paused"
	case TaskFinished:
		return "finished"
	case TaskError:
		return "error"
	default:
		return "unknown"
	}
}

// IsActive reports whether a run is in flight (including paused).
func (s TaskState) IsActive() bool {
	switch s {
	case TaskPreparing, TaskMoving, TaskDrilling, TaskPaused:
		return true
	}
	return false
}

// StepProgress 当前步骤完成进度，防止多个信号源重复触发完成
type StepProgress int

const (
	StepPending StepProgress = iota
	StepInProgress
	StepCompleted
)

func (p StepProgress) String() string {
	switch p {
	case StepPending:
		return "pending"
	case StepInProgress:
		return "in_progress"
	case StepCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MotionSource 运动控制权来源
type MotionSource int

const (
	SourceNone MotionSource = iota
	SourceManualJog
	SourceManualAbs
	SourceAutoScript
	SourceHoming
)

func (s MotionSource) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceManualJog:
		return "manual_jog"
	case SourceManualAbs:
		return "manual_abs"
	case SourceAutoScript:
		return "auto_script"
	case SourceHoming:
		return "homing"
	default:
		return "unknown"
	}
}

// TaskEventKind 任务生命周期事件类型
type TaskEventKind string

const (
	EventStateChanged    TaskEventKind = "state_changed"
	EventStepStarted     TaskEventKind = "step_started"
	EventStepCompleted   TaskEventKind = "step_completed"
	EventProgressUpdated TaskEventKind = "progress_updated"
	EventFaultOccurred   TaskEventKind = "fault_occurred"
	EventTaskCompleted   TaskEventKind = "task_completed"
	EventTaskFailed      TaskEventKind = "task_failed"
	EventLogMessage      TaskEventKind = "log_message"
)

// TaskEvent is published by the orchestrator after the transition it
// describes has taken effect.
type TaskEvent struct {
	Kind      TaskEventKind  `json:"kind"`
	At        time.Time      `json:"at"`
	State     TaskState      `json:"state"`
	StepIndex int            `json:"stepIndex"`
	Progress  float64        `json:"progress,omitempty"`
	Fault     *FaultRecord   `json:"fault,omitempty"`
	Failure   *FailureReason `json:"failure,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// AuditRecord 写入持久化层的审计事件
type AuditRecord struct {
	RoundID   string    `json:"roundId"`
	TaskFile  string    `json:"taskFile"`
	StepIndex int       `json:"stepIndex"`
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	Telemetry Sample    `json:"telemetry"`
	At        time.Time `json:"at"`
}

// MarshalText 以名称序列化，便于 IPC 客户端阅读
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(b []byte) error {
	for c := TaskIdle; c <= TaskError; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("%w: unknown task state %q", ErrParse, string(b))
}

func (s MotionSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MotionSource) UnmarshalText(b []byte) error {
	for c := SourceNone; c <= SourceHoming; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("%w: unknown motion source %q", ErrParse, string(b))
}

// FeedState 进给机构上报的状态
type FeedState string

const (
	FeedIdle    FeedState = "idle"
	FeedMoving  FeedState = "moving"
	FeedReached FeedState = "reached"
	FeedStopped FeedState = "stopped"
	FeedFault   FeedState = "fault"
)
