package core

import (
	"context"
	"time"
)

// Module is a component whose lifecycle follows the control loop, such as a
// telemetry poller or the IPC server.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Status() interface{}
}

// Timer 单次定时器
type Timer interface {
	Stop() bool
}

// Clock abstracts time so orchestration timers can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock 基于 time 包的时钟
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
