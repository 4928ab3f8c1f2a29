package types

import "errors"

// 错误分类：加载期、启动期、状态错误
var (
	ErrParse        = errors.New("parse error")
	ErrValidation   = errors.New("validation error")
	ErrNotReady     = errors.New("not ready")
	ErrInvalidState = errors.New("invalid state")
)

// FailureKind 区分运行期故障与用户取消
type FailureKind string

const (
	FailureRuntime   FailureKind = "runtime_fault"
	FailureCancelled FailureKind = "user_cancellation"
)

// FailureReason describes why a task ended in Error.
type FailureReason struct {
	Kind   FailureKind `json:"kind"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func (r FailureReason) String() string {
	if r.Code == "" {
		return r.Detail
	}
	if r.Detail == "" {
		return r.Code
	}
	return r.Code + ": " + r.Detail
}
