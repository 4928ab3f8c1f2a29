package comm

import (
	"context"
	"time"
)

// ConnectionStatus 表示连接状态
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionConfig 基础连接配置
type ConnectionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Connection is the lifecycle every field transport exposes.
type Connection interface {
	Connect(ctx context.Context) error
	Close() error
	GetStatus() ConnectionStatus
	GetLastError() error
	IsConnected() bool
}

// ErrorHandler 错误处理接口
type ErrorHandler interface {
	ShouldRetry(err error) bool
	GetRetryDelay(err error) time.Duration
}
