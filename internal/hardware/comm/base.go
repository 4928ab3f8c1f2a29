// Package comm provides the connection state and retry handling shared by
// the field transports (Modbus register bus, serial force stream).
package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"drillcontrol/internal/logging"
)

// BaseCommunication 基础通信实现
type BaseCommunication struct {
	config       ConnectionConfig
	status       ConnectionStatus
	lastError    error
	errorHandler ErrorHandler
	mutex        sync.RWMutex
	logger       *logging.Logger
}

// NewBaseCommunication 创建基础通信实例
func NewBaseCommunication(name string, config ConnectionConfig) *BaseCommunication {
	return &BaseCommunication{
		config:       config,
		status:       StatusDisconnected,
		errorHandler: &DefaultErrorHandler{},
		logger:       logging.GetLogger(name),
	}
}

// GetStatus 获取连接状态
func (bc *BaseCommunication) GetStatus() ConnectionStatus {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.status
}

// SetStatus 设置状态
func (bc *BaseCommunication) SetStatus(status ConnectionStatus) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.status = status
}

func (bc *BaseCommunication) SetLastError(err error) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.lastError = err
}

func (bc *BaseCommunication) GetLastError() error {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.lastError
}

// IsConnected 检查是否连接
func (bc *BaseCommunication) IsConnected() bool {
	return bc.GetStatus() == StatusConnected
}

// SetErrorHandler 设置错误处理器，nil 表示不重试
func (bc *BaseCommunication) SetErrorHandler(handler ErrorHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.errorHandler = handler
}

// HandleWithError 记录错误并返回
func (bc *BaseCommunication) HandleWithError(err error) error {
	bc.SetLastError(err)
	return err
}

// Logger returns the transport's logger.
func (bc *BaseCommunication) Logger() *logging.Logger {
	return bc.logger
}

// RetryWithTimeout 带超时的重试机制
func (bc *BaseCommunication) RetryWithTimeout(ctx context.Context, operation func() error) error {
	bc.mutex.RLock()
	handler := bc.errorHandler
	bc.mutex.RUnlock()

	var lastErr error
	for i := 0; i <= bc.config.RetryCount; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if handler == nil || !handler.ShouldRetry(err) {
			return err
		}

		if i == bc.config.RetryCount {
			break
		}

		delay := bc.config.RetryInterval
		if custom := handler.GetRetryDelay(err); custom > 0 {
			delay = custom
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		bc.logger.Warn("Retry after error", "attempt", i+1, "max_attempts", bc.config.RetryCount, "error", err)
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", bc.config.RetryCount, lastErr)
}

// DefaultErrorHandler 默认只重试网络错误和超时
type DefaultErrorHandler struct{}

func (de *DefaultErrorHandler) ShouldRetry(err error) bool {
	return isNetworkError(err) || isTimeoutError(err)
}

func (de *DefaultErrorHandler) GetRetryDelay(err error) time.Duration {
	return 0
}

// AlwaysRetry retries every error with the configured interval.
type AlwaysRetry struct{}

func (AlwaysRetry) ShouldRetry(error) bool { return true }
func (AlwaysRetry) GetRetryDelay(error) time.Duration { return 0 }

func isNetworkError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
