// Package core provides the single control loop that serializes telemetry,
// timer expirations and mechanism callbacks onto one goroutine, plus the
// lifecycle registry for the modules that feed it.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// ErrLoopStopped is returned by Call once the loop is no longer running.
var ErrLoopStopped = errors.New("control loop stopped")

const (
	defaultTelemetryQueueSize = 256
	defaultEventQueueSize     = 128
)

// LoopConfig 控制循环队列容量
type LoopConfig struct {
	TelemetryQueueSize int
	EventQueueSize     int
}

// Loop is the control thread. Telemetry frames and posted functions are
// handled one at a time on the loop goroutine; per-source arrival order is
// preserved.
type Loop struct {
	telemetry chan types.Frame
	events    chan func()

	handlerMu    sync.RWMutex
	frameHandler func(types.Frame)

	modules     map[string]Module
	modulesLock sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	dropped atomic.Uint64

	logger *logging.Logger
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.TelemetryQueueSize <= 0 {
		cfg.TelemetryQueueSize = defaultTelemetryQueueSize
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	return &Loop{
		telemetry: make(chan types.Frame, cfg.TelemetryQueueSize),
		events:    make(chan func(), cfg.EventQueueSize),
		modules:   make(map[string]Module),
		logger:    logging.GetLogger("control_loop"),
	}
}

// SetFrameHandler 设置遥测处理函数，在循环协程上调用
func (l *Loop) SetFrameHandler(h func(types.Frame)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.frameHandler = h
}

func (l *Loop) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("control loop is already running")
	}

	l.ctx, l.cancel = context.WithCancel(ctx)

	l.modulesLock.RLock()
	names := l.moduleNames()
	for i, name := range names {
		if err := l.modules[name].Start(l.ctx); err != nil {
			// 回滚已启动的模块
			for j := i - 1; j >= 0; j-- {
				_ = l.modules[names[j]].Stop()
			}
			l.modulesLock.RUnlock()
			l.cancel()
			return fmt.Errorf("failed to start module %s: %w", name, err)
		}
		l.logger.Debug("Module started", "module", name)
	}
	l.modulesLock.RUnlock()

	l.running.Store(true)
	l.wg.Add(1)
	go l.run()

	l.logger.Info("Control loop started",
		"telemetry_queue", cap(l.telemetry), "event_queue", cap(l.events))
	return nil
}

func (l *Loop) Stop() error {
	if !l.running.Swap(false) {
		return fmt.Errorf("control loop is not running")
	}

	l.cancel()

	l.modulesLock.Lock()
	names := l.moduleNames()
	for i := len(names) - 1; i >= 0; i-- {
		if err := l.modules[names[i]].Stop(); err != nil {
			l.logger.Error("Error stopping module", "module", names[i], "error", err)
		}
	}
	l.modulesLock.Unlock()

	l.wg.Wait()

	l.logger.Info("Control loop stopped", "dropped_frames", l.dropped.Load())
	return nil
}

// PushFrame enqueues a telemetry frame without blocking. When the queue is
// full the frame is dropped and false is returned.
func (l *Loop) PushFrame(f types.Frame) bool {
	if !l.running.Load() {
		return false
	}
	select {
	case l.telemetry <- f:
		return true
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("Telemetry queue full, dropping frame", "source", f.Source, "dropped", n)
		return false
	}
}

// Post schedules fn on the loop goroutine. It blocks while the event queue
// is full and returns false once the loop has stopped. Post must not be
// called from the loop goroutine itself.
func (l *Loop) Post(fn func()) bool {
	if !l.running.Load() {
		return false
	}
	select {
	case l.events <- fn:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// Call runs fn on the loop goroutine and waits for its result.
func (l *Loop) Call(fn func() error) error {
	done := make(chan error, 1)
	if !l.Post(func() { done <- fn() }) {
		return ErrLoopStopped
	}
	select {
	case err := <-done:
		return err
	case <-l.ctx.Done():
		return ErrLoopStopped
	}
}

func (l *Loop) DroppedFrames() uint64 {
	return l.dropped.Load()
}

func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.events:
			l.safely("event", fn)
		case f := <-l.telemetry:
			l.handlerMu.RLock()
			h := l.frameHandler
			l.handlerMu.RUnlock()
			if h != nil {
				l.safely("telemetry", func() { h(f) })
			}
		}
	}
}

func (l *Loop) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Control loop handler panic", "kind", kind, "panic", r)
		}
	}()
	fn()
}

// RegisterModule 注册模块；循环运行中注册的模块立即启动
func (l *Loop) RegisterModule(module Module) error {
	l.modulesLock.Lock()
	defer l.modulesLock.Unlock()

	name := module.Name()
	if _, exists := l.modules[name]; exists {
		return fmt.Errorf("module %s already registered", name)
	}

	if l.running.Load() {
		if err := module.Start(l.ctx); err != nil {
			return fmt.Errorf("failed to start module %s: %w", name, err)
		}
	}

	l.modules[name] = module
	l.logger.Debug("Module registered", "module", name)
	return nil
}

func (l *Loop) UnregisterModule(name string) error {
	l.modulesLock.Lock()
	defer l.modulesLock.Unlock()

	module, exists := l.modules[name]
	if !exists {
		return fmt.Errorf("module %s not found", name)
	}

	if l.running.Load() {
		if err := module.Stop(); err != nil {
			l.logger.Error("Error stopping module", "module", name, "error", err)
		}
	}

	delete(l.modules, name)
	return nil
}

func (l *Loop) GetModuleStatus() map[string]interface{} {
	l.modulesLock.RLock()
	defer l.modulesLock.RUnlock()

	status := make(map[string]interface{}, len(l.modules))
	for name, module := range l.modules {
		status[name] = module.Status()
	}
	return status
}

// moduleNames 按名称排序，保证启停顺序稳定
func (l *Loop) moduleNames() []string {
	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
