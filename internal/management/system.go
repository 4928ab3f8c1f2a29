// Package management assembles the drilling control system: configuration,
// audit storage and IPC in the infrastructure layer; the control loop,
// orchestrator, safety monitor, motion arbiter and rig in the application
// layer.
package management

import (
	"context"
	"fmt"
	"net"
	"sync"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// System is the whole control process. Start brings the layers up bottom
// first and opens the IPC listener last; Stop reverses that order.
type System struct {
	infrastructure *InfrastructureManager
	application    *ApplicationManager

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	logger  *logging.Logger
}

func NewSystem(ctx context.Context, configPath string, opts Options) (*System, error) {
	infrastructure, err := NewInfrastructureManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create infrastructure manager: %w", err)
	}

	application, err := NewApplicationManager(ctx, infrastructure, opts)
	if err != nil {
		infrastructure.GetStore().Close()
		return nil, fmt.Errorf("failed to create application manager: %w", err)
	}

	if err := application.SetupDependencies(); err != nil {
		infrastructure.GetStore().Close()
		return nil, fmt.Errorf("failed to setup application dependencies: %w", err)
	}

	return &System{
		infrastructure: infrastructure,
		application:    application,
		logger:         logging.GetLogger("system"),
	}, nil
}

func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("system is already running")
	}

	ctx, cancel := context.WithCancel(ctx)

	// 1. 审计写入
	if err := s.infrastructure.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start infrastructure layer: %w", err)
	}

	// 2. 控制循环与硬件模块
	if err := s.application.Start(ctx); err != nil {
		s.infrastructure.Stop()
		cancel()
		return fmt.Errorf("failed to start application layer: %w", err)
	}

	// 3. 对外服务
	if err := s.infrastructure.StartServing(ctx); err != nil {
		s.application.Stop()
		s.infrastructure.Stop()
		cancel()
		return err
	}

	s.cancel = cancel
	s.running = true

	cfg := s.infrastructure.GetSystemConfig()
	s.logger.Info("Drill control system started",
		"driver", cfg.Hardware.Driver,
		"ipc", s.Addr().String(),
		"store", cfg.Store.Path,
		"presets", len(cfg.Presets))
	return nil
}

func (s *System) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("system is not running")
	}

	// 停止顺序: 对外服务 -> 应用层 -> 基础设施层 (与启动相反)
	var errs []error

	if err := s.infrastructure.StopServing(); err != nil {
		errs = append(errs, err)
	}
	if err := s.application.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.infrastructure.Stop(); err != nil {
		errs = append(errs, err)
	}

	s.cancel()
	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	s.logger.Info("Drill control system stopped")
	return nil
}

// Addr returns the IPC listen address.
func (s *System) Addr() net.Addr {
	if addr := s.infrastructure.GetIPCServer().Addr(); addr != nil {
		return addr
	}
	cfg := s.infrastructure.GetSystemConfig().IPC
	return &net.TCPAddr{IP: net.ParseIP(cfg.Address), Port: cfg.Port}
}

func (s *System) Config() types.SystemConfig {
	return s.infrastructure.GetSystemConfig()
}

func (s *System) Infrastructure() *InfrastructureManager {
	return s.infrastructure
}

func (s *System) Application() *ApplicationManager {
	return s.application
}
