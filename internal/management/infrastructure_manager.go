package management

import (
	"context"
	"fmt"

	"drillcontrol/internal/config"
	"drillcontrol/internal/hardware"
	"drillcontrol/internal/ipc"
	"drillcontrol/internal/logging"
	"drillcontrol/internal/store"
	"drillcontrol/pkg/types"
)

// InfrastructureManager 管理基础设施层组件：配置、审计存储、硬件工厂与 IPC
type InfrastructureManager struct {
	configManager   *config.ConfigManager
	store           *store.Store
	recorder        *store.Recorder
	hardwareFactory *hardware.HardwareFactory
	ipcServer       *ipc.IPCServer
	logger          *logging.Logger
}

// NewInfrastructureManager 创建基础设施管理器
func NewInfrastructureManager(configPath string) (*InfrastructureManager, error) {
	im := &InfrastructureManager{
		logger: logging.GetLogger("infrastructure"),
	}

	// 1. 配置 (最底层，无依赖)
	im.configManager = config.NewConfigManager(configPath)
	if err := im.configManager.LoadOrCreate(""); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := im.configManager.GetConfig()

	// 2. 日志按配置重建
	if err := logging.GetManager().Configure(logging.FromSystemConfig(cfg.Logging)); err != nil {
		im.logger.Warn("Failed to apply logging config, keeping defaults", "error", err)
	} else {
		im.logger = logging.GetLogger("infrastructure")
	}

	// 3. 审计存储
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	im.store = db
	im.recorder = store.NewRecorder(db, cfg.Store.BufferSize)

	// 4. 硬件工厂
	im.hardwareFactory = hardware.NewHardwareFactory()

	// 5. IPC 服务器 (依赖配置)
	im.ipcServer = ipc.NewIPCServer(cfg.IPC)

	return im, nil
}

func (im *InfrastructureManager) GetConfigManager() *config.ConfigManager {
	return im.configManager
}

func (im *InfrastructureManager) GetStore() *store.Store {
	return im.store
}

func (im *InfrastructureManager) GetRecorder() *store.Recorder {
	return im.recorder
}

func (im *InfrastructureManager) GetHardwareFactory() *hardware.HardwareFactory {
	return im.hardwareFactory
}

func (im *InfrastructureManager) GetIPCServer() *ipc.IPCServer {
	return im.ipcServer
}

func (im *InfrastructureManager) GetSystemConfig() types.SystemConfig {
	return im.configManager.GetConfig()
}

// Start 启动审计写入；IPC 与配置监听由 StartServing 在控制循环就绪后启动
func (im *InfrastructureManager) Start(ctx context.Context) error {
	im.logger.Info("Starting infrastructure layer")

	if err := im.store.Ping(ctx); err != nil {
		return fmt.Errorf("audit store unavailable: %w", err)
	}
	if err := im.recorder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit recorder: %w", err)
	}
	return nil
}

// StartServing opens the IPC listener and begins watching the config file.
func (im *InfrastructureManager) StartServing(ctx context.Context) error {
	if err := im.ipcServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	if err := im.configManager.StartWatching(ctx); err != nil {
		im.logger.Warn("Failed to start config watcher", "error", err)
	}

	im.logger.Info("Infrastructure layer started successfully")
	return nil
}

// StopServing 停止对外服务：配置监听 -> IPC
func (im *InfrastructureManager) StopServing() error {
	var errs []error

	if err := im.configManager.StopWatching(); err != nil {
		im.logger.Debug("Config watcher stop", "error", err)
	}

	if err := im.ipcServer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("IPC server stop error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("infrastructure stop errors: %v", errs)
	}
	return nil
}

// Stop 停止基础设施层：排空审计队列后关闭数据库
func (im *InfrastructureManager) Stop() error {
	im.logger.Info("Stopping infrastructure layer")

	var errs []error

	if err := im.recorder.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("audit recorder stop error: %w", err))
	}

	if err := im.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit store close error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("infrastructure stop errors: %v", errs)
	}

	im.logger.Info("Infrastructure layer stopped successfully")
	return nil
}

// WatchConfigChanges 监听配置变化
func (im *InfrastructureManager) WatchConfigChanges(callback func(types.SystemConfig)) {
	im.configManager.WatchChanges(func(config types.SystemConfig) {
		im.logger.Info("Configuration changed, updating infrastructure...")
		callback(config)
	})
}
