// Package config provides YAML-based configuration management with
// hot-reload capabilities. It covers the control loop, safety thresholds,
// hardware endpoints and register map, the audit store, IPC and the site
// preset library; changes on disk are picked up at runtime and pushed to
// registered watchers.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

const defaultPollInterval = time.Second

type ConfigManager struct {
	config       types.SystemConfig
	configPath   string
	configLock   sync.RWMutex
	watchers     []func(types.SystemConfig)
	watchersLock sync.RWMutex
	lastModified time.Time
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	watching     bool
	logger       *logging.Logger
}

func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath:   configPath,
		watchers:     make([]func(types.SystemConfig), 0),
		pollInterval: defaultPollInterval,
		logger:       logging.GetLogger("config_manager"),
	}
}

// SetPollInterval 修改文件变更检查周期，需在 StartWatching 之前调用
func (cm *ConfigManager) SetPollInterval(d time.Duration) {
	if d > 0 {
		cm.pollInterval = d
	}
}

func (cm *ConfigManager) LoadConfig(path string) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	if path != "" {
		cm.configPath = path
	}

	info, err := os.Stat(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config types.SystemConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	cm.config = config
	cm.lastModified = info.ModTime()

	cm.logger.Info("Configuration loaded", "config_path", cm.configPath, "driver", config.Hardware.Driver, "presets", len(config.Presets))
	return nil
}

// LoadOrCreate loads the file at path, writing a default configuration
// there first if it does not exist.
func (cm *ConfigManager) LoadOrCreate(path string) error {
	if path != "" {
		cm.configPath = path
	}
	if _, err := os.Stat(cm.configPath); errors.Is(err, os.ErrNotExist) {
		cm.logger.Info("Config file not found, writing defaults", "config_path", cm.configPath)
		if err := cm.CreateDefaultConfig(); err != nil {
			return err
		}
	}
	return cm.LoadConfig("")
}

func (cm *ConfigManager) Reload() error {
	return cm.LoadConfig("")
}

func (cm *ConfigManager) GetConfig() types.SystemConfig {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.config
}

func (cm *ConfigManager) SetConfig(config types.SystemConfig) error {
	if err := cm.saveConfig(config); err != nil {
		return err
	}
	cm.notifyWatchers()
	return nil
}

func (cm *ConfigManager) saveConfig(config types.SystemConfig) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(cm.configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.config = config
	if info, err := os.Stat(cm.configPath); err == nil {
		cm.lastModified = info.ModTime()
	}

	cm.logger.Info("Configuration updated and saved", "config_path", cm.configPath)
	return nil
}

func (cm *ConfigManager) WatchChanges(callback func(types.SystemConfig)) error {
	cm.watchersLock.Lock()
	defer cm.watchersLock.Unlock()

	cm.watchers = append(cm.watchers, callback)
	return nil
}

func (cm *ConfigManager) StartWatching(ctx context.Context) error {
	if cm.watching {
		return fmt.Errorf("config watcher is already running")
	}

	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.watching = true

	cm.wg.Add(1)
	go cm.watchFile()

	cm.logger.Info("Started watching config file", "config_path", cm.configPath, "interval", cm.pollInterval)
	return nil
}

func (cm *ConfigManager) StopWatching() error {
	if !cm.watching {
		return fmt.Errorf("config watcher is not running")
	}

	cm.cancel()
	cm.wg.Wait()
	cm.watching = false

	cm.logger.Info("Stopped watching config file")
	return nil
}

func (cm *ConfigManager) watchFile() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.checkFileChanges()
		}
	}
}

func (cm *ConfigManager) checkFileChanges() {
	info, err := os.Stat(cm.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			cm.logger.Error("Error checking config file", "error", err)
		}
		return
	}

	cm.configLock.RLock()
	changed := !info.ModTime().Equal(cm.lastModified)
	cm.configLock.RUnlock()

	if changed {
		cm.logger.Info("Config file modified, reloading...")
		if err := cm.Reload(); err != nil {
			cm.logger.Error("Failed to reload config", "error", err)
			// 避免对同一个坏文件反复报错
			cm.configLock.Lock()
			cm.lastModified = info.ModTime()
			cm.configLock.Unlock()
		} else {
			cm.notifyWatchers()
		}
	}
}

func (cm *ConfigManager) notifyWatchers() {
	cm.watchersLock.RLock()
	watchers := make([]func(types.SystemConfig), len(cm.watchers))
	copy(watchers, cm.watchers)
	cm.watchersLock.RUnlock()

	config := cm.GetConfig()
	for _, watcher := range watchers {
		go watcher(config)
	}
}

// validateConfig fills defaults and rejects configurations the system
// cannot run with.
func validateConfig(config *types.SystemConfig) error {
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	if config.Control.TelemetryQueueSize <= 0 {
		config.Control.TelemetryQueueSize = 256
	}
	if config.Control.EventQueueSize <= 0 {
		config.Control.EventQueueSize = 128
	}
	if config.Control.SensorWatchdog < 0 {
		return fmt.Errorf("control.sensor_watchdog must not be negative")
	}

	if config.Safety.EmergencyForceLimit < 0 || config.Safety.StallPositionEpsilon < 0 {
		return fmt.Errorf("safety thresholds must not be negative")
	}

	if config.Arbiter.ConfirmTimeout <= 0 {
		config.Arbiter.ConfirmTimeout = 30 * time.Second
	}

	hw := &config.Hardware
	hw.Driver = strings.ToLower(hw.Driver)
	if hw.Driver == "" {
		hw.Driver = "sim"
	}
	if hw.PollInterval <= 0 {
		hw.PollInterval = 100 * time.Millisecond
	}
	if hw.Feed.ReachTolerance <= 0 {
		hw.Feed.ReachTolerance = 0.5
	}
	if hw.Feed.MaxDepth == 0 {
		hw.Feed.MaxDepth = 2000
	}
	if hw.Feed.MinDepth >= hw.Feed.MaxDepth {
		return fmt.Errorf("hardware.feed must have min_depth < max_depth")
	}

	switch hw.Driver {
	case "sim":
	case "modbus":
		mb := &hw.Modbus
		if mb.Type == "" {
			mb.Type = "tcp"
		}
		switch mb.Type {
		case "tcp":
			if mb.Address == "" {
				return fmt.Errorf("hardware.modbus.address is required for tcp")
			}
			if mb.Port == 0 {
				mb.Port = 502
			}
		case "rtu":
			if mb.Address == "" {
				return fmt.Errorf("hardware.modbus.address (serial device) is required for rtu")
			}
			if mb.BaudRate == 0 {
				mb.BaudRate = 19200
			}
			if mb.DataBits == 0 {
				mb.DataBits = 8
			}
			if mb.StopBits == 0 {
				mb.StopBits = 1
			}
			if mb.Parity == "" {
				mb.Parity = "E"
			}
		default:
			return fmt.Errorf("unsupported modbus type %q", mb.Type)
		}
		if mb.SlaveID == 0 {
			mb.SlaveID = 1
		}
		if mb.Timeout <= 0 {
			mb.Timeout = time.Second
		}
		if mb.RetryCount <= 0 {
			mb.RetryCount = 3
		}
		if mb.RetryInterval <= 0 {
			mb.RetryInterval = 50 * time.Millisecond
		}
	default:
		return fmt.Errorf("unsupported hardware driver %q", hw.Driver)
	}

	if fs := &hw.ForceSensor; fs.Enabled {
		if fs.PortName == "" {
			return fmt.Errorf("hardware.force_sensor.port_name is required when enabled")
		}
		if fs.BaudRate == 0 {
			fs.BaudRate = 115200
		}
		if fs.DataBits == 0 {
			fs.DataBits = 8
		}
		if fs.StopBits == 0 {
			fs.StopBits = 1
		}
	}

	if config.Store.BufferSize <= 0 {
		config.Store.BufferSize = 256
	}

	if config.IPC.Type == "" {
		config.IPC.Type = "tcp"
	}
	if config.IPC.Address == "" {
		config.IPC.Address = "127.0.0.1"
	}
	if config.IPC.Port == 0 {
		config.IPC.Port = 7400
	}
	if config.IPC.BufferSize <= 0 {
		config.IPC.BufferSize = 1024
	}
	if config.IPC.Timeout <= 0 {
		config.IPC.Timeout = 5 * time.Second
	}

	if config.Presets == nil {
		config.Presets = make(map[string]types.ParameterSet)
	}
	for id, ps := range config.Presets {
		if ps.ID == "" {
			ps.ID = id
			config.Presets[id] = ps
		}
		if err := ps.Validate(); err != nil {
			return fmt.Errorf("preset %s: %w", id, err)
		}
	}

	return nil
}

// DefaultConfig 默认配置：仿真驱动，本地 IPC
func DefaultConfig() types.SystemConfig {
	cfg := types.SystemConfig{
		Logging: types.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Control: types.ControlConfig{
			TelemetryQueueSize: 256,
			EventQueueSize:     128,
			SensorWatchdog:     2 * time.Second,
		},
		Safety: types.SafetyConfig{
			EmergencyForceLimit:  15000,
			StallPositionEpsilon: 0.1,
			LowerForceNoiseFloor: 10,
			MovingVelocity:       1,
			VelocityRateWindow:   500 * time.Millisecond,
		},
		Arbiter: types.ArbiterConfig{ConfirmTimeout: 30 * time.Second},
		Hardware: types.HardwareConfig{
			Driver:       "sim",
			PollInterval: 100 * time.Millisecond,
			Feed:         types.FeedAxisConfig{MinDepth: 0, MaxDepth: 2000, ReachTolerance: 0.5},
			Modbus: types.ModbusConfig{
				Type:          "tcp",
				Address:       "192.168.1.10",
				Port:          502,
				SlaveID:       1,
				Timeout:       time.Second,
				RetryCount:    3,
				RetryInterval: 50 * time.Millisecond,
				Registers: types.ModbusRegisterMap{
					FeedTarget:        100,
					FeedSpeed:         102,
					FeedCommand:       104,
					FeedStatus:        105,
					RotationSpeed:     110,
					RotationCommand:   112,
					PercussionFreq:    120,
					PercussionCommand: 122,
					StopAll:           130,
					TelemetryBase:     200,
				},
			},
		},
		Store: types.StoreConfig{Path: "data/drillcontrol.db", BufferSize: 256},
		IPC: types.IPCConfig{
			Type:       "tcp",
			Address:    "127.0.0.1",
			Port:       7400,
			Timeout:    5 * time.Second,
			BufferSize: 1024,
		},
		Presets: make(map[string]types.ParameterSet),
	}
	return cfg
}

func (cm *ConfigManager) CreateDefaultConfig() error {
	return cm.SetConfig(DefaultConfig())
}

func (cm *ConfigManager) GetConfigPath() string {
	return cm.configPath
}

func (cm *ConfigManager) ExportConfig(path string) error {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	data, err := yaml.Marshal(cm.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	cm.logger.Info("Configuration exported", "path", path)
	return nil
}

// GetPreset looks a site preset up by id.
func (cm *ConfigManager) GetPreset(id string) (types.ParameterSet, error) {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	ps, exists := cm.config.Presets[id]
	if !exists {
		return types.ParameterSet{}, fmt.Errorf("preset '%s' not found", id)
	}
	return ps, nil
}

func (cm *ConfigManager) AddPreset(ps types.ParameterSet) error {
	config := cm.GetConfig()
	if _, exists := config.Presets[ps.ID]; exists {
		return fmt.Errorf("preset '%s' already exists", ps.ID)
	}

	presets := make(map[string]types.ParameterSet, len(config.Presets)+1)
	for k, v := range config.Presets {
		presets[k] = v
	}
	presets[ps.ID] = ps
	config.Presets = presets
	return cm.SetConfig(config)
}

func (cm *ConfigManager) RemovePreset(id string) error {
	config := cm.GetConfig()
	if _, exists := config.Presets[id]; !exists {
		return fmt.Errorf("preset '%s' not found", id)
	}

	presets := make(map[string]types.ParameterSet, len(config.Presets))
	for k, v := range config.Presets {
		if k != id {
			presets[k] = v
		}
	}
	config.Presets = presets
	return cm.SetConfig(config)
}

func (cm *ConfigManager) ListPresets() []string {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	ids := make([]string, 0, len(cm.config.Presets))
	for id := range cm.config.Presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
