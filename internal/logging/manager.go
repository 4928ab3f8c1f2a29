package logging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// 全局日志管理器实例
	defaultManager *Manager
	once           sync.Once
)

// Manager 日志管理器，按模块名缓存日志器
type Manager struct {
	mu      sync.RWMutex
	root    *Logger
	loggers map[string]*Logger
	config  *Config
}

// NewManager 创建新的日志管理器
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	root, err := NewLogger(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}

	return &Manager{
		root:    root,
		loggers: map[string]*Logger{"default": root},
		config:  config,
	}, nil
}

// GetManager 获取全局日志管理器实例
func GetManager() *Manager {
	once.Do(func() {
		defaultManager, _ = NewManager(DefaultConfig())
	})
	return defaultManager
}

// GetLogger 获取指定名称的日志器
func (m *Manager) GetLogger(name string) *Logger {
	m.mu.RLock()
	logger, exists := m.loggers[name]
	m.mu.RUnlock()
	if exists {
		return logger
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 再次检查，防止并发创建
	if logger, exists := m.loggers[name]; exists {
		return logger
	}

	logger = m.root.With("module", name)
	m.loggers[name] = logger
	return logger
}

// Configure 替换处理器配置；已缓存的日志器在下次获取时重建
func (m *Manager) Configure(config *Config) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	root, err := NewLogger(config)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.root = root
	m.config = config
	m.loggers = map[string]*Logger{"default": root}
	return nil
}

// UpdateLevel 更新所有日志器的级别（共享 LevelVar）
func (m *Manager) UpdateLevel(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Level == level {
		return
	}
	m.config.Level = level
	m.root.SetLevel(level)
	m.root.Info("Log level updated", "level", level)
}

// GetLoggerNames 获取所有日志器名称
func (m *Manager) GetLoggerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loggers))
	for name := range m.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetLogger 便捷函数：使用默认日志管理器获取日志器
func GetLogger(name string) *Logger {
	return GetManager().GetLogger(name)
}

// Default 便捷函数：获取默认日志器
func Default() *Logger {
	return GetLogger("default")
}

func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
