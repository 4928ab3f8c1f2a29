// Package logging wraps log/slog with per-module loggers that share one
// handler configuration and one runtime-adjustable level.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"drillcontrol/pkg/types"
)

// Config 日志配置结构
type Config struct {
	Level      string `yaml:"level"`       // 日志级别: debug, info, warn, error
	Format     string `yaml:"format"`      // 输出格式: json, text
	Output     string `yaml:"output"`      // 输出目标: stdout, stderr, file
	OutputPath string `yaml:"output_path"` // 文件输出路径
	AddSource  bool   `yaml:"add_source"`  // 是否添加源码位置

	// Writer 非空时覆盖 Output，测试中使用
	Writer io.Writer `yaml:"-"`
}

// FromSystemConfig 从系统配置构造日志配置
func FromSystemConfig(c types.LoggingConfig) *Config {
	return &Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		OutputPath: c.OutputPath,
		AddSource:  c.AddSource,
	}
}

// Logger 封装的结构化日志器
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger 创建新的日志器实例
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(config.Level))

	handler, err := createHandler(config, level)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// parseLevel 解析日志级别
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(config *Config, level slog.Leveler) (slog.Handler, error) {
	writer := config.Writer
	if writer == nil {
		switch strings.ToLower(config.Output) {
		case "stderr":
			writer = os.Stderr
		case "file":
			path := config.OutputPath
			if path == "" {
				path = filepath.Join("logs", "drillcontrol.log")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, err
			}
			writer = f
		default:
			writer = os.Stdout
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	if strings.ToLower(config.Format) == "json" {
		return slog.NewJSONHandler(writer, opts), nil
	}
	return slog.NewTextHandler(writer, opts), nil
}

// With 返回带有额外字段的日志器，共享级别
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// WithGroup 返回带有分组的日志器
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithGroup(name),
		level:  l.level,
	}
}

// SetLevel 动态更新日志级别，影响所有派生日志器
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level 当前级别
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}
