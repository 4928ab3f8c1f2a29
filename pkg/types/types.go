// Package types defines the data model shared by the drilling control core:
// parameter sets, task plans, telemetry samples, task/motion state, lifecycle
// events and the system configuration that ties the components together.
package types

import (
	"time"
)

// SystemConfig 系统配置（YAML）
type SystemConfig struct {
	Logging  LoggingConfig           `yaml:"logging"`
	Control  ControlConfig           `yaml:"control"`
	Safety   SafetyConfig            `yaml:"safety"`
	Arbiter  ArbiterConfig           `yaml:"arbiter"`
	Hardware HardwareConfig          `yaml:"hardware"`
	Store    StoreConfig             `yaml:"store"`
	IPC      IPCConfig               `yaml:"ipc"`
	Presets  map[string]ParameterSet `yaml:"presets"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	OutputPath string `yaml:"output_path"`
	AddSource  bool   `yaml:"add_source"`
}

// ControlConfig 控制线程参数
type ControlConfig struct {
	TelemetryQueueSize int           `yaml:"telemetry_queue_size"`
	EventQueueSize     int           `yaml:"event_queue_size"`
	SensorWatchdog     time.Duration `yaml:"sensor_watchdog"`
}

// SafetyConfig 安全监视器的固定阈值（与参数组无关）
type SafetyConfig struct {
	EmergencyForceLimit  float64       `yaml:"emergency_force_limit"`
	StallPositionEpsilon float64       `yaml:"stall_position_epsilon"`
	LowerForceNoiseFloor float64       `yaml:"lower_force_noise_floor"`
	MovingVelocity       float64       `yaml:"moving_velocity"`
	VelocityRateWindow   time.Duration `yaml:"velocity_rate_window"`
}

type ArbiterConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// HardwareConfig 硬件驱动选择
type HardwareConfig struct {
	Driver       string           `yaml:"driver"` // "sim", "modbus"
	Modbus       ModbusConfig     `yaml:"modbus"`
	ForceSensor  SerialPortConfig `yaml:"force_sensor"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Feed         FeedAxisConfig   `yaml:"feed"`
}

// ModbusConfig Modbus 连接与寄存器映射
type ModbusConfig struct {
	Type          string            `yaml:"type"` // "tcp", "rtu"
	Address       string            `yaml:"address"`
	Port          int               `yaml:"port"`
	BaudRate      int               `yaml:"baud_rate"`
	DataBits      int               `yaml:"data_bits"`
	StopBits      int               `yaml:"stop_bits"`
	Parity        string            `yaml:"parity"`
	SlaveID       byte              `yaml:"slave_id"`
	Timeout       time.Duration     `yaml:"timeout"`
	RetryCount    int               `yaml:"retry_count"`
	RetryInterval time.Duration     `yaml:"retry_interval"`
	Registers     ModbusRegisterMap `yaml:"registers"`
}

// ModbusRegisterMap 保持寄存器地址（浮点量占两个寄存器）
type ModbusRegisterMap struct {
	FeedTarget        uint16 `yaml:"feed_target"`
	FeedSpeed         uint16 `yaml:"feed_speed"`
	FeedCommand       uint16 `yaml:"feed_command"`
	FeedStatus        uint16 `yaml:"feed_status"`
	RotationSpeed     uint16 `yaml:"rotation_speed"`
	RotationCommand   uint16 `yaml:"rotation_command"`
	PercussionFreq    uint16 `yaml:"percussion_freq"`
	PercussionCommand uint16 `yaml:"percussion_command"`
	StopAll           uint16 `yaml:"stop_all"`
	TelemetryBase     uint16 `yaml:"telemetry_base"`
}

// SerialPortConfig 串口力传感器
type SerialPortConfig struct {
	Enabled  bool   `yaml:"enabled"`
	PortName string `yaml:"port_name"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
}

// FeedAxisConfig 给进轴行程与到位判定
type FeedAxisConfig struct {
	MinDepth       float64 `yaml:"min_depth"`
	MaxDepth       float64 `yaml:"max_depth"`
	ReachTolerance float64 `yaml:"reach_tolerance"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`
}

type IPCConfig struct {
	Type       string        `yaml:"type"`
	Address    string        `yaml:"address"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

// IPCMessage 进程间消息
type IPCMessage struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id"`
}
