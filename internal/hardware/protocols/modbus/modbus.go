// Package modbus implements the holding-register bus the rig's PLC exposes
// over Modbus TCP or RTU. Analog values travel as IEEE-754 float32 across
// two consecutive registers, high word first.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"drillcontrol/internal/hardware/comm"
	"drillcontrol/pkg/types"
)

// RegisterClient is the subset of modbus.Client the bus issues.
type RegisterClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

type connHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Bus 串行化所有寄存器访问的 Modbus 客户端
type Bus struct {
	*comm.BaseCommunication
	config types.ModbusConfig

	mu      sync.Mutex
	client  RegisterClient
	handler connHandler
}

// NewBus 创建 Modbus 总线，需调用 Connect
func NewBus(config types.ModbusConfig) *Bus {
	return &Bus{
		BaseCommunication: comm.NewBaseCommunication("modbus_bus", comm.ConnectionConfig{
			Timeout:       config.Timeout,
			RetryCount:    config.RetryCount,
			RetryInterval: config.RetryInterval,
		}),
		config: config,
	}
}

// NewBusWithClient wraps an already connected client.
func NewBusWithClient(client RegisterClient, config types.ModbusConfig) *Bus {
	b := NewBus(config)
	b.client = client
	b.SetStatus(comm.StatusConnected)
	return b
}

// Connect 按配置建立 TCP 或 RTU 连接
func (b *Bus) Connect(ctx context.Context) error {
	b.SetStatus(comm.StatusConnecting)

	var h connHandler
	switch b.config.Type {
	case "tcp":
		th := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", b.config.Address, b.config.Port))
		th.Timeout = b.config.Timeout
		th.SlaveId = b.config.SlaveID
		h = th
	case "rtu":
		rh := modbus.NewRTUClientHandler(b.config.Address)
		rh.BaudRate = b.config.BaudRate
		rh.DataBits = b.config.DataBits
		rh.StopBits = b.config.StopBits
		rh.Parity = b.config.Parity
		rh.SlaveId = b.config.SlaveID
		rh.Timeout = b.config.Timeout
		h = rh
	default:
		b.SetStatus(comm.StatusError)
		return fmt.Errorf("unsupported Modbus type: %s", b.config.Type)
	}

	err := b.RetryWithTimeout(ctx, h.Connect)
	if err != nil {
		b.SetStatus(comm.StatusError)
		return b.HandleWithError(fmt.Errorf("failed to connect %s Modbus at %s: %w", b.config.Type, b.config.Address, err))
	}

	b.mu.Lock()
	b.handler = h
	b.client = modbus.NewClient(h)
	b.mu.Unlock()

	b.SetStatus(comm.StatusConnected)
	b.Logger().Info("Modbus connected", "type", b.config.Type, "address", b.config.Address, "slave_id", b.config.SlaveID)
	return nil
}

// Close 断开连接
func (b *Bus) Close() error {
	b.mu.Lock()
	h := b.handler
	b.handler = nil
	b.client = nil
	b.mu.Unlock()

	b.SetStatus(comm.StatusDisconnected)
	if h != nil {
		return h.Close()
	}
	return nil
}

func (b *Bus) do(ctx context.Context, op func(RegisterClient) error) error {
	if !b.IsConnected() {
		return fmt.Errorf("Modbus client not connected")
	}
	err := b.RetryWithTimeout(ctx, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.client == nil {
			return fmt.Errorf("Modbus client not connected")
		}
		return op(b.client)
	})
	if err != nil {
		return b.HandleWithError(err)
	}
	return nil
}

// ReadRegisters 读取连续保持寄存器
func (b *Bus) ReadRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	var raw []byte
	err := b.do(ctx, func(c RegisterClient) error {
		var err error
		raw, err = c.ReadHoldingRegisters(addr, quantity)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %d registers at %d: %w", quantity, addr, err)
	}
	if len(raw) < int(quantity)*2 {
		return nil, fmt.Errorf("read %d registers at %d: short response (%d bytes)", quantity, addr, len(raw))
	}
	return bytesToUint16(raw[:int(quantity)*2]), nil
}

// ReadFloats reads n float32 values starting at addr.
func (b *Bus) ReadFloats(ctx context.Context, addr uint16, n int) ([]float64, error) {
	regs, err := b.ReadRegisters(ctx, addr, uint16(n*2))
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		bits := uint32(regs[i*2])<<16 | uint32(regs[i*2+1])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}

// WriteRegister 写单个寄存器（命令字）
func (b *Bus) WriteRegister(ctx context.Context, addr, value uint16) error {
	err := b.do(ctx, func(c RegisterClient) error {
		_, err := c.WriteSingleRegister(addr, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("write register %d: %w", addr, err)
	}
	return nil
}

// WriteFloats writes consecutive float32 values starting at addr.
func (b *Bus) WriteFloats(ctx context.Context, addr uint16, values ...float64) error {
	data := make([]byte, 0, len(values)*4)
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, math.Float32bits(float32(v)))
	}
	err := b.do(ctx, func(c RegisterClient) error {
		_, err := c.WriteMultipleRegisters(addr, uint16(len(values)*2), data)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %d floats at %d: %w", len(values), addr, err)
	}
	return nil
}

// OpTimeout is the per-operation deadline callers should use.
func (b *Bus) OpTimeout() time.Duration {
	if b.config.Timeout <= 0 {
		return time.Second
	}
	return b.config.Timeout * time.Duration(b.config.RetryCount+1)
}

func bytesToUint16(data []byte) []uint16 {
	result := make([]uint16, len(data)/2)
	for i := range result {
		result[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return result
}
