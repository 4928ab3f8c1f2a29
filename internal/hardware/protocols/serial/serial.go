// Package serial reads the load-cell amplifier that reports the upper and
// lower pull forces over RS-485. The amplifier streams one ASCII line per
// sample: "<upper>,<lower>" in newtons.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"drillcontrol/internal/hardware/comm"
	"drillcontrol/pkg/types"
)

const defaultReconnectDelay = time.Second

// Opener opens the underlying byte stream.
type Opener func() (io.ReadCloser, error)

// PortOpener 按配置打开串口
func PortOpener(config types.SerialPortConfig) Opener {
	return func() (io.ReadCloser, error) {
		options := serial.OpenOptions{
			PortName:              config.PortName,
			BaudRate:              uint(config.BaudRate),
			DataBits:              uint(config.DataBits),
			StopBits:              uint(config.StopBits),
			ParityMode:            serial.PARITY_NONE,
			MinimumReadSize:       1,
			InterCharacterTimeout: 100,
		}
		port, err := serial.Open(options)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", config.PortName, err)
		}
		return port, nil
	}
}

// ForceStream 力传感器数据流
type ForceStream struct {
	*comm.BaseCommunication
	open           Opener
	sink           func(types.Frame) bool
	reconnectDelay time.Duration

	mu   sync.Mutex
	port io.ReadCloser

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	samples   atomic.Uint64
	malformed atomic.Uint64
}

func NewForceStream(open Opener, sink func(types.Frame) bool) *ForceStream {
	return &ForceStream{
		BaseCommunication: comm.NewBaseCommunication("force_sensor", comm.ConnectionConfig{}),
		open:              open,
		sink:              sink,
		reconnectDelay:    defaultReconnectDelay,
	}
}

// SetReconnectDelay 修改断线重连间隔
func (fs *ForceStream) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		fs.reconnectDelay = d
	}
}

func (fs *ForceStream) Name() string { return "force_sensor" }

func (fs *ForceStream) Start(ctx context.Context) error {
	if fs.running.Load() {
		return fmt.Errorf("force stream is already running")
	}
	if err := fs.connect(); err != nil {
		return err
	}

	fs.ctx, fs.cancel = context.WithCancel(ctx)
	fs.running.Store(true)

	fs.wg.Add(1)
	go fs.run()

	fs.Logger().Info("Force sensor stream started")
	return nil
}

func (fs *ForceStream) Stop() error {
	if !fs.running.Swap(false) {
		return fmt.Errorf("force stream is not running")
	}
	fs.cancel()
	fs.closePort()
	fs.wg.Wait()

	fs.SetStatus(comm.StatusDisconnected)
	fs.Logger().Info("Force sensor stream stopped", "samples", fs.samples.Load(), "malformed", fs.malformed.Load())
	return nil
}

func (fs *ForceStream) Status() interface{} {
	return map[string]interface{}{
		"running":   fs.running.Load(),
		"status":    fs.GetStatus().String(),
		"samples":   fs.samples.Load(),
		"malformed": fs.malformed.Load(),
	}
}

// Malformed returns how many lines were skipped.
func (fs *ForceStream) Malformed() uint64 {
	return fs.malformed.Load()
}

func (fs *ForceStream) connect() error {
	fs.SetStatus(comm.StatusConnecting)
	port, err := fs.open()
	if err != nil {
		fs.SetStatus(comm.StatusError)
		return fs.HandleWithError(err)
	}
	fs.mu.Lock()
	fs.port = port
	fs.mu.Unlock()
	fs.SetStatus(comm.StatusConnected)
	return nil
}

func (fs *ForceStream) closePort() {
	fs.mu.Lock()
	port := fs.port
	fs.port = nil
	fs.mu.Unlock()
	if port != nil {
		port.Close()
	}
}

func (fs *ForceStream) run() {
	defer fs.wg.Done()

	for {
		fs.mu.Lock()
		port := fs.port
		fs.mu.Unlock()

		if port != nil {
			err := fs.readLines(port)
			if fs.ctx.Err() != nil {
				return
			}
			fs.SetStatus(comm.StatusError)
			if err == nil {
				err = io.EOF
			}
			fs.HandleWithError(err)
			fs.Logger().Warn("Force sensor stream interrupted, reconnecting", "error", err, "delay", fs.reconnectDelay)
			fs.closePort()
		}

		select {
		case <-fs.ctx.Done():
			return
		case <-time.After(fs.reconnectDelay):
		}
		if err := fs.connect(); err != nil {
			fs.Logger().Warn("Force sensor reconnect failed", "error", err)
		}
	}
}

func (fs *ForceStream) readLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		upper, lower, err := ParseLine(line)
		if err != nil {
			fs.malformed.Add(1)
			fs.Logger().Debug("Skipping malformed force line", "line", line, "error", err)
			continue
		}
		fs.samples.Add(1)
		if fs.sink != nil {
			fs.sink(types.Frame{
				Source: "force_sensor",
				At:     time.Now(),
				Readings: []types.Reading{
					{Quantity: types.QuantityUpperForce, Value: upper},
					{Quantity: types.QuantityLowerForce, Value: lower},
				},
			})
		}
	}
	return scanner.Err()
}

// ParseLine parses one "<upper>,<lower>" sample.
func ParseLine(line string) (upper, lower float64, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected 2 fields, got %d", len(parts))
	}
	upper, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("upper force: %w", err)
	}
	lower, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lower force: %w", err)
	}
	return upper, lower, nil
}
