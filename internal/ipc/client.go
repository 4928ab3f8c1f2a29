package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// ErrNotConnected is returned by sends on a closed client.
var ErrNotConnected = errors.New("not connected to server")

type IPCClient struct {
	config       types.IPCConfig
	clientID     string
	conn         net.Conn
	receiveChan  chan types.IPCMessage
	sendChan     chan []byte
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	pending      map[string]chan types.IPCMessage
	pendingLock  sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	connected    bool
	logger       *logging.Logger
}

func NewIPCClient(config types.IPCConfig, clientID string) *IPCClient {
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &IPCClient{
		config:      config,
		clientID:    clientID,
		receiveChan: make(chan types.IPCMessage, config.BufferSize),
		sendChan:    make(chan []byte, config.BufferSize),
		handlers:    make(map[string]func(types.IPCMessage)),
		pending:     make(map[string]chan types.IPCMessage),
		logger:      logging.GetLogger("ipc_client"),
	}
}

func (c *IPCClient) Connect() error {
	address := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))

	conn, err := net.DialTimeout("tcp", address, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.receiveMessages()
	go c.sendMessages()

	c.logger.Debug("Connected to IPC server", "address", address)
	return nil
}

func (c *IPCClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *IPCClient) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.cancel()
	conn := c.conn
	c.mu.Unlock()

	conn.Close()
	c.wg.Wait()
	c.logger.Debug("Client disconnected")
}

func (c *IPCClient) Send(message types.IPCMessage) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if message.Source == "" {
		message.Source = c.clientID
	}

	data, err := encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("client shutting down")
	case <-time.After(c.config.Timeout):
		return fmt.Errorf("send timeout")
	}
}

// Request sends a command and waits for the matching response. An
// error_response is returned as an error.
func (c *IPCClient) Request(ctx context.Context, msgType string, data map[string]interface{}) (types.IPCMessage, error) {
	message := NewMessage(msgType, c.clientID, data)
	reply := make(chan types.IPCMessage, 1)

	c.pendingLock.Lock()
	c.pending[message.ID] = reply
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, message.ID)
		c.pendingLock.Unlock()
	}()

	if err := c.Send(message); err != nil {
		return types.IPCMessage{}, err
	}

	select {
	case resp := <-reply:
		if resp.Type == MsgErrorResponse {
			return resp, fmt.Errorf("%s: %s", msgType, stringField(resp.Data, "error"))
		}
		return resp, nil
	case <-ctx.Done():
		return types.IPCMessage{}, ctx.Err()
	case <-c.ctx.Done():
		return types.IPCMessage{}, ErrNotConnected
	}
}

// Receive returns messages no handler claimed.
func (c *IPCClient) Receive() <-chan types.IPCMessage {
	return c.receiveChan
}

func (c *IPCClient) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[messageType] = handler
}

func (c *IPCClient) markDisconnected() {
	c.mu.Lock()
	if c.connected {
		c.connected = false
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *IPCClient) receiveMessages() {
	defer c.wg.Done()

	decoder := json.NewDecoder(c.conn)
	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("Server closed the connection")
			} else if !errors.Is(err, net.ErrClosed) && c.IsConnected() {
				c.logger.Error("Receive error", "error", err)
			}
			c.markDisconnected()
			return
		}
		c.routeMessage(message)
	}
}

func (c *IPCClient) sendMessages() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.markDisconnected()
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.logger.Error("Send error", "error", err)
				}
				c.markDisconnected()
				return
			}
		}
	}
}

func (c *IPCClient) routeMessage(message types.IPCMessage) {
	if message.Type == MsgResponse || message.Type == MsgErrorResponse {
		id := stringField(message.Data, "request_id")
		c.pendingLock.Lock()
		reply, ok := c.pending[id]
		c.pendingLock.Unlock()
		if ok {
			reply <- message
			return
		}
	}

	c.handlersLock.RLock()
	handler, exists := c.handlers[message.Type]
	c.handlersLock.RUnlock()

	if exists {
		handler(message)
		return
	}
	select {
	case c.receiveChan <- message:
	case <-c.ctx.Done():
	case <-time.After(100 * time.Millisecond):
		c.logger.Warn("Receive channel full, dropping message", "message_type", message.Type)
	}
}
