// Package ipc implements the newline-delimited JSON transport over TCP that
// operator consoles use to command the orchestrator, answer preemption
// prompts and follow task and arbiter events.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

const writeTimeout = 10 * time.Second

type Client struct {
	ID        string
	Conn      net.Conn
	Send      chan []byte
	commands  chan types.IPCMessage
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type handlerEntry struct {
	fn     func(types.IPCMessage)
	inline bool
}

type IPCServer struct {
	config       types.IPCConfig
	clients      map[string]*Client
	clientsLock  sync.RWMutex
	handlers     map[string]handlerEntry
	handlersLock sync.RWMutex
	listener     net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      atomic.Bool
	logger       *logging.Logger
}

func NewIPCServer(config types.IPCConfig) *IPCServer {
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	return &IPCServer{
		config:   config,
		clients:  make(map[string]*Client),
		handlers: make(map[string]handlerEntry),
		logger:   logging.GetLogger("ipc_server"),
	}
}

func (s *IPCServer) Name() string { return "ipc_server" }

func (s *IPCServer) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("IPC server is already running")
	}
	address := net.JoinHostPort(s.config.Address, fmt.Sprintf("%d", s.config.Port))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptConnections()

	s.logger.Info("IPC server started", "address", listener.Addr().String())
	return nil
}

func (s *IPCServer) Stop() error {
	if !s.running.Swap(false) {
		return fmt.Errorf("IPC server is not running")
	}
	s.cancel()
	s.listener.Close()

	s.clientsLock.Lock()
	for _, client := range s.clients {
		s.safeCloseClient(client)
	}
	s.clients = make(map[string]*Client)
	s.clientsLock.Unlock()

	s.wg.Wait()
	s.logger.Info("IPC server stopped")
	return nil
}

func (s *IPCServer) Status() interface{} {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()
	return map[string]interface{}{
		"running": s.running.Load(),
		"clients": len(s.clients),
	}
}

// Addr returns the bound address, useful when listening on port 0.
func (s *IPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *IPCServer) safeCloseClient(client *Client) {
	client.closeOnce.Do(func() {
		close(client.closed)
		if client.Conn != nil {
			client.Conn.Close()
		}
		s.logger.Debug("Client closed", "client_id", client.ID)
	})
}

func (s *IPCServer) removeClient(client *Client) {
	s.safeCloseClient(client)
	s.clientsLock.Lock()
	delete(s.clients, client.ID)
	s.clientsLock.Unlock()
}

func (s *IPCServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error", "error", err)
			continue
		}

		client := &Client{
			ID:       "client-" + uuid.New().String()[:8],
			Conn:     conn,
			Send:     make(chan []byte, s.config.BufferSize),
			commands: make(chan types.IPCMessage, 16),
			closed:   make(chan struct{}),
		}

		s.clientsLock.Lock()
		s.clients[client.ID] = client
		s.clientsLock.Unlock()

		s.wg.Add(3)
		go s.handleClient(client)
		go s.sendToClient(client)
		go s.runCommands(client)

		s.logger.Info("Client connected", "client_id", client.ID, "remote", conn.RemoteAddr().String())
	}
}

func (s *IPCServer) handleClient(client *Client) {
	defer s.wg.Done()
	defer s.removeClient(client)

	decoder := json.NewDecoder(client.Conn)
	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("Client disconnected", "client_id", client.ID)
			} else if !errors.Is(err, net.ErrClosed) && !client.isClosed() {
				s.logger.Warn("Client decode error", "client_id", client.ID, "error", err)
			}
			return
		}

		message.Source = client.ID
		s.routeMessage(client, message)
	}
}

// runCommands executes a client's commands one at a time, in order.
func (s *IPCServer) runCommands(client *Client) {
	defer s.wg.Done()
	for {
		select {
		case <-client.closed:
			return
		case message := <-client.commands:
			s.handlersLock.RLock()
			entry, ok := s.handlers[message.Type]
			s.handlersLock.RUnlock()
			if ok {
				s.invoke(entry.fn, message)
			}
		}
	}
}

func (s *IPCServer) sendToClient(client *Client) {
	defer s.wg.Done()

	for {
		select {
		case <-client.closed:
			return
		case data := <-client.Send:
			if err := client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.removeClient(client)
				return
			}
			if _, err := client.Conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("Send to client failed", "client_id", client.ID, "error", err)
				}
				s.removeClient(client)
				return
			}
		}
	}
}

func (s *IPCServer) routeMessage(client *Client, message types.IPCMessage) {
	s.handlersLock.RLock()
	entry, exists := s.handlers[message.Type]
	s.handlersLock.RUnlock()

	if !exists {
		s.SendToClient(client.ID, NewErrorResponse(message, fmt.Errorf("unknown message type %q", message.Type)))
		return
	}
	if entry.inline {
		s.invoke(entry.fn, message)
		return
	}
	select {
	case client.commands <- message:
	default:
		s.SendToClient(client.ID, NewErrorResponse(message, errors.New("command queue full")))
	}
}

func (s *IPCServer) invoke(fn func(types.IPCMessage), message types.IPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("IPC handler panic", "type", message.Type, "panic", r)
		}
	}()
	fn(message)
}

func encode(message types.IPCMessage) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Broadcast queues message for every connected client; slow clients lose
// messages rather than stall the sender.
func (s *IPCServer) Broadcast(message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		if client.isClosed() {
			continue
		}
		select {
		case client.Send <- data:
		default:
			s.logger.Warn("Client send buffer full", "client_id", client.ID, "type", message.Type)
		}
	}
	return nil
}

func (s *IPCServer) SendToClient(clientID string, message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	client, exists := s.clients[clientID]
	s.clientsLock.RUnlock()

	if !exists {
		return fmt.Errorf("client not found: %s", clientID)
	}

	select {
	case client.Send <- data:
		return nil
	case <-client.closed:
		return fmt.Errorf("client closed: %s", clientID)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("send timeout for client: %s", clientID)
	}
}

// RegisterHandler registers a handler that runs on the sending client's
// command worker; it may block.
func (s *IPCServer) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[messageType] = handlerEntry{fn: handler}
}

// RegisterInlineHandler registers a handler that runs on the reader
// goroutine, ahead of any queued commands. It must not block.
func (s *IPCServer) RegisterInlineHandler(messageType string, handler func(types.IPCMessage)) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[messageType] = handlerEntry{fn: handler, inline: true}
}

// ClientCount returns the number of connected clients.
func (s *IPCServer) ClientCount() int {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()
	return len(s.clients)
}
