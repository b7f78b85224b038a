package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const writeTimeout = 5 * time.Second

// HandlerFunc processes a request and returns a response data payload or error.
// The requesting connection is available through ConnFrom(ctx).
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// DisconnectFunc is called once a client connection has gone away.
type DisconnectFunc func(conn net.Conn)

type connKey struct{}

// ConnFrom returns the connection a request arrived on.
func ConnFrom(ctx context.Context) (net.Conn, bool) {
	conn, ok := ctx.Value(connKey{}).(net.Conn)
	return conn, ok
}

// peer serializes writes to one connection.
type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peer) write(line []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := p.conn.Write(line)
	return err
}

// Server listens on a Unix domain socket and dispatches NDJSON messages.
type Server struct {
	socketPath   string
	listener     net.Listener
	handlers     map[string]HandlerFunc
	onDisconnect []DisconnectFunc
	clients      map[net.Conn]*peer
	mu           sync.RWMutex
	logger       *slog.Logger
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[net.Conn]*peer),
		logger:     logger,
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// OnDisconnect registers fn to run after a client disconnects.
func (s *Server) OnDisconnect(fn DisconnectFunc) {
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Start begins listening. It removes any stale socket file first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil // shutting down
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		p := &peer{conn: conn}
		s.mu.Lock()
		s.clients[conn] = p
		s.mu.Unlock()
		go s.handleConn(ctx, p)
	}
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(msg Message) {
	line, err := encode(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "err", err)
		return
	}

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.clients))
	for _, p := range s.clients {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if err := p.write(line); err != nil {
			s.logger.Debug("broadcast write error", "err", err)
		}
	}
}

// Send writes msg to a single connection.
func (s *Server) Send(conn net.Conn, msg Message) error {
	s.mu.RLock()
	p, ok := s.clients[conn]
	s.mu.RUnlock()
	if !ok {
		return net.ErrClosed
	}
	line, err := encode(msg)
	if err != nil {
		return err
	}
	return p.write(line)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown cleanly stops the server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, p *peer) {
	conn := p.conn
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		for _, fn := range s.onDisconnect {
			fn(conn)
		}
	}()

	reqCtx := context.WithValue(ctx, connKey{}, conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Error("invalid message", "err", err)
			continue
		}

		if msg.Type != MsgTypeReq {
			continue
		}

		handler, ok := s.handlers[msg.Method]
		if !ok {
			resp := NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method))
			s.writeMessage(p, resp)
			continue
		}

		result, err := handler(reqCtx, msg)
		var resp Message
		if err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, err.Error())
		} else if resp, err = NewResponse(msg.ID, msg.Method, result); err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, err.Error())
		}
		s.writeMessage(p, resp)
	}
}

func (s *Server) writeMessage(p *peer, msg Message) {
	line, err := encode(msg)
	if err != nil {
		s.logger.Error("marshal response error", "err", err)
		return
	}
	if err := p.write(line); err != nil {
		s.logger.Error("write response error", "err", err)
	}
}

func encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
