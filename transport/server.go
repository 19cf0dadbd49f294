package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/rosgraph/errors"
)

// TopicHandler finishes the publisher side of a topic handshake. The header
// has already been read; the handler validates it, replies, and takes
// ownership of the connection on success.
type TopicHandler interface {
	HandleTopicConnection(ctx context.Context, conn net.Conn, remote *Header) error
}

// ServiceHandler finishes the server side of a service handshake and then
// serves requests. The handler takes ownership of the connection.
type ServiceHandler interface {
	HandleServiceConnection(ctx context.Context, conn net.Conn, remote *Header) error
}

// Server accepts peer TCP connections for every publisher and service server
// of one node. Each accepted connection identifies itself with its first
// header block: a "topic" field routes to the matching publisher, a
// "service" field to the matching service server. Anything else is rejected
// with an error header.
type Server struct {
	listener         net.Listener
	logger           *slog.Logger
	handshakeTimeout time.Duration

	mu       sync.RWMutex
	topics   map[string]TopicHandler
	services map[string]ServiceHandler
}

// NewServer wraps an already-bound listener.
func NewServer(listener net.Listener, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listener:         listener,
		logger:           logger,
		handshakeTimeout: DefaultHandshakeTimeout,
		topics:           make(map[string]TopicHandler),
		services:         make(map[string]ServiceHandler),
	}
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SetHandshakeTimeout overrides the header-exchange deadline for accepted
// connections. Call before Run.
func (s *Server) SetHandshakeTimeout(d time.Duration) {
	if d > 0 {
		s.handshakeTimeout = d
	}
}

// RegisterTopic routes incoming connections for a topic to the handler.
func (s *Server) RegisterTopic(topic string, handler TopicHandler) {
	s.mu.Lock()
	s.topics[topic] = handler
	s.mu.Unlock()
}

// UnregisterTopic removes a topic route.
func (s *Server) UnregisterTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// RegisterService routes incoming connections for a service to the handler.
func (s *Server) RegisterService(service string, handler ServiceHandler) {
	s.mu.Lock()
	s.services[service] = handler
	s.mu.Unlock()
}

// UnregisterService removes a service route.
func (s *Server) UnregisterService(service string) {
	s.mu.Lock()
	delete(s.services, service)
	s.mu.Unlock()
}

// Run accepts connections until the context is cancelled or the listener
// closes. Each connection is handled on its own task; a bad peer never takes
// the acceptor down.
func (s *Server) Run(ctx context.Context) error {
	// Unblock Accept on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
	})
	defer stop()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WrapTransient(err, "Server", "Run", "accept")
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection reads the identifying header and dispatches to the
// registered handler. On any routing failure the peer gets an error header
// and the socket closes; the node is unaffected.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	remote, err := ReadHeaderBlock(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.logger.Warn("rejecting connection with unreadable header",
			"remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}

	if topic, ok := remote.Get(FieldTopic); ok {
		s.mu.RLock()
		handler, found := s.topics[topic]
		s.mu.RUnlock()
		if !found {
			s.reject(conn, fmt.Sprintf("no publisher for topic [%s]", topic))
			return
		}
		if err := handler.HandleTopicConnection(ctx, conn, remote); err != nil {
			s.logger.Warn("topic handshake failed",
				"topic", topic, "remote", conn.RemoteAddr(), "err", err)
		}
		return
	}

	if service, ok := remote.Get(FieldService); ok {
		s.mu.RLock()
		handler, found := s.services[service]
		s.mu.RUnlock()
		if !found {
			s.reject(conn, fmt.Sprintf("no provider for service [%s]", service))
			return
		}
		if err := handler.HandleServiceConnection(ctx, conn, remote); err != nil {
			s.logger.Warn("service connection ended",
				"service", service, "remote", conn.RemoteAddr(), "err", err)
		}
		return
	}

	s.reject(conn, "header identifies neither a topic nor a service")
}

// reject writes an error header and closes the socket.
func (s *Server) reject(conn net.Conn, reason string) {
	s.logger.Warn("rejecting connection", "remote", conn.RemoteAddr(), "reason", reason)
	_ = conn.SetWriteDeadline(time.Now().Add(s.handshakeTimeout))
	_ = WriteHeaderBlock(conn, NewErrorHeader(reason))
	_ = conn.Close()
}
