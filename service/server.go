package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/master"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/listener"
	"github.com/c360/rosgraph/transport"
)

// ResponseBuilder produces the response for one request. Returning an error
// sends a failure status with the error text to the caller.
type ResponseBuilder func(ctx context.Context, request message.Message) (message.Message, error)

// ServerListener observes service server lifecycle events.
type ServerListener interface {
	OnMasterRegistrationSuccess()
	OnMasterRegistrationFailure(err error)
	OnMasterUnregistrationSuccess()
	OnMasterUnregistrationFailure(err error)
	OnShutdown()
}

// DefaultServerListener is a no-op implementation for embedding.
type DefaultServerListener struct{}

// OnMasterRegistrationSuccess implements ServerListener.
func (DefaultServerListener) OnMasterRegistrationSuccess() {}

// OnMasterRegistrationFailure implements ServerListener.
func (DefaultServerListener) OnMasterRegistrationFailure(error) {}

// OnMasterUnregistrationSuccess implements ServerListener.
func (DefaultServerListener) OnMasterUnregistrationSuccess() {}

// OnMasterUnregistrationFailure implements ServerListener.
func (DefaultServerListener) OnMasterUnregistrationFailure(error) {}

// OnShutdown implements ServerListener.
func (DefaultServerListener) OnShutdown() {}

// Server answers calls for one service. Connections arrive through the
// node's transport server; each runs its own request loop.
type Server struct {
	node            graph.NodeIdentifier
	declaration     graph.ServiceDeclaration
	responseBuilder ResponseBuilder
	reqDeserializer message.Deserializer
	respSerializer  message.Serializer
	logger          *slog.Logger
	metrics         *metric.Metrics
	listeners       *listener.Group[ServerListener]

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
}

// NewServer creates a service server handle. The declaration's URI must
// already carry the node's advertised rosrpc address.
func NewServer(
	node graph.NodeIdentifier,
	declaration graph.ServiceDeclaration,
	responseBuilder ResponseBuilder,
	reqDeserializer message.Deserializer,
	respSerializer message.Serializer,
	scheduler listener.Scheduler,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:            node,
		declaration:     declaration,
		responseBuilder: responseBuilder,
		reqDeserializer: reqDeserializer,
		respSerializer:  respSerializer,
		logger:          logger.With("service", declaration.Name().String()),
		metrics:         metrics,
		listeners:       listener.NewGroup[ServerListener](scheduler),
		conns:           make(map[net.Conn]struct{}),
	}
}

// Name returns the service name.
func (s *Server) Name() graph.Name {
	return s.declaration.Name()
}

// URI returns the advertised service URI.
func (s *Server) URI() string {
	return s.declaration.Identifier.URI
}

// Declaration returns the service declaration.
func (s *Server) Declaration() graph.ServiceDeclaration {
	return s.declaration
}

// AddListener registers a lifecycle listener.
func (s *Server) AddListener(l ServerListener) {
	s.listeners.Add(l)
}

// HandleServiceConnection finishes the mirrored handshake and serves
// requests until the client disconnects or the handshake was non-persistent.
func (s *Server) HandleServiceConnection(ctx context.Context, conn net.Conn, remote *transport.Header) error {
	remoteChecksum := remote.GetOr(transport.FieldMD5Sum, "")
	remoteType := remote.GetOr(transport.FieldType, transport.Wildcard)
	localChecksum := s.declaration.Description.MD5Sum

	if !transport.ChecksumsCompatible(remoteChecksum, localChecksum) ||
		(remoteType != transport.Wildcard && remoteType != s.declaration.Description.Type) {
		reason := fmt.Sprintf("declaration mismatch for service [%s]: type [%s] md5 [%s]",
			s.Name(), remoteType, remoteChecksum)
		if s.metrics != nil {
			s.metrics.RecordHandshakeFailure("service")
		}
		_ = transport.WriteHeaderBlock(conn, transport.NewErrorHeader(reason))
		_ = conn.Close()
		return errors.WrapInvalid(errors.ErrChecksumMismatch, "service.Server",
			"HandleServiceConnection", reason)
	}

	reply := transport.NewHeader().
		Set(transport.FieldCallerID, s.node.Name.String()).
		Set(transport.FieldService, s.Name().String()).
		Set(transport.FieldMD5Sum, localChecksum).
		Set(transport.FieldType, s.declaration.Description.Type)
	if err := transport.WriteHeaderBlock(conn, reply); err != nil {
		_ = conn.Close()
		return err
	}

	persistent := remote.GetOr(transport.FieldPersistent, "0") == "1"

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "service.Server",
			"HandleServiceConnection", "server shut down")
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened("service")
	}
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		if s.metrics != nil {
			s.metrics.RecordConnectionClosed("service")
		}
	}()

	s.logger.Debug("service client connected",
		"caller", remote.GetOr(transport.FieldCallerID, ""), "persistent", persistent)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := transport.ReadFrame(conn, transport.DefaultMaxFrameSize)
		if err != nil {
			// Client hangup ends the loop; it is not a server fault.
			return nil
		}

		if err := s.serveRequest(ctx, conn, body); err != nil {
			return err
		}

		if !persistent {
			return nil
		}
	}
}

// serveRequest builds and writes one response: a status byte, then the
// length-prefixed body (the response on success, the error text on failure).
func (s *Server) serveRequest(ctx context.Context, conn net.Conn, body []byte) error {
	request, err := s.reqDeserializer.Deserialize(body)
	if err != nil {
		return s.writeFailure(conn, fmt.Sprintf("cannot deserialize request: %v", err))
	}

	response, err := s.responseBuilder(ctx, request)
	if err != nil {
		return s.writeFailure(conn, err.Error())
	}

	responseBody, err := s.respSerializer.Serialize(response)
	if err != nil {
		return s.writeFailure(conn, fmt.Sprintf("cannot serialize response: %v", err))
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return errors.WrapTransient(err, "service.Server", "serveRequest", "write status")
	}
	return transport.WriteFrame(conn, responseBody)
}

func (s *Server) writeFailure(conn net.Conn, text string) error {
	if _, err := conn.Write([]byte{0}); err != nil {
		return errors.WrapTransient(err, "service.Server", "writeFailure", "write status")
	}
	return transport.WriteFrame(conn, []byte(text))
}

// Shutdown closes every client connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}

	s.listeners.Signal(func(l ServerListener) { l.OnShutdown() })
}

// String implements fmt.Stringer for registrar logs.
func (s *Server) String() string {
	return fmt.Sprintf("service server %s", s.Name())
}

// Register announces this service to the directory.
func (s *Server) Register(ctx context.Context, client *master.Client) error {
	return client.RegisterService(ctx, s.Name(), s.URI(), s.node.URI)
}

// Unregister withdraws this service from the directory.
func (s *Server) Unregister(ctx context.Context, client *master.Client) error {
	_, err := client.UnregisterService(ctx, s.Name(), s.URI())
	return err
}

// SignalRegistrationSuccess implements registration signaling.
func (s *Server) SignalRegistrationSuccess() {
	s.listeners.Signal(func(l ServerListener) { l.OnMasterRegistrationSuccess() })
}

// SignalRegistrationFailure implements registration signaling.
func (s *Server) SignalRegistrationFailure(err error) {
	s.listeners.Signal(func(l ServerListener) { l.OnMasterRegistrationFailure(err) })
}

// SignalUnregistrationSuccess implements registration signaling.
func (s *Server) SignalUnregistrationSuccess() {
	s.listeners.Signal(func(l ServerListener) { l.OnMasterUnregistrationSuccess() })
}

// SignalUnregistrationFailure implements registration signaling.
func (s *Server) SignalUnregistrationFailure(err error) {
	s.listeners.Signal(func(l ServerListener) { l.OnMasterUnregistrationFailure(err) })
}
