// Package slave implements the node's directory-facing XML-RPC endpoint and
// the client used to call the same endpoint on peer nodes. The endpoint is
// how the rest of the graph reaches this node: publishers answer requestTopic
// here, and the directory pushes publisherUpdate notifications here.
package slave

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/xmlrpc"
)

// ProtocolTCP is the only wire transport this runtime negotiates.
const ProtocolTCP = "TCPROS"

// Delegate is the node runtime behind the endpoint.
type Delegate interface {
	// RequestTopic negotiates a transport for a topic published by this
	// node. It returns the advertised host and port of the topic listener.
	RequestTopic(topic string, protocols []string) (host string, port int, err error)

	// PublisherUpdate delivers the directory's new authoritative publisher
	// set for a topic this node subscribes to.
	PublisherUpdate(topic string, publisherURIs []string)

	// BusInfo describes the node's active connections for introspection.
	BusInfo() [][]any

	// MasterURI returns the directory URI this node registered against.
	MasterURI() string

	// ShutdownRequested asks the node to shut down.
	ShutdownRequested(reason string)
}

// Server exposes the directory-facing endpoint over HTTP.
type Server struct {
	listener net.Listener
	delegate Delegate
	logger   *slog.Logger
	handler  *xmlrpc.Server
	httpSrv  *http.Server

	advertiseHost string
}

// NewServer wraps an already-bound listener. advertiseHost is the hostname
// peers should use to reach this node; if empty, the listener host is used.
func NewServer(listener net.Listener, advertiseHost string, delegate Delegate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		listener:      listener,
		delegate:      delegate,
		logger:        logger,
		handler:       xmlrpc.NewServer(logger),
		advertiseHost: advertiseHost,
	}
	s.registerMethods()
	return s
}

// URI returns the endpoint URI peers and the directory use to reach this
// node.
func (s *Server) URI() string {
	host := s.advertiseHost
	addr := s.listener.Addr().(*net.TCPAddr)
	if host == "" {
		host = addr.IP.String()
	}
	return fmt.Sprintf("http://%s:%d/", host, addr.Port)
}

// Run serves the endpoint until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{Handler: s.handler}

	stop := context.AfterFunc(ctx, func() {
		_ = s.httpSrv.Close()
	})
	defer stop()

	if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapTransient(err, "slave.Server", "Run", "serve endpoint")
	}
	return ctx.Err()
}

func (s *Server) registerMethods() {
	s.handler.Register("requestTopic", s.handleRequestTopic)
	s.handler.Register("publisherUpdate", s.handlePublisherUpdate)
	s.handler.Register("getBusInfo", s.handleGetBusInfo)
	s.handler.Register("getPid", s.handleGetPid)
	s.handler.Register("getMasterUri", s.handleGetMasterURI)
	s.handler.Register("shutdown", s.handleShutdown)
}

// handleRequestTopic negotiates a topic transport.
// Params: caller, topic, protocols ([[name, ...], ...]).
func (s *Server) handleRequestTopic(params []any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("requestTopic expects 3 parameters, got %d", len(params))
	}
	topic, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("topic must be a string")
	}
	rawProtocols, ok := params[2].([]any)
	if !ok {
		return nil, fmt.Errorf("protocols must be an array")
	}

	protocols := make([]string, 0, len(rawProtocols))
	for _, raw := range rawProtocols {
		entry, ok := raw.([]any)
		if !ok || len(entry) == 0 {
			continue
		}
		if name, ok := entry[0].(string); ok {
			protocols = append(protocols, name)
		}
	}

	host, port, err := s.delegate.RequestTopic(topic, protocols)
	if err != nil {
		s.logger.Debug("requestTopic refused", "topic", topic, "err", err)
		return []any{StatusFailure, err.Error(), []any{}}, nil
	}

	return []any{StatusSuccess, "ready on " + fmt.Sprintf("%s:%d", host, port),
		[]any{ProtocolTCP, host, port}}, nil
}

// handlePublisherUpdate receives the new publisher set for a topic.
// Params: caller, topic, publisher URIs.
func (s *Server) handlePublisherUpdate(params []any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("publisherUpdate expects 3 parameters, got %d", len(params))
	}
	topic, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("topic must be a string")
	}
	rawURIs, ok := params[2].([]any)
	if !ok {
		return nil, fmt.Errorf("publishers must be an array")
	}

	uris := make([]string, 0, len(rawURIs))
	for _, raw := range rawURIs {
		if uri, ok := raw.(string); ok {
			uris = append(uris, uri)
		}
	}

	s.delegate.PublisherUpdate(topic, uris)
	return []any{StatusSuccess, "publisher update received", 0}, nil
}

func (s *Server) handleGetBusInfo(params []any) (any, error) {
	return []any{StatusSuccess, "bus info", s.delegate.BusInfo()}, nil
}

func (s *Server) handleGetPid(params []any) (any, error) {
	return []any{StatusSuccess, "pid", os.Getpid()}, nil
}

func (s *Server) handleGetMasterURI(params []any) (any, error) {
	return []any{StatusSuccess, "master uri", s.delegate.MasterURI()}, nil
}

func (s *Server) handleShutdown(params []any) (any, error) {
	reason := ""
	if len(params) > 1 {
		if msg, ok := params[1].(string); ok {
			reason = msg
		}
	}
	s.logger.Info("shutdown requested via endpoint", "reason", reason)
	s.delegate.ShutdownRequested(reason)
	return []any{StatusSuccess, "shutting down", 0}, nil
}

// Status codes mirrored from the directory contract.
const (
	StatusError   = -1
	StatusFailure = 0
	StatusSuccess = 1
)
