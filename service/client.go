// Package service implements the request/response side of the graph: a
// client that pipelines calls over one persistent connection per service,
// and a server that answers mirrored handshakes and builds responses.
//
// The wire protocol does not multiplex, so response order equals request
// order; the client matches responses to callbacks with a FIFO deque.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/transport"
)

// Result is the outcome of one service call.
type Result struct {
	OK           bool
	Response     message.Message
	ErrorMessage string
	Err          error
}

// Callback receives the outcome of one service call. Callbacks fire in
// request order.
type Callback func(Result)

// Client calls one service over a persistent connection. The connection is
// established lazily on the first call and re-established on the next call
// after a failure.
type Client struct {
	callerID    graph.Name
	declaration graph.ServiceDeclaration
	serializer  message.Serializer
	deserialize message.Deserializer
	logger      *slog.Logger
	metrics     *metric.Metrics

	resolver         func(ctx context.Context) (string, error)
	dial             func(ctx context.Context, addr string) (net.Conn, error)
	handshakeTimeout time.Duration

	// sendMu serializes connection establishment and request writes so the
	// pending deque order always equals wire order. The state mutex mu is
	// never held across socket operations or callbacks.
	sendMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	pending []pendingCall
	closed  bool

	readers sync.WaitGroup
}

type pendingCall struct {
	callback Callback
	started  time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics wires runtime metrics into the client.
func WithClientMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithResolver overrides how the service address is resolved. The default
// uses the URI on the declaration.
func WithResolver(resolver func(ctx context.Context) (string, error)) ClientOption {
	return func(c *Client) {
		c.resolver = resolver
	}
}

// NewClient creates a client for one service.
func NewClient(
	callerID graph.Name,
	declaration graph.ServiceDeclaration,
	serializer message.Serializer,
	deserializer message.Deserializer,
	logger *slog.Logger,
	opts ...ClientOption,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		callerID:         callerID,
		declaration:      declaration,
		serializer:       serializer,
		deserialize:      deserializer,
		logger:           logger.With("service", declaration.Name().String()),
		handshakeTimeout: transport.DefaultHandshakeTimeout,
	}
	c.resolver = func(context.Context) (string, error) {
		if c.declaration.Identifier.URI == "" {
			return "", errors.WrapInvalid(errors.ErrServiceNotFound, "service.Client", "resolve",
				"declaration carries no URI and no resolver is configured")
		}
		return transport.HostPortFromServiceURI(c.declaration.Identifier.URI)
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		dialer := net.Dialer{Timeout: c.handshakeTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"service.Client", "dial", "connect to "+addr)
		}
		return conn, nil
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the service name.
func (c *Client) Name() graph.Name {
	return c.declaration.Name()
}

// Call serializes the request, appends the callback to the pending deque,
// and writes the request on the persistent connection, establishing it
// first if needed. The callback fires from the reader task when the matching
// response arrives. There is no intrinsic call timeout; bound ctx to impose
// one on connection establishment.
func (c *Client) Call(ctx context.Context, request message.Message, callback Callback) error {
	body, err := c.serializer.Serialize(request)
	if err != nil {
		return errors.WrapInvalid(err, "service.Client", "Call", "serialize request")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "service.Client", "Call", "client closed")
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		conn, err = c.connect(ctx)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.pending = append(c.pending, pendingCall{callback: callback, started: time.Now()})
	c.mu.Unlock()

	if err := transport.WriteFrame(conn, body); err != nil {
		// The connection is dead; every queued call fails in order,
		// including the one just added.
		c.failConnection(conn, err)
		return err
	}

	return nil
}

// CallSync performs a call and waits for its outcome. The caller bounds the
// wait with ctx; service calls carry no intrinsic timeout.
func (c *Client) CallSync(ctx context.Context, request message.Message) (message.Message, error) {
	results := make(chan Result, 1)
	if err := c.Call(ctx, request, func(r Result) {
		results <- r
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-results:
		if r.Err != nil {
			return nil, r.Err
		}
		if !r.OK {
			return nil, errors.WrapTransient(
				fmt.Errorf("service returned failure: %s", r.ErrorMessage),
				"service.Client", "CallSync", "remote call")
		}
		return r.Response, nil
	}
}

// Close tears down the connection and fails outstanding calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.failConnection(conn, errors.ErrAlreadyStopped)
	}
	c.readers.Wait()
}

// connect dials the service and completes the handshake. Called with sendMu
// held, so at most one connection attempt is in flight.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	addr, err := c.resolver(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	outbound := transport.NewServiceHeader(c.callerID, c.declaration)
	outbound.Set(transport.FieldPersistent, "1")

	reply, err := transport.ExchangeHeader(conn, outbound, c.handshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if reason, ok := reply.Get(transport.FieldError); ok {
		_ = conn.Close()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrHandshakeRejected, reason),
			"service.Client", "connect", "handshake")
	}

	remoteChecksum := reply.GetOr(transport.FieldMD5Sum, "")
	if !transport.ChecksumsCompatible(remoteChecksum, c.declaration.Description.MD5Sum) {
		_ = conn.Close()
		if c.metrics != nil {
			c.metrics.RecordHandshakeFailure("service")
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: expected [%s], server sent [%s]",
				errors.ErrChecksumMismatch, c.declaration.Description.MD5Sum, remoteChecksum),
			"service.Client", "connect", "validate digest")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordConnectionOpened("service")
	}

	c.readers.Add(1)
	go c.readLoop(conn)

	c.logger.Info("connected to service", "addr", addr)
	return conn, nil
}

// readLoop matches responses to pending callbacks in FIFO order. Any read
// error fails every outstanding call and marks the connection dead; the next
// Call starts a new connection.
func (c *Client) readLoop(conn net.Conn) {
	defer c.readers.Done()

	for {
		ok, body, err := readResponse(conn)
		if err != nil {
			c.failConnection(conn, err)
			return
		}

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			// A response with no outstanding request is protocol corruption.
			c.failConnection(conn, errors.WrapInvalid(errors.ErrInvalidData,
				"service.Client", "readLoop", "unsolicited response"))
			return
		}
		call := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		result := Result{OK: ok}
		if ok {
			response, derr := c.deserialize.Deserialize(body)
			if derr != nil {
				result = Result{Err: errors.WrapInvalid(derr, "service.Client", "readLoop",
					"deserialize response")}
			} else {
				result.Response = response
			}
		} else {
			result.ErrorMessage = string(body)
		}

		if c.metrics != nil {
			c.metrics.RecordServiceCall(c.declaration.Name().String(),
				ok && result.Err == nil, time.Since(call.started))
		}
		call.callback(result)
	}
}

// failConnection drops the connection (if still current) and fails every
// pending call in FIFO order with a transport error. Callbacks run without
// any lock held.
func (c *Client) failConnection(conn net.Conn, cause error) {
	err := errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrConnectionLost, cause),
		"service.Client", "failConnection", "connection failed")

	c.mu.Lock()
	if c.conn != conn {
		// Either a newer connection is live or another task already failed
		// this one; nothing left to do.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	pending := c.pending
	c.pending = nil
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	if c.metrics != nil {
		c.metrics.RecordConnectionClosed("service")
	}

	for _, call := range pending {
		if c.metrics != nil {
			c.metrics.RecordServiceCall(c.declaration.Name().String(), false, time.Since(call.started))
		}
		call.callback(Result{Err: err})
	}
}

// readResponse reads one status byte and one length-prefixed body.
func readResponse(r io.Reader) (ok bool, body []byte, err error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return false, nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"service.Client", "readResponse", "read status byte")
	}
	body, err = transport.ReadFrame(r, transport.DefaultMaxFrameSize)
	if err != nil {
		return false, nil, err
	}
	return status[0] == 1, body, nil
}
