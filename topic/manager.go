package topic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/slave"
	"github.com/c360/rosgraph/transport"
)

// requestTopicFunc negotiates a transport endpoint with a publishing node.
type requestTopicFunc func(ctx context.Context, slaveURI string) (*slave.TopicEndpoint, error)

// dialFunc opens a TCP connection to a negotiated endpoint.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// newQueueFunc builds the incoming queue for one new connection, with
// latched delivery already configured.
type newQueueFunc func(latching bool) (*transport.IncomingQueue, error)

// connectionManager reconciles the authoritative publisher set reported by
// the directory against this subscriber's open connections: one connection
// per distinct publisher, connect tasks coalesced, obsolete connections torn
// down, the target set replaced atomically.
type connectionManager struct {
	callerID         graph.Name
	declaration      graph.TopicDeclaration
	logger           *slog.Logger
	metrics          *metric.Metrics
	handshakeTimeout time.Duration

	requestTopic requestTopicFunc
	dial         dialFunc
	newQueue     newQueueFunc
	onConnect    func(publisherURI string)
	onDisconnect func(q *transport.IncomingQueue)
	onError      func(publisherURI string, err error)

	mu         sync.Mutex
	desired    map[string]bool
	conns      map[string]*publisherConn
	connecting map[string]bool
	closed     bool

	tasks sync.WaitGroup
}

type publisherConn struct {
	uri    string
	conn   net.Conn
	queue  *transport.IncomingQueue
	cancel context.CancelFunc
}

func newConnectionManager(
	callerID graph.Name,
	declaration graph.TopicDeclaration,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *connectionManager {
	m := &connectionManager{
		callerID:         callerID,
		declaration:      declaration,
		logger:           logger,
		metrics:          metrics,
		handshakeTimeout: transport.DefaultHandshakeTimeout,
		desired:          make(map[string]bool),
		conns:            make(map[string]*publisherConn),
		connecting:       make(map[string]bool),
	}

	m.requestTopic = func(ctx context.Context, slaveURI string) (*slave.TopicEndpoint, error) {
		return slave.NewClient(slaveURI, callerID).RequestTopic(ctx, declaration.Name())
	}
	m.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		dialer := net.Dialer{Timeout: m.handshakeTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"connectionManager", "dial", "connect to "+addr)
		}
		return conn, nil
	}

	return m
}

// Update reconciles open connections against a new authoritative target set.
// Connect tasks for new publishers run in the background, at most one per
// publisher at a time; publishers no longer in the target are torn down
// before the method returns.
func (m *connectionManager) Update(ctx context.Context, publisherURIs []string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	target := make(map[string]bool, len(publisherURIs))
	for _, uri := range publisherURIs {
		target[uri] = true
	}

	var toRemove []*publisherConn
	for uri, pc := range m.conns {
		if !target[uri] {
			toRemove = append(toRemove, pc)
			delete(m.conns, uri)
		}
	}

	var toAdd []string
	for uri := range target {
		if m.conns[uri] == nil && !m.connecting[uri] {
			m.connecting[uri] = true
			toAdd = append(toAdd, uri)
		}
	}

	// The new target replaces the old set atomically; connect tasks consult
	// it before attaching so a racing removal wins.
	m.desired = target

	m.tasks.Add(len(toAdd))
	m.mu.Unlock()

	for _, pc := range toRemove {
		m.logger.Info("dropping publisher no longer in target set", "publisher", pc.uri)
		m.teardown(pc)
	}

	for _, uri := range toAdd {
		go m.connectTask(ctx, uri)
	}
}

// Connected returns the URIs of open publisher connections.
func (m *connectionManager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for uri := range m.conns {
		out = append(out, uri)
	}
	return out
}

// Close tears down every connection and waits for connect tasks to finish.
func (m *connectionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*publisherConn, 0, len(m.conns))
	for _, pc := range m.conns {
		conns = append(conns, pc)
	}
	m.conns = make(map[string]*publisherConn)
	m.mu.Unlock()

	for _, pc := range conns {
		m.teardown(pc)
	}
	m.tasks.Wait()
}

func (m *connectionManager) teardown(pc *publisherConn) {
	pc.cancel()
	_ = pc.conn.Close()
	pc.queue.Shutdown()
	if m.onDisconnect != nil {
		m.onDisconnect(pc.queue)
	}
	if m.metrics != nil {
		m.metrics.RecordConnectionClosed("subscriber")
	}
}

// connectTask establishes one publisher connection: negotiate the endpoint,
// dial, handshake, validate the digest, then attach an incoming queue and
// start its dispatcher and read loop.
func (m *connectionManager) connectTask(ctx context.Context, uri string) {
	defer m.tasks.Done()
	defer func() {
		m.mu.Lock()
		delete(m.connecting, uri)
		m.mu.Unlock()
	}()

	endpoint, err := m.requestTopic(ctx, uri)
	if err != nil {
		m.fail(uri, err)
		return
	}

	conn, err := m.dial(ctx, endpoint.Addr())
	if err != nil {
		m.fail(uri, err)
		return
	}

	outbound := transport.NewTopicHeader(m.callerID, m.declaration)
	reply, err := transport.ExchangeHeader(conn, outbound, m.handshakeTimeout)
	if err != nil {
		_ = conn.Close()
		m.fail(uri, err)
		return
	}

	if reason, ok := reply.Get(transport.FieldError); ok {
		_ = conn.Close()
		m.fail(uri, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrHandshakeRejected, reason),
			"connectionManager", "connectTask", "handshake"))
		return
	}

	remoteChecksum := reply.GetOr(transport.FieldMD5Sum, "")
	localChecksum := m.declaration.Description.MD5Sum
	if !transport.ChecksumsCompatible(remoteChecksum, localChecksum) {
		_ = conn.Close()
		if m.metrics != nil {
			m.metrics.RecordHandshakeFailure("subscriber")
		}
		m.fail(uri, errors.WrapInvalid(
			fmt.Errorf("%w: expected [%s], publisher sent [%s]",
				errors.ErrChecksumMismatch, localChecksum, remoteChecksum),
			"connectionManager", "connectTask", "validate digest"))
		return
	}

	latching := reply.GetOr(transport.FieldLatching, "0") == "1"
	queue, err := m.newQueue(latching)
	if err != nil {
		_ = conn.Close()
		m.fail(uri, err)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	pc := &publisherConn{uri: uri, conn: conn, queue: queue, cancel: cancel}

	m.mu.Lock()
	if m.closed || !m.desired[uri] {
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		queue.Shutdown()
		if m.onDisconnect != nil {
			m.onDisconnect(queue)
		}
		return
	}
	m.conns[uri] = pc
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordConnectionOpened("subscriber")
	}

	queue.Start(connCtx)
	m.tasks.Add(1)
	go m.readTask(connCtx, pc)

	m.logger.Info("connected to publisher", "publisher", uri, "endpoint", endpoint.Addr())
	if m.onConnect != nil {
		m.onConnect(uri)
	}
}

// readTask pumps frames from one connection until it dies, then releases the
// connection. The publisher stays absent until the next directory update
// re-adds it.
func (m *connectionManager) readTask(ctx context.Context, pc *publisherConn) {
	defer m.tasks.Done()

	err := pc.queue.ReadLoop(ctx, pc.conn)

	m.mu.Lock()
	current, open := m.conns[pc.uri]
	if open && current == pc {
		delete(m.conns, pc.uri)
	}
	m.mu.Unlock()

	if open && current == pc {
		m.teardown(pc)
	}

	if err != nil && !errors.IsCancelled(err) && ctx.Err() == nil {
		m.fail(pc.uri, err)
	}
}

func (m *connectionManager) fail(uri string, err error) {
	m.logger.Warn("publisher connection failed", "publisher", uri, "err", err)
	if m.metrics != nil {
		m.metrics.RecordError("subscriber", errors.Classify(err).String())
	}
	if m.onError != nil {
		m.onError(uri, err)
	}
}
