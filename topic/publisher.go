package topic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/master"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/listener"
	"github.com/c360/rosgraph/transport"
)

// Publisher is the user-facing handle for one published topic. It owns the
// outgoing fan-out queue and the set of subscriber connections, and accepts
// subscriber handshakes routed to it by the node's transport server.
type Publisher struct {
	node        graph.NodeIdentifier
	declaration graph.TopicDeclaration
	queue       *transport.OutgoingQueue
	logger      *slog.Logger
	metrics     *metric.Metrics
	listeners   *listener.Group[PublisherListener]

	mu          sync.Mutex
	subscribers map[string]string // connection id -> caller id
	shutdown    bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	ringCapacity int
}

// WithRingCapacity overrides the per-connection outbound ring size.
func WithRingCapacity(n int) PublisherOption {
	return func(c *publisherConfig) {
		if n > 0 {
			c.ringCapacity = n
		}
	}
}

// NewPublisher creates a publisher handle. The serializer is injected per
// topic; the scheduler is the node's shared pool.
func NewPublisher(
	node graph.NodeIdentifier,
	declaration graph.TopicDeclaration,
	serializer message.Serializer,
	scheduler listener.Scheduler,
	logger *slog.Logger,
	metrics *metric.Metrics,
	opts ...PublisherOption,
) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("topic", declaration.Name().String())

	cfg := publisherConfig{ringCapacity: transport.DefaultOutgoingRingCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Publisher{
		node:        node,
		declaration: declaration,
		queue: transport.NewOutgoingQueue(
			declaration.Name().String(), serializer, logger,
			transport.WithOutgoingRingCapacity(cfg.ringCapacity),
			transport.WithOutgoingMetrics(metrics)),
		logger:      logger,
		metrics:     metrics,
		listeners:   listener.NewGroup[PublisherListener](scheduler),
		subscribers: make(map[string]string),
	}
}

// Identifier returns this publisher's identity in the graph.
func (p *Publisher) Identifier() graph.PublisherIdentifier {
	return graph.PublisherIdentifier{Node: p.node, Topic: p.declaration.Identifier}
}

// Declaration returns the immutable topic declaration.
func (p *Publisher) Declaration() graph.TopicDeclaration {
	return p.declaration
}

// Name returns the topic name.
func (p *Publisher) Name() graph.Name {
	return p.declaration.Name()
}

// SetLatch enables latch mode: the most recent message is retained and
// replayed to subscribers that connect later.
func (p *Publisher) SetLatch(enabled bool) {
	p.queue.SetLatch(enabled)
}

// Latch reports whether latch mode is enabled.
func (p *Publisher) Latch() bool {
	return p.queue.Latch()
}

// Publish serializes the message once and enqueues it to every connected
// subscriber. It never blocks on slow peers.
func (p *Publisher) Publish(m message.Message) error {
	return p.queue.Put(m)
}

// NumSubscribers returns the number of connected subscribers.
func (p *Publisher) NumSubscribers() int {
	return p.queue.NumChannels()
}

// HasSubscribers reports whether any subscriber is connected.
func (p *Publisher) HasSubscribers() bool {
	return p.queue.NumChannels() > 0
}

// Subscribers returns the caller ids of connected subscribers.
func (p *Publisher) Subscribers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subscribers))
	for _, callerID := range p.subscribers {
		out = append(out, callerID)
	}
	return out
}

// AddListener registers a lifecycle listener.
func (p *Publisher) AddListener(l PublisherListener) {
	p.listeners.Add(l)
}

// HandleTopicConnection finishes a subscriber handshake: validates the
// incoming header, writes the reply, and attaches the connection to the
// fan-out queue. The connection joins the queue only after the reply is
// fully written, so the subscriber never sees a message before the header.
func (p *Publisher) HandleTopicConnection(ctx context.Context, conn net.Conn, remote *transport.Header) error {
	remoteChecksum := remote.GetOr(transport.FieldMD5Sum, "")
	localChecksum := p.declaration.Description.MD5Sum
	if !transport.ChecksumsCompatible(remoteChecksum, localChecksum) {
		reason := fmt.Sprintf("checksum mismatch for topic [%s]: expected [%s], got [%s]",
			p.Name(), localChecksum, remoteChecksum)
		if p.metrics != nil {
			p.metrics.RecordHandshakeFailure("publisher")
		}
		_ = transport.WriteHeaderBlock(conn, transport.NewErrorHeader(reason))
		_ = conn.Close()
		return errors.WrapInvalid(errors.ErrChecksumMismatch, "Publisher", "HandleTopicConnection", reason)
	}

	if remote.GetOr(transport.FieldTCPNoDelay, "0") == "1" {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}

	reply := transport.NewTopicHeader(p.node.Name, p.declaration)
	latching := "0"
	if p.queue.Latch() {
		latching = "1"
	}
	reply.Set(transport.FieldLatching, latching)
	if err := transport.WriteHeaderBlock(conn, reply); err != nil {
		_ = conn.Close()
		return err
	}

	connID := uuid.NewString()
	callerID := remote.GetOr(transport.FieldCallerID, "")

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		_ = conn.Close()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Publisher", "HandleTopicConnection",
			"publisher shut down")
	}
	p.subscribers[connID] = callerID
	p.mu.Unlock()

	if err := p.queue.AddChannel(ctx, connID, conn); err != nil {
		p.mu.Lock()
		delete(p.subscribers, connID)
		p.mu.Unlock()
		_ = conn.Close()
		return err
	}

	p.logger.Info("subscriber connected", "caller", callerID, "remote", conn.RemoteAddr())
	p.listeners.Signal(func(l PublisherListener) {
		l.OnNewSubscriber(callerID)
	})

	return nil
}

// Shutdown tears down all subscriber connections and rejects further
// publishes.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.subscribers = make(map[string]string)
	p.mu.Unlock()

	p.queue.Shutdown()
	p.listeners.Signal(func(l PublisherListener) {
		l.OnShutdown()
	})
}

// String implements fmt.Stringer for registrar logs.
func (p *Publisher) String() string {
	return fmt.Sprintf("publisher %s", p.Name())
}

// Register announces this publisher to the directory.
func (p *Publisher) Register(ctx context.Context, client *master.Client) error {
	_, err := client.RegisterPublisher(ctx, p.Name(), p.declaration.Description.Type, p.node.URI)
	return err
}

// Unregister withdraws this publisher from the directory.
func (p *Publisher) Unregister(ctx context.Context, client *master.Client) error {
	_, err := client.UnregisterPublisher(ctx, p.Name(), p.node.URI)
	return err
}

// SignalRegistrationSuccess implements registration signaling.
func (p *Publisher) SignalRegistrationSuccess() {
	p.listeners.Signal(func(l PublisherListener) { l.OnMasterRegistrationSuccess() })
}

// SignalRegistrationFailure implements registration signaling.
func (p *Publisher) SignalRegistrationFailure(err error) {
	p.listeners.Signal(func(l PublisherListener) { l.OnMasterRegistrationFailure(err) })
}

// SignalUnregistrationSuccess implements registration signaling.
func (p *Publisher) SignalUnregistrationSuccess() {
	p.listeners.Signal(func(l PublisherListener) { l.OnMasterUnregistrationSuccess() })
}

// SignalUnregistrationFailure implements registration signaling.
func (p *Publisher) SignalUnregistrationFailure(err error) {
	p.listeners.Signal(func(l PublisherListener) { l.OnMasterUnregistrationFailure(err) })
}
