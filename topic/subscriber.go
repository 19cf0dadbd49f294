package topic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/master"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/listener"
	"github.com/c360/rosgraph/transport"
)

// Subscriber is the user-facing handle for one subscribed topic. It owns one
// incoming queue per publisher connection and the connection manager that
// keeps those connections reconciled with the directory's publisher set.
type Subscriber struct {
	node        graph.NodeIdentifier
	declaration graph.TopicDeclaration
	scheduler   listener.Scheduler
	logger      *slog.Logger
	metrics     *metric.Metrics

	manager   *connectionManager
	listeners *listener.Group[SubscriberListener]

	runCtx context.Context

	mu               sync.Mutex
	messageListeners []transport.MessageListener
	queues           map[*transport.IncomingQueue]struct{}
	queueCapacity    int
	shutdown         bool
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithQueueCapacity overrides the per-connection receive buffer capacity.
func WithQueueCapacity(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.queueCapacity = n
		}
	}
}

// WithHandshakeTimeout overrides the connect-and-handshake deadline.
func WithHandshakeTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if d > 0 {
			s.manager.handshakeTimeout = d
		}
	}
}

// NewSubscriber creates a subscriber handle. The deserializer is injected
// per topic; the scheduler is the node's shared pool. ctx bounds all
// connection tasks this subscriber spawns.
func NewSubscriber(
	ctx context.Context,
	node graph.NodeIdentifier,
	declaration graph.TopicDeclaration,
	deserializer message.Deserializer,
	scheduler listener.Scheduler,
	logger *slog.Logger,
	metrics *metric.Metrics,
	opts ...SubscriberOption,
) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("topic", declaration.Name().String())

	s := &Subscriber{
		node:          node,
		declaration:   declaration,
		scheduler:     scheduler,
		logger:        logger,
		metrics:       metrics,
		listeners:     listener.NewGroup[SubscriberListener](scheduler),
		runCtx:        ctx,
		queues:        make(map[*transport.IncomingQueue]struct{}),
		queueCapacity: transport.DefaultIncomingQueueCapacity,
	}

	s.manager = newConnectionManager(node.Name, declaration, logger, metrics)
	s.manager.newQueue = func(latching bool) (*transport.IncomingQueue, error) {
		return s.buildQueue(deserializer, latching)
	}
	s.manager.onConnect = func(publisherURI string) {
		s.listeners.Signal(func(l SubscriberListener) { l.OnNewPublisher(publisherURI) })
	}
	s.manager.onDisconnect = func(q *transport.IncomingQueue) {
		s.mu.Lock()
		delete(s.queues, q)
		s.mu.Unlock()
	}
	s.manager.onError = func(_ string, err error) {
		s.listeners.Signal(func(l SubscriberListener) { l.OnError(err) })
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// buildQueue creates the incoming queue for a fresh connection. The queue
// joins the subscriber's registry atomically with the listener snapshot, so
// a listener added concurrently lands on either the snapshot or the registry
// walk, never neither.
func (s *Subscriber) buildQueue(deserializer message.Deserializer, latching bool) (*transport.IncomingQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := transport.NewIncomingQueue(
		s.declaration.Name().String(), deserializer, s.scheduler, s.logger,
		transport.WithIncomingQueueCapacity(s.queueCapacity),
		transport.WithIncomingMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	q.SetLatch(latching)
	for _, l := range s.messageListeners {
		q.AddListener(l)
	}
	s.queues[q] = struct{}{}
	return q, nil
}

// Identifier returns this subscriber's identity in the graph.
func (s *Subscriber) Identifier() graph.SubscriberIdentifier {
	return graph.SubscriberIdentifier{Node: s.node, Topic: s.declaration.Identifier}
}

// Declaration returns the immutable topic declaration.
func (s *Subscriber) Declaration() graph.TopicDeclaration {
	return s.declaration
}

// Name returns the topic name.
func (s *Subscriber) Name() graph.Name {
	return s.declaration.Name()
}

// AddMessageListener registers a message listener on every current and
// future connection. If a connection is latched, the listener first receives
// the latched message.
func (s *Subscriber) AddMessageListener(l transport.MessageListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messageListeners = append(s.messageListeners, l)
	for q := range s.queues {
		q.AddListener(l)
	}
}

// AddListener registers a lifecycle listener.
func (s *Subscriber) AddListener(l SubscriberListener) {
	s.listeners.Add(l)
}

// UpdatePublishers hands a new authoritative publisher set to the connection
// manager. Called with the registration response first, then with every
// directory publisherUpdate notification.
func (s *Subscriber) UpdatePublishers(publisherURIs []string) {
	s.manager.Update(s.runCtx, publisherURIs)
}

// ConnectedPublishers returns the URIs of open publisher connections.
func (s *Subscriber) ConnectedPublishers() []string {
	return s.manager.Connected()
}

// Shutdown tears down all connections and stops delivery. Undelivered
// messages are discarded.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.manager.Close()
	s.listeners.Signal(func(l SubscriberListener) { l.OnShutdown() })
}

// String implements fmt.Stringer for registrar logs.
func (s *Subscriber) String() string {
	return fmt.Sprintf("subscriber %s", s.Name())
}

// Register announces this subscriber to the directory. The response lists
// the current publishers and seeds the first reconcile.
func (s *Subscriber) Register(ctx context.Context, client *master.Client) error {
	publisherURIs, err := client.RegisterSubscriber(
		ctx, s.Name(), s.declaration.Description.Type, s.node.URI)
	if err != nil {
		return err
	}
	s.UpdatePublishers(publisherURIs)
	return nil
}

// Unregister withdraws this subscriber from the directory.
func (s *Subscriber) Unregister(ctx context.Context, client *master.Client) error {
	_, err := client.UnregisterSubscriber(ctx, s.Name(), s.node.URI)
	return err
}

// SignalRegistrationSuccess implements registration signaling.
func (s *Subscriber) SignalRegistrationSuccess() {
	s.listeners.Signal(func(l SubscriberListener) { l.OnMasterRegistrationSuccess() })
}

// SignalRegistrationFailure implements registration signaling.
func (s *Subscriber) SignalRegistrationFailure(err error) {
	s.listeners.Signal(func(l SubscriberListener) { l.OnMasterRegistrationFailure(err) })
}

// SignalUnregistrationSuccess implements registration signaling.
func (s *Subscriber) SignalUnregistrationSuccess() {
	s.listeners.Signal(func(l SubscriberListener) { l.OnMasterUnregistrationSuccess() })
}

// SignalUnregistrationFailure implements registration signaling.
func (s *Subscriber) SignalUnregistrationFailure(err error) {
	s.listeners.Signal(func(l SubscriberListener) { l.OnMasterUnregistrationFailure(err) })
}
