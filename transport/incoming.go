package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/buffer"
	"github.com/c360/rosgraph/pkg/listener"
)

// DefaultIncomingQueueCapacity is the per-connection receive buffer size.
const DefaultIncomingQueueCapacity = 8192

// MessageListener receives dispatched messages.
type MessageListener interface {
	OnMessage(m message.Message)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(m message.Message)

// OnMessage implements MessageListener.
func (f MessageListenerFunc) OnMessage(m message.Message) {
	f(m)
}

// IncomingQueue is the per-connection receive pipeline of a subscriber:
// wire frame -> deserialize -> bounded queue -> dispatcher -> listeners.
// Listeners run on the shared scheduler with per-listener FIFO, so a slow
// listener blocks neither the dispatcher nor other listeners.
type IncomingQueue struct {
	topic        string
	deserializer message.Deserializer
	logger       *slog.Logger
	metrics      *metric.Metrics

	queue     *buffer.CircularBuffer[message.Message]
	listeners *listener.Group[MessageListener]

	mu         sync.Mutex
	latch      bool
	latched    message.Message
	hasLatched bool

	cancel     context.CancelFunc
	dispatched sync.WaitGroup
	startOnce  sync.Once
}

// IncomingOption configures an IncomingQueue.
type IncomingOption func(*incomingConfig)

type incomingConfig struct {
	capacity int
	metrics  *metric.Metrics
}

// WithIncomingQueueCapacity overrides the receive buffer capacity.
func WithIncomingQueueCapacity(n int) IncomingOption {
	return func(c *incomingConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithIncomingMetrics wires runtime metrics into the queue.
func WithIncomingMetrics(m *metric.Metrics) IncomingOption {
	return func(c *incomingConfig) {
		c.metrics = m
	}
}

// NewIncomingQueue creates a receive pipeline for one subscriber connection.
func NewIncomingQueue(
	topic string,
	deserializer message.Deserializer,
	scheduler listener.Scheduler,
	logger *slog.Logger,
	opts ...IncomingOption,
) (*IncomingQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := incomingConfig{capacity: DefaultIncomingQueueCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	queue, err := buffer.NewCircularBuffer[message.Message](cfg.capacity)
	if err != nil {
		return nil, err
	}

	return &IncomingQueue{
		topic:        topic,
		deserializer: deserializer,
		logger:       logger,
		metrics:      cfg.metrics,
		queue:        queue,
		listeners:    listener.NewGroup[MessageListener](scheduler),
	}, nil
}

// SetLatch enables or disables latched delivery to late listeners.
func (q *IncomingQueue) SetLatch(enabled bool) {
	q.mu.Lock()
	q.latch = enabled
	q.mu.Unlock()
}

// Latch reports whether latched delivery is enabled.
func (q *IncomingQueue) Latch() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.latch
}

// AddListener registers a listener. If latched delivery is on and a message
// has been dispatched, the listener first receives that message, before any
// future deliveries.
func (q *IncomingQueue) AddListener(l MessageListener) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.listeners.Add(l)
	if q.latch && q.hasLatched {
		latched := q.latched
		q.listeners.SignalOne(h, func(target MessageListener) {
			target.OnMessage(latched)
		})
	}
}

// NumListeners returns the number of registered listeners.
func (q *IncomingQueue) NumListeners() int {
	return q.listeners.Size()
}

// Start launches the dispatcher task. It is idempotent.
func (q *IncomingQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		dispatchCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		q.dispatched.Add(1)
		go q.runDispatcher(dispatchCtx)
	})
}

// HandleFrame deserializes one wire frame and enqueues the message. A full
// queue drops the oldest message rather than stalling the socket reader.
func (q *IncomingQueue) HandleFrame(body []byte) error {
	m, err := q.deserializer.Deserialize(body)
	if err != nil {
		return errors.WrapInvalid(err, "IncomingQueue", "HandleFrame", "deserialize message")
	}
	if q.metrics != nil {
		q.metrics.RecordMessageReceived(q.topic, len(body))
	}
	return q.queue.Write(m)
}

// ReadLoop reads frames from the connection until cancellation or the first
// read error, feeding each into the queue. It returns the terminating error.
func (q *IncomingQueue) ReadLoop(ctx context.Context, r io.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := ReadFrame(r, DefaultMaxFrameSize)
		if err != nil {
			return err
		}
		if err := q.HandleFrame(body); err != nil {
			q.logger.Warn("discarding undecodable message", "topic", q.topic, "err", err)
		}
	}
}

// Shutdown cancels the dispatcher and discards undelivered messages.
func (q *IncomingQueue) Shutdown() {
	if q.cancel != nil {
		q.cancel()
	}
	_ = q.queue.Close()
	q.dispatched.Wait()
	q.queue.Clear()
}

// runDispatcher delivers queued messages to listeners in arrival order. The
// latched slot is updated under the same critical section that snapshots the
// listener set, so a listener added concurrently either receives the message
// as latched replay or as a live delivery, never both and never neither.
func (q *IncomingQueue) runDispatcher(ctx context.Context) {
	defer q.dispatched.Done()

	for {
		m, err := q.queue.ReadContext(ctx)
		if err != nil {
			return
		}

		q.mu.Lock()
		q.latched = m
		q.hasLatched = true
		q.listeners.Signal(func(target MessageListener) {
			target.OnMessage(m)
		})
		q.mu.Unlock()
	}
}
