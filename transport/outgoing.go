package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/buffer"
)

// DefaultOutgoingRingCapacity is the per-connection outbound ring size.
const DefaultOutgoingRingCapacity = 8

// OutgoingQueue fans published messages out to all attached peer
// connections. A message is serialized exactly once; each attached connection
// owns a small drop-oldest ring drained by its own sender task, so one stalled
// peer never delays the publisher or its siblings.
type OutgoingQueue struct {
	topic        string
	serializer   message.Serializer
	logger       *slog.Logger
	metrics      *metric.Metrics
	ringCapacity int

	mu       sync.Mutex
	channels map[string]*outChannel
	latch    bool
	latched  []byte
	closed   bool

	senders sync.WaitGroup
}

type outChannel struct {
	id     string
	conn   net.Conn
	ring   *buffer.CircularBuffer[[]byte]
	cancel context.CancelFunc
}

// OutgoingOption configures an OutgoingQueue.
type OutgoingOption func(*OutgoingQueue)

// WithOutgoingRingCapacity overrides the per-connection ring capacity.
func WithOutgoingRingCapacity(n int) OutgoingOption {
	return func(q *OutgoingQueue) {
		if n > 0 {
			q.ringCapacity = n
		}
	}
}

// WithOutgoingMetrics wires runtime metrics into the queue.
func WithOutgoingMetrics(m *metric.Metrics) OutgoingOption {
	return func(q *OutgoingQueue) {
		q.metrics = m
	}
}

// NewOutgoingQueue creates a fan-out queue for one publisher.
func NewOutgoingQueue(topic string, serializer message.Serializer, logger *slog.Logger, opts ...OutgoingOption) *OutgoingQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &OutgoingQueue{
		topic:        topic,
		serializer:   serializer,
		logger:       logger,
		ringCapacity: DefaultOutgoingRingCapacity,
		channels:     make(map[string]*outChannel),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetLatch enables or disables latch mode.
func (q *OutgoingQueue) SetLatch(enabled bool) {
	q.mu.Lock()
	q.latch = enabled
	if !enabled {
		q.latched = nil
	}
	q.mu.Unlock()
}

// Latch reports whether latch mode is enabled.
func (q *OutgoingQueue) Latch() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.latch
}

// Put serializes m once and enqueues the bytes to every attached connection.
// It never blocks on peers: a full ring drops its oldest entry. In latch mode
// the serialized bytes become the retained value for future channels.
func (q *OutgoingQueue) Put(m message.Message) error {
	body, err := q.serializer.Serialize(m)
	if err != nil {
		return errors.WrapInvalid(err, "OutgoingQueue", "Put", "serialize message")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.WrapInvalid(errors.ErrQueueClosed, "OutgoingQueue", "Put", "queue shut down")
	}

	if q.latch {
		q.latched = body
	}

	for _, ch := range q.channels {
		_ = ch.ring.Write(body)
	}

	if q.metrics != nil {
		q.metrics.RecordMessagePublished(q.topic, len(body))
	}

	return nil
}

// AddChannel attaches a ready connection and starts its sender task. Adds
// are idempotent per channel id. In latch mode the retained value is enqueued
// before anything published later, so a late subscriber still observes the
// most recent state first.
func (q *OutgoingQueue) AddChannel(ctx context.Context, id string, conn net.Conn) error {
	ring, err := buffer.NewCircularBuffer[[]byte](q.ringCapacity)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.WrapInvalid(errors.ErrQueueClosed, "OutgoingQueue", "AddChannel", "queue shut down")
	}
	if _, exists := q.channels[id]; exists {
		q.mu.Unlock()
		return nil
	}

	senderCtx, cancel := context.WithCancel(ctx)
	ch := &outChannel{id: id, conn: conn, ring: ring, cancel: cancel}
	q.channels[id] = ch

	if q.latch && q.latched != nil {
		_ = ring.Write(q.latched)
	}

	q.senders.Add(1)
	q.mu.Unlock()

	go q.runSender(senderCtx, ch)

	if q.metrics != nil {
		q.metrics.RecordConnectionOpened("publisher")
	}

	return nil
}

// RemoveChannel detaches a connection, closing its ring and socket. No
// further writes are attempted.
func (q *OutgoingQueue) RemoveChannel(id string) {
	q.mu.Lock()
	ch, exists := q.channels[id]
	if exists {
		delete(q.channels, id)
	}
	q.mu.Unlock()

	if exists {
		q.closeChannel(ch)
	}
}

// removeFailed drops a channel after a write failure. Cleanup is silent:
// peer loss is an ordinary event for a publisher.
func (q *OutgoingQueue) removeFailed(ch *outChannel, err error) {
	q.mu.Lock()
	current, exists := q.channels[ch.id]
	if exists && current == ch {
		delete(q.channels, ch.id)
	}
	q.mu.Unlock()

	if exists {
		q.logger.Debug("dropping peer after write failure",
			"topic", q.topic, "channel", ch.id, "err", err)
		q.closeChannel(ch)
	}
}

func (q *OutgoingQueue) closeChannel(ch *outChannel) {
	ch.cancel()
	_ = ch.ring.Close()
	_ = ch.conn.Close()
	if q.metrics != nil {
		q.metrics.RecordConnectionClosed("publisher")
	}
}

// NumChannels returns the number of attached connections.
func (q *OutgoingQueue) NumChannels() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.channels)
}

// Shutdown detaches every connection and rejects further puts. It waits for
// sender tasks to exit.
func (q *OutgoingQueue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	channels := make([]*outChannel, 0, len(q.channels))
	for _, ch := range q.channels {
		channels = append(channels, ch)
	}
	q.channels = make(map[string]*outChannel)
	q.mu.Unlock()

	for _, ch := range channels {
		q.closeChannel(ch)
	}

	q.senders.Wait()
}

// runSender drains one connection's ring onto its socket. The task exits on
// cancellation, ring close, or the first write failure.
func (q *OutgoingQueue) runSender(ctx context.Context, ch *outChannel) {
	defer q.senders.Done()

	for {
		body, err := ch.ring.ReadContext(ctx)
		if err != nil {
			return
		}
		if err := WriteFrame(ch.conn, body); err != nil {
			q.removeFailed(ch, err)
			return
		}
	}
}
