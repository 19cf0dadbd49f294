package buffer

import (
	"context"
	"sync"

	"github.com/c360/rosgraph/errors"
)

// CircularBuffer is a thread-safe circular buffer with configurable overflow
// policies and a blocking read path for dispatcher loops.
type CircularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics // optional Prometheus metrics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*CircularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)

	return cb, nil
}

// Write adds an item to the buffer according to the overflow policy.
// It never blocks.
func (cb *CircularBuffer[T]) Write(item T) error {
	// The drop callback runs after the lock is released to avoid deadlock.
	var onDrop func()
	defer func() {
		if onDrop != nil {
			onDrop()
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrQueueClosed, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			droppedItem := cb.items[cb.tail]
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--

			cb.stats.Overflow()
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordDrop()
			}

			if cb.opts.dropCallback != nil {
				onDrop = func() { cb.opts.dropCallback(droppedItem) }
			}

		case DropNewest:
			cb.stats.Overflow()
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordDrop()
			}

			if cb.opts.dropCallback != nil {
				onDrop = func() { cb.opts.dropCallback(item) }
			}
			return nil
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()

	return nil
}

// Read retrieves and removes one item from the buffer without blocking.
func (cb *CircularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.readLocked()
}

func (cb *CircularBuffer[T]) readLocked() (T, bool) {
	var zero T

	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero // clear for GC
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}

	return item, true
}

// ReadContext blocks until an item is available, the context is cancelled, or
// the buffer is closed. Each item is returned to exactly one reader.
func (cb *CircularBuffer[T]) ReadContext(ctx context.Context) (T, error) {
	var zero T

	// Wake blocked readers when the context is cancelled. Broadcast is safe
	// without holding the mutex.
	stop := context.AfterFunc(ctx, func() {
		cb.notEmpty.Broadcast()
	})
	defer stop()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if cb.closed {
			return zero, errors.ErrQueueClosed
		}
		if item, ok := cb.readLocked(); ok {
			return item, nil
		}
		cb.notEmpty.Wait()
	}
}

// Size returns the current number of items in the buffer.
func (cb *CircularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *CircularBuffer[T]) Capacity() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.capacity
}

// SetLimit adjusts the capacity at runtime. Shrinking below the current size
// drops the oldest items to fit.
func (cb *CircularBuffer[T]) SetLimit(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if capacity == cb.capacity {
		return
	}

	var dropped []T
	for cb.size > capacity {
		dropped = append(dropped, cb.items[cb.tail])
		var zero T
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--

		cb.stats.Overflow()
		cb.stats.Drop()
		if cb.metrics != nil {
			cb.metrics.recordOverflow()
			cb.metrics.recordDrop()
		}
	}

	items := make([]T, capacity)
	for i := 0; i < cb.size; i++ {
		items[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	cb.items = items
	cb.capacity = capacity
	cb.head = cb.size % capacity
	cb.tail = 0

	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	if cb.opts.dropCallback != nil && len(dropped) > 0 {
		defer func() {
			for _, item := range dropped {
				cb.opts.dropCallback(item)
			}
		}()
	}
}

// Clear removes all items from the buffer.
func (cb *CircularBuffer[T]) Clear() {
	var itemsToDrop []T
	// Call callbacks outside the lock to avoid deadlock
	defer func() {
		for _, item := range itemsToDrop {
			cb.opts.dropCallback(item)
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T

	if cb.opts.dropCallback != nil && cb.size > 0 {
		itemsToDrop = make([]T, cb.size)
		for i := 0; i < cb.size; i++ {
			itemsToDrop[i] = cb.items[(cb.tail+i)%cb.capacity]
		}
	}

	for i := 0; i < cb.capacity; i++ {
		cb.items[i] = zero
	}

	cb.head = 0
	cb.tail = 0
	cb.size = 0

	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
}

// Stats returns buffer statistics (always available for observability).
func (cb *CircularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and wakes all blocked readers. Remaining items
// are discarded.
func (cb *CircularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}

	cb.closed = true
	cb.notEmpty.Broadcast()

	return nil
}
