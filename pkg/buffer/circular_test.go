package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](4)
	requireT.NoError(err)

	for i := 1; i <= 3; i++ {
		requireT.NoError(cb.Write(i))
	}

	for i := 1; i <= 3; i++ {
		item, ok := cb.Read()
		requireT.True(ok)
		requireT.Equal(i, item)
	}

	_, ok := cb.Read()
	requireT.False(ok)
}

func TestCircularBuffer_DropOldestContents(t *testing.T) {
	requireT := require.New(t)

	// Capacity k, producer sequence longer than k, no consumer: contents must
	// be exactly the last k elements.
	const k = 4
	cb, err := NewCircularBuffer[int](k)
	requireT.NoError(err)

	for i := 1; i <= 10; i++ {
		requireT.NoError(cb.Write(i))
	}

	requireT.Equal(k, cb.Size())
	for want := 7; want <= 10; want++ {
		item, ok := cb.Read()
		requireT.True(ok)
		requireT.Equal(want, item)
	}
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))
	requireT.NoError(err)

	requireT.NoError(cb.Write(1))
	requireT.NoError(cb.Write(2))
	requireT.NoError(cb.Write(3)) // dropped

	item, ok := cb.Read()
	requireT.True(ok)
	requireT.Equal(1, item)
	item, ok = cb.Read()
	requireT.True(ok)
	requireT.Equal(2, item)
	_, ok = cb.Read()
	requireT.False(ok)
}

func TestCircularBuffer_DropCallback(t *testing.T) {
	requireT := require.New(t)

	var mu sync.Mutex
	var dropped []int
	cb, err := NewCircularBuffer[int](2, WithDropCallback[int](func(item int) {
		mu.Lock()
		dropped = append(dropped, item)
		mu.Unlock()
	}))
	requireT.NoError(err)

	for i := 1; i <= 4; i++ {
		requireT.NoError(cb.Write(i))
	}

	mu.Lock()
	defer mu.Unlock()
	requireT.Equal([]int{1, 2}, dropped)
}

func TestCircularBuffer_ReadContextBlocks(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[string](4)
	requireT.NoError(err)

	result := make(chan string, 1)
	go func() {
		item, err := cb.ReadContext(context.Background())
		if err == nil {
			result <- item
		}
	}()

	// Reader must block while the buffer is empty.
	select {
	case <-result:
		t.Fatal("read returned before write")
	case <-time.After(50 * time.Millisecond):
	}

	requireT.NoError(cb.Write("hello"))

	select {
	case item := <-result:
		requireT.Equal("hello", item)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reader never woke up")
	}
}

func TestCircularBuffer_ReadContextCancelled(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](4)
	requireT.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cb.ReadContext(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		requireT.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled reader never woke up")
	}
}

func TestCircularBuffer_ReadContextExactlyOnce(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](128)
	requireT.NoError(err)

	const n = 100
	results := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := cb.ReadContext(context.Background())
				if err != nil {
					return
				}
				results <- item
			}
		}()
	}

	for i := 0; i < n; i++ {
		requireT.NoError(cb.Write(i))
	}

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		select {
		case item := <-results:
			requireT.False(seen[item], "item %d delivered twice", item)
			seen[item] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for items")
		}
	}

	requireT.NoError(cb.Close())
	wg.Wait()
}

func TestCircularBuffer_SetLimitShrinkDropsOldest(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](8)
	requireT.NoError(err)

	for i := 1; i <= 6; i++ {
		requireT.NoError(cb.Write(i))
	}

	cb.SetLimit(3)
	requireT.Equal(3, cb.Capacity())
	requireT.Equal(3, cb.Size())

	for want := 4; want <= 6; want++ {
		item, ok := cb.Read()
		requireT.True(ok)
		requireT.Equal(want, item)
	}
}

func TestCircularBuffer_SetLimitGrow(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](2)
	requireT.NoError(err)

	requireT.NoError(cb.Write(1))
	requireT.NoError(cb.Write(2))

	cb.SetLimit(5)
	requireT.Equal(5, cb.Capacity())

	// No overflow now that there is room.
	requireT.NoError(cb.Write(3))
	requireT.Equal(3, cb.Size())

	for want := 1; want <= 3; want++ {
		item, ok := cb.Read()
		requireT.True(ok)
		requireT.Equal(want, item)
	}
}

func TestCircularBuffer_CloseWakesReaders(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](4)
	requireT.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := cb.ReadContext(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	requireT.NoError(cb.Close())

	select {
	case err := <-errCh:
		requireT.Error(err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader not woken by close")
	}

	// Writes after close fail.
	requireT.Error(cb.Write(1))
}

func TestCircularBuffer_Stats(t *testing.T) {
	requireT := require.New(t)

	cb, err := NewCircularBuffer[int](2)
	requireT.NoError(err)

	requireT.NoError(cb.Write(1))
	requireT.NoError(cb.Write(2))
	requireT.NoError(cb.Write(3)) // overflow

	cb.Read()

	stats := cb.Stats().Summary()
	assert.Equal(t, int64(3), stats.Writes)
	assert.Equal(t, int64(1), stats.Reads)
	assert.Equal(t, int64(1), stats.Overflows)
	assert.Equal(t, int64(1), stats.Drops)
	assert.Equal(t, int64(1), stats.CurrentSize)
	assert.Equal(t, int64(2), stats.MaxSize)
}
