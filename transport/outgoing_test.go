package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/rosgraph/message"
)

// readFrames forwards every frame read from the wire into a channel until a
// read fails.
func readFrames(t *testing.T, conn net.Conn, out chan<- []byte) {
	t.Helper()
	go func() {
		for {
			body, err := ReadFrame(conn, DefaultMaxFrameSize)
			if err != nil {
				return
			}
			out <- body
		}
	}()
}

func TestOutgoingQueue_InOrderDelivery(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	defer q.Shutdown()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	frames := make(chan []byte, 16)
	readFrames(t, remote, frames)

	requireT.NoError(q.AddChannel(context.Background(), "peer-1", local))

	want := [][]byte{{1}, {2}, {3}, {4}, {5}}
	for _, body := range want {
		requireT.NoError(q.Put(body))
	}

	for _, expected := range want {
		select {
		case got := <-frames:
			requireT.Equal(expected, got)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestOutgoingQueue_SerializeOnceFanOut(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	defer q.Shutdown()

	localA, remoteA := net.Pipe()
	localB, remoteB := net.Pipe()
	defer func() { _ = remoteA.Close() }()
	defer func() { _ = remoteB.Close() }()

	framesA := make(chan []byte, 4)
	framesB := make(chan []byte, 4)
	readFrames(t, remoteA, framesA)
	readFrames(t, remoteB, framesB)

	requireT.NoError(q.AddChannel(context.Background(), "a", localA))
	requireT.NoError(q.AddChannel(context.Background(), "b", localB))
	requireT.Equal(2, q.NumChannels())

	requireT.NoError(q.Put([]byte("hello")))

	for _, frames := range []chan []byte{framesA, framesB} {
		select {
		case got := <-frames:
			requireT.Equal([]byte("hello"), got)
		case <-time.After(5 * time.Second):
			t.Fatal("peer missed fan-out")
		}
	}
}

func TestOutgoingQueue_LatchedReplayToLateChannel(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	defer q.Shutdown()
	q.SetLatch(true)

	requireT.NoError(q.Put([]byte("stale")))
	requireT.NoError(q.Put([]byte("latest")))

	// A channel attached after the puts still gets the most recent value.
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	frames := make(chan []byte, 4)
	readFrames(t, remote, frames)

	requireT.NoError(q.AddChannel(context.Background(), "late", local))

	select {
	case got := <-frames:
		requireT.Equal([]byte("latest"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("late channel never received latched value")
	}

	// Later puts follow the latched replay in order.
	requireT.NoError(q.Put([]byte("next")))
	select {
	case got := <-frames:
		requireT.Equal([]byte("next"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("late channel never received live value")
	}
}

func TestOutgoingQueue_AddChannelIdempotent(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	defer q.Shutdown()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	frames := make(chan []byte, 4)
	readFrames(t, remote, frames)

	requireT.NoError(q.AddChannel(context.Background(), "peer", local))
	requireT.NoError(q.AddChannel(context.Background(), "peer", local))
	requireT.Equal(1, q.NumChannels())

	requireT.NoError(q.Put([]byte("once")))
	select {
	case got := <-frames:
		requireT.Equal([]byte("once"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame")
	}
	select {
	case <-frames:
		t.Fatal("duplicate channel delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutgoingQueue_SlowPeerNeverBlocksPublisher(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil, WithOutgoingRingCapacity(2))
	defer q.Shutdown()

	// The remote end never reads, so the sender blocks on the first frame
	// and the ring absorbs the rest.
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	requireT.NoError(q.AddChannel(context.Background(), "stalled", local))

	for i := byte(1); i <= 10; i++ {
		requireT.NoError(q.Put([]byte{i}))
	}

	// The publisher was never blocked; that is the property under test.
	requireT.Equal(1, q.NumChannels())
}

func TestOutgoingQueue_RemoveChannelStopsDelivery(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	defer q.Shutdown()

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	frames := make(chan []byte, 4)
	readFrames(t, remote, frames)

	requireT.NoError(q.AddChannel(context.Background(), "peer", local))
	q.RemoveChannel("peer")
	requireT.Equal(0, q.NumChannels())

	requireT.NoError(q.Put([]byte("after")))
	select {
	case <-frames:
		t.Fatal("removed channel still receiving")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutgoingQueue_WriteFailureRemovesChannelSilently(t *testing.T) {
	requireT := require.New(t)

	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	defer q.Shutdown()

	local, remote := net.Pipe()
	requireT.NoError(q.AddChannel(context.Background(), "dying", local))

	// Closing the remote end makes the next write fail; the channel must be
	// cleaned up without affecting the queue.
	_ = remote.Close()
	requireT.NoError(q.Put([]byte("doomed")))

	requireT.Eventually(func() bool {
		return q.NumChannels() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Queue remains usable.
	requireT.NoError(q.Put([]byte("fine")))
}

func TestOutgoingQueue_PutAfterShutdownFails(t *testing.T) {
	q := NewOutgoingQueue("/foo", message.Raw{}, nil)
	q.Shutdown()
	require.Error(t, q.Put([]byte("nope")))
}
