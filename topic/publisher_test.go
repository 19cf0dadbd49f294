package topic

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/pkg/listener"
	"github.com/c360/rosgraph/transport"
)

var testNode = graph.NodeIdentifier{Name: "/talker", URI: "http://localhost:12345/"}

func testDeclaration() graph.TopicDeclaration {
	return graph.NewTopicDeclaration("/chatter", graph.TopicDescription{
		Type:       message.StringTypeName,
		Definition: message.StringDefinition,
		MD5Sum:     message.StringMD5Sum,
	})
}

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	p := NewPublisher(testNode, testDeclaration(), message.StringCodec{}, listener.GoScheduler{}, nil, nil)
	t.Cleanup(p.Shutdown)
	return p
}

// subscriberHandshake drives the subscriber side of a handshake over conn.
// Safe to call from helper goroutines; errors surface as a nil reply.
func subscriberHandshake(conn net.Conn, md5sum string) *transport.Header {
	h := transport.NewHeader().
		Set(transport.FieldCallerID, "/listener").
		Set(transport.FieldTopic, "/chatter").
		Set(transport.FieldType, message.StringTypeName).
		Set(transport.FieldMD5Sum, md5sum).
		Set(transport.FieldMessageDefinition, message.StringDefinition)
	if err := transport.WriteHeaderBlock(conn, h); err != nil {
		return nil
	}
	reply, err := transport.ReadHeaderBlock(conn)
	if err != nil {
		return nil
	}
	return reply
}

func TestPublisher_HandshakeAndDelivery(t *testing.T) {
	requireT := require.New(t)

	p := newTestPublisher(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	handshakeDone := make(chan *transport.Header, 1)
	go func() {
		remoteHeader := transport.NewHeader().
			Set(transport.FieldCallerID, "/listener").
			Set(transport.FieldTopic, "/chatter").
			Set(transport.FieldMD5Sum, message.StringMD5Sum)
		_ = transport.WriteHeaderBlock(remote, remoteHeader)
		reply, err := transport.ReadHeaderBlock(remote)
		if err == nil {
			handshakeDone <- reply
		}
	}()

	incoming, err := transport.ReadHeaderBlock(local)
	requireT.NoError(err)
	requireT.NoError(p.HandleTopicConnection(context.Background(), local, incoming))

	var reply *transport.Header
	select {
	case reply = <-handshakeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake reply")
	}
	requireT.Equal(message.StringMD5Sum, reply.GetOr(transport.FieldMD5Sum, ""))
	requireT.Equal("/talker", reply.GetOr(transport.FieldCallerID, ""))
	requireT.Equal("0", reply.GetOr(transport.FieldLatching, ""))

	requireT.Equal(1, p.NumSubscribers())
	requireT.Equal([]string{"/listener"}, p.Subscribers())

	// Published messages arrive framed on the wire.
	requireT.NoError(p.Publish(message.String{Data: "hello"}))
	body, err := transport.ReadFrame(remote, transport.DefaultMaxFrameSize)
	requireT.NoError(err)
	m, err := message.StringCodec{}.Deserialize(body)
	requireT.NoError(err)
	requireT.Equal(message.String{Data: "hello"}, m)
}

func TestPublisher_ChecksumMismatchRejected(t *testing.T) {
	requireT := require.New(t)

	p := newTestPublisher(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	replyCh := make(chan *transport.Header, 1)
	go func() {
		reply := subscriberHandshake(remote, "0000deadbeef0000")
		replyCh <- reply
	}()

	incoming, err := transport.ReadHeaderBlock(local)
	requireT.NoError(err)

	err = p.HandleTopicConnection(context.Background(), local, incoming)
	requireT.Error(err)
	requireT.Equal(0, p.NumSubscribers())

	// The peer observes an error header before the close.
	select {
	case reply := <-replyCh:
		requireT.NotNil(reply)
		_, hasError := reply.Get(transport.FieldError)
		requireT.True(hasError)
	case <-time.After(5 * time.Second):
		t.Fatal("no rejection header")
	}
}

func TestPublisher_WildcardChecksumAccepted(t *testing.T) {
	requireT := require.New(t)

	p := newTestPublisher(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	go func() {
		subscriberHandshake(remote, transport.Wildcard)
	}()

	incoming, err := transport.ReadHeaderBlock(local)
	requireT.NoError(err)
	requireT.NoError(p.HandleTopicConnection(context.Background(), local, incoming))
	requireT.Equal(1, p.NumSubscribers())
}

func TestPublisher_LatchedReplayToLateSubscriber(t *testing.T) {
	requireT := require.New(t)

	p := newTestPublisher(t)
	p.SetLatch(true)

	// Publish before anyone is connected.
	requireT.NoError(p.Publish(message.String{Data: "state"}))

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	frames := make(chan []byte, 4)
	go func() {
		reply := subscriberHandshake(remote, message.StringMD5Sum)
		if reply == nil || reply.GetOr(transport.FieldLatching, "0") != "1" {
			return
		}
		for {
			body, err := transport.ReadFrame(remote, transport.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			frames <- body
		}
	}()

	incoming, err := transport.ReadHeaderBlock(local)
	requireT.NoError(err)
	requireT.NoError(p.HandleTopicConnection(context.Background(), local, incoming))

	select {
	case body := <-frames:
		m, err := message.StringCodec{}.Deserialize(body)
		requireT.NoError(err)
		requireT.Equal(message.String{Data: "state"}, m)
	case <-time.After(5 * time.Second):
		t.Fatal("late subscriber never received latched message")
	}
}

func TestPublisher_NewSubscriberListener(t *testing.T) {
	requireT := require.New(t)

	p := newTestPublisher(t)

	var mu sync.Mutex
	var callers []string
	p.AddListener(&newSubscriberRecorder{mu: &mu, callers: &callers})

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	go func() {
		subscriberHandshake(remote, message.StringMD5Sum)
	}()

	incoming, err := transport.ReadHeaderBlock(local)
	requireT.NoError(err)
	requireT.NoError(p.HandleTopicConnection(context.Background(), local, incoming))

	requireT.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(callers) == 1 && callers[0] == "/listener"
	}, 5*time.Second, 5*time.Millisecond)
}

type newSubscriberRecorder struct {
	DefaultPublisherListener
	mu      *sync.Mutex
	callers *[]string
}

func (r *newSubscriberRecorder) OnNewSubscriber(callerID string) {
	r.mu.Lock()
	*r.callers = append(*r.callers, callerID)
	r.mu.Unlock()
}
