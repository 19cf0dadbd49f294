package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/pkg/listener"
	"github.com/c360/rosgraph/transport"
)

const addTwoIntsMD5 = "6a2e34150c00229791cc89ff309fff21"

type addRequest struct {
	A int64
	B int64
}

type addResponse struct {
	Sum int64
}

type addRequestCodec struct{}

func (addRequestCodec) Serialize(m message.Message) ([]byte, error) {
	req, ok := m.(addRequest)
	if !ok {
		return nil, fmt.Errorf("not an addRequest: %T", m)
	}
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body, uint64(req.A))
	binary.LittleEndian.PutUint64(body[8:], uint64(req.B))
	return body, nil
}

func (addRequestCodec) Deserialize(data []byte) (message.Message, error) {
	if len(data) != 16 {
		return nil, fmt.Errorf("bad request length %d", len(data))
	}
	return addRequest{
		A: int64(binary.LittleEndian.Uint64(data)),
		B: int64(binary.LittleEndian.Uint64(data[8:])),
	}, nil
}

type addResponseCodec struct{}

func (addResponseCodec) Serialize(m message.Message) ([]byte, error) {
	resp, ok := m.(addResponse)
	if !ok {
		return nil, fmt.Errorf("not an addResponse: %T", m)
	}
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(resp.Sum))
	return body, nil
}

func (addResponseCodec) Deserialize(data []byte) (message.Message, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("bad response length %d", len(data))
	}
	return addResponse{Sum: int64(binary.LittleEndian.Uint64(data))}, nil
}

func addTwoIntsDeclaration(uri string) graph.ServiceDeclaration {
	return graph.NewServiceDeclaration(
		graph.ServiceIdentifier{Name: "/add_two_ints", URI: uri},
		graph.ServiceDescription{
			Type:   "rospy_tutorials/AddTwoInts",
			MD5Sum: addTwoIntsMD5,
		})
}

var serverNode = graph.NodeIdentifier{Name: "/server_node", URI: "http://localhost:11312/"}

// startServiceServer wires a service server behind a real transport listener
// and returns the dialable address.
func startServiceServer(t *testing.T, builder ResponseBuilder) string {
	t.Helper()

	ls, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(serverNode, addTwoIntsDeclaration("rosrpc://"+ls.Addr().String()),
		builder, addRequestCodec{}, addResponseCodec{}, listener.GoScheduler{}, nil, nil)
	t.Cleanup(srv.Shutdown)

	ts := transport.NewServer(ls, nil)
	ts.RegisterService("/add_two_ints", srv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ts.Run(ctx) }()

	return ls.Addr().String()
}

func newAddClient(t *testing.T, addr string) *Client {
	t.Helper()
	c := NewClient("/client_node", addTwoIntsDeclaration("rosrpc://"+addr),
		addRequestCodec{}, addResponseCodec{}, nil)
	t.Cleanup(c.Close)
	return c
}

func addBuilder(_ context.Context, request message.Message) (message.Message, error) {
	req := request.(addRequest)
	return addResponse{Sum: req.A + req.B}, nil
}

func TestServiceRoundTrip(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, addBuilder)
	client := newAddClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.CallSync(ctx, addRequest{A: 3, B: 4})
	requireT.NoError(err)
	requireT.Equal(addResponse{Sum: 7}, resp)

	// A second call reuses the persistent connection.
	resp, err = client.CallSync(ctx, addRequest{A: 10, B: -4})
	requireT.NoError(err)
	requireT.Equal(addResponse{Sum: 6}, resp)
}

func TestServiceConcurrentCalls(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, addBuilder)
	client := newAddClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]addResponse, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.CallSync(ctx, addRequest{A: int64(i), B: int64(i)})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = resp.(addResponse)
		}(i)
	}
	wg.Wait()

	for i := range results {
		requireT.NoError(errs[i])
		requireT.Equal(addResponse{Sum: int64(2 * i)}, results[i])
	}
}

func TestServiceResponsesMatchRequestsInOrder(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, addBuilder)
	client := newAddClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 20
	var mu sync.Mutex
	var sums []int64
	done := make(chan struct{}, n)

	// Pipelined asynchronous calls: callback order must equal request order.
	for i := 0; i < n; i++ {
		i := i
		err := client.Call(ctx, addRequest{A: int64(i), B: 0}, func(r Result) {
			mu.Lock()
			if r.OK {
				sums = append(sums, r.Response.(addResponse).Sum)
			}
			mu.Unlock()
			done <- struct{}{}
		})
		requireT.NoError(err)
	}

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	requireT.Len(sums, n)
	for i := int64(0); i < n; i++ {
		requireT.Equal(i, sums[i])
	}
}

func TestServiceBuilderFailureReachesCaller(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, func(_ context.Context, request message.Message) (message.Message, error) {
		req := request.(addRequest)
		if req.A < 0 {
			return nil, fmt.Errorf("a must be non-negative, got %d", req.A)
		}
		return addResponse{Sum: req.A + req.B}, nil
	})
	client := newAddClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(chan Result, 1)
	requireT.NoError(client.Call(ctx, addRequest{A: -1, B: 2}, func(r Result) {
		results <- r
	}))

	select {
	case r := <-results:
		requireT.NoError(r.Err)
		requireT.False(r.OK)
		requireT.Contains(r.ErrorMessage, "must be non-negative")
	case <-time.After(10 * time.Second):
		t.Fatal("no failure callback")
	}

	// The connection survives a failed request.
	resp, err := client.CallSync(ctx, addRequest{A: 1, B: 2})
	requireT.NoError(err)
	requireT.Equal(addResponse{Sum: 3}, resp)
}

func TestServiceTransportErrorFailsAllPendingInOrder(t *testing.T) {
	requireT := require.New(t)

	// A raw server that accepts the handshake but never reads or answers
	// requests; closing it fails every pending call.
	ls, err := net.Listen("tcp", "127.0.0.1:0")
	requireT.NoError(err)

	acceptedConns := make(chan net.Conn, 1)
	go func() {
		conn, err := ls.Accept()
		if err != nil {
			return
		}
		if _, err := transport.ReadHeaderBlock(conn); err != nil {
			return
		}
		reply := transport.NewHeader().
			Set(transport.FieldCallerID, "/server_node").
			Set(transport.FieldMD5Sum, addTwoIntsMD5).
			Set(transport.FieldType, "rospy_tutorials/AddTwoInts")
		if err := transport.WriteHeaderBlock(conn, reply); err != nil {
			return
		}
		acceptedConns <- conn
	}()

	client := newAddClient(t, ls.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 5
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		requireT.NoError(client.Call(ctx, addRequest{A: int64(i)}, func(r Result) {
			if r.Err != nil {
				order <- i
			}
		}))
	}

	var conn net.Conn
	select {
	case conn = <-acceptedConns:
	case <-time.After(10 * time.Second):
		t.Fatal("server never accepted")
	}
	_ = conn.Close()

	// All pending callbacks fail, in request order.
	for want := 0; want < n; want++ {
		select {
		case got := <-order:
			requireT.Equal(want, got)
		case <-time.After(10 * time.Second):
			t.Fatal("pending call never failed")
		}
	}

	_ = ls.Close()
}

func TestServiceReconnectAfterFailure(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, addBuilder)
	client := newAddClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.CallSync(ctx, addRequest{A: 1, B: 1})
	requireT.NoError(err)
	requireT.Equal(addResponse{Sum: 2}, resp)

	// Kill the live connection from the client side; the next call dials a
	// fresh one.
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()
	requireT.NotNil(conn)
	_ = conn.Close()

	requireT.Eventually(func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.conn == nil
	}, 10*time.Second, 10*time.Millisecond)

	resp, err = client.CallSync(ctx, addRequest{A: 2, B: 2})
	requireT.NoError(err)
	requireT.Equal(addResponse{Sum: 4}, resp)
}

func TestServiceDigestMismatchRejected(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, addBuilder)

	decl := graph.NewServiceDeclaration(
		graph.ServiceIdentifier{Name: "/add_two_ints", URI: "rosrpc://" + addr},
		graph.ServiceDescription{Type: "rospy_tutorials/AddTwoInts", MD5Sum: "ffffffffffffffff"})
	client := NewClient("/client_node", decl, addRequestCodec{}, addResponseCodec{}, nil)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.Call(ctx, addRequest{A: 1, B: 1}, func(Result) {})
	requireT.Error(err)
	requireT.True(errors.IsInvalid(err))
}

func TestServiceWildcardClientAccepted(t *testing.T) {
	requireT := require.New(t)

	addr := startServiceServer(t, addBuilder)

	decl := graph.NewServiceDeclaration(
		graph.ServiceIdentifier{Name: "/add_two_ints", URI: "rosrpc://" + addr},
		graph.ServiceDescription{Type: transport.Wildcard, MD5Sum: transport.Wildcard})
	client := NewClient("/client_node", decl, addRequestCodec{}, addResponseCodec{}, nil)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.CallSync(ctx, addRequest{A: 5, B: 5})
	requireT.NoError(err)
	requireT.Equal(addResponse{Sum: 10}, resp)
}
