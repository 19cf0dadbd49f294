package xmlrpc

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_RoundTrip(t *testing.T) {
	requireT := require.New(t)

	params := []any{
		"/talker",
		"/foo",
		[]any{[]any{"TCPROS"}},
		42,
		true,
		1.5,
	}

	body, err := EncodeRequest("requestTopic", params)
	requireT.NoError(err)

	method, decoded, err := DecodeRequest(bytes.NewReader(body))
	requireT.NoError(err)
	requireT.Equal("requestTopic", method)
	requireT.Equal(params, decoded)
}

func TestResponse_RoundTrip(t *testing.T) {
	requireT := require.New(t)

	result := []any{1, "current publishers", []any{"http://host:1234/", "http://host:5678/"}}

	body, err := EncodeResponse(result)
	requireT.NoError(err)

	decoded, err := DecodeResponse(bytes.NewReader(body))
	requireT.NoError(err)
	requireT.Equal(result, decoded)
}

func TestResponse_StringSlice(t *testing.T) {
	requireT := require.New(t)

	// Typed Go slices encode as plain arrays.
	body, err := EncodeResponse([]string{"a", "b"})
	requireT.NoError(err)

	decoded, err := DecodeResponse(bytes.NewReader(body))
	requireT.NoError(err)
	requireT.Equal([]any{"a", "b"}, decoded)
}

func TestResponse_EscapedStrings(t *testing.T) {
	requireT := require.New(t)

	body, err := EncodeResponse("<hello> & \"goodbye\"")
	requireT.NoError(err)

	decoded, err := DecodeResponse(bytes.NewReader(body))
	requireT.NoError(err)
	requireT.Equal("<hello> & \"goodbye\"", decoded)
}

func TestResponse_Fault(t *testing.T) {
	requireT := require.New(t)

	body, err := EncodeFault(-1, "no such method")
	requireT.NoError(err)

	_, err = DecodeResponse(bytes.NewReader(body))
	requireT.Error(err)

	var fault *Fault
	requireT.True(errors.As(err, &fault))
	requireT.Equal(-1, fault.Code)
	requireT.Equal("no such method", fault.Message)
}

func TestDecodeRequest_UntypedValueIsString(t *testing.T) {
	requireT := require.New(t)

	doc := `<?xml version="1.0"?><methodCall><methodName>m</methodName>` +
		`<params><param><value>bare</value></param></params></methodCall>`

	method, params, err := DecodeRequest(bytes.NewReader([]byte(doc)))
	requireT.NoError(err)
	requireT.Equal("m", method)
	requireT.Equal([]any{"bare"}, params)
}

func TestClientServer_EndToEnd(t *testing.T) {
	requireT := require.New(t)

	server := NewServer(nil)
	server.Register("add", func(params []any) (any, error) {
		a := params[0].(int)
		b := params[1].(int)
		return []any{1, "sum", a + b}, nil
	})

	ts := httptest.NewServer(server)
	defer ts.Close()

	client := NewClient(ts.URL, 5*time.Second)
	result, err := client.Call(context.Background(), "add", 3, 4)
	requireT.NoError(err)
	requireT.Equal([]any{1, "sum", 7}, result)
}

func TestClientServer_UnknownMethodFaults(t *testing.T) {
	requireT := require.New(t)

	ts := httptest.NewServer(NewServer(nil))
	defer ts.Close()

	client := NewClient(ts.URL, 5*time.Second)
	_, err := client.Call(context.Background(), "nope")
	requireT.Error(err)

	var fault *Fault
	requireT.True(errors.As(err, &fault))
	assert.Contains(t, fault.Message, "nope")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient("http://127.0.0.1:1/", time.Second)
	_, err := client.Call(context.Background(), "anything")
	assert.Error(t, err)
}
