package slave

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/xmlrpc"
)

// DefaultCallTimeout bounds a single peer endpoint call.
const DefaultCallTimeout = 10 * time.Second

// TopicEndpoint is a negotiated transport address for one topic connection.
type TopicEndpoint struct {
	Protocol string
	Host     string
	Port     int
}

// Addr returns the dialable host:port.
func (e TopicEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Client calls the directory-facing endpoint of a peer node.
type Client struct {
	rpc      *xmlrpc.Client
	callerID graph.Name
}

// NewClient creates a client for one peer endpoint URI.
func NewClient(slaveURI string, callerID graph.Name) *Client {
	return &Client{
		rpc:      xmlrpc.NewClient(slaveURI, DefaultCallTimeout),
		callerID: callerID,
	}
}

// RequestTopic asks a publishing node for a transport endpoint for a topic.
// Only the TCP transport is requested.
func (c *Client) RequestTopic(ctx context.Context, topic graph.Name) (*TopicEndpoint, error) {
	raw, err := c.rpc.Call(ctx, "requestTopic",
		c.callerID.String(), topic.String(), []any{[]any{ProtocolTCP}})
	if err != nil {
		return nil, errors.WrapTransient(err, "slave.Client", "RequestTopic", "peer call")
	}

	triple, ok := raw.([]any)
	if !ok || len(triple) != 3 {
		return nil, badPeerResponse("expected [status, message, value] triple")
	}
	code, ok := triple[0].(int)
	if !ok {
		return nil, badPeerResponse("status is not an integer")
	}
	if code != StatusSuccess {
		msg, _ := triple[1].(string)
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: peer refused topic request: %s", errors.ErrUnsupportedProto, msg),
			"slave.Client", "RequestTopic", "negotiate transport")
	}

	entry, ok := triple[2].([]any)
	if !ok || len(entry) != 3 {
		return nil, badPeerResponse("expected [protocol, host, port] value")
	}
	protocol, ok := entry[0].(string)
	if !ok || protocol != ProtocolTCP {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: peer offered %v", errors.ErrUnsupportedProto, entry[0]),
			"slave.Client", "RequestTopic", "negotiate transport")
	}
	host, ok := entry[1].(string)
	if !ok {
		return nil, badPeerResponse("host is not a string")
	}
	port, ok := entry[2].(int)
	if !ok {
		return nil, badPeerResponse("port is not an integer")
	}

	return &TopicEndpoint{Protocol: protocol, Host: host, Port: port}, nil
}

func badPeerResponse(detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrBadMasterResponse, detail),
		"slave.Client", "RequestTopic", "validate peer response")
}
