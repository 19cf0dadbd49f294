package master

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/xmlrpc"
)

// DefaultCallTimeout bounds a single directory RPC.
const DefaultCallTimeout = 30 * time.Second

// Client talks to the graph directory on behalf of one node.
type Client struct {
	rpc      *xmlrpc.Client
	callerID graph.Name
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics wires runtime metrics into the client.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a directory client. callerID is sent as the first
// parameter of every call.
func NewClient(masterURI string, callerID graph.Name, opts ...Option) *Client {
	c := &Client{
		rpc:      xmlrpc.NewClient(masterURI, DefaultCallTimeout),
		callerID: callerID,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URI returns the directory endpoint URI.
func (c *Client) URI() string {
	return c.rpc.URL()
}

// CallerID returns the name this client identifies as.
func (c *Client) CallerID() graph.Name {
	return c.callerID
}

// call performs one directory RPC and unwraps the [status, message, value]
// triple, converting non-success statuses into directory errors.
func (c *Client) call(ctx context.Context, method string, params ...any) (any, error) {
	args := append([]any{c.callerID.String()}, params...)
	raw, err := c.rpc.Call(ctx, method, args...)
	if c.metrics != nil {
		c.metrics.RecordMasterCall(method, err == nil)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "master.Client", method, "directory call")
	}

	triple, ok := raw.([]any)
	if !ok || len(triple) != 3 {
		return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master.Client", method,
			fmt.Sprintf("expected [status, message, value] triple, got %T", raw))
	}

	code, err := asInt(triple[0])
	if err != nil {
		return nil, err
	}
	statusMessage, err := asString(triple[1])
	if err != nil {
		return nil, err
	}

	if code != StatusSuccess {
		c.logger.Debug("directory rejected call",
			"method", method, "code", code, "message", statusMessage)
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s (status %d)", errors.ErrMasterRejected, statusMessage, code),
			"master.Client", method, "directory call")
	}

	return triple[2], nil
}

// RegisterPublisher announces a publisher and returns the slave URIs of
// current subscribers.
func (c *Client) RegisterPublisher(ctx context.Context, topic graph.Name, topicType, slaveURI string) ([]string, error) {
	value, err := c.call(ctx, "registerPublisher", topic.String(), topicType, slaveURI)
	if err != nil {
		return nil, err
	}
	return asStringSlice(value)
}

// UnregisterPublisher withdraws a publisher, returning the number removed.
func (c *Client) UnregisterPublisher(ctx context.Context, topic graph.Name, slaveURI string) (int, error) {
	value, err := c.call(ctx, "unregisterPublisher", topic.String(), slaveURI)
	if err != nil {
		return 0, err
	}
	return asInt(value)
}

// RegisterSubscriber announces a subscriber and returns the slave URIs of
// current publishers; that list seeds the subscriber's first reconcile.
func (c *Client) RegisterSubscriber(ctx context.Context, topic graph.Name, topicType, slaveURI string) ([]string, error) {
	value, err := c.call(ctx, "registerSubscriber", topic.String(), topicType, slaveURI)
	if err != nil {
		return nil, err
	}
	return asStringSlice(value)
}

// UnregisterSubscriber withdraws a subscriber, returning the number removed.
func (c *Client) UnregisterSubscriber(ctx context.Context, topic graph.Name, slaveURI string) (int, error) {
	value, err := c.call(ctx, "unregisterSubscriber", topic.String(), slaveURI)
	if err != nil {
		return 0, err
	}
	return asInt(value)
}

// RegisterService announces a service endpoint.
func (c *Client) RegisterService(ctx context.Context, service graph.Name, serviceURI, slaveURI string) error {
	_, err := c.call(ctx, "registerService", service.String(), serviceURI, slaveURI)
	return err
}

// UnregisterService withdraws a service endpoint, returning the number
// removed.
func (c *Client) UnregisterService(ctx context.Context, service graph.Name, serviceURI string) (int, error) {
	value, err := c.call(ctx, "unregisterService", service.String(), serviceURI)
	if err != nil {
		return 0, err
	}
	return asInt(value)
}

// LookupNode resolves a node name to its slave URI.
func (c *Client) LookupNode(ctx context.Context, nodeName graph.Name) (string, error) {
	value, err := c.call(ctx, "lookupNode", nodeName.String())
	if err != nil {
		return "", err
	}
	return asString(value)
}

// LookupService resolves a service name to its advertised URI.
func (c *Client) LookupService(ctx context.Context, service graph.Name) (string, error) {
	value, err := c.call(ctx, "lookupService", service.String())
	if err != nil {
		return "", err
	}
	return asString(value)
}

// GetPublishedTopics lists topics with live publishers under a subgraph.
func (c *Client) GetPublishedTopics(ctx context.Context, subgraph string) ([]TopicInfo, error) {
	value, err := c.call(ctx, "getPublishedTopics", subgraph)
	if err != nil {
		return nil, err
	}
	return asTopicInfos(value)
}

// GetTopicTypes lists all known topic/type pairs.
func (c *Client) GetTopicTypes(ctx context.Context) ([]TopicInfo, error) {
	value, err := c.call(ctx, "getTopicTypes")
	if err != nil {
		return nil, err
	}
	return asTopicInfos(value)
}

// GetSystemState retrieves the directory's full view of the graph.
func (c *Client) GetSystemState(ctx context.Context) (*SystemState, error) {
	value, err := c.call(ctx, "getSystemState")
	if err != nil {
		return nil, err
	}

	parts, ok := value.([]any)
	if !ok || len(parts) != 3 {
		return nil, errors.WrapInvalid(errors.ErrBadMasterResponse, "master.Client", "getSystemState",
			"expected [publishers, subscribers, services] triple")
	}

	publishers, err := asTopicNodes(parts[0])
	if err != nil {
		return nil, err
	}
	subscribers, err := asTopicNodes(parts[1])
	if err != nil {
		return nil, err
	}
	services, err := asTopicNodes(parts[2])
	if err != nil {
		return nil, err
	}

	return &SystemState{
		Publishers:  publishers,
		Subscribers: subscribers,
		Services:    services,
	}, nil
}

// GetURI returns the directory's own URI.
func (c *Client) GetURI(ctx context.Context) (string, error) {
	value, err := c.call(ctx, "getUri")
	if err != nil {
		return "", err
	}
	return asString(value)
}
