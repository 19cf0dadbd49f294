package node

import (
	"fmt"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/slave"
)

// RequestTopic implements slave.Delegate: a peer subscriber asks where to
// connect for a topic this node publishes.
func (n *Node) RequestTopic(topicName string, protocols []string) (string, int, error) {
	n.mu.Lock()
	_, publishing := n.publishers[graph.Name(topicName)]
	n.mu.Unlock()

	if !publishing {
		return "", 0, errors.WrapInvalid(errors.ErrInvalidData, "Node", "RequestTopic",
			fmt.Sprintf("no publisher for topic [%s]", topicName))
	}

	supported := false
	for _, p := range protocols {
		if p == slave.ProtocolTCP {
			supported = true
			break
		}
	}
	if !supported {
		return "", 0, errors.WrapInvalid(errors.ErrUnsupportedProto, "Node", "RequestTopic",
			fmt.Sprintf("subscriber offered %v", protocols))
	}

	host, port := n.wireAdvertiseHostPort()
	return host, port, nil
}

// PublisherUpdate implements slave.Delegate: the directory pushes the new
// authoritative publisher set for a subscribed topic. The list is handed
// verbatim to the subscriber's connection manager.
func (n *Node) PublisherUpdate(topicName string, publisherURIs []string) {
	n.mu.Lock()
	s, ok := n.subscribers[graph.Name(topicName)]
	n.mu.Unlock()

	if !ok {
		n.logger.Debug("publisher update for unknown topic", "topic", topicName)
		return
	}

	n.logger.Info("publisher update", "topic", topicName, "publishers", len(publisherURIs))
	s.UpdatePublishers(publisherURIs)
}

// BusInfo implements slave.Delegate: a summary of active connections in the
// directory's introspection format, one entry per connection:
// [id, peer, direction, transport, topic].
func (n *Node) BusInfo() [][]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out [][]any
	id := 0
	for name, p := range n.publishers {
		for _, callerID := range p.Subscribers() {
			out = append(out, []any{id, callerID, "o", slave.ProtocolTCP, name.String()})
			id++
		}
	}
	for name, s := range n.subscribers {
		for _, uri := range s.ConnectedPublishers() {
			out = append(out, []any{id, uri, "i", slave.ProtocolTCP, name.String()})
			id++
		}
	}
	return out
}

// MasterURI implements slave.Delegate.
func (n *Node) MasterURI() string {
	return n.cfg.Node.MasterURI
}

// ShutdownRequested implements slave.Delegate: a directory-initiated
// shutdown. The teardown runs off the endpoint's serving goroutine so the
// RPC can complete.
func (n *Node) ShutdownRequested(reason string) {
	n.logger.Info("shutting down on directory request", "reason", reason)
	go n.Shutdown()
}

var _ slave.Delegate = (*Node)(nil)
