package node

import (
	"context"
	"fmt"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/service"
	"github.com/c360/rosgraph/topic"
	"github.com/c360/rosgraph/transport"
)

// NewPublisher advertises a topic and returns its handle. Calling it twice
// for the same topic returns the existing handle when the declarations
// agree.
func (n *Node) NewPublisher(
	topicName graph.Name,
	description graph.TopicDescription,
	serializer message.Serializer,
) (*topic.Publisher, error) {
	if err := topicName.Validate(); err != nil {
		return nil, err
	}
	declaration := graph.NewTopicDeclaration(topicName, description)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Node", "NewPublisher", "node stopped")
	}
	if existing, ok := n.publishers[topicName]; ok {
		if existing.Declaration() == declaration {
			return existing, nil
		}
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Node", "NewPublisher",
			fmt.Sprintf("topic %s already advertised with a different declaration", topicName))
	}

	p := topic.NewPublisher(n.id, declaration, serializer, n.scheduler, n.logger, n.metrics,
		topic.WithRingCapacity(n.cfg.Transport.OutgoingRingCapacity))
	n.publishers[topicName] = p
	n.tcpServer.RegisterTopic(topicName.String(), p)
	n.registrar.Register(p)

	return p, nil
}

// Unadvertise withdraws a publisher and tears it down.
func (n *Node) Unadvertise(topicName graph.Name) {
	n.mu.Lock()
	p, ok := n.publishers[topicName]
	if ok {
		delete(n.publishers, topicName)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	n.tcpServer.UnregisterTopic(topicName.String())
	n.registrar.Unregister(p)
	p.Shutdown()
}

// NewSubscriber subscribes to a topic and returns its handle. Registration
// runs in the background; the response's publisher list seeds the connection
// manager.
func (n *Node) NewSubscriber(
	topicName graph.Name,
	description graph.TopicDescription,
	deserializer message.Deserializer,
	opts ...topic.SubscriberOption,
) (*topic.Subscriber, error) {
	if err := topicName.Validate(); err != nil {
		return nil, err
	}
	declaration := graph.NewTopicDeclaration(topicName, description)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Node", "NewSubscriber", "node stopped")
	}
	if n.runCtx == nil {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "Node", "NewSubscriber",
			"start the node before subscribing")
	}
	if existing, ok := n.subscribers[topicName]; ok {
		if existing.Declaration() == declaration {
			return existing, nil
		}
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Node", "NewSubscriber",
			fmt.Sprintf("topic %s already subscribed with a different declaration", topicName))
	}

	opts = append([]topic.SubscriberOption{
		topic.WithQueueCapacity(n.cfg.Transport.IncomingQueueCapacity),
		topic.WithHandshakeTimeout(n.cfg.Transport.HandshakeTimeout),
	}, opts...)
	s := topic.NewSubscriber(n.runCtx, n.id, declaration, deserializer,
		n.scheduler, n.logger, n.metrics, opts...)
	n.subscribers[topicName] = s
	n.registrar.Register(s)

	return s, nil
}

// Unsubscribe withdraws a subscriber and tears it down.
func (n *Node) Unsubscribe(topicName graph.Name) {
	n.mu.Lock()
	s, ok := n.subscribers[topicName]
	if ok {
		delete(n.subscribers, topicName)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	n.registrar.Unregister(s)
	s.Shutdown()
}

// NewServiceServer advertises a service. A second server for an existing
// service name on this node is an error; the node itself is unaffected.
func (n *Node) NewServiceServer(
	serviceName graph.Name,
	description graph.ServiceDescription,
	responseBuilder service.ResponseBuilder,
	requestDeserializer message.Deserializer,
	responseSerializer message.Serializer,
) (*service.Server, error) {
	if err := serviceName.Validate(); err != nil {
		return nil, err
	}

	host, port := n.wireAdvertiseHostPort()
	declaration := graph.NewServiceDeclaration(
		graph.ServiceIdentifier{
			Name: serviceName,
			URI:  fmt.Sprintf("rosrpc://%s:%d", host, port),
		},
		description)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Node", "NewServiceServer", "node stopped")
	}
	if _, ok := n.serviceServers[serviceName]; ok {
		return nil, errors.WrapInvalid(errors.ErrDuplicateService, "Node", "NewServiceServer",
			fmt.Sprintf("service %s already has a server on this node", serviceName))
	}

	s := service.NewServer(n.id, declaration, responseBuilder,
		requestDeserializer, responseSerializer, n.scheduler, n.logger, n.metrics)
	n.serviceServers[serviceName] = s
	n.tcpServer.RegisterService(serviceName.String(), s)
	n.registrar.Register(s)

	return s, nil
}

// UnadvertiseService withdraws a service server and tears it down.
func (n *Node) UnadvertiseService(serviceName graph.Name) {
	n.mu.Lock()
	s, ok := n.serviceServers[serviceName]
	if ok {
		delete(n.serviceServers, serviceName)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	n.tcpServer.UnregisterService(serviceName.String())
	n.registrar.Unregister(s)
	s.Shutdown()
}

// NewServiceClient creates a client for a service. If the declaration
// carries no URI, the service is looked up in the directory on first call.
func (n *Node) NewServiceClient(
	declaration graph.ServiceDeclaration,
	requestSerializer message.Serializer,
	responseDeserializer message.Deserializer,
) *service.Client {
	opts := []service.ClientOption{service.WithClientMetrics(n.metrics)}
	if declaration.Identifier.URI == "" {
		serviceName := declaration.Name()
		opts = append(opts, service.WithResolver(func(ctx context.Context) (string, error) {
			uri, err := n.masterClient.LookupService(ctx, serviceName)
			if err != nil {
				return "", err
			}
			return transport.HostPortFromServiceURI(uri)
		}))
	}

	c := service.NewClient(n.id.Name, declaration,
		requestSerializer, responseDeserializer, n.logger, opts...)

	n.mu.Lock()
	n.serviceClients = append(n.serviceClients, c)
	n.mu.Unlock()

	return c
}
