// Package testutil provides in-process fakes for exercising the runtime
// without external processes: a fake directory (master) and small helpers.
package testutil

import (
	"context"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/c360/rosgraph/xmlrpc"
)

// FakeMaster is an in-process graph directory. It implements the
// registration surface over real XML-RPC/HTTP, tracks graph state, and
// pushes publisherUpdate notifications to registered subscribers the way the
// production directory does.
type FakeMaster struct {
	t    *testing.T
	http *httptest.Server

	mu          sync.Mutex
	failing     bool
	calls       []string
	publishers  map[string][]string // topic -> publisher slave URIs
	subscribers map[string][]string // topic -> subscriber slave URIs
	services    map[string]string   // service -> service URI
}

// NewFakeMaster starts a fake directory and registers cleanup with t.
func NewFakeMaster(t *testing.T) *FakeMaster {
	t.Helper()

	m := &FakeMaster{
		t:           t,
		publishers:  make(map[string][]string),
		subscribers: make(map[string][]string),
		services:    make(map[string]string),
	}

	server := xmlrpc.NewServer(nil)
	server.Register("registerPublisher", m.registerPublisher)
	server.Register("unregisterPublisher", m.unregisterPublisher)
	server.Register("registerSubscriber", m.registerSubscriber)
	server.Register("unregisterSubscriber", m.unregisterSubscriber)
	server.Register("registerService", m.registerService)
	server.Register("unregisterService", m.unregisterService)
	server.Register("lookupService", m.lookupService)
	server.Register("getUri", m.getURI)

	m.http = httptest.NewServer(server)
	t.Cleanup(m.http.Close)

	return m
}

// URI returns the directory endpoint URI.
func (m *FakeMaster) URI() string {
	return m.http.URL
}

// SetFailing makes every subsequent call return a failure status.
func (m *FakeMaster) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Calls returns the method names received so far.
func (m *FakeMaster) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times a method was called.
func (m *FakeMaster) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.calls {
		if call == method {
			n++
		}
	}
	return n
}

// Publishers returns the registered publisher URIs for a topic.
func (m *FakeMaster) Publishers(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.publishers[topic])
}

// Services returns the registered URI for a service, or "".
func (m *FakeMaster) Services(service string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[service]
}

func (m *FakeMaster) record(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
	return m.failing
}

func failure(message string) []any {
	return []any{0, message, 0}
}

func (m *FakeMaster) registerPublisher(params []any) (any, error) {
	if m.record("registerPublisher") {
		return failure("directory unavailable"), nil
	}

	topic := params[1].(string)
	slaveURI := params[3].(string)

	m.mu.Lock()
	if !slices.Contains(m.publishers[topic], slaveURI) {
		m.publishers[topic] = append(m.publishers[topic], slaveURI)
	}
	publisherURIs := slices.Clone(m.publishers[topic])
	subscriberURIs := slices.Clone(m.subscribers[topic])
	m.mu.Unlock()

	// Notify subscribers of the changed publisher set, as the production
	// directory does.
	for _, uri := range subscriberURIs {
		m.notifyPublisherUpdate(uri, topic, publisherURIs)
	}

	return []any{1, "registered publisher", subscriberURIs}, nil
}

func (m *FakeMaster) unregisterPublisher(params []any) (any, error) {
	if m.record("unregisterPublisher") {
		return failure("directory unavailable"), nil
	}

	topic := params[1].(string)
	slaveURI := params[2].(string)

	m.mu.Lock()
	before := len(m.publishers[topic])
	m.publishers[topic] = slices.DeleteFunc(m.publishers[topic], func(uri string) bool {
		return uri == slaveURI
	})
	removed := before - len(m.publishers[topic])
	publisherURIs := slices.Clone(m.publishers[topic])
	subscriberURIs := slices.Clone(m.subscribers[topic])
	m.mu.Unlock()

	for _, uri := range subscriberURIs {
		m.notifyPublisherUpdate(uri, topic, publisherURIs)
	}

	return []any{1, "unregistered publisher", removed}, nil
}

func (m *FakeMaster) registerSubscriber(params []any) (any, error) {
	if m.record("registerSubscriber") {
		return failure("directory unavailable"), nil
	}

	topic := params[1].(string)
	slaveURI := params[3].(string)

	m.mu.Lock()
	if !slices.Contains(m.subscribers[topic], slaveURI) {
		m.subscribers[topic] = append(m.subscribers[topic], slaveURI)
	}
	publisherURIs := slices.Clone(m.publishers[topic])
	m.mu.Unlock()

	return []any{1, "registered subscriber", publisherURIs}, nil
}

func (m *FakeMaster) unregisterSubscriber(params []any) (any, error) {
	if m.record("unregisterSubscriber") {
		return failure("directory unavailable"), nil
	}

	topic := params[1].(string)
	slaveURI := params[2].(string)

	m.mu.Lock()
	before := len(m.subscribers[topic])
	m.subscribers[topic] = slices.DeleteFunc(m.subscribers[topic], func(uri string) bool {
		return uri == slaveURI
	})
	removed := before - len(m.subscribers[topic])
	m.mu.Unlock()

	return []any{1, "unregistered subscriber", removed}, nil
}

func (m *FakeMaster) registerService(params []any) (any, error) {
	if m.record("registerService") {
		return failure("directory unavailable"), nil
	}

	service := params[1].(string)
	serviceURI := params[2].(string)

	m.mu.Lock()
	m.services[service] = serviceURI
	m.mu.Unlock()

	return []any{1, "registered service", 0}, nil
}

func (m *FakeMaster) unregisterService(params []any) (any, error) {
	if m.record("unregisterService") {
		return failure("directory unavailable"), nil
	}

	service := params[1].(string)

	m.mu.Lock()
	_, existed := m.services[service]
	delete(m.services, service)
	m.mu.Unlock()

	removed := 0
	if existed {
		removed = 1
	}
	return []any{1, "unregistered service", removed}, nil
}

func (m *FakeMaster) lookupService(params []any) (any, error) {
	if m.record("lookupService") {
		return failure("directory unavailable"), nil
	}

	service := params[1].(string)

	m.mu.Lock()
	uri, ok := m.services[service]
	m.mu.Unlock()

	if !ok {
		return failure("no provider for service " + service), nil
	}
	return []any{1, "service url", uri}, nil
}

func (m *FakeMaster) getURI(params []any) (any, error) {
	if m.record("getUri") {
		return failure("directory unavailable"), nil
	}
	return []any{1, "master uri", m.http.URL}, nil
}

// notifyPublisherUpdate pushes the new publisher set to one subscriber
// endpoint. Failures are ignored: a vanished subscriber is not the
// directory's problem.
func (m *FakeMaster) notifyPublisherUpdate(slaveURI, topic string, publisherURIs []string) {
	client := xmlrpc.NewClient(slaveURI, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = client.Call(ctx, "publisherUpdate", "/master", topic, publisherURIs)
}
