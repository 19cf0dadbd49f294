// Package node wires the runtime together: the directory client and
// registrar, the node's own directory-facing endpoint, the TCP wire listener,
// the shared scheduler, and the user-facing publisher/subscriber/service
// handles.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/rosgraph/config"
	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/master"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/listener"
	"github.com/c360/rosgraph/pkg/worker"
	"github.com/c360/rosgraph/registration"
	"github.com/c360/rosgraph/service"
	"github.com/c360/rosgraph/slave"
	"github.com/c360/rosgraph/topic"
	"github.com/c360/rosgraph/transport"
)

// Clock is the injected monotonic time source.
type Clock func() time.Time

const (
	schedulerWorkers   = 16
	schedulerQueueSize = 4096
	shutdownTimeout    = 10 * time.Second
)

// Node is one process's connection to the graph.
type Node struct {
	cfg     config.Config
	logger  *slog.Logger
	clock   Clock
	id      graph.NodeIdentifier
	metrics *metric.Metrics

	registry      *metric.MetricsRegistry
	pool          *worker.Pool[func()]
	scheduler     listener.Scheduler
	masterClient  *master.Client
	registrar     *registration.Registrar
	tcpServer     *transport.Server
	slaveServer   *slave.Server
	metricsServer *metric.Server

	tcpAddr *net.TCPAddr

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	goalIDs *goalIDGenerator

	mu             sync.Mutex
	publishers     map[graph.Name]*topic.Publisher
	subscribers    map[graph.Name]*topic.Subscriber
	serviceServers map[graph.Name]*service.Server
	serviceClients []*service.Client
	started        bool
	stopped        bool
}

// Option configures a Node.
type Option func(*Node)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithClock injects the time source used for goal IDs.
func WithClock(clock Clock) Option {
	return func(n *Node) {
		n.clock = clock
	}
}

// New creates a node from configuration. Listeners are bound immediately so
// the node's URIs are known before Start.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := graph.Name(cfg.Node.Name)
	if err := name.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:            cfg,
		logger:         slog.Default(),
		clock:          time.Now,
		publishers:     make(map[graph.Name]*topic.Publisher),
		subscribers:    make(map[graph.Name]*topic.Subscriber),
		serviceServers: make(map[graph.Name]*service.Server),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", cfg.Node.Name)

	n.registry = metric.NewMetricsRegistry()
	n.metrics = n.registry.CoreMetrics()

	n.pool = worker.NewPool[func()](schedulerWorkers, schedulerQueueSize,
		func(_ context.Context, task func()) error {
			task()
			return nil
		},
		worker.WithMetricsRegistry[func()](n.registry, "scheduler"))
	n.scheduler = poolScheduler{pool: n.pool}

	tcpListener, err := net.Listen("tcp",
		fmt.Sprintf("%s:%d", cfg.Transport.BindHost, cfg.Transport.TCPPort))
	if err != nil {
		return nil, errors.WrapFatal(err, "Node", "New", "bind wire listener")
	}
	n.tcpAddr = tcpListener.Addr().(*net.TCPAddr)
	n.tcpServer = transport.NewServer(tcpListener, n.logger)
	n.tcpServer.SetHandshakeTimeout(cfg.Transport.HandshakeTimeout)

	slaveListener, err := net.Listen("tcp",
		fmt.Sprintf("%s:%d", cfg.Transport.BindHost, cfg.Transport.XMLRPCPort))
	if err != nil {
		_ = tcpListener.Close()
		return nil, errors.WrapFatal(err, "Node", "New", "bind endpoint listener")
	}
	n.slaveServer = slave.NewServer(slaveListener, cfg.Node.AdvertiseHost, n, n.logger)

	n.id = graph.NodeIdentifier{Name: name, URI: n.slaveServer.URI()}
	n.goalIDs = newGoalIDGenerator(name, n.clock)

	n.masterClient = master.NewClient(cfg.Node.MasterURI, name,
		master.WithLogger(n.logger), master.WithMetrics(n.metrics))
	n.registrar = registration.NewRegistrar(n.masterClient,
		registration.WithLogger(n.logger),
		registration.WithMetrics(n.metrics),
		registration.WithRetryPolicy(cfg.Registration.RetryConfig()))

	if cfg.Metrics.Enabled {
		n.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, n.registry)
	}

	return n, nil
}

// Identifier returns the node's identity: name plus endpoint URI.
func (n *Node) Identifier() graph.NodeIdentifier {
	return n.id
}

// MasterClient exposes the directory client for lookups and introspection.
func (n *Node) MasterClient() *master.Client {
	return n.masterClient
}

// Metrics returns the node's metric set.
func (n *Node) Metrics() *metric.Metrics {
	return n.metrics
}

// Start launches the node's long-lived tasks. It returns immediately; use
// Wait to observe task failure.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Node", "Start", "node already started")
	}
	n.started = true
	n.runCtx, n.cancel = context.WithCancel(ctx)
	n.group, _ = errgroup.WithContext(n.runCtx)
	n.mu.Unlock()

	if err := n.pool.Start(n.runCtx); err != nil {
		return err
	}
	n.registrar.Start(n.runCtx)

	n.group.Go(func() error {
		err := n.tcpServer.Run(n.runCtx)
		if errors.IsCancelled(err) {
			return nil
		}
		return err
	})
	n.group.Go(func() error {
		err := n.slaveServer.Run(n.runCtx)
		if errors.IsCancelled(err) {
			return nil
		}
		return err
	})

	if n.metricsServer != nil {
		n.group.Go(func() error {
			stop := context.AfterFunc(n.runCtx, func() {
				_ = n.metricsServer.Stop()
			})
			defer stop()
			return n.metricsServer.Start()
		})
	}

	n.logger.Info("node started",
		"uri", n.id.URI,
		"wire_addr", n.tcpAddr.String(),
		"master", n.cfg.Node.MasterURI)
	return nil
}

// Wait blocks until all node tasks have stopped.
func (n *Node) Wait() error {
	return n.group.Wait()
}

// Shutdown unregisters every handle, tears down all connections and tasks,
// and waits for completion.
func (n *Node) Shutdown() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	publishers := mapValues(n.publishers)
	subscribers := mapValues(n.subscribers)
	servers := mapValues(n.serviceServers)
	clients := n.serviceClients
	n.serviceClients = nil
	n.mu.Unlock()

	// Enqueue unregistrations while the registrar still runs, then give the
	// queue a bounded window to drain.
	for _, p := range publishers {
		n.registrar.Unregister(p)
	}
	for _, s := range subscribers {
		n.registrar.Unregister(s)
	}
	for _, s := range servers {
		n.registrar.Unregister(s)
	}
	n.registrar.Shutdown(shutdownTimeout)

	for _, p := range publishers {
		n.tcpServer.UnregisterTopic(p.Name().String())
		p.Shutdown()
	}
	for _, s := range subscribers {
		s.Shutdown()
	}
	for _, s := range servers {
		n.tcpServer.UnregisterService(s.Name().String())
		s.Shutdown()
	}
	for _, c := range clients {
		c.Close()
	}

	if n.cancel != nil {
		n.cancel()
	}
	_ = n.pool.Stop(shutdownTimeout)

	n.logger.Info("node shut down")
}

// wireAdvertiseHostPort is the address subscribers are told to dial.
func (n *Node) wireAdvertiseHostPort() (string, int) {
	host := n.cfg.Node.AdvertiseHost
	if host == "" {
		host = n.tcpAddr.IP.String()
	}
	return host, n.tcpAddr.Port
}

func mapValues[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// poolScheduler adapts the worker pool to the listener scheduler contract.
type poolScheduler struct {
	pool *worker.Pool[func()]
}

// Submit implements listener.Scheduler.
func (s poolScheduler) Submit(task func()) error {
	return s.pool.Submit(task)
}
