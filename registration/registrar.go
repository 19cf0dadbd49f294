// Package registration drives asynchronous directory registration for the
// node's publishers, subscribers, and service servers. Registrations are
// queued onto a background task, retried with exponential backoff until the
// node shuts down, and every outcome is signaled back to the registrant for
// listener fan-out.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/master"
	"github.com/c360/rosgraph/metric"
	"github.com/c360/rosgraph/pkg/retry"
)

// Registrant is one registerable entity. Signal methods fan events out to
// the entity's own listeners on the shared scheduler; the registrar never
// blocks on them.
type Registrant interface {
	fmt.Stringer

	// Register performs one registration attempt against the directory.
	Register(ctx context.Context, client *master.Client) error

	// Unregister performs one unregistration attempt against the directory.
	Unregister(ctx context.Context, client *master.Client) error

	SignalRegistrationSuccess()
	SignalRegistrationFailure(err error)
	SignalUnregistrationSuccess()
	SignalUnregistrationFailure(err error)
}

type action int

const (
	actionRegister action = iota
	actionUnregister
)

type job struct {
	action     action
	registrant Registrant
}

// Registrar runs the registration task for one node.
type Registrar struct {
	client  *master.Client
	logger  *slog.Logger
	metrics *metric.Metrics
	policy  errors.RetryConfig

	jobs chan job

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registrar) {
		r.logger = logger
	}
}

// WithMetrics wires runtime metrics into the registrar.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registrar) {
		r.metrics = m
	}
}

// WithRetryPolicy overrides the registration retry policy.
func WithRetryPolicy(policy errors.RetryConfig) Option {
	return func(r *Registrar) {
		r.policy = policy
	}
}

// NewRegistrar creates a registrar talking to the given directory.
func NewRegistrar(client *master.Client, opts ...Option) *Registrar {
	r := &Registrar{
		client: client,
		logger: slog.Default(),
		policy: errors.RegistrationRetryConfig(),
		jobs:   make(chan job, 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background task. It is idempotent.
func (r *Registrar) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run(ctx)
}

// Register enqueues a registration for the registrant.
func (r *Registrar) Register(registrant Registrant) {
	r.enqueue(job{action: actionRegister, registrant: registrant})
}

// Unregister enqueues an unregistration for the registrant.
func (r *Registrar) Unregister(registrant Registrant) {
	r.enqueue(job{action: actionUnregister, registrant: registrant})
}

func (r *Registrar) enqueue(j job) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.logger.Warn("registrar closed, dropping job", "registrant", j.registrant.String())
		return
	}

	select {
	case r.jobs <- j:
	default:
		// The queue is sized far beyond any realistic handle count; hitting
		// this means the master has been unreachable for a long time.
		r.logger.Warn("registration queue full, dropping job",
			"registrant", j.registrant.String())
	}
}

// Shutdown stops accepting work and waits up to timeout for the queue to
// drain (shutdown-time unregistrations go through this path).
func (r *Registrar) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	close(r.jobs)
	r.mu.Unlock()

	if !started {
		return
	}

	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Warn("registrar shutdown timed out with jobs pending")
	}
}

func (r *Registrar) run(ctx context.Context) {
	defer close(r.done)

	for j := range r.jobs {
		if ctx.Err() != nil {
			// Shutdown: remaining work is cancelled silently.
			continue
		}
		r.process(ctx, j)
	}
}

// process runs one job with backoff. Every failed attempt signals the
// registrant so its listeners observe each master error; success signals
// once.
func (r *Registrar) process(ctx context.Context, j job) {
	verb := "register"
	if j.action == actionUnregister {
		verb = "unregister"
	}

	cfg := r.policy.ToRetryConfig()
	cfg.OnRetry = func(attempt int, err error) {
		r.logger.Warn("directory "+verb+" failed",
			"registrant", j.registrant.String(), "attempt", attempt, "err", err)
		if r.metrics != nil {
			r.metrics.RecordRegistrationRetry()
		}
		if j.action == actionRegister {
			j.registrant.SignalRegistrationFailure(err)
		} else {
			j.registrant.SignalUnregistrationFailure(err)
		}
	}

	err := retry.Do(ctx, cfg, func() error {
		return r.attempt(ctx, j)
	})

	if err != nil {
		if errors.IsCancelled(err) {
			return
		}
		r.logger.Error("giving up on directory "+verb,
			"registrant", j.registrant.String(), "err", err)
		return
	}

	r.logger.Info("directory "+verb+" complete", "registrant", j.registrant.String())
	if j.action == actionRegister {
		j.registrant.SignalRegistrationSuccess()
	} else {
		j.registrant.SignalUnregistrationSuccess()
	}
}

func (r *Registrar) attempt(ctx context.Context, j job) error {
	if j.action == actionRegister {
		return j.registrant.Register(ctx, r.client)
	}
	return j.registrant.Unregister(ctx, r.client)
}
