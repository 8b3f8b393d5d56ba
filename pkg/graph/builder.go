package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/polisai/polis-mta/pkg/backoff"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/policy"
	"github.com/polisai/polis-mta/pkg/rules"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// Listener defaults.
const (
	DefaultInterface = "127.0.0.1"
	DefaultPort      = 25
)

// Options configures a Builder.
type Options struct {
	Tree     *config.Tree
	Registry *Registry
	// DefaultQueue receives messages for edges whose queue is untyped or of
	// type "default". It may be nil when every queue is typed.
	DefaultQueue domain.Queue
	Rules        rules.Options
	Policies     policy.Options
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// Builder constructs components on demand and memoizes them by name.
//
// A Builder is used during startup from a single goroutine; it is not safe
// for concurrent use.
type Builder struct {
	tree     *config.Tree
	registry *Registry
	opts     Options
	logger   *slog.Logger

	relays map[string]domain.Relay
	// queues maps a name to its queue; a nil value marks a default queue
	// that resolves to the shared DefaultQueue.
	queues  map[string]domain.Queue
	edges   map[string]domain.Edge
	started map[string]bool
	// rule sets of built edges, released after the edges stop
	ruleSets []*rules.RuleSet

	// build order, for teardown in reverse
	relayOrder []string
	queueOrder []string
	edgeOrder  []string
}

// NewBuilder creates a builder over the configuration tree.
func NewBuilder(opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Rules.Logger == nil {
		opts.Rules.Logger = logger
	}
	if opts.Policies.Logger == nil {
		opts.Policies.Logger = logger
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Builder{
		tree:     opts.Tree,
		registry: registry,
		opts:     opts,
		logger:   logger,
		relays:   make(map[string]domain.Relay),
		queues:   make(map[string]domain.Queue),
		edges:    make(map[string]domain.Edge),
		started:  make(map[string]bool),
	}
}

// SetDefaultQueue sets the queue used for default and untyped queue
// sections. It must be called before any queue or edge is built.
func (b *Builder) SetDefaultQueue(q domain.Queue) {
	b.opts.DefaultQueue = q
}

// Relays returns the built relays by name.
func (b *Builder) Relays() map[string]domain.Relay { return b.relays }

// Queues returns the resolved queues by name; default queues map to nil.
func (b *Builder) Queues() map[string]domain.Queue { return b.queues }

// Edges returns the built edges by name.
func (b *Builder) Edges() map[string]domain.Edge { return b.edges }

func (b *Builder) section(kind, name string) (*config.Section, error) {
	sec := b.tree.Lookup(kind).Section(name)
	if sec == nil {
		return nil, domain.ConfigErrorf(kind+"."+name, "", "no %s named %q is configured", kind, name)
	}
	return sec, nil
}

// GetOrBuildRelay returns the named relay, building it on first use.
func (b *Builder) GetOrBuildRelay(ctx context.Context, name string) (domain.Relay, error) {
	if r, ok := b.relays[name]; ok {
		return r, nil
	}
	sec, err := b.section("relay", name)
	if err != nil {
		return nil, err
	}
	typ := sec.String("type", "")
	factory, canonical, ok := b.registry.relay(typ)
	if !ok {
		return nil, domain.ConfigErrorf(sec.Path(), "type", "unknown relay type %q", typ)
	}

	r, err := factory(ctx, RelaySpec{Name: name, Section: sec})
	if err != nil {
		return nil, fmt.Errorf("build relay %s: %w", name, err)
	}
	b.relays[name] = r
	b.relayOrder = append(b.relayOrder, name)
	b.opts.Metrics.ObserveBuilt("relay", canonical)
	b.logger.Info("relay built", "relay", name, "type", canonical)
	return r, nil
}

// GetOrBuildQueue returns the named queue, building it on first use. A
// default or untyped queue resolves to nil: the caller's DefaultQueue is
// used, and the section's policies are attached to it once.
func (b *Builder) GetOrBuildQueue(ctx context.Context, name string) (domain.Queue, error) {
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	sec, err := b.section("queue", name)
	if err != nil {
		return nil, err
	}
	chain, err := policy.BuildChain(ctx, sec, b.opts.Policies)
	if err != nil {
		return nil, err
	}

	typ := sec.String("type", "default")
	if typ == "default" {
		if len(chain) > 0 {
			if b.opts.DefaultQueue == nil {
				return nil, domain.ConfigErrorf(sec.Path(), "policies", "no default queue is available")
			}
			for _, p := range chain {
				b.opts.DefaultQueue.AddPolicy(p)
			}
		}
		b.queues[name] = nil
		b.queueOrder = append(b.queueOrder, name)
		b.logger.Info("queue resolved to default", "queue", name, "policies", len(chain))
		return nil, nil
	}

	factory, canonical, ok := b.registry.queue(typ)
	if !ok {
		return nil, domain.ConfigErrorf(sec.Path(), "type", "unknown queue type %q", typ)
	}
	relayName, err := sec.RequireString("relay")
	if err != nil {
		return nil, err
	}
	relay, err := b.GetOrBuildRelay(ctx, relayName)
	if err != nil {
		return nil, err
	}
	fn, err := backoff.Build(sec.Section("retry"))
	if err != nil {
		return nil, err
	}

	q, err := factory(ctx, QueueSpec{Name: name, Section: sec, Relay: relay, Backoff: fn})
	if err != nil {
		return nil, fmt.Errorf("build queue %s: %w", name, err)
	}
	for _, p := range chain {
		q.AddPolicy(p)
	}
	if err := q.Start(ctx); err != nil {
		return nil, fmt.Errorf("start queue %s: %w", name, err)
	}
	b.queues[name] = q
	b.queueOrder = append(b.queueOrder, name)
	b.opts.Metrics.ObserveBuilt("queue", canonical)
	b.logger.Info("queue built", "queue", name, "type", canonical, "relay", relayName, "policies", len(chain))
	return q, nil
}

// GetOrBuildEdge returns the named edge, building and starting it on first
// use.
func (b *Builder) GetOrBuildEdge(ctx context.Context, name string) (domain.Edge, error) {
	e, err := b.buildEdge(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := b.startEdge(ctx, name, e); err != nil {
		return nil, err
	}
	return e, nil
}

// StartAllEdges builds and starts every configured edge in declared order.
// All queues are resolved first and all edges constructed next, so no
// listener is bound while any part of the configuration is still invalid.
func (b *Builder) StartAllEdges(ctx context.Context) error {
	names := b.tree.Lookup("edge").Keys()
	for _, name := range names {
		sec, err := b.section("edge", name)
		if err != nil {
			return err
		}
		queueName, err := sec.RequireString("queue")
		if err != nil {
			return err
		}
		if _, err := b.GetOrBuildQueue(ctx, queueName); err != nil {
			return err
		}
	}

	built := make([]domain.Edge, 0, len(names))
	for _, name := range names {
		e, err := b.buildEdge(ctx, name)
		if err != nil {
			return err
		}
		built = append(built, e)
	}

	for i, name := range names {
		if err := b.startEdge(ctx, name, built[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) buildEdge(ctx context.Context, name string) (domain.Edge, error) {
	if e, ok := b.edges[name]; ok {
		return e, nil
	}
	sec, err := b.section("edge", name)
	if err != nil {
		return nil, err
	}
	typ := sec.String("type", "")
	factory, canonical, ok := b.registry.edge(typ)
	if !ok {
		return nil, domain.ConfigErrorf(sec.Path(), "type", "unknown edge type %q", typ)
	}

	queueName, err := sec.RequireString("queue")
	if err != nil {
		return nil, err
	}
	q, err := b.GetOrBuildQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if q == nil {
		if b.opts.DefaultQueue == nil {
			return nil, domain.ConfigErrorf(sec.Path(), "queue", "queue %q is a default queue but no default queue is available", queueName)
		}
		q = b.opts.DefaultQueue
	}

	addr, err := listenAddress(sec)
	if err != nil {
		return nil, err
	}
	rs, err := rules.Build(ctx, sec.Section("rules"), b.opts.Rules)
	if err != nil {
		return nil, err
	}

	e, err := factory(ctx, EdgeSpec{Name: name, Section: sec, Address: addr, Queue: q, Rules: rs})
	if err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("build edge %s: %w", name, err)
	}
	b.ruleSets = append(b.ruleSets, rs)
	b.edges[name] = e
	b.edgeOrder = append(b.edgeOrder, name)
	b.opts.Metrics.ObserveBuilt("edge", canonical)
	return e, nil
}

func (b *Builder) startEdge(ctx context.Context, name string, e domain.Edge) error {
	if b.started[name] {
		return nil
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start edge %s: %w", name, err)
	}
	b.started[name] = true
	b.logger.Info("edge started", "edge", name, "addr", e.Addr())
	return nil
}

// listenAddress reads listener, or the first of listeners, as
// {interface, port}.
func listenAddress(sec *config.Section) (string, error) {
	listener := sec.Section("listener")
	if listener == nil {
		all, err := sec.Sections("listeners")
		if err != nil {
			return "", err
		}
		if len(all) > 0 {
			listener = all[0]
		}
	}
	port, err := listener.Int("port", DefaultPort)
	if err != nil {
		return "", err
	}
	if port < 0 || port > 65535 {
		return "", domain.ConfigErrorf(listener.Path(), "port", "port %d out of range", port)
	}
	iface := listener.String("interface", DefaultInterface)
	return net.JoinHostPort(iface, strconv.Itoa(port)), nil
}

// Close stops edges, releases their rule sets, then stops queues and
// closes relays, each in reverse build order.
func (b *Builder) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.edgeOrder) - 1; i >= 0; i-- {
		name := b.edgeOrder[i]
		if !b.started[name] {
			continue
		}
		if err := b.edges[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop edge %s: %w", name, err))
		}
		b.started[name] = false
	}
	for i := len(b.ruleSets) - 1; i >= 0; i-- {
		if err := b.ruleSets[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rules: %w", err))
		}
	}
	b.ruleSets = nil
	for i := len(b.queueOrder) - 1; i >= 0; i-- {
		name := b.queueOrder[i]
		q := b.queues[name]
		if q == nil {
			continue
		}
		if err := q.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop queue %s: %w", name, err))
		}
	}
	for i := len(b.relayOrder) - 1; i >= 0; i-- {
		name := b.relayOrder[i]
		if err := b.relays[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay %s: %w", name, err))
		}
	}
	b.edgeOrder, b.queueOrder, b.relayOrder = nil, nil, nil
	return errors.Join(errs...)
}
