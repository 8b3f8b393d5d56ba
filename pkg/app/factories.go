package app

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-mta/internal/resolver"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/edge"
	"github.com/polisai/polis-mta/pkg/graph"
	"github.com/polisai/polis-mta/pkg/queue"
	"github.com/polisai/polis-mta/pkg/relay"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// Deps are the shared collaborators of the built-in component types.
type Deps struct {
	// Hostname is announced in EHLO and recorded on accepted envelopes.
	Hostname string
	Resolver resolver.Resolver
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// NewRegistry registers the built-in relay, queue, and edge types.
func NewRegistry(d Deps) *graph.Registry {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := graph.NewRegistry()

	reg.RegisterRelay("mx", func(_ context.Context, spec graph.RelaySpec) (domain.Relay, error) {
		return relay.NewMX(spec.Section, relay.MXOptions{
			EHLO:     d.Hostname,
			Resolver: d.Resolver,
			Logger:   logger.With("relay", spec.Name),
		})
	})
	reg.RegisterRelay("static", func(_ context.Context, spec graph.RelaySpec) (domain.Relay, error) {
		return relay.NewStatic(spec.Section, relay.StaticOptions{
			EHLO:   d.Hostname,
			Logger: logger.With("relay", spec.Name),
		})
	})
	reg.RegisterRelay("maildrop", func(_ context.Context, spec graph.RelaySpec) (domain.Relay, error) {
		return relay.NewMaildrop(spec.Section, logger.With("relay", spec.Name))
	})

	queueOptions := func(spec graph.QueueSpec) queue.Options {
		return queue.Options{
			Name:    spec.Name,
			Relay:   spec.Relay,
			Backoff: spec.Backoff,
			Metrics: d.Metrics,
			Logger:  logger,
		}
	}
	reg.RegisterQueue("memory", func(_ context.Context, spec graph.QueueSpec) (domain.Queue, error) {
		return queue.NewMemoryFromSection(spec.Section, queueOptions(spec))
	})
	reg.RegisterQueue("redis", func(_ context.Context, spec graph.QueueSpec) (domain.Queue, error) {
		return queue.NewRedis(spec.Section, queueOptions(spec))
	}, "celery")

	edgeOptions := func(spec graph.EdgeSpec) edge.Options {
		return edge.Options{
			Name:     spec.Name,
			Address:  spec.Address,
			Queue:    spec.Queue,
			Rules:    spec.Rules,
			Hostname: d.Hostname,
			Metrics:  d.Metrics,
			Logger:   logger,
		}
	}
	reg.RegisterEdge("smtp", func(_ context.Context, spec graph.EdgeSpec) (domain.Edge, error) {
		return edge.NewSMTP(spec.Section, edgeOptions(spec))
	})
	reg.RegisterEdge("http", func(_ context.Context, spec graph.EdgeSpec) (domain.Edge, error) {
		return edge.NewHTTP(spec.Section, edgeOptions(spec))
	}, "wsgi")
	return reg
}
