// Package graph builds the named relays, queues, and edges of the
// configuration, resolving their cross references in dependency order
// (relay, then queue, then edge) and constructing each name at most once.
package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/polisai/polis-mta/pkg/backoff"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/rules"
)

// RelaySpec is what a relay factory receives.
type RelaySpec struct {
	Name    string
	Section *config.Section
}

// QueueSpec is what a queue factory receives. Relay has already been built.
type QueueSpec struct {
	Name    string
	Section *config.Section
	Relay   domain.Relay
	Backoff backoff.Func
}

// EdgeSpec is what an edge factory receives. Queue is never nil.
type EdgeSpec struct {
	Name    string
	Section *config.Section
	Address string
	Queue   domain.Queue
	Rules   *rules.RuleSet
}

// Factories construct one component type.
type (
	RelayFactory func(ctx context.Context, spec RelaySpec) (domain.Relay, error)
	QueueFactory func(ctx context.Context, spec QueueSpec) (domain.Queue, error)
	EdgeFactory  func(ctx context.Context, spec EdgeSpec) (domain.Edge, error)
)

// Registry maps type names, and their aliases, to factories.
type Registry struct {
	relays  map[string]RelayFactory
	queues  map[string]QueueFactory
	edges   map[string]EdgeFactory
	aliases map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		relays:  make(map[string]RelayFactory),
		queues:  make(map[string]QueueFactory),
		edges:   make(map[string]EdgeFactory),
		aliases: make(map[string]string),
	}
}

// RegisterRelay adds or replaces the factory for a relay type.
func (r *Registry) RegisterRelay(typ string, f RelayFactory, aliases ...string) {
	r.relays[typ] = f
	r.alias("relay", typ, aliases)
}

// RegisterQueue adds or replaces the factory for a queue type.
func (r *Registry) RegisterQueue(typ string, f QueueFactory, aliases ...string) {
	r.queues[typ] = f
	r.alias("queue", typ, aliases)
}

// RegisterEdge adds or replaces the factory for an edge type.
func (r *Registry) RegisterEdge(typ string, f EdgeFactory, aliases ...string) {
	r.edges[typ] = f
	r.alias("edge", typ, aliases)
}

func (r *Registry) alias(kind, typ string, aliases []string) {
	for _, a := range aliases {
		if a = strings.TrimSpace(a); a != "" {
			r.aliases[kind+"/"+a] = typ
		}
	}
}

func (r *Registry) canonical(kind, typ string) string {
	if c, ok := r.aliases[kind+"/"+typ]; ok {
		return c
	}
	return typ
}

func (r *Registry) relay(typ string) (RelayFactory, string, bool) {
	c := r.canonical("relay", typ)
	f, ok := r.relays[c]
	return f, c, ok
}

func (r *Registry) queue(typ string) (QueueFactory, string, bool) {
	c := r.canonical("queue", typ)
	f, ok := r.queues[c]
	return f, c, ok
}

func (r *Registry) edge(typ string) (EdgeFactory, string, bool) {
	c := r.canonical("edge", typ)
	f, ok := r.edges[c]
	return f, c, ok
}

// Types lists the registered type names of a kind ("relay", "queue", "edge").
func (r *Registry) Types(kind string) []string {
	var out []string
	switch kind {
	case "relay":
		for k := range r.relays {
			out = append(out, k)
		}
	case "queue":
		for k := range r.queues {
			out = append(out, k)
		}
	case "edge":
		for k := range r.edges {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
