package graph

import (
	"context"
	"errors"

	"github.com/polisai/polis-mta/pkg/backoff"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/policy"
	"github.com/polisai/polis-mta/pkg/rules"
)

// Validate checks the cross references and compiles every rule set, policy
// chain, and backoff function without constructing or starting any
// component. Rule sets built for the check are closed before it returns.
// All problems are reported together.
func (b *Builder) Validate(ctx context.Context) error {
	var errs []error
	checkedQueues := make(map[string]bool)
	checkedRelays := make(map[string]bool)

	relayErr := func(name string) error {
		if checkedRelays[name] {
			return nil
		}
		checkedRelays[name] = true
		sec, err := b.section("relay", name)
		if err != nil {
			return err
		}
		typ := sec.String("type", "")
		if _, _, ok := b.registry.relay(typ); !ok {
			return domain.ConfigErrorf(sec.Path(), "type", "unknown relay type %q", typ)
		}
		return nil
	}

	queueErrs := func(name string) []error {
		if checkedQueues[name] {
			return nil
		}
		checkedQueues[name] = true
		sec, err := b.section("queue", name)
		if err != nil {
			return []error{err}
		}
		var out []error
		if _, err := policy.BuildChain(ctx, sec, b.opts.Policies); err != nil {
			out = append(out, err)
		}
		typ := sec.String("type", "default")
		if typ == "default" {
			return out
		}
		if _, _, ok := b.registry.queue(typ); !ok {
			out = append(out, domain.ConfigErrorf(sec.Path(), "type", "unknown queue type %q", typ))
		}
		if relayName, err := sec.RequireString("relay"); err != nil {
			out = append(out, err)
		} else if err := relayErr(relayName); err != nil {
			out = append(out, err)
		}
		if _, err := backoff.Build(sec.Section("retry")); err != nil {
			out = append(out, err)
		}
		return out
	}

	edges := b.tree.Lookup("edge")
	for _, name := range edges.Keys() {
		sec := edges.Section(name)
		if sec == nil {
			errs = append(errs, domain.ConfigErrorf(edges.FieldPath(name), "", "edge must be a mapping"))
			continue
		}
		typ := sec.String("type", "")
		if _, _, ok := b.registry.edge(typ); !ok {
			errs = append(errs, domain.ConfigErrorf(sec.Path(), "type", "unknown edge type %q", typ))
		}
		if queueName, err := sec.RequireString("queue"); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, queueErrs(queueName)...)
		}
		if _, err := listenAddress(sec); err != nil {
			errs = append(errs, err)
		}
		if rs, err := rules.Build(ctx, sec.Section("rules"), b.opts.Rules); err != nil {
			errs = append(errs, err)
		} else {
			_ = rs.Close()
		}
	}

	// Queues and relays that no edge references are still checked.
	for _, name := range b.tree.Lookup("queue").Keys() {
		errs = append(errs, queueErrs(name)...)
	}
	for _, name := range b.tree.Lookup("relay").Keys() {
		if err := relayErr(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
