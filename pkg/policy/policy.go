package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/lookup"
	"github.com/polisai/polis-mta/pkg/spamd"
)

// Chain is an ordered list of policies.
type Chain []domain.Policy

// Apply runs every policy in order over every current envelope. A policy
// that splits an envelope replaces it with its parts for the rest of the
// chain.
func (c Chain) Apply(ctx context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	current := []*domain.Envelope{env}
	for i, p := range c {
		next := make([]*domain.Envelope, 0, len(current))
		for _, e := range current {
			out, err := p.Apply(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("policy %d (%T): %w", i, p, err)
			}
			if out == nil {
				next = append(next, e)
				continue
			}
			next = append(next, out...)
		}
		current = next
	}
	return current, nil
}

// Scanner inspects message content for the spamassassin policy.
type Scanner interface {
	Scan(ctx context.Context, message []byte) (spamd.Verdict, error)
}

// Options carries what the built-in policies need besides configuration.
type Options struct {
	// Hostname is the default for add_messageid_header and the "by" clause
	// of add_received_header.
	Hostname   string
	NewScanner func(host string, port int) Scanner
	Logger     *slog.Logger
}

const typeDKIM = "add_dkim_header"

// contentMutating lists the policy types that change the message bytes.
// Once a signature is added none of them may run.
var contentMutating = map[string]bool{
	"add_date_header":      true,
	"add_messageid_header": true,
	"add_received_header":  true,
	"lookup":               true,
	"spamassassin":         true,
}

// BuildChain composes the policies list of a queue section in declared order.
func BuildChain(ctx context.Context, queue *config.Section, opts Options) (Chain, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	entries, err := queue.Sections("policies")
	if err != nil {
		return nil, err
	}

	chain := make(Chain, 0, len(entries))
	signed := false
	for i, entry := range entries {
		field := fmt.Sprintf("policies[%d]", i)
		typ := entry.String("type", "")
		if signed && contentMutating[typ] {
			return nil, domain.ConfigErrorf(queue.Path(), field,
				"%s would invalidate the DKIM signature added before it; declare %s last", typ, typeDKIM)
		}
		p, err := buildPolicy(ctx, queue, field, entry, opts)
		if err != nil {
			return nil, err
		}
		if typ == typeDKIM {
			signed = true
		}
		chain = append(chain, p)
	}
	return chain, nil
}

func buildPolicy(ctx context.Context, queue *config.Section, field string, entry *config.Section, opts Options) (domain.Policy, error) {
	switch typ := entry.String("type", ""); typ {
	case "add_date_header":
		return AddDateHeader{}, nil
	case "add_messageid_header":
		return AddMessageIDHeader{Hostname: entry.String("hostname", opts.Hostname)}, nil
	case "add_received_header":
		return AddReceivedHeader{Hostname: opts.Hostname}, nil
	case "recipient_split":
		return RecipientSplit{}, nil
	case "recipient_domain_split":
		return RecipientDomainSplit{}, nil
	case "forward":
		return NewForward(entry.Section("mapping"))
	case "lookup":
		sub := entry.Section("lookup")
		if sub == nil {
			return nil, domain.ConfigErrorf(queue.Path(), field, "Incomplete lookup policy section")
		}
		table, err := lookup.Load(ctx, sub)
		if err != nil {
			return nil, err
		}
		onSender, err := entry.Bool("on_sender", false)
		if err != nil {
			return nil, err
		}
		onRecipients, err := entry.Bool("on_recipients", true)
		if err != nil {
			return nil, err
		}
		return &Lookup{Table: table, OnSender: onSender, OnRecipients: onRecipients}, nil
	case "spamassassin":
		port, err := entry.Int("port", spamd.DefaultPort)
		if err != nil {
			return nil, err
		}
		host := entry.String("host", spamd.DefaultHost)
		var scanner Scanner = spamd.New(host, port)
		if opts.NewScanner != nil {
			scanner = opts.NewScanner(host, port)
		}
		return &SpamAssassin{Scanner: scanner, Logger: opts.Logger}, nil
	case typeDKIM:
		return NewDKIM(entry.Section("dkim"))
	case "":
		return nil, domain.ConfigErrorf(queue.Path(), field, "policy type is required")
	default:
		return nil, domain.ConfigErrorf(queue.Path(), field, "unknown policy type %q", typ)
	}
}
