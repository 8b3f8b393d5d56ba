package policy

import (
	"context"

	"github.com/polisai/polis-mta/pkg/domain"
)

// RecipientSplit gives each recipient its own envelope.
type RecipientSplit struct{}

// Apply implements domain.Policy.
func (RecipientSplit) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	if len(env.Recipients) <= 1 {
		return nil, nil
	}
	out := make([]*domain.Envelope, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		part := env.Clone()
		part.Recipients = []string{rcpt}
		out = append(out, part)
	}
	return out, nil
}

// RecipientDomainSplit groups recipients by domain, one envelope per domain
// in order of first appearance.
type RecipientDomainSplit struct{}

// Apply implements domain.Policy.
func (RecipientDomainSplit) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	var order []string
	groups := make(map[string][]string)
	for _, rcpt := range env.Recipients {
		d := domain.Domain(rcpt)
		if _, ok := groups[d]; !ok {
			order = append(order, d)
		}
		groups[d] = append(groups[d], rcpt)
	}
	if len(order) <= 1 {
		return nil, nil
	}
	out := make([]*domain.Envelope, 0, len(order))
	for _, d := range order {
		part := env.Clone()
		part.Recipients = groups[d]
		out = append(out, part)
	}
	return out, nil
}
