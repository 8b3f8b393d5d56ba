package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/lookup"
)

// Lookup rewrites addresses and adds headers from a lookup table. A match
// with an "alias" attribute replaces the address; an "add_headers" attribute
// (a mapping, or a JSON object string) prepends header fields.
type Lookup struct {
	Table        lookup.Table
	OnSender     bool
	OnRecipients bool
}

// Apply implements domain.Policy.
func (p *Lookup) Apply(ctx context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	if p.OnSender {
		alias, err := p.rewrite(ctx, env, env.Sender)
		if err != nil {
			return nil, err
		}
		env.Sender = alias
	}
	if p.OnRecipients {
		for i, rcpt := range env.Recipients {
			alias, err := p.rewrite(ctx, env, rcpt)
			if err != nil {
				return nil, err
			}
			env.Recipients[i] = alias
		}
	}
	return nil, nil
}

func (p *Lookup) rewrite(ctx context.Context, env *domain.Envelope, address string) (string, error) {
	attrs, found, err := p.Table.LookupAddress(ctx, address, nil)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", address, err)
	}
	if !found {
		return address, nil
	}
	headers, err := headerAttributes(attrs["add_headers"])
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", address, err)
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env.PrependHeader(name, headers[name])
	}
	if alias, ok := attrs.String("alias"); ok && alias != "" {
		return alias, nil
	}
	return address, nil
}

func headerAttributes(v any) (map[string]string, error) {
	out := map[string]string{}
	switch t := v.(type) {
	case nil:
	case map[string]any:
		for k, val := range t {
			out[k] = fmt.Sprint(val)
		}
	case string:
		var raw map[string]any
		if err := json.Unmarshal([]byte(t), &raw); err != nil {
			return nil, fmt.Errorf("add_headers is not a JSON object: %w", err)
		}
		for k, val := range raw {
			out[k] = fmt.Sprint(val)
		}
	default:
		return nil, fmt.Errorf("add_headers has unsupported type %T", v)
	}
	return out, nil
}
