// Package lookup resolves address and credential lookup tables from
// configuration. Tables are read-only after construction and safe for
// concurrent use.
package lookup

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Attributes are the values stored for a matching key, e.g. "password" for a
// credential store or "alias" for a rewrite table.
type Attributes map[string]any

// String returns the attribute rendered as a string.
func (a Attributes) String(name string) (string, bool) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return fmt.Sprint(t), true
	}
}

// Table answers "does this address match, and with what attributes".
// params carries secondary keys such as the authorization identity.
type Table interface {
	LookupAddress(ctx context.Context, address string, params map[string]string) (Attributes, bool, error)
}

// Load constructs a delegated-directory table from a lookup section. The
// section's type key selects the backend; an optional cache mapping wraps it.
func Load(ctx context.Context, sec *config.Section) (Table, error) {
	if sec == nil {
		return nil, domain.ConfigErrorf("", "", "missing lookup section")
	}

	var (
		table Table
		err   error
	)
	typ := sec.String("type", "")
	switch typ {
	case "redis":
		table, err = NewRedis(ctx, sec)
	case "dict":
		table, err = dictFromSection(sec)
	case "regex":
		table, err = regexFromSection(sec)
	case "":
		return nil, domain.ConfigErrorf(sec.Path(), "type", "lookup type is required")
	default:
		return nil, domain.ConfigErrorf(sec.Path(), "type", "unknown lookup type %q", typ)
	}
	if err != nil {
		return nil, err
	}

	if cache := sec.Section("cache"); cache != nil {
		cached, err := NewCached(table, cache)
		if err != nil {
			_ = Close(table)
			return nil, err
		}
		return cached, nil
	}
	return table, nil
}

// Close releases t when it holds resources such as a redis client or a
// cache. Tables without resources, and nil, are ignored.
func Close(t Table) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ResolveRule picks the first present of lookupKey, listKey, and regexKey in
// rules. A lookup section is delegated to Load; a flat list becomes a Dict
// and a pattern list a Regex, both with empty attributes. When none of the
// keys is present the result is nil: no restriction.
func ResolveRule(ctx context.Context, rules *config.Section, lookupKey, listKey, regexKey string) (Table, error) {
	switch {
	case lookupKey != "" && rules.Has(lookupKey):
		sub := rules.Section(lookupKey)
		if sub == nil {
			return nil, domain.ConfigErrorf(rules.Path(), lookupKey, "expected a lookup mapping")
		}
		return Load(ctx, sub)
	case listKey != "" && rules.Has(listKey):
		addresses, err := rules.Strings(listKey)
		if err != nil {
			return nil, err
		}
		return NewDict(addresses), nil
	case regexKey != "" && rules.Has(regexKey):
		patterns, err := rules.Strings(regexKey)
		if err != nil {
			return nil, err
		}
		return NewRegex(rules.FieldPath(regexKey), patterns)
	}
	return nil, nil
}

// expandKey fills {address}, {localpart}, {domain}, and any {param} in tmpl.
func expandKey(tmpl, address string, params map[string]string) string {
	pairs := []string{
		"{address}", address,
		"{localpart}", domain.LocalPart(address),
		"{domain}", domain.Domain(address),
	}
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
