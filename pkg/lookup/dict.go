package lookup

import (
	"context"
	"strings"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Dict is an exact-match table. Keys compare case-insensitively, as mail
// addresses do in practice.
type Dict struct {
	entries map[string]Attributes
}

// NewDict builds a membership table with empty attributes.
func NewDict(addresses []string) *Dict {
	d := &Dict{entries: make(map[string]Attributes, len(addresses))}
	for _, a := range addresses {
		d.entries[strings.ToLower(a)] = Attributes{}
	}
	return d
}

// NewDictWithAttributes builds a table from address to attributes.
func NewDictWithAttributes(entries map[string]Attributes) *Dict {
	d := &Dict{entries: make(map[string]Attributes, len(entries))}
	for k, v := range entries {
		if v == nil {
			v = Attributes{}
		}
		d.entries[strings.ToLower(k)] = v
	}
	return d
}

func dictFromSection(sec *config.Section) (*Dict, error) {
	entries := sec.Section("entries")
	if entries == nil {
		if sec.Has("entries") {
			return nil, domain.ConfigErrorf(sec.Path(), "entries", "expected a mapping of address to attributes")
		}
		return NewDict(nil), nil
	}
	out := make(map[string]Attributes, entries.Len())
	for _, key := range entries.Keys() {
		v, _ := entries.Get(key)
		switch t := v.(type) {
		case nil:
			out[key] = Attributes{}
		case *config.Section:
			out[key] = Attributes(t.Map())
		default:
			return nil, domain.ConfigErrorf(entries.Path(), key, "expected an attribute mapping")
		}
	}
	return NewDictWithAttributes(out), nil
}

// LookupAddress returns the attributes stored for address.
func (d *Dict) LookupAddress(_ context.Context, address string, _ map[string]string) (Attributes, bool, error) {
	attrs, ok := d.entries[strings.ToLower(address)]
	return attrs, ok, nil
}
