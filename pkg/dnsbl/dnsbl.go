// Package dnsbl checks connecting clients against DNS blocklists.
package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/polisai/polis-mta/internal/resolver"
)

// Resolver is the subset of the stub resolver the checks need.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
}

// Checker reports whether an IP is listed.
type Checker interface {
	Listed(ctx context.Context, ip string) (bool, error)
}

// Host queries a single blocklist zone, e.g. "zen.spamhaus.org".
type Host struct {
	zone     string
	ignore   []netip.Prefix
	resolver Resolver
}

// NewHost creates a check against zone. ignore holds client addresses or
// CIDR ranges that are never looked up.
func NewHost(zone string, ignore []string, r Resolver) (*Host, error) {
	zone = strings.TrimSuffix(strings.TrimSpace(zone), ".")
	if zone == "" {
		return nil, errors.New("blocklist zone is empty")
	}
	h := &Host{zone: zone, resolver: r}
	for _, entry := range ignore {
		prefix, err := parsePrefix(entry)
		if err != nil {
			return nil, err
		}
		h.ignore = append(h.ignore, prefix)
	}
	return h, nil
}

func parsePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ignore entry %q: %w", entry, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ignore entry %q: %w", entry, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Zone returns the blocklist zone.
func (h *Host) Zone() string {
	return h.zone
}

// Listed looks up the reversed IPv4 address under the zone. IPv6 clients and
// ignored addresses are never listed. A name error means not listed.
func (h *Host) Listed(ctx context.Context, ip string) (bool, error) {
	if addr, err := netip.ParseAddr(ip); err == nil {
		addr = addr.Unmap()
		for _, p := range h.ignore {
			if p.Contains(addr) {
				return false, nil
			}
		}
	}
	reversed := resolver.ReverseIPv4(ip)
	if reversed == "" {
		return false, nil
	}
	ips, err := h.resolver.LookupA(ctx, reversed+"."+h.zone)
	if errors.Is(err, resolver.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dnsbl %s: %w", h.zone, err)
	}
	return len(ips) > 0, nil
}

// Group lists an IP when any member lists it. Lookup errors are returned
// only when no member produced a listing.
type Group []Checker

// Listed queries the members in order and stops at the first listing.
func (g Group) Listed(ctx context.Context, ip string) (bool, error) {
	var errs []error
	for _, c := range g {
		listed, err := c.Listed(ctx, ip)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if listed {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
