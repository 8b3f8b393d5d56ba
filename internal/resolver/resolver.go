// Package resolver is a small stub resolver over miekg/dns used by the DNSBL
// checks and the MX relay.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNotFound is returned when the name exists but has no answers of the
// requested type, or does not exist at all.
var ErrNotFound = errors.New("no such record")

// Resolver answers the record types the MTA needs.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Config selects the upstream servers.
type Config struct {
	// Servers are host:port pairs. Empty means /etc/resolv.conf.
	Servers []string
	Timeout time.Duration
}

// DNS queries the configured servers in order until one answers.
type DNS struct {
	client  *dns.Client
	servers []string
}

// New creates a resolver. Without explicit servers it reads resolv.conf and
// falls back to 127.0.0.1:53.
func New(cfg Config) *DNS {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = systemServers("/etc/resolv.conf")
	}
	return &DNS{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
	}
}

func systemServers(path string) []string {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil || len(cc.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out
}

// Servers returns the upstream servers in query order.
func (r *DNS) Servers() []string {
	return append([]string(nil), r.servers...)
}

func (r *DNS) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return in.Answer, nil
		case dns.RcodeNameError:
			return nil, ErrNotFound
		default:
			lastErr = fmt.Errorf("%s %s: %s", name, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no DNS servers configured")
	}
	return nil, fmt.Errorf("resolve %s: %w", name, lastErr)
}

// LookupA returns the IPv4 addresses of name.
func (r *DNS) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	answers, err := r.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range answers {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, ErrNotFound
	}
	return ips, nil
}

// LookupTXT returns each TXT record joined into one string.
func (r *DNS) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range answers {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LookupMX returns the mail exchangers of name sorted by preference.
func (r *DNS) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	answers, err := r.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []*net.MX
	for _, rr := range answers {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, &net.MX{Host: strings.TrimSuffix(mx.Mx, "."), Pref: mx.Preference})
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out, nil
}

// ReverseIPv4 returns the octets of ip in reverse order, as used by DNSBL
// queries ("1.2.3.4" becomes "4.3.2.1"). It returns "" for non-IPv4 input.
func ReverseIPv4(ip string) string {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", parsed[3], parsed[2], parsed[1], parsed[0])
}
