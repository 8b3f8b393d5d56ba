package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/polisai/polis-mta/internal/resolver"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/dnsbl"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/lookup"
	"github.com/polisai/polis-mta/pkg/spamd"
	"github.com/polisai/polis-mta/pkg/spf"
)

// Scanner inspects message content.
type Scanner interface {
	Scan(ctx context.Context, message []byte) (spamd.Verdict, error)
}

// Options carries the collaborators a RuleSet needs besides configuration.
// Zero values select the production implementations.
type Options struct {
	Hostname string
	FQDN     string
	// Resolver serves DNSBL queries.
	Resolver dnsbl.Resolver
	// SPFCheck evaluates SPF; nil uses the library check.
	SPFCheck spf.CheckFunc
	// NewScanner connects to a content scanner at host:port.
	NewScanner func(host string, port int) Scanner
	Logger     *slog.Logger
}

// RuleSet is the resolved, read-only rules configuration of one edge.
type RuleSet struct {
	Banner      string
	DNSBL       dnsbl.Checker
	Senders     lookup.Table
	Recipients  lookup.Table
	Credentials lookup.Table
	Schemes     []Scheme
	RejectSPF   []spf.Result
	Scanner     Scanner
	Policy      *RegoCheck

	spf    *spf.Enforcer
	logger *slog.Logger
}

// Build resolves the rules section of an edge. A nil section yields a
// RuleSet that accepts everything except AUTH. The caller owns the result
// and releases its lookup tables with Close.
func Build(ctx context.Context, sec *config.Section, opts Options) (_ *RuleSet, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rs := &RuleSet{logger: logger}
	defer func() {
		if err != nil {
			_ = rs.Close()
		}
	}()

	if banner := sec.String("banner", ""); banner != "" {
		rs.Banner = fillHostnameTemplate(banner, opts)
	}

	if rs.DNSBL, err = buildDNSBL(sec, opts); err != nil {
		return nil, err
	}
	if rs.Senders, err = lookup.ResolveRule(ctx, sec, "lookup_senders", "only_senders", "regex_senders"); err != nil {
		return nil, err
	}
	if rs.Recipients, err = lookup.ResolveRule(ctx, sec, "lookup_recipients", "only_recipients", "regex_recipients"); err != nil {
		return nil, err
	}
	if rs.Credentials, err = lookup.ResolveRule(ctx, sec, "lookup_credentials", "", ""); err != nil {
		return nil, err
	}
	if rs.Schemes, err = parseSchemes(sec); err != nil {
		return nil, err
	}
	if rs.RejectSPF, err = parseRejectSPF(sec); err != nil {
		return nil, err
	}
	if len(rs.RejectSPF) > 0 {
		rs.spf = spf.NewEnforcer(rs.RejectSPF, opts.SPFCheck)
	}
	if rs.Scanner, err = buildScanner(sec, opts); err != nil {
		return nil, err
	}
	if sec.Has("policy") {
		if rs.Policy, err = NewRegoCheck(ctx, sec.Section("policy")); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Hostnames returns the short host name and a best-effort fully qualified
// name of the local machine.
func Hostnames() (hostname, fqdn string) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	fqdn = hostname
	if cname, err := net.LookupCNAME(hostname); err == nil && cname != "" {
		fqdn = strings.TrimSuffix(cname, ".")
	}
	return hostname, fqdn
}

func fillHostnameTemplate(tmpl string, opts Options) string {
	hostname, fqdn := opts.Hostname, opts.FQDN
	if hostname == "" || fqdn == "" {
		h, f := Hostnames()
		if hostname == "" {
			hostname = h
		}
		if fqdn == "" {
			fqdn = f
		}
	}
	return strings.NewReplacer("{fqdn}", fqdn, "{hostname}", hostname).Replace(tmpl)
}

func buildDNSBL(sec *config.Section, opts Options) (dnsbl.Checker, error) {
	raw, ok := sec.Get("dnsbl")
	if !ok || raw == nil {
		return nil, nil
	}
	r := opts.Resolver
	if r == nil {
		r = resolver.New(resolver.Config{})
	}

	if items, isList := raw.([]any); isList {
		group := make(dnsbl.Group, 0, len(items))
		for i, item := range items {
			h, err := dnsblHost(sec, fmt.Sprintf("dnsbl[%d]", i), item, r)
			if err != nil {
				return nil, err
			}
			group = append(group, h)
		}
		return group, nil
	}
	return dnsblHost(sec, "dnsbl", raw, r)
}

func dnsblHost(sec *config.Section, field string, v any, r dnsbl.Resolver) (*dnsbl.Host, error) {
	var (
		zone   string
		ignore []string
		err    error
	)
	switch t := v.(type) {
	case string:
		zone = t
	case *config.Section:
		if zone, err = t.RequireString("address"); err != nil {
			return nil, err
		}
		if ignore, err = t.Strings("ignore"); err != nil {
			return nil, err
		}
	default:
		return nil, domain.ConfigErrorf(sec.Path(), field, "expected a host name or an {address, ignore} mapping")
	}
	h, err := dnsbl.NewHost(zone, ignore, r)
	if err != nil {
		return nil, &domain.ConfigurationError{Section: sec.Path(), Field: field, Err: err}
	}
	return h, nil
}

func parseRejectSPF(sec *config.Section) ([]spf.Result, error) {
	names, err := sec.Strings("reject_spf")
	if err != nil {
		return nil, err
	}
	out := make([]spf.Result, 0, len(names))
	for i, name := range names {
		r, err := spf.ParseResult(name)
		if err != nil {
			return nil, &domain.ConfigurationError{Section: sec.Path(), Field: fmt.Sprintf("reject_spf[%d]", i), Err: err}
		}
		out = append(out, r)
	}
	return out, nil
}

func buildScanner(sec *config.Section, opts Options) (Scanner, error) {
	raw, ok := sec.Get("reject_spam")
	if !ok || raw == nil {
		return nil, nil
	}
	var scan *config.Section
	switch t := raw.(type) {
	case bool:
		if !t {
			return nil, nil
		}
	case *config.Section:
		scan = t
	default:
		return nil, domain.ConfigErrorf(sec.Path(), "reject_spam", "expected a mapping or true")
	}

	switch typ := scan.String("type", "content-scan"); typ {
	case "content-scan", "spamassassin":
	default:
		return nil, domain.ConfigErrorf(sec.FieldPath("reject_spam"), "type", "unknown scanner type %q", typ)
	}
	port, err := scan.Int("port", spamd.DefaultPort)
	if err != nil {
		return nil, err
	}
	host := scan.String("host", spamd.DefaultHost)

	if opts.NewScanner != nil {
		return opts.NewScanner(host, port), nil
	}
	return spamd.New(host, port), nil
}

// CheckCredentials verifies AUTH credentials. It fails closed: without a
// credential lookup, without a stored password, or when the lookup errors,
// the result is false.
func (rs *RuleSet) CheckCredentials(ctx context.Context, creds domain.Credentials) (bool, error) {
	if rs.Credentials == nil {
		return false, nil
	}
	attrs, found, err := rs.Credentials.LookupAddress(ctx, creds.AuthcID, map[string]string{"authzid": creds.AuthzID})
	if err != nil {
		return false, fmt.Errorf("credential lookup for %s: %w", creds.AuthcID, err)
	}
	if !found {
		return false, nil
	}
	stored, ok := attrs.String("password")
	if !ok {
		return false, nil
	}
	return verifyPassword(rs.Schemes, stored, creds.Secret), nil
}

// IsSenderOK applies the sender rules. A sender lookup, when configured,
// decides alone; otherwise a credential lookup requires an authenticated
// session; otherwise every sender is accepted.
func (rs *RuleSet) IsSenderOK(ctx context.Context, authenticated bool, sender string) (bool, error) {
	if rs.Senders != nil {
		_, found, err := rs.Senders.LookupAddress(ctx, sender, nil)
		if err != nil {
			return false, fmt.Errorf("sender lookup for %s: %w", sender, err)
		}
		return found, nil
	}
	if rs.Credentials != nil && !authenticated {
		return false, nil
	}
	return true, nil
}

// IsRecipientOK reports whether the recipient is allowed.
func (rs *RuleSet) IsRecipientOK(ctx context.Context, recipient string) (bool, error) {
	if rs.Recipients == nil {
		return true, nil
	}
	_, found, err := rs.Recipients.LookupAddress(ctx, recipient, nil)
	if err != nil {
		return false, fmt.Errorf("recipient lookup for %s: %w", recipient, err)
	}
	return found, nil
}

// RejectSpam asks the scanner for a verdict. Without a scanner nothing is
// rejected.
func (rs *RuleSet) RejectSpam(ctx context.Context, data []byte) (bool, error) {
	if rs.Scanner == nil {
		return false, nil
	}
	v, err := rs.Scanner.Scan(ctx, data)
	if err != nil {
		return false, err
	}
	return v.Spam, nil
}

// Close releases the lookup tables. It is safe to call more than once.
func (rs *RuleSet) Close() error {
	var errs []error
	for _, t := range []*lookup.Table{&rs.Senders, &rs.Recipients, &rs.Credentials} {
		if err := lookup.Close(*t); err != nil {
			errs = append(errs, err)
		}
		*t = nil
	}
	return errors.Join(errs...)
}

// AuthOffered reports whether the edge should advertise AUTH.
func (rs *RuleSet) AuthOffered() bool {
	return rs.Credentials != nil
}
