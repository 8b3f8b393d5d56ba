package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/polis-mta/internal/resolver"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// MXResolver finds the mail exchangers of a domain.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// MX delivers each recipient domain to its mail exchangers, most preferred
// first. A domain without MX records is tried as its own host (RFC 5321
// implicit MX).
type MX struct {
	resolver MXResolver
	port     int
	client   *client
	logger   *slog.Logger
}

// MXOptions are the collaborators of NewMX.
type MXOptions struct {
	EHLO     string
	Resolver MXResolver
	Logger   *slog.Logger
}

// NewMX reads {port, ehlo_as, starttls, require_tls, tls, connect_timeout,
// command_timeout}. The port exists for tests; production MX delivery is
// always on 25.
func NewMX(sec *config.Section, opts MXOptions) (*MX, error) {
	port, err := sec.Int("port", DefaultPort)
	if err != nil {
		return nil, err
	}
	c, err := newClient(sec, opts.EHLO, opts.Logger)
	if err != nil {
		return nil, err
	}
	r := opts.Resolver
	if r == nil {
		r = resolver.New(resolver.Config{})
	}
	return &MX{resolver: r, port: port, client: c, logger: c.logger}, nil
}

// Attempt delivers env once per recipient domain. The returned error joins
// the failures of every domain; it is permanent only when all of them are.
func (m *MX) Attempt(ctx context.Context, env *domain.Envelope) error {
	ctx, span := telemetry.Tracer("relay").Start(ctx, "relay.mx.attempt")
	defer span.End()
	span.SetAttributes(attribute.String("mta.envelope_id", env.ID))

	byDomain := make(map[string][]string)
	var domains []string
	for _, rcpt := range env.Recipients {
		d := strings.ToLower(domain.Domain(rcpt))
		if _, ok := byDomain[d]; !ok {
			domains = append(domains, d)
		}
		byDomain[d] = append(byDomain[d], rcpt)
	}

	var errs []error
	permanent := true
	for _, d := range domains {
		if err := m.deliverDomain(ctx, d, env, byDomain[d]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			permanent = permanent && domain.IsPermanent(err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if len(errs) == 1 {
		return errs[0]
	}
	return &domain.DeliveryError{Permanent: permanent, Message: "delivery failed for some domains", Err: err}
}

func (m *MX) deliverDomain(ctx context.Context, d string, env *domain.Envelope, rcpts []string) error {
	if d == "" {
		return &domain.DeliveryError{Permanent: true, Code: 550, Message: "recipient has no domain"}
	}
	hosts, err := m.exchangers(ctx, d)
	if err != nil {
		return err
	}

	var last error
	for _, host := range hosts {
		addr := net.JoinHostPort(host, strconv.Itoa(m.port))
		err := m.client.deliver(ctx, addr, env, rcpts)
		if err == nil {
			m.logger.Debug("delivered", "domain", d, "mx", host, "envelope_id", env.ID)
			return nil
		}
		if domain.IsPermanent(err) {
			return err
		}
		m.logger.Info("mx attempt failed", "domain", d, "mx", host, "error", err)
		last = err
	}
	return last
}

// exchangers returns the MX host names of d in preference order.
func (m *MX) exchangers(ctx context.Context, d string) ([]string, error) {
	records, err := m.resolver.LookupMX(ctx, d)
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		return []string{d}, nil
	case err != nil:
		return nil, &domain.DeliveryError{Message: "MX lookup for " + d, Err: err}
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	hosts := make([]string, 0, len(records))
	for _, r := range records {
		host := strings.TrimSuffix(r.Host, ".")
		// A null MX (RFC 7505) means the domain accepts no mail.
		if host == "" {
			return nil, &domain.DeliveryError{Permanent: true, Code: 556, Message: d + " does not accept mail"}
		}
		if !slices.Contains(hosts, host) {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return []string{d}, nil
	}
	return hosts, nil
}

// Close is a no-op; connections are per delivery.
func (m *MX) Close() error { return nil }
