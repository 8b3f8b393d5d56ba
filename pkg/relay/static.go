package relay

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/polis-mta/internal/governance"
	mtatls "github.com/polisai/polis-mta/internal/tls"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// Static delivers every envelope to one fixed host.
type Static struct {
	addr    string
	client  *client
	breaker *governance.Breaker
}

// StaticOptions are the collaborators of NewStatic.
type StaticOptions struct {
	// EHLO is the name announced to the relay host.
	EHLO   string
	Logger *slog.Logger
}

// NewStatic reads {host, port, credentials{username, password}, tls,
// require_tls, connect_timeout, command_timeout, circuit_breaker}.
func NewStatic(sec *config.Section, opts StaticOptions) (*Static, error) {
	host, err := sec.RequireString("host")
	if err != nil {
		return nil, err
	}
	port, err := sec.Int("port", DefaultPort)
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, domain.ConfigErrorf(sec.Path(), "port", "port %d out of range", port)
	}

	c, err := newClient(sec, opts.EHLO, opts.Logger)
	if err != nil {
		return nil, err
	}
	if creds := sec.Section("credentials"); creds != nil {
		user, err := creds.RequireString("username")
		if err != nil {
			return nil, err
		}
		c.auth = sasl.NewPlainClient("", user, creds.String("password", ""))
	}
	cb, err := breaker(sec)
	if err != nil {
		return nil, err
	}
	return &Static{addr: net.JoinHostPort(host, strconv.Itoa(port)), client: c, breaker: cb}, nil
}

// newClient reads the session options shared by the SMTP relays.
func newClient(sec *config.Section, ehlo string, logger *slog.Logger) (*client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ehlo = sec.String("ehlo_as", ehlo); ehlo == "" {
		ehlo = "localhost"
	}
	connect, err := durationSeconds(sec, "connect_timeout", DefaultConnectTimeout)
	if err != nil {
		return nil, err
	}
	command, err := durationSeconds(sec, "command_timeout", DefaultCommandTimeout)
	if err != nil {
		return nil, err
	}
	requireTLS, err := sec.Bool("require_tls", false)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := mtatls.FromSection(sec.Section("tls"))
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		tlsCfg = &mtatls.Config{}
	}

	starttls, err := sec.Bool("starttls", true)
	if err != nil {
		return nil, err
	}
	c := &client{
		ehlo:           ehlo,
		connectTimeout: connect,
		commandTimeout: command,
		requireTLS:     requireTLS,
		logger:         logger,
	}
	if starttls || requireTLS {
		cfg := *tlsCfg
		c.tlsConfig = func(host string) (*tls.Config, error) {
			return mtatls.BuildClient(cfg, host)
		}
	}
	return c, nil
}

// Attempt delivers env to the configured host.
func (s *Static) Attempt(ctx context.Context, env *domain.Envelope) error {
	ctx, span := telemetry.Tracer("relay").Start(ctx, "relay.static.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("mta.envelope_id", env.ID),
		attribute.String("net.peer.name", s.addr),
		attribute.Int("mta.recipients", len(env.Recipients)),
	)

	if s.breaker != nil {
		if err := s.breaker.Allow(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return &domain.DeliveryError{Code: 451, Message: "4.4.1 Relay host " + s.addr + " is temporarily skipped", Err: err}
		}
	}
	err := s.client.deliver(ctx, s.addr, env, env.Recipients)
	if s.breaker != nil {
		// A permanent reply still means the host is up.
		s.breaker.Record(err != nil && !domain.IsPermanent(err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Close is a no-op; connections are per delivery.
func (s *Static) Close() error { return nil }
