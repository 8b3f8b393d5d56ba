package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/polisai/polis-mta/pkg/domain"
)

// Session defaults.
const (
	DefaultPort           = 25
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 5 * time.Minute
)

// client holds what one SMTP delivery needs besides the destination.
type client struct {
	ehlo           string
	connectTimeout time.Duration
	commandTimeout time.Duration
	// tlsConfig builds the STARTTLS configuration for a host; nil disables
	// STARTTLS.
	tlsConfig func(host string) (*tls.Config, error)
	// requireTLS fails delivery when the server does not offer STARTTLS.
	requireTLS bool
	auth       sasl.Client
	logger     *slog.Logger
}

// deliver runs one SMTP transaction against addr for the given recipients.
func (c *client) deliver(ctx context.Context, addr string, env *domain.Envelope, rcpts []string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return &domain.DeliveryError{Permanent: true, Message: "invalid relay address", Err: err}
	}

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &domain.DeliveryError{Message: "connect " + addr, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sc := smtp.NewClient(conn)
	sc.CommandTimeout = c.commandTimeout
	sc.SubmissionTimeout = c.commandTimeout
	defer sc.Close()

	if err := sc.Hello(c.ehlo); err != nil {
		return classify("EHLO", err)
	}

	if c.tlsConfig != nil {
		if ok, _ := sc.Extension("STARTTLS"); ok {
			tc, err := c.tlsConfig(host)
			if err != nil {
				return &domain.DeliveryError{Permanent: true, Message: "tls configuration", Err: err}
			}
			if err := sc.StartTLS(tc); err != nil {
				return classify("STARTTLS", err)
			}
		} else if c.requireTLS {
			return &domain.DeliveryError{Message: host + " does not offer STARTTLS"}
		}
	}

	if c.auth != nil {
		if err := sc.Auth(c.auth); err != nil {
			return classify("AUTH", err)
		}
	}

	if err := sc.Mail(env.Sender, nil); err != nil {
		return classify("MAIL", err)
	}
	for _, rcpt := range rcpts {
		if err := sc.Rcpt(rcpt, nil); err != nil {
			return classify("RCPT", err)
		}
	}
	w, err := sc.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := w.Write(env.Message); err != nil {
		_ = w.Close()
		return classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return classify("DATA", err)
	}
	if err := sc.Quit(); err != nil {
		c.logger.Debug("quit failed after delivery", "addr", addr, "error", err)
	}
	return nil
}

// classify turns an SMTP client error into a DeliveryError. 5xx replies are
// permanent; everything else, including network errors, is transient.
func classify(stage string, err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &domain.DeliveryError{
			Permanent: se.Code >= 500 && se.Code < 600,
			Code:      se.Code,
			Message:   fmt.Sprintf("%s rejected: %s", stage, se.Message),
			Err:       err,
		}
	}
	return &domain.DeliveryError{Message: stage + " failed", Err: err}
}
