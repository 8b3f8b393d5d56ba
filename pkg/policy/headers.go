package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-mta/pkg/domain"
)

// dateFormat is the RFC 5322 date-time layout.
const dateFormat = "Mon, 02 Jan 2006 15:04:05 -0700"

func timestamp(env *domain.Envelope) time.Time {
	if env.Timestamp.IsZero() {
		return time.Now()
	}
	return env.Timestamp
}

// AddDateHeader adds a Date header when the message has none.
type AddDateHeader struct{}

// Apply implements domain.Policy.
func (AddDateHeader) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	if !env.HasHeader("Date") {
		env.PrependHeader("Date", timestamp(env).Format(dateFormat))
	}
	return nil, nil
}

// AddMessageIDHeader adds a Message-Id header when the message has none.
type AddMessageIDHeader struct {
	Hostname string
}

// Apply implements domain.Policy.
func (p AddMessageIDHeader) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	if !env.HasHeader("Message-Id") {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		env.PrependHeader("Message-Id", fmt.Sprintf("<%s@%s>", id, p.Hostname))
	}
	return nil, nil
}

// AddReceivedHeader records this hop in a Received trace header.
type AddReceivedHeader struct {
	Hostname string
}

// Apply implements domain.Policy.
func (p AddReceivedHeader) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	by := env.Receiver
	if by == "" {
		by = p.Hostname
	}
	ehlo := env.Client.EHLO
	if ehlo == "" {
		ehlo = "unknown"
	}
	protocol := env.Client.Protocol
	if protocol == "" {
		protocol = "SMTP"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from %s (%s) by %s (polis-mta) with %s id %s", ehlo, env.Client.IP, by, protocol, env.ID)
	if len(env.Recipients) == 1 {
		fmt.Fprintf(&b, " for <%s>", env.Recipients[0])
	}
	fmt.Fprintf(&b, "; %s", timestamp(env).Format(dateFormat))
	env.PrependHeader("Received", b.String())
	return nil, nil
}
