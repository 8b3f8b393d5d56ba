package policy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/polisai/polis-mta/pkg/domain"
)

// SpamAssassin tags messages with the scanner verdict. Scanner failures are
// logged and leave the message untagged.
type SpamAssassin struct {
	Scanner Scanner
	Logger  *slog.Logger
}

// Apply implements domain.Policy.
func (p *SpamAssassin) Apply(ctx context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	v, err := p.Scanner.Scan(ctx, env.Message)
	if err != nil {
		p.Logger.Warn("spam scan failed", "envelope_id", env.ID, "error", err)
		return nil, nil
	}
	status := "NO"
	if v.Spam {
		status = "YES"
	}
	env.PrependHeader("X-Spam-Symbols", strings.Join(v.Symbols, ","))
	env.PrependHeader("X-Spam-Status", status)
	return nil, nil
}
