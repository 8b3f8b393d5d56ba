package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// exTempFail is the sysexits code a delivery agent uses for a transient
// failure.
const exTempFail = 75

// DefaultMaildropTimeout bounds one run of the delivery agent.
const DefaultMaildropTimeout = 10 * time.Minute

// Maildrop hands each recipient's copy of a message to a local delivery
// agent on standard input.
type Maildrop struct {
	executable string
	args       []string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewMaildrop reads {executable, args, timeout}. The executable defaults to
// "maildrop" on PATH.
func NewMaildrop(sec *config.Section, logger *slog.Logger) (*Maildrop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	args, err := sec.Strings("args")
	if err != nil {
		return nil, err
	}
	timeout, err := durationSeconds(sec, "timeout", DefaultMaildropTimeout)
	if err != nil {
		return nil, err
	}
	return &Maildrop{
		executable: sec.String("executable", "maildrop"),
		args:       args,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Attempt runs the agent once per recipient as "<executable> [args] -f
// <sender>", with RECIPIENT and SENDER in its environment. Exit status 75
// is transient; any other failure is permanent.
func (m *Maildrop) Attempt(ctx context.Context, env *domain.Envelope) error {
	for _, rcpt := range env.Recipients {
		if err := m.run(ctx, env, rcpt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maildrop) run(ctx context.Context, env *domain.Envelope, rcpt string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	args := append(append([]string(nil), m.args...), "-f", env.Sender)
	cmd := exec.CommandContext(ctx, m.executable, args...)
	cmd.Stdin = bytes.NewReader(env.Message)
	cmd.Env = append(cmd.Environ(), "SENDER="+env.Sender, "RECIPIENT="+rcpt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		m.logger.Debug("maildrop delivered", "recipient", rcpt, "envelope_id", env.ID)
		return nil
	}

	msg := strings.TrimSpace(stderr.String())
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return &domain.DeliveryError{Message: "maildrop timed out", Err: ctx.Err()}
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		return &domain.DeliveryError{
			Permanent: code != exTempFail,
			Message:   fmt.Sprintf("maildrop exited %d: %s", code, msg),
			Err:       err,
		}
	default:
		// The agent could not be started at all; an operator can fix that.
		return &domain.DeliveryError{Message: "run maildrop", Err: err}
	}
}

// Close is a no-op.
func (m *Maildrop) Close() error { return nil }
