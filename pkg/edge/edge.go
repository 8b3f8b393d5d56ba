package edge

import (
	"log/slog"
	"math"

	"golang.org/x/time/rate"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/rules"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// DefaultMaxMessageSize bounds the message accepted by an edge.
const DefaultMaxMessageSize = 10 << 20

// Session stages, as reported to metrics.
const (
	stageBanner = "banner"
	stageAuth   = "auth"
	stageMail   = "mail"
	stageRcpt   = "rcpt"
	stageData   = "data"
)

// Options are the collaborators of an edge besides its section.
type Options struct {
	Name     string
	Address  string
	Queue    domain.Queue
	Rules    *rules.RuleSet
	// Hostname is the receiving host name recorded on envelopes.
	Hostname string
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default().With("edge", o.Name)
	}
	return o.Logger.With("edge", o.Name)
}

// rateLimit reads rate_limit {per_second, burst}. Without the section there
// is no limit and the result is nil.
func rateLimit(sec *config.Section) (*rate.Limiter, error) {
	rl := sec.Section("rate_limit")
	if rl == nil {
		return nil, nil
	}
	perSecond, err := rl.Float("per_second", 0)
	if err != nil {
		return nil, err
	}
	if perSecond <= 0 || math.IsInf(perSecond, 0) {
		return nil, domain.ConfigErrorf(rl.Path(), "per_second", "must be a positive number")
	}
	burst, err := rl.Int("burst", int(math.Ceil(perSecond)))
	if err != nil {
		return nil, err
	}
	if burst <= 0 {
		return nil, domain.ConfigErrorf(rl.Path(), "burst", "must be positive, got %d", burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst), nil
}

// maxMessageSize reads max_message_size.
func maxMessageSize(sec *config.Section) (int64, error) {
	n, err := sec.Int("max_message_size", DefaultMaxMessageSize)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, domain.ConfigErrorf(sec.Path(), "max_message_size", "must be positive, got %d", n)
	}
	return int64(n), nil
}
