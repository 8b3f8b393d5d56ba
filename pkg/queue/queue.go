package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/polis-mta/pkg/backoff"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/policy"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// Delivery outcomes, as reported to metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// Options are shared by the queue implementations.
type Options struct {
	Name    string
	Relay   domain.Relay
	Backoff backoff.Func
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// core is the part common to every queue: the policy chain, id
// assignment, and the decision taken after a delivery attempt.
type core struct {
	name    string
	relay   domain.Relay
	backoff backoff.Func
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	chain policy.Chain
}

func (c *core) init(opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.name = opts.Name
	c.relay = opts.Relay
	c.backoff = opts.Backoff
	if c.backoff == nil {
		c.backoff = backoff.Stop
	}
	c.metrics = opts.Metrics
	c.logger = logger.With("queue", opts.Name)
}

// AddPolicy appends p to the chain.
func (c *core) AddPolicy(p domain.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = append(c.chain, p)
}

// prepare runs the policy chain over a copy of env and gives every
// resulting envelope its own id.
func (c *core) prepare(ctx context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	c.mu.RLock()
	chain := c.chain
	c.mu.RUnlock()

	work := env.Clone()
	if work.ID == "" {
		work.ID = newID()
	}
	if work.Timestamp.IsZero() {
		work.Timestamp = time.Now()
	}
	out, err := chain.Apply(ctx, work)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", c.name, err)
	}
	if len(out) > 1 {
		for _, e := range out {
			e.ID = newID()
		}
	}
	return out, nil
}

// decision is what to do with an envelope after one attempt.
type decision struct {
	done  bool
	delay time.Duration
}

// attempt delivers env through the relay and decides its fate. attempts
// counts the failures before this one.
func (c *core) attempt(ctx context.Context, env *domain.Envelope, attempts int) decision {
	ctx, span := telemetry.Tracer("queue").Start(ctx, "queue.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("mta.queue", c.name),
		attribute.String("mta.envelope_id", env.ID),
		attribute.Int("mta.attempts", attempts),
	)

	err := c.relay.Attempt(ctx, env)
	if err == nil {
		c.metrics.ObserveDelivery(c.name, OutcomeDelivered)
		c.logger.Info("delivered", "envelope_id", env.ID, "attempts", attempts+1)
		return decision{done: true}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if domain.IsPermanent(err) {
		c.metrics.ObserveDelivery(c.name, OutcomeFailed)
		c.logger.Warn("delivery failed permanently", "envelope_id", env.ID, "error", err)
		return decision{done: true}
	}

	delay, ok := c.backoff(attempts + 1)
	if !ok {
		c.metrics.ObserveDelivery(c.name, OutcomeExpired)
		c.logger.Warn("delivery abandoned after retries", "envelope_id", env.ID, "attempts", attempts+1, "error", err)
		return decision{done: true}
	}
	c.metrics.ObserveDelivery(c.name, OutcomeRetry)
	c.metrics.ObserveRetry(c.name, delay)
	c.logger.Info("delivery deferred", "envelope_id", env.ID, "attempts", attempts+1, "retry_in", delay, "error", err)
	return decision{delay: delay}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
