package domain

import "context"

// Edge is a network-facing listener that accepts messages and hands them to
// a queue after validation.
type Edge interface {
	// Start binds the listener and begins serving in the background.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Addr is the bound listen address; valid after Start.
	Addr() string
}

// Queue accepts validated messages and schedules their delivery through a
// relay, applying its policies first.
type Queue interface {
	// AddPolicy appends p to the queue's policy chain. Policies run in call order.
	AddPolicy(p Policy)
	// Enqueue applies the policy chain and stores the resulting envelopes,
	// returning their IDs.
	Enqueue(ctx context.Context, env *Envelope) ([]string, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Relay performs outbound delivery of one envelope. Failures should be
// reported as *DeliveryError so queues can decide whether to retry.
type Relay interface {
	Attempt(ctx context.Context, env *Envelope) error
	Close() error
}

// Policy is one message-transform step of a queue's policy chain. A nil
// result keeps env (possibly modified in place); a non-nil result replaces
// env with the returned envelopes.
type Policy interface {
	Apply(ctx context.Context, env *Envelope) ([]*Envelope, error)
}
