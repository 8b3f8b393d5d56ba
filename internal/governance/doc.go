// Package governance holds the circuit breaker that guards relay hosts. A
// host that keeps failing with transient errors is skipped for a cooldown so
// queued envelopes go back to their retry schedule without a connection
// attempt.
package governance
