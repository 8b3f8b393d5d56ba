// Package domain defines the core mail-transfer types and the contracts
// between the orchestration layer and the components it wires together.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Everything here is:
//
// - Independent of infrastructure (no SMTP server, DNS client, redis, etc.)
// - Shared by the composer (rules, policy), the graph builder, and the
//   concrete edge/queue/relay implementations
// - Testable in isolation without mocks
//
// The dependency direction is always:
//
//	edge, queue, relay, rules, policy, graph → domain (CORRECT)
//	domain → any of them (FORBIDDEN)
package domain
