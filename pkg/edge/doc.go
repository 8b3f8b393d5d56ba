// Package edge implements the listeners that accept mail: an SMTP server
// and an HTTP endpoint that takes a raw message in a POST body.
//
// Both run every session stage through the rule set of their
// configuration and hand accepted messages to a queue.
package edge
