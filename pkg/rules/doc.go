// Package rules turns an edge's rules section into a RuleSet and the
// validators that consult it at each stage of a client session.
//
// A RuleSet is built once at startup and never modified afterwards; every
// connection handler of the edge reads it concurrently. Optional checks are
// enabled by the presence of their configuration key:
//
//	banner              greeting text, {fqdn} and {hostname} are filled in
//	dnsbl               blocklist host, {address, ignore} mapping, or a list
//	lookup_senders      sender lookup (else only_senders, else regex_senders)
//	lookup_recipients   recipient lookup (else only_recipients, else regex_recipients)
//	lookup_credentials  credential store for AUTH
//	passlib_config      accepted password hash schemes
//	reject_spf          SPF results that reject MAIL FROM
//	reject_spam         content scanner, rejects at end of DATA
//	policy              Rego module evaluated per recipient
package rules
