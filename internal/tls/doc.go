// Package tls builds crypto/tls configurations for SMTP listeners and
// outbound relay connections from configuration sections.
package tls
