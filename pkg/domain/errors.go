package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrLookupUnavailable  = errors.New("lookup directory unavailable")
	ErrScannerUnavailable = errors.New("content scanner unavailable")
	ErrQueueStopped       = errors.New("queue stopped")
)

// ConfigurationError reports a configuration tree that cannot be turned into
// a running component graph. It is always fatal at startup and always names
// the offending section.
type ConfigurationError struct {
	// Section is the dotted path of the section, e.g. "edge.inbound".
	Section string
	// Field is the key inside Section, empty when the section as a whole is wrong.
	Field string
	Err   error
}

// ConfigErrorf builds a ConfigurationError with a formatted cause.
func ConfigErrorf(section, field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		Section: section,
		Field:   field,
		Err:     fmt.Errorf(format, args...),
	}
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Section != "" {
		b.WriteString(" in ")
		b.WriteString(e.Section)
	}
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigurationError match ErrConfigInvalid.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// DeliveryError classifies a relay failure. Permanent failures are not
// retried; transient ones are handed to the queue's backoff function.
type DeliveryError struct {
	Permanent bool
	Code      int
	Message   string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := fmt.Sprintf("%s delivery failure", kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" %d", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent DeliveryError.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	return false
}
