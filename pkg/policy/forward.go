package policy

import (
	"context"
	"fmt"
	"regexp"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

type mapping struct {
	re   *regexp.Regexp
	repl string
}

// Forward rewrites recipients through an ordered list of pattern to
// replacement mappings. The first pattern that matches a recipient rewrites
// it; replacements use ${1} group references.
type Forward struct {
	mappings []mapping
}

// NewForward compiles the mapping section in declaration order.
func NewForward(sec *config.Section) (*Forward, error) {
	f := &Forward{}
	for _, pattern := range sec.Keys() {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &domain.ConfigurationError{Section: sec.Path(), Field: pattern, Err: err}
		}
		repl, err := sec.RequireString(pattern)
		if err != nil {
			return nil, err
		}
		f.mappings = append(f.mappings, mapping{re: re, repl: repl})
	}
	return f, nil
}

// AddMapping appends a mapping after the configured ones.
func (f *Forward) AddMapping(pattern, repl string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile %q: %w", pattern, err)
	}
	f.mappings = append(f.mappings, mapping{re: re, repl: repl})
	return nil
}

// Apply implements domain.Policy.
func (f *Forward) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	for i, rcpt := range env.Recipients {
		for _, m := range f.mappings {
			if m.re.MatchString(rcpt) {
				env.Recipients[i] = m.re.ReplaceAllString(rcpt, m.repl)
				break
			}
		}
	}
	return nil, nil
}
