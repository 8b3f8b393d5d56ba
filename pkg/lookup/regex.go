package lookup

import (
	"context"
	"fmt"
	"regexp"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

type pattern struct {
	re    *regexp.Regexp
	attrs Attributes
}

// Regex matches addresses against patterns anchored at the start of the
// address. Patterns are tried in declaration order and the first match
// supplies the attributes.
type Regex struct {
	patterns []pattern
}

// NewRegex compiles patterns with empty attributes. field names the
// configuration location for error messages, e.g. "rules.regex_senders".
func NewRegex(field string, patterns []string) (*Regex, error) {
	r := &Regex{patterns: make([]pattern, 0, len(patterns))}
	for i, p := range patterns {
		re, err := compileAnchored(p)
		if err != nil {
			return nil, regexError(field, i, err)
		}
		r.patterns = append(r.patterns, pattern{re: re, attrs: Attributes{}})
	}
	return r, nil
}

func regexFromSection(sec *config.Section) (*Regex, error) {
	entries, err := sec.Sections("patterns")
	if err != nil {
		return nil, err
	}
	field := sec.FieldPath("patterns")
	r := &Regex{patterns: make([]pattern, 0, len(entries))}
	for i, entry := range entries {
		src, err := entry.RequireString("pattern")
		if err != nil {
			return nil, err
		}
		re, err := compileAnchored(src)
		if err != nil {
			return nil, regexError(field, i, err)
		}
		attrs := Attributes(entry.Section("attributes").Map())
		if attrs == nil {
			attrs = Attributes{}
		}
		r.patterns = append(r.patterns, pattern{re: re, attrs: attrs})
	}
	return r, nil
}

func compileAnchored(p string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + p + `)`)
}

func regexError(field string, i int, err error) error {
	section, key := splitField(field)
	return &domain.ConfigurationError{
		Section: section,
		Field:   fmt.Sprintf("%s[%d]", key, i),
		Err:     err,
	}
}

func splitField(field string) (string, string) {
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == '.' {
			return field[:i], field[i+1:]
		}
	}
	return "", field
}

// LookupAddress returns the attributes of the first matching pattern.
func (r *Regex) LookupAddress(_ context.Context, address string, _ map[string]string) (Attributes, bool, error) {
	for _, p := range r.patterns {
		if p.re.MatchString(address) {
			return p.attrs, true, nil
		}
	}
	return nil, false, nil
}
