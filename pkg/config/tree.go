// Package config provides the immutable configuration tree and the logic to
// locate, load, and watch the configuration file.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-mta/pkg/domain"
)

// Tree is the whole configuration document. It is loaded once per process
// and never mutated afterwards.
type Tree struct {
	root   *Section
	source string
}

// Section is an ordered, read-only mapping node of the tree. Values are
// scalars (string, int, float64, bool, nil), lists ([]any), or *Section.
//
// All accessors are nil-safe: a nil *Section behaves like an empty mapping,
// so absent optional sections need no special casing.
type Section struct {
	path   string
	keys   []string
	values map[string]any
}

// Parse builds a Tree from YAML bytes.
func Parse(data []byte) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if doc.Kind == 0 {
		return &Tree{root: &Section{values: map[string]any{}}}, nil
	}

	v, err := fromNode("", &doc)
	if err != nil {
		return nil, err
	}
	root, ok := v.(*Section)
	if !ok {
		if v == nil {
			return &Tree{root: &Section{values: map[string]any{}}}, nil
		}
		return nil, errors.New("failed to parse config YAML: top level must be a mapping")
	}
	return &Tree{root: root}, nil
}

// Root returns the top-level section.
func (t *Tree) Root() *Section {
	if t == nil {
		return nil
	}
	return t.root
}

// Source is the file the tree was loaded from, if any.
func (t *Tree) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// Lookup resolves a dotted path such as "queue.outbound".
func (t *Tree) Lookup(path string) *Section {
	s := t.Root()
	for _, part := range strings.Split(path, ".") {
		s = s.Section(part)
		if s == nil {
			return nil
		}
	}
	return s
}

func fromNode(path string, n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromNode(path, n.Content[0])
	case yaml.AliasNode:
		return fromNode(path, n.Alias)
	case yaml.MappingNode:
		s := &Section{path: path, values: make(map[string]any, len(n.Content)/2)}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			v, err := fromNode(joinPath(path, key), n.Content[i+1])
			if err != nil {
				return nil, err
			}
			if _, dup := s.values[key]; !dup {
				s.keys = append(s.keys, key)
			}
			s.values[key] = v
		}
		return s, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for i, c := range n.Content {
			v, err := fromNode(fmt.Sprintf("%s[%d]", path, i), c)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to decode %s at line %d: %w", path, n.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported YAML node at %s (line %d)", path, n.Line)
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Path is the dotted location of the section, e.g. "edge.inbound.rules".
func (s *Section) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// FieldPath is the dotted location of key inside the section.
func (s *Section) FieldPath(key string) string {
	return joinPath(s.Path(), key)
}

// Keys returns the keys in declaration order.
func (s *Section) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

// Len is the number of keys.
func (s *Section) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Has reports whether key is present, even with a null value.
func (s *Section) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.values[key]
	return ok
}

// Get returns the raw value stored under key.
func (s *Section) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Section returns the mapping stored under key, or nil.
func (s *Section) Section(key string) *Section {
	v, _ := s.Get(key)
	sub, _ := v.(*Section)
	return sub
}

// String returns the scalar under key rendered as a string, or def when the
// key is absent, null, or not a scalar.
func (s *Section) String(key, def string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def
	}
	str, ok := scalarString(v)
	if !ok {
		return def
	}
	return str
}

// RequireString is String for mandatory keys.
func (s *Section) RequireString(key string) (string, error) {
	str := strings.TrimSpace(s.String(key, ""))
	if str == "" {
		return "", domain.ConfigErrorf(s.Path(), key, "required value is missing")
	}
	return str, nil
}

// Int returns the integer under key, or def when absent.
func (s *Section) Int(key string, def int) (int, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n <= math.MaxInt {
			return int(n), nil
		}
	case float64:
		if n == math.Trunc(n) && math.Abs(n) <= math.MaxInt32 {
			return int(n), nil
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed, nil
		}
	}
	return def, domain.ConfigErrorf(s.Path(), key, "expected an integer, got %v", v)
}

// Float returns the number under key, or def when absent.
func (s *Section) Float(key string, def float64) (float64, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return parsed, nil
		}
	}
	return def, domain.ConfigErrorf(s.Path(), key, "expected a number, got %v", v)
}

// Bool returns the boolean under key, or def when absent.
func (s *Section) Bool(key string, def bool) (bool, error) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
	case int:
		return b != 0, nil
	}
	return def, domain.ConfigErrorf(s.Path(), key, "expected a boolean, got %v", v)
}

// List returns the list under key. A scalar or mapping is returned as a
// one-element list; absent or null yields nil.
func (s *Section) List(key string) []any {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return nil
	}
	if items, ok := v.([]any); ok {
		return items
	}
	return []any{v}
}

// Strings returns the list under key as strings.
func (s *Section) Strings(key string) ([]string, error) {
	items := s.List(key)
	if items == nil {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		str, ok := scalarString(item)
		if !ok {
			return nil, domain.ConfigErrorf(s.Path(), fmt.Sprintf("%s[%d]", key, i), "expected a string")
		}
		out = append(out, str)
	}
	return out, nil
}

// Sections returns the list under key as mappings.
func (s *Section) Sections(key string) ([]*Section, error) {
	items := s.List(key)
	if items == nil {
		return nil, nil
	}
	out := make([]*Section, 0, len(items))
	for i, item := range items {
		sub, ok := item.(*Section)
		if !ok {
			return nil, domain.ConfigErrorf(s.Path(), fmt.Sprintf("%s[%d]", key, i), "expected a mapping")
		}
		out = append(out, sub)
	}
	return out, nil
}

// Map flattens the section into a plain map, recursively. Used when a
// subtree is handed to a library that wants generic data.
func (s *Section) Map() map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s.keys))
	for _, k := range s.keys {
		out[k] = plain(s.values[k])
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *Section:
		return t.Map()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int, int64, uint64, bool:
		return fmt.Sprint(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}
