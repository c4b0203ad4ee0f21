package mapper

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule maps a text pattern to candidate signpost codes. Rules sharing a
// Family are refinements of one cue (a benchmark and its named subset) and
// count once toward the multi-rule bonus. Family defaults to Name.
type Rule struct {
	Name    string   `yaml:"name"`
	Family  string   `yaml:"family,omitempty"`
	Pattern string   `yaml:"pattern"`
	Codes   []string `yaml:"codes"`
	Boost   float64  `yaml:"boost"`

	re *regexp.Regexp
}

// Match reports whether the rule fires on text.
func (r *Rule) Match(text string) bool {
	return r.re.MatchString(text)
}

// Registry is an immutable, compiled rule table. Safe for concurrent use.
type Registry struct {
	rules []Rule
}

// DefaultRegistry compiles the embedded rule table.
func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(defaultRules)
}

// LoadRegistryFile compiles a rule table from a YAML file.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRegistryFile: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and compiles YAML rules. Patterns are compiled
// case-insensitive.
func ParseRegistry(data []byte) (*Registry, error) {
	var f struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ParseRegistry: %w", err)
	}
	return NewRegistry(f.Rules)
}

// NewRegistry compiles rules into a Registry.
func NewRegistry(rules []Rule) (*Registry, error) {
	seen := make(map[string]bool, len(rules))
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %q: name and pattern are required", r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if len(r.Codes) == 0 {
			return nil, fmt.Errorf("rule %q: no target codes", r.Name)
		}
		if r.Boost < 0 || r.Boost > 0.3 {
			return nil, fmt.Errorf("rule %q: boost %.2f out of range [0, 0.3]", r.Name, r.Boost)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.re = re
		if r.Family == "" {
			r.Family = r.Name
		}
		r.Codes = append([]string(nil), r.Codes...)
		compiled = append(compiled, r)
	}
	return &Registry{rules: compiled}, nil
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Codes returns every code referenced by any rule, without duplicates.
func (r *Registry) Codes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rule := range r.rules {
		for _, c := range rule.Codes {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Matches returns the rules that fire on text, in table order.
func (r *Registry) Matches(text string) []*Rule {
	var out []*Rule
	for i := range r.rules {
		if r.rules[i].Match(text) {
			out = append(out, &r.rules[i])
		}
	}
	return out
}
