// Package catalog loads the signpost definitions tracked by the index.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/triage-ai/proximity/internal/evidence"
	"gopkg.in/yaml.v3"
)

//go:embed signposts.yaml
var defaultCatalog []byte

type file struct {
	Signposts []evidence.Signpost `yaml:"signposts"`
}

// Catalog is an immutable, code-indexed set of signposts.
type Catalog struct {
	byCode map[string]evidence.Signpost
	codes  []string // sorted
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog.LoadFile: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog.Parse: %w", err)
	}
	return New(f.Signposts)
}

// New validates signposts and builds a Catalog.
func New(signposts []evidence.Signpost) (*Catalog, error) {
	c := &Catalog{byCode: make(map[string]evidence.Signpost, len(signposts))}
	for _, sp := range signposts {
		if sp.Code == "" {
			return nil, fmt.Errorf("catalog: signpost with empty code")
		}
		if _, dup := c.byCode[sp.Code]; dup {
			return nil, fmt.Errorf("catalog: duplicate signpost %q", sp.Code)
		}
		if !sp.Direction.Valid() {
			return nil, fmt.Errorf("catalog: signpost %q has invalid direction %q", sp.Code, sp.Direction)
		}
		if !validCategory(sp.Category) {
			return nil, fmt.Errorf("catalog: signpost %q has unknown category %q", sp.Code, sp.Category)
		}
		if sp.Weight < 0 {
			return nil, fmt.Errorf("catalog: signpost %q has negative weight", sp.Code)
		}
		c.byCode[sp.Code] = sp
		c.codes = append(c.codes, sp.Code)
	}
	sort.Strings(c.codes)
	return c, nil
}

func validCategory(cat evidence.Category) bool {
	for _, c := range evidence.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// Get returns the signpost for code.
func (c *Catalog) Get(code string) (evidence.Signpost, bool) {
	sp, ok := c.byCode[code]
	return sp, ok
}

// Has reports whether code is tracked.
func (c *Catalog) Has(code string) bool {
	_, ok := c.byCode[code]
	return ok
}

// Codes returns all codes in sorted order.
func (c *Catalog) Codes() []string {
	out := make([]string, len(c.codes))
	copy(out, c.codes)
	return out
}

// All returns every signpost, ordered by code.
func (c *Catalog) All() []evidence.Signpost {
	out := make([]evidence.Signpost, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, c.byCode[code])
	}
	return out
}

// Category returns the signpost codes in cat, ordered by code.
func (c *Catalog) Category(cat evidence.Category) []evidence.Signpost {
	var out []evidence.Signpost
	for _, code := range c.codes {
		if sp := c.byCode[code]; sp.Category == cat {
			out = append(out, sp)
		}
	}
	return out
}

// CategoriesOf returns the distinct categories touched by codes.
func (c *Catalog) CategoriesOf(codes []string) []evidence.Category {
	seen := make(map[evidence.Category]bool)
	var out []evidence.Category
	for _, cat := range evidence.Categories {
		for _, code := range codes {
			if sp, ok := c.byCode[code]; ok && sp.Category == cat && !seen[cat] {
				seen[cat] = true
				out = append(out, cat)
			}
		}
	}
	return out
}
