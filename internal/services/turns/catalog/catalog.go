// Package catalog loads the read-only tier catalog: the ordered cascade of
// service levels, each mapping to a model identifier, context window,
// capability flags, and per-period token limits.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PeriodType names a calendar accounting period.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

// Valid reports whether the value is a known period type.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDaily, PeriodMonthly:
		return true
	}
	return false
}

// PeriodLimit caps token consumption for one accounting period of a tier.
type PeriodLimit struct {
	Period    PeriodType `yaml:"period"`
	MaxTokens int64      `yaml:"max_tokens"`
}

// Tier is one service level in the cascade.
type Tier struct {
	Name          string        `yaml:"name"`
	Model         string        `yaml:"model"`
	ContextTokens int64         `yaml:"context_tokens"`
	Capabilities  []string      `yaml:"capabilities"`
	Limits        []PeriodLimit `yaml:"limits"`
}

// HasCapability reports whether the tier declares the named capability.
func (t Tier) HasCapability(name string) bool {
	for _, capability := range t.Capabilities {
		if capability == name {
			return true
		}
	}
	return false
}

type catalogFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// Catalog is the parsed tier catalog. Declaration order is the cascade order:
// a turn resolves to the first tier, at or below its requested level, with
// remaining capacity in every configured period.
type Catalog struct {
	tiers []Tier
	index map[string]int
}

// Load reads and parses a catalog YAML file.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(content)
}

// Parse parses catalog YAML content and validates it.
func Parse(content []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Tiers) == 0 {
		return nil, fmt.Errorf("catalog must declare at least one tier")
	}

	index := make(map[string]int, len(file.Tiers))
	for i, tier := range file.Tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return nil, fmt.Errorf("tier %d: name is required", i)
		}
		if _, exists := index[name]; exists {
			return nil, fmt.Errorf("tier %q: duplicate name", name)
		}
		if strings.TrimSpace(tier.Model) == "" {
			return nil, fmt.Errorf("tier %q: model is required", name)
		}
		if tier.ContextTokens <= 0 {
			return nil, fmt.Errorf("tier %q: context_tokens must be positive", name)
		}
		if len(tier.Limits) == 0 {
			return nil, fmt.Errorf("tier %q: at least one period limit is required", name)
		}
		seen := make(map[PeriodType]bool, len(tier.Limits))
		for _, limit := range tier.Limits {
			if !limit.Period.Valid() {
				return nil, fmt.Errorf("tier %q: unknown period %q", name, limit.Period)
			}
			if seen[limit.Period] {
				return nil, fmt.Errorf("tier %q: duplicate period %q", name, limit.Period)
			}
			seen[limit.Period] = true
			if limit.MaxTokens <= 0 {
				return nil, fmt.Errorf("tier %q: max_tokens must be positive for period %q", name, limit.Period)
			}
		}
		index[name] = i
	}

	return &Catalog{tiers: file.Tiers, index: index}, nil
}

// Tier returns the named tier.
func (c *Catalog) Tier(name string) (Tier, bool) {
	if c == nil {
		return Tier{}, false
	}
	i, ok := c.index[strings.TrimSpace(name)]
	if !ok {
		return Tier{}, false
	}
	return c.tiers[i], true
}

// Cascade returns the ordered tiers starting at the requested tier.
// An empty request starts at the top of the cascade. Unknown names return nil.
func (c *Catalog) Cascade(requested string) []Tier {
	if c == nil {
		return nil
	}
	requested = strings.TrimSpace(requested)
	start := 0
	if requested != "" {
		i, ok := c.index[requested]
		if !ok {
			return nil
		}
		start = i
	}
	out := make([]Tier, len(c.tiers)-start)
	copy(out, c.tiers[start:])
	return out
}

// Tiers returns the full cascade in declaration order.
func (c *Catalog) Tiers() []Tier {
	return c.Cascade("")
}
