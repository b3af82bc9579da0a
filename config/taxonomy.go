package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TagMapping maps raw upstream tags onto one canonical category.
type TagMapping struct {
	Category string   `yaml:"category"`
	Tags     []string `yaml:"tags"`
}

// PriceBracket is one half-open price bucket (prev.Max, Max].
type PriceBracket struct {
	Label string  `yaml:"label"`
	Max   float64 `yaml:"max"`
}

// Taxonomy is the versioned lookup table that turns raw market tags into
// canonical niche and bet-structure categories and trade prices into
// brackets. It is a frequently changing business rule kept out of the
// temporal-correctness core; the engine consumes it as a pure function and
// stamps its version onto every output row.
type Taxonomy struct {
	Version             string         `yaml:"version"`
	Niches              []TagMapping   `yaml:"niches"`
	DefaultNiche        string         `yaml:"default_niche"`
	BetStructures       []TagMapping   `yaml:"bet_structures"`
	DefaultBetStructure string         `yaml:"default_bet_structure"`
	PriceBrackets       []PriceBracket `yaml:"price_brackets"`
	DefaultPriceBracket string         `yaml:"default_price_bracket"`

	nicheByTag     map[string]string
	structureByTag map[string]string
}

// LoadTaxonomy loads and indexes the taxonomy table from the given path.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
	}
	var tax Taxonomy
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy file: %w", err)
	}
	if tax.Version == "" {
		return nil, fmt.Errorf("taxonomy version is required")
	}
	if len(tax.PriceBrackets) == 0 {
		return nil, fmt.Errorf("taxonomy must define at least one price bracket")
	}
	sort.Slice(tax.PriceBrackets, func(i, j int) bool {
		return tax.PriceBrackets[i].Max < tax.PriceBrackets[j].Max
	})

	tax.nicheByTag = indexMappings(tax.Niches)
	tax.structureByTag = indexMappings(tax.BetStructures)
	return &tax, nil
}

func indexMappings(mappings []TagMapping) map[string]string {
	index := make(map[string]string)
	for _, m := range mappings {
		for _, tag := range m.Tags {
			index[strings.ToLower(strings.TrimSpace(tag))] = m.Category
		}
	}
	return index
}

// Niche maps a raw niche tag to its canonical category.
func (t *Taxonomy) Niche(tag string) string {
	if c, ok := t.nicheByTag[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return c
	}
	return t.DefaultNiche
}

// BetStructure maps a raw bet-structure tag to its canonical category.
func (t *Taxonomy) BetStructure(tag string) string {
	if c, ok := t.structureByTag[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return c
	}
	return t.DefaultBetStructure
}

// PriceBracketLabel buckets an entry price. Brackets are checked in
// ascending Max order; prices above the last bracket get the default label.
func (t *Taxonomy) PriceBracketLabel(price float64) string {
	for _, b := range t.PriceBrackets {
		if price <= b.Max {
			return b.Label
		}
	}
	return t.DefaultPriceBracket
}
