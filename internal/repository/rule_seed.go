package repository

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

// RuleSeed is the on-disk layout of a rule seed file:
//
//	[[rule]]
//	id = "late-short"
//	datatype = "assign"
//	priority = 1
//	...
type RuleSeed struct {
	Rules []models.Rule `toml:"rule"`
}

// LoadRuleSeedFile decodes a TOML seed file.
func LoadRuleSeedFile(path string) ([]models.Rule, error) {
	var seed RuleSeed
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return nil, fmt.Errorf("decode rule seed %s: %w", path, err)
	}
	return orderSeed(seed.Rules)
}

// DecodeRuleSeed decodes seed content from r.
func DecodeRuleSeed(r io.Reader) ([]models.Rule, error) {
	var seed RuleSeed
	if _, err := toml.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode rule seed: %w", err)
	}
	return orderSeed(seed.Rules)
}

// orderSeed returns rules with every parent defined in the seed placed before
// its children. Parents outside the seed are assumed to exist already.
func orderSeed(rules []models.Rule) ([]models.Rule, error) {
	byID := make(map[string]int, len(rules))
	for i, rule := range rules {
		rule.ID = strings.TrimSpace(rule.ID)
		if rule.ID == "" {
			return nil, fmt.Errorf("rule seed entry %d has no id", i)
		}
		if _, dup := byID[rule.ID]; dup {
			return nil, fmt.Errorf("rule seed defines %s twice", rule.ID)
		}
		byID[rule.ID] = i
		rules[i] = rule
	}

	ordered := make([]models.Rule, 0, len(rules))
	placed := make(map[string]bool, len(rules))
	for len(ordered) < len(rules) {
		progressed := false
		for _, rule := range rules {
			if placed[rule.ID] {
				continue
			}
			parent := rule.Parent()
			if _, inSeed := byID[parent]; parent == "" || !inSeed || placed[parent] {
				ordered = append(ordered, rule)
				placed[rule.ID] = true
				progressed = true
			}
		}
		if !progressed {
			pending := make([]string, 0)
			for _, rule := range rules {
				if !placed[rule.ID] {
					pending = append(pending, rule.ID)
				}
			}
			sort.Strings(pending)
			return nil, fmt.Errorf("rule seed contains a parent cycle among %s", strings.Join(pending, ", "))
		}
	}
	return ordered, nil
}
