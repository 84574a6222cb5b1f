package fraud

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the rule set. It can be loaded from a YAML file:
//
//	high_amount_threshold: 100000
//	risky_categories: [gambling, casino, adult]
//	disabled_rules: [risky_category]
type Config struct {
	HighAmountThreshold int64    `yaml:"high_amount_threshold"`
	RiskyCategories     []string `yaml:"risky_categories"`
	// DisabledRules names built-in rules to leave out of the screen.
	DisabledRules []string `yaml:"disabled_rules"`
}

// builtinRules lists the rule names DisabledRules may refer to.
var builtinRules = map[string]bool{"high_amount": true, "risky_category": true}

// DefaultConfig returns the built-in rule settings.
func DefaultConfig() Config {
	return Config{
		HighAmountThreshold: DefaultHighAmountThreshold,
		RiskyCategories:     append([]string(nil), DefaultRiskyCategories...),
	}
}

// LoadConfig reads a YAML rules file. Keys missing from the file keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read fraud rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse fraud rules %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings that would disable screening by accident.
func (c Config) Validate() error {
	if c.HighAmountThreshold <= 0 {
		return fmt.Errorf("fraud: high_amount_threshold must be positive, got %d", c.HighAmountThreshold)
	}
	for _, name := range c.DisabledRules {
		if !builtinRules[name] {
			return fmt.Errorf("fraud: unknown rule %q in disabled_rules", name)
		}
	}
	return nil
}

// Screen builds the rule set described by c, followed by any extra rules.
func (c Config) Screen(extra ...Rule) *Screen {
	disabled := make(map[string]bool, len(c.DisabledRules))
	for _, name := range c.DisabledRules {
		disabled[name] = true
	}

	var rules []Rule
	for _, r := range []Rule{
		HighAmountRule{Threshold: c.HighAmountThreshold},
		NewCategoryRule(c.RiskyCategories),
	} {
		if !disabled[r.Name()] {
			rules = append(rules, r)
		}
	}
	return NewScreen(append(rules, extra...)...)
}
