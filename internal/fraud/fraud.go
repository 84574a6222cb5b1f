// Package fraud implements deterministic, rule-based screening of candidate
// transactions. Rules are independent; every registered rule is evaluated and
// their alerts are reported in registration order.
package fraud

import (
	"strings"
)

const (
	AlertHighValue     = "high-value transaction"
	AlertRiskyCategory = "high-risk merchant category"

	DefaultHighAmountThreshold int64 = 100000
)

// DefaultRiskyCategories is the deny-list used when none is configured.
var DefaultRiskyCategories = []string{"gambling", "casino", "adult"}

// Candidate is the transaction being screened.
type Candidate struct {
	MemberNumber     string
	Amount           int64
	MerchantName     string
	MerchantCategory string
}

// Rule inspects a candidate and reports at most one alert.
type Rule interface {
	Name() string
	Evaluate(c Candidate) (alert string, triggered bool)
}

// RuleFunc adapts a plain function into a Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(c Candidate) (string, bool)
}

func (f RuleFunc) Name() string { return f.RuleName }

func (f RuleFunc) Evaluate(c Candidate) (string, bool) { return f.Fn(c) }

// HighAmountRule flags amounts strictly greater than Threshold.
type HighAmountRule struct {
	Threshold int64
}

func (r HighAmountRule) Name() string { return "high_amount" }

func (r HighAmountRule) Evaluate(c Candidate) (string, bool) {
	if c.Amount > r.Threshold {
		return AlertHighValue, true
	}
	return "", false
}

// CategoryRule flags merchant categories on a deny-list. Matching ignores
// case and surrounding whitespace.
type CategoryRule struct {
	denied map[string]struct{}
}

// NewCategoryRule builds a rule over the given categories.
func NewCategoryRule(categories []string) CategoryRule {
	denied := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		if c = normalize(c); c != "" {
			denied[c] = struct{}{}
		}
	}
	return CategoryRule{denied: denied}
}

func (r CategoryRule) Name() string { return "risky_category" }

func (r CategoryRule) Evaluate(c Candidate) (string, bool) {
	if _, ok := r.denied[normalize(c.MerchantCategory)]; ok {
		return AlertRiskyCategory, true
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Screen runs a fixed, ordered set of rules.
type Screen struct {
	rules []Rule
}

// NewScreen returns a screen over rules, evaluated in the given order.
func NewScreen(rules ...Rule) *Screen {
	return &Screen{rules: append([]Rule(nil), rules...)}
}

// DefaultScreen returns the high-amount and risky-category rules with their
// default settings.
func DefaultScreen() *Screen {
	return NewScreen(
		HighAmountRule{Threshold: DefaultHighAmountThreshold},
		NewCategoryRule(DefaultRiskyCategories),
	)
}

// Evaluate returns the alerts raised by every rule, in registration order.
// An empty result means the candidate passed.
func (s *Screen) Evaluate(c Candidate) []string {
	var alerts []string
	for _, r := range s.rules {
		if alert, ok := r.Evaluate(c); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// Rules returns the registered rule names in order.
func (s *Screen) Rules() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name()
	}
	return names
}
