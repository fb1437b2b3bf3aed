package secrets

import (
	"fmt"
	"regexp"
)

const defaultRedaction = "[REDACTED]"

// Config configures a Scanner.
type Config struct {
	// Gitleaks adds the gitleaks default rule set to Rules.
	Gitleaks bool

	// Rules are the built-in regex rules. Nil selects DefaultRules.
	Rules []Rule

	// AllowPaths are path regexes whose content is never scanned.
	AllowPaths []string

	// AllowRegexes are content regexes treated as false positives.
	AllowRegexes []string

	// Redaction replaces matches in Redact (default "[REDACTED]").
	Redaction string
}

// Rule is a built-in detection rule.
type Rule struct {
	ID          string
	Description string
	Pattern     string

	// Keywords gate the rule: at least one must appear (case-insensitive).
	Keywords []string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables gitleaks on top of the built-in rules.
func DefaultConfig() Config {
	return Config{Gitleaks: true}
}

func compileRules(rules []Rule) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", rule.ID)
		}
		seen[rule.ID] = true

		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		compiled := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			compiled.keywords = append(compiled.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, compiled)
	}
	return out, nil
}

func compilePatterns(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid pattern %q: %w", field, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
