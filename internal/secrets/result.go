package secrets

import (
	"fmt"
	"sort"
	"strings"
)

// Source names the rule set a finding came from.
type Source string

const (
	SourceBuiltin  Source = "builtin"
	SourceGitleaks Source = "gitleaks"
)

// Finding is one detected secret. The matched value is never retained.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Source      Source `json:"source"`

	// Line is 1-indexed.
	Line int `json:"line"`

	start, end int
}

// Result is the outcome of scanning one file.
type Result struct {
	Path     string    `json:"path"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything matched.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct matching rule ids, sorted.
func (r *Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	var ids []string
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Summary renders a one-line description safe for logs.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	lines := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		lines = append(lines, fmt.Sprintf("%s@%d", f.RuleID, f.Line))
	}
	return fmt.Sprintf("%d secret(s) in %s: %s", len(r.Findings), r.Path, strings.Join(lines, ", "))
}
