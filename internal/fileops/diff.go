package fileops

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultContextLines is the number of unchanged lines around each hunk.
const DefaultContextLines = 3

// UnifiedDiff implements orchestrator.DiffGenerator with unified diffs.
type UnifiedDiff struct {
	Context int
}

// NewUnifiedDiff returns a differ with DefaultContextLines of context.
func NewUnifiedDiff() UnifiedDiff {
	return UnifiedDiff{Context: DefaultContextLines}
}

// Diff renders the change from original to updated. Identical inputs give
// an empty diff.
func (d UnifiedDiff) Diff(path, original, updated string) (string, error) {
	if original == updated {
		return "", nil
	}
	from, to := "a/"+path, "b/"+path
	if original == "" {
		from = "/dev/null"
	}
	if updated == "" {
		to = "/dev/null"
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        lines(original),
		B:        lines(updated),
		FromFile: from,
		ToFile:   to,
		Context:  d.Context,
	})
}

// lines splits s after each newline. Unlike difflib.SplitLines it adds no
// phantom trailing line and an empty string has no lines.
func lines(s string) []string {
	if s == "" {
		return nil
	}
	out := strings.SplitAfter(s, "\n")
	if out[len(out)-1] == "" {
		out = out[:len(out)-1]
	} else {
		out[len(out)-1] += "\n\\ No newline at end of file\n"
	}
	return out
}
