package secrets

import (
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// detectGitleaks runs the gitleaks default rule set over content.
// A detector is built per call: it accumulates findings internally and is
// not safe for concurrent reuse.
func detectGitleaks(content string, allow []*regexp.Regexp) ([]Finding, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	if len(allow) > 0 {
		applyAllowlist(&detector.Config, allow)
	}

	found := detector.DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Source:      SourceGitleaks,
			Line:        f.StartLine,
		})
	}
	return out, nil
}

// applyAllowlist adds the content allow patterns as a global allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allow []*regexp.Regexp) {
	global := &gitleaksConfig.Allowlist{
		Description: "agentd allow_regexes",
	}
	for _, re := range allow {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
