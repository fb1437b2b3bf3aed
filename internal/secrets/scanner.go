package secrets

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Scanner detects secrets in file content.
type Scanner struct {
	rules      []*compiledRule
	allowPaths []*regexp.Regexp
	allowText  []*regexp.Regexp
	gitleaks   bool
	redaction  string
	logger     *zap.Logger
}

// NewScanner compiles cfg into a Scanner.
func NewScanner(cfg Config, logger *zap.Logger) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Redaction == "" {
		cfg.Redaction = defaultRedaction
	}

	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	allowPaths, err := compilePatterns("allow_paths", cfg.AllowPaths)
	if err != nil {
		return nil, err
	}
	allowText, err := compilePatterns("allow_regexes", cfg.AllowRegexes)
	if err != nil {
		return nil, err
	}

	return &Scanner{
		rules:      rules,
		allowPaths: allowPaths,
		allowText:  allowText,
		gitleaks:   cfg.Gitleaks,
		redaction:  cfg.Redaction,
		logger:     logger.Named("secrets"),
	}, nil
}

// Scan returns the ids of the rules that matched content, sorted.
func (s *Scanner) Scan(ctx context.Context, path, content string) ([]string, error) {
	res, err := s.Check(ctx, path, content)
	if err != nil {
		return nil, err
	}
	return res.RuleIDs(), nil
}

// Check scans content and returns every finding.
func (s *Scanner) Check(ctx context.Context, path, content string) (*Result, error) {
	res := &Result{Path: path}
	if content == "" || s.pathAllowed(path) {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Findings = s.builtin(content)
	if s.gitleaks {
		found, err := detectGitleaks(content, s.allowText)
		if err != nil {
			return nil, err
		}
		res.Findings = append(res.Findings, found...)
	}

	if res.HasFindings() {
		s.logger.Warn("secrets detected",
			zap.String("path", path),
			zap.Strings("rules", res.RuleIDs()),
			zap.Int("count", len(res.Findings)))
	}
	return res, nil
}

// Redact masks every built-in match in content.
func (s *Scanner) Redact(content string) string {
	findings := s.builtin(content)
	if len(findings) == 0 {
		return content
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].start < findings[j].start })

	var b strings.Builder
	last := 0
	for _, f := range findings {
		if f.end <= last {
			continue
		}
		if f.start > last {
			b.WriteString(content[last:f.start])
		}
		if f.start >= last {
			b.WriteString(s.redaction)
		}
		last = f.end
	}
	b.WriteString(content[last:])
	return b.String()
}

func (s *Scanner) builtin(content string) []Finding {
	var out []Finding
	for _, rule := range s.rules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.textAllowed(content[m[0]:m[1]]) {
				continue
			}
			out = append(out, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Source:      SourceBuiltin,
				Line:        strings.Count(content[:m[0]], "\n") + 1,
				start:       m[0],
				end:         m[1],
			})
		}
	}
	return out
}

func (r *compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (s *Scanner) pathAllowed(path string) bool {
	for _, re := range s.allowPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (s *Scanner) textAllowed(match string) bool {
	for _, re := range s.allowText {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
