package secrets

// builtinRules run on every generated file, with or without gitleaks.
// Grouped by where the credential comes from.
var builtinRules = []Rule{
	// model providers, including the keys agentd itself may be configured with
	{ID: "openai-api-key", Description: "OpenAI API key", Pattern: `sk-(?:proj-)?[A-Za-z0-9]{40,}`},
	{ID: "anthropic-api-key", Description: "Anthropic API key", Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`},
	{ID: "agentd-env-api-key", Description: "agentd provider key in an env file", Pattern: `(?i)AGENTD_LLM_API_KEY\s*=\s*['"]?[^\s'"]{8,}`, Keywords: []string{"agentd_llm"}},

	// cloud
	{ID: "aws-access-key-id", Description: "AWS access key id", Pattern: `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`},
	{ID: "google-api-key", Description: "Google API key", Pattern: `AIza[A-Za-z0-9_\-]{35}`},

	// source hosting and package registries
	{ID: "github-token", Description: "GitHub token", Pattern: `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`},
	{ID: "gitlab-token", Description: "GitLab personal access token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
	{ID: "npm-token", Description: "npm access token", Pattern: `npm_[A-Za-z0-9]{36}`},

	// SaaS
	{ID: "slack-token", Description: "Slack token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
	{ID: "stripe-key", Description: "Stripe live key", Pattern: `(?:sk|rk)_live_[A-Za-z0-9]{24,}`},

	// shapes that are secret wherever they appear
	{ID: "private-key", Description: "PEM private key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`},
	{ID: "jwt", Description: "JSON web token", Pattern: `eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`},
	{ID: "database-url", Description: "connection string with a password", Pattern: `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp|nats)://[^:\s/]+:[^@\s]+@[^\s'"]+`},

	// assignments in code and config
	{ID: "generic-api-key", Description: "API key assignment", Pattern: `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,64})['"]?`, Keywords: []string{"api"}},
	{ID: "generic-secret", Description: "password or secret assignment", Pattern: `(?i)(?:secret|password|passwd)\s*[:=]\s*['"]([^\s'"]{8,})['"]`, Keywords: []string{"secret", "passw"}},
}

// DefaultRules returns a copy of the built-in rules.
func DefaultRules() []Rule {
	return append([]Rule(nil), builtinRules...)
}
