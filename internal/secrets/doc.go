// Package secrets detects credentials in generated file content.
//
// A Scanner combines a small set of built-in regex rules with the gitleaks
// default rule set. The coordinator calls Scan before every write and fails
// the file when a rule matches. Redact masks the built-in matches and is used
// to keep credentials out of prompts sent to remote models.
package secrets
