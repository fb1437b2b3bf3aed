package llm

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// Intent types produced by the classifiers.
const (
	IntentCreate   = "create"
	IntentModify   = "modify"
	IntentDelete   = "delete"
	IntentRefactor = "refactor"
	IntentFix      = "fix"
	IntentQuestion = "question"
)

// Questions asked when a request is too vague to plan.
const (
	QuestionPaths  = "Which files should the change touch?"
	QuestionAction = "Should those files be created, modified, deleted or moved?"
)

var verbs = []struct {
	intent string
	words  []string
}{
	{IntentDelete, []string{"delete", "remove", "drop"}},
	{IntentRefactor, []string{"rename", "move", "refactor", "extract", "split"}},
	{IntentCreate, []string{"create", "add", "new", "implement", "write", "scaffold"}},
	{IntentFix, []string{"fix", "bug", "broken", "crash", "repair"}},
	{IntentModify, []string{"update", "change", "modify", "edit", "replace", "improve", "rewrite"}},
}

var (
	pathPattern       = regexp.MustCompile(`(?:[A-Za-z0-9_\-.]+/)*[A-Za-z0-9_\-]+\.[A-Za-z0-9]{1,8}\b|(?:[A-Za-z0-9_\-.]+/)+[A-Za-z0-9_\-.]+`)
	relocationPattern = regexp.MustCompile(`(?i)\b(rename|move)\s+(\S+)\s+(?:to|into|as)\s+(\S+)`)
)

// HeuristicClassifier classifies requests from their verbs and the file
// paths they mention.
type HeuristicClassifier struct{}

// Classify implements orchestrator.IntentClassifier. Earlier user messages
// count, so an answer naming a file completes the request it answers.
func (HeuristicClassifier) Classify(ctx context.Context, message string, history []orchestrator.Message, project string) (*orchestrator.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var texts []string
	for _, m := range history {
		if m.Role == orchestrator.RoleUser {
			texts = append(texts, m.Content)
		}
	}
	texts = append(texts, message)
	text := strings.Join(texts, "\n")

	intent := &orchestrator.Intent{Type: detectIntent(text), Confidence: 0.2}
	paths := ExtractPaths(text)
	if intent.Type != "" {
		intent.Confidence += 0.4
	}
	if len(paths) > 0 {
		intent.Confidence += 0.3
	}
	if len(strings.Fields(text)) >= 5 {
		intent.Confidence += 0.1
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}

	if isQuestion(message) && len(paths) == 0 {
		intent.Type = IntentQuestion
	}
	if intent.Type == "" {
		intent.Type = IntentModify
		intent.Questions = append(intent.Questions, QuestionAction)
	}
	if len(paths) == 0 {
		intent.Questions = append([]string{QuestionPaths}, intent.Questions...)
	}
	intent.RequiresClarification = len(paths) == 0
	return intent, nil
}

func detectIntent(text string) string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = true
	}
	for _, v := range verbs {
		for _, w := range v.words {
			if words[w] {
				return v.intent
			}
		}
	}
	return ""
}

func isQuestion(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if strings.HasSuffix(m, "?") {
		return true
	}
	for _, w := range []string{"what ", "why ", "how ", "where ", "explain "} {
		if strings.HasPrefix(m, w) {
			return true
		}
	}
	return false
}

// ExtractPaths returns the file paths mentioned in text, in order of first
// appearance. URLs and absolute or parent-relative paths are ignored.
func ExtractPaths(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, field := range strings.Fields(text) {
		if strings.Contains(field, "://") {
			continue
		}
		for _, m := range pathPattern.FindAllString(field, -1) {
			m = strings.TrimRight(m, ".,;:")
			if m == "" || strings.HasPrefix(m, ".") || strings.HasPrefix(field, "/") || strings.Contains(m, "..") {
				continue
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// HeuristicPlanner turns the paths and verbs of a request into operations.
type HeuristicPlanner struct{}

// Generate implements orchestrator.PlanGenerator. With no path in the
// request it modifies the most relevant retrieved file.
func (HeuristicPlanner) Generate(ctx context.Context, req orchestrator.PlanRequest) (*orchestrator.PlanProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := req.Message
	if req.Feedback != "" {
		text += "\n" + req.Feedback
	}
	description := summarize(req.Message)

	draft := &orchestrator.PlanProposal{}
	claimed := make(map[string]bool)
	for _, m := range relocationPattern.FindAllStringSubmatch(text, -1) {
		op := orchestrator.OpRename
		if strings.EqualFold(m[1], "move") {
			op = orchestrator.OpMove
		}
		from, to := strings.TrimRight(m[2], ".,;:"), strings.TrimRight(m[3], ".,;:")
		if len(ExtractPaths(from)) == 0 || len(ExtractPaths(to)) == 0 {
			continue
		}
		claimed[from], claimed[to] = true, true
		draft.Operations = append(draft.Operations, orchestrator.FileOperation{
			Type: op, Path: from, NewPath: to, Description: description,
		})
	}

	kind := orchestrator.OpModify
	switch detectIntent(text) {
	case IntentCreate:
		kind = orchestrator.OpCreate
	case IntentDelete:
		kind = orchestrator.OpDelete
	}

	paths := ExtractPaths(text)
	if len(paths) == 0 && len(draft.Operations) == 0 && req.Context != nil && len(req.Context.Files) > 0 {
		paths = req.Context.Files[:1]
		kind = orchestrator.OpModify
	}
	for _, p := range paths {
		if claimed[p] {
			continue
		}
		draft.Operations = append(draft.Operations, orchestrator.FileOperation{
			Type: kind, Path: p, Description: description,
		})
	}

	switch len(draft.Operations) {
	case 0:
		draft.Title = "No changes identified"
	case 1:
		op := draft.Operations[0]
		draft.Title = fmt.Sprintf("%s %s", capitalize(string(op.Type)), op.Path)
	default:
		draft.Title = fmt.Sprintf("Change %d files", len(draft.Operations))
	}
	draft.Summary = description
	return draft, nil
}

// HeuristicGenerator writes deterministic content: a stub for new files and
// a change note appended to modified ones.
type HeuristicGenerator struct{}

// Generate implements orchestrator.ContentGenerator.
func (HeuristicGenerator) Generate(ctx context.Context, req orchestrator.GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	op := req.Operation
	note := op.Description
	if note == "" {
		note = req.PlanTitle
	}
	note = strings.ReplaceAll(note, "\n", " ")

	if op.Type == orchestrator.OpCreate || !req.Exists {
		return stub(op.Path, note), nil
	}
	content := req.CurrentContent
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + commentLine(op.Path, "agentd: "+note), nil
}

func stub(p, note string) string {
	switch path.Ext(p) {
	case ".go":
		return fmt.Sprintf("package %s\n\n%s", goPackage(p), commentLine(p, note))
	case ".md":
		title := strings.TrimSuffix(path.Base(p), ".md")
		return fmt.Sprintf("# %s\n\n%s\n", title, note)
	default:
		return commentLine(p, note)
	}
}

func commentLine(p, text string) string {
	switch path.Ext(p) {
	case ".go", ".js", ".ts", ".tsx", ".java", ".c", ".h", ".cpp", ".rs", ".swift", ".kt":
		return "// " + text + "\n"
	case ".py", ".sh", ".yaml", ".yml", ".toml", ".rb", ".tf":
		return "# " + text + "\n"
	case ".sql", ".lua":
		return "-- " + text + "\n"
	case ".md", ".html", ".xml":
		return "<!-- " + text + " -->\n"
	default:
		return text + "\n"
	}
}

func goPackage(p string) string {
	dir := path.Base(path.Dir(p))
	if dir == "." || dir == "/" {
		return "main"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(dir) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" || unicode.IsDigit(rune(name[0])) {
		return "main"
	}
	return name
}

func summarize(message string) string {
	line := strings.TrimSpace(message)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > 200 {
		line = string(r[:200])
	}
	return line
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var (
	_ orchestrator.IntentClassifier = HeuristicClassifier{}
	_ orchestrator.PlanGenerator    = HeuristicPlanner{}
	_ orchestrator.ContentGenerator = HeuristicGenerator{}
)
