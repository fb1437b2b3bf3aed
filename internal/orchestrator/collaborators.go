package orchestrator

import "context"

// Intent is the outcome of classifying a user message.
type Intent struct {
	Type                  string   `json:"type"`
	Confidence            float64  `json:"confidence"`
	RequiresClarification bool     `json:"requires_clarification"`
	Questions             []string `json:"questions,omitempty"`
}

// IntentClassifier decides what a user message asks for.
type IntentClassifier interface {
	Classify(ctx context.Context, message string, history []Message, project string) (*Intent, error)
}

// ContextChunk is a ranked excerpt of a project file.
type ContextChunk struct {
	Path    string  `json:"path"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// RetrievedContext is the codebase context gathered during discovery.
type RetrievedContext struct {
	Files  []string       `json:"files"`
	Chunks []ContextChunk `json:"chunks"`
}

// ContextRetriever gathers codebase context relevant to a query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query, project string) (*RetrievedContext, error)
}

// NoContext is a ContextRetriever that never finds anything. It is used
// when retrieval is disabled.
type NoContext struct{}

// Retrieve returns an empty context.
func (NoContext) Retrieve(ctx context.Context, query, project string) (*RetrievedContext, error) {
	return &RetrievedContext{}, nil
}

// PlanRequest carries everything a PlanGenerator needs.
type PlanRequest struct {
	Message string            `json:"message"`
	Project string            `json:"project"`
	Intent  *Intent           `json:"intent"`
	Context *RetrievedContext `json:"context"`

	// Feedback is the reviewer's comment on a rejected predecessor plan.
	Feedback string `json:"feedback,omitempty"`
}

// PlanProposal is a generated plan before it is stored.
type PlanProposal struct {
	Title      string          `json:"title"`
	Summary    string          `json:"summary"`
	Operations []FileOperation `json:"operations"`
}

// PlanGenerator turns an intent and context into file operations.
type PlanGenerator interface {
	Generate(ctx context.Context, req PlanRequest) (*PlanProposal, error)
}

// GenerateRequest carries the inputs for generating one file's content.
type GenerateRequest struct {
	Operation      FileOperation `json:"operation"`
	CurrentContent string        `json:"current_content,omitempty"`
	Exists         bool          `json:"exists"`
	PlanTitle      string        `json:"plan_title"`
	PlanSummary    string        `json:"plan_summary"`
}

// ContentGenerator produces the new content of a file.
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// FileWriter applies and reverts file operations.
type FileWriter interface {
	// Read returns the current content of path and whether it exists.
	Read(ctx context.Context, path string) (string, bool, error)

	// Write applies op with content. The returned snapshot captures the
	// state before any mutation and is returned even when the write fails
	// part way.
	Write(ctx context.Context, op FileOperation, content string) (*Snapshot, error)

	// Restore reverts op to the state held in snap.
	Restore(ctx context.Context, op FileOperation, snap Snapshot) error
}

// DiffGenerator renders a textual diff between two versions of a file.
type DiffGenerator interface {
	Diff(path, original, updated string) (string, error)
}

// ContentScanner inspects generated content before it is written.
// It returns the names of the rules that matched.
type ContentScanner interface {
	Scan(ctx context.Context, path, content string) ([]string, error)
}
