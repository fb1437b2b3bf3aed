package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

const classifyPrompt = `You classify requests sent to a coding agent.

Respond ONLY with a JSON object:
- "type": one of "create", "modify", "delete", "refactor", "fix", "question"
- "confidence": how sure you are the request is actionable as stated (0.0 to 1.0)
- "requires_clarification": true when the request cannot be planned without more detail
- "questions": the questions to ask the user when clarification is required`

const planPrompt = `You plan file changes for a coding agent.

Respond ONLY with a JSON object:
- "title": a short title for the change
- "summary": one or two sentences describing it
- "operations": an ordered array of objects with
  - "type": "create", "modify", "delete", "rename" or "move"
  - "path": the file path relative to the project root
  - "new_path": the destination for rename and move
  - "description": what changes in this file
  - "requires_approval": true when a human should confirm this file

Only reference paths inside the project. Order operations so each one can be
applied after the ones before it.`

const generatePrompt = `You write the complete new content of one file for a coding agent.

Respond ONLY with the file content. Do not add explanations or markdown fences.`

// Classifier implements orchestrator.IntentClassifier with a model.
type Classifier struct {
	client *Client
}

// NewClassifier returns a model-backed classifier.
func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

// Classify asks the model for the intent of message.
func (c *Classifier) Classify(ctx context.Context, message string, history []orchestrator.Message, project string) (*orchestrator.Intent, error) {
	var b strings.Builder
	if project != "" {
		fmt.Fprintf(&b, "Project: %s\n\n", project)
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Request:\n%s\n", message)

	out, err := c.client.Complete(ctx, "classify", classifyPrompt, b.String())
	if err != nil {
		return nil, err
	}
	var intent orchestrator.Intent
	if err := decodeJSON(out, &intent); err != nil {
		return nil, err
	}
	if intent.Confidence < 0 || intent.Confidence > 1 {
		return nil, fmt.Errorf("model returned confidence %v outside [0,1]", intent.Confidence)
	}
	return &intent, nil
}

// Planner implements orchestrator.PlanGenerator with a model.
type Planner struct {
	client *Client
}

// NewPlanner returns a model-backed planner.
func NewPlanner(client *Client) *Planner {
	return &Planner{client: client}
}

// Generate asks the model for a plan. The orchestrator validates the
// operations it returns.
func (p *Planner) Generate(ctx context.Context, req orchestrator.PlanRequest) (*orchestrator.PlanProposal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n\n", req.Message)
	if req.Intent != nil {
		fmt.Fprintf(&b, "Intent: %s (confidence %.2f)\n\n", req.Intent.Type, req.Intent.Confidence)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "A previous plan was rejected with this feedback:\n%s\n\n", req.Feedback)
	}
	if req.Context != nil && len(req.Context.Chunks) > 0 {
		b.WriteString("Relevant code:\n")
		for _, chunk := range req.Context.Chunks {
			fmt.Fprintf(&b, "--- %s\n%s\n", chunk.Path, chunk.Content)
		}
	}

	out, err := p.client.Complete(ctx, "plan", planPrompt, b.String())
	if err != nil {
		return nil, err
	}
	var draft orchestrator.PlanProposal
	if err := decodeJSON(out, &draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

// Generator implements orchestrator.ContentGenerator with a model.
type Generator struct {
	client *Client
}

// NewGenerator returns a model-backed content generator.
func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

// Generate asks the model for the full new content of the file.
func (g *Generator) Generate(ctx context.Context, req orchestrator.GenerateRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n%s\n\n", req.PlanTitle, req.PlanSummary)
	fmt.Fprintf(&b, "File: %s\nOperation: %s\n", req.Operation.Path, req.Operation.Type)
	if req.Operation.Description != "" {
		fmt.Fprintf(&b, "Change: %s\n", req.Operation.Description)
	}
	if req.Exists {
		fmt.Fprintf(&b, "\nCurrent content:\n%s\n", req.CurrentContent)
	}

	out, err := g.client.Complete(ctx, "generate", generatePrompt, b.String())
	if err != nil {
		return "", err
	}
	content := stripFences(out)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content, nil
}

var (
	_ orchestrator.IntentClassifier = (*Classifier)(nil)
	_ orchestrator.PlanGenerator    = (*Planner)(nil)
	_ orchestrator.ContentGenerator = (*Generator)(nil)
)
