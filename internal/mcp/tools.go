package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

type conversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation identifier"`
}

type createInput struct {
	Project string `json:"project,omitempty" jsonschema:"Project the change applies to"`
	Message string `json:"message" jsonschema:"What the agent should do"`
}

type sendInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation identifier"`
	Message        string `json:"message" jsonschema:"Follow-up message or answer to the open questions"`
}

type approveInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation identifier"`
	Approved       bool   `json:"approved" jsonschema:"true to execute the plan, false to reject it"`
	Feedback       string `json:"feedback,omitempty" jsonschema:"Why the plan was rejected. Used to re-plan"`
}

type decideInput struct {
	PlanID string `json:"plan_id" jsonschema:"Plan identifier"`
	FileID string `json:"file_id" jsonschema:"File awaiting a decision"`
	Action string `json:"action" jsonschema:"approve, skip or reject"`
}

type rollbackInput struct {
	PlanID string `json:"plan_id" jsonschema:"Plan identifier"`
	FileID string `json:"file_id,omitempty" jsonschema:"Single completed file to restore. Empty restores the whole failed plan"`
}

type listInput struct{}

// fileOutput summarises one file of a plan.
type fileOutput struct {
	ID               string `json:"id"`
	Index            int    `json:"index"`
	Operation        string `json:"operation"`
	Path             string `json:"path"`
	NewPath          string `json:"new_path,omitempty"`
	Status           string `json:"status"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	AwaitingDecision bool   `json:"awaiting_decision,omitempty"`
	Diff             string `json:"diff,omitempty"`
	Error            string `json:"error,omitempty"`
}

// planOutput summarises a plan.
type planOutput struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Title         string       `json:"title"`
	Summary       string       `json:"summary,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Files         []fileOutput `json:"files"`
}

// viewOutput is what every conversation tool returns.
type viewOutput struct {
	ConversationID string      `json:"conversation_id"`
	Phase          string      `json:"phase"`
	Questions      []string    `json:"questions,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	Reply          string      `json:"reply,omitempty"`
	Plan           *planOutput `json:"plan,omitempty"`
}

type listOutput struct {
	Conversations []viewOutput `json:"conversations"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conversation_create",
		Description: "Start a conversation with a change request. Runs classification and planning, and returns the plan awaiting approval or the questions to answer.",
	}, handle(s, "conversation_create", func(ctx context.Context, args createInput) (*orchestrator.View, error) {
		return s.orch.CreateConversation(ctx, s.owner, args.Project, args.Message)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conversation_send",
		Description: "Send a follow-up message: answer clarification questions or restart a failed conversation.",
	}, handle(s, "conversation_send", func(ctx context.Context, args sendInput) (*orchestrator.View, error) {
		return s.orch.SendMessage(ctx, args.ConversationID, args.Message)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conversation_status",
		Description: "Show a conversation's phase, open questions and plan with per-file status.",
	}, handle(s, "conversation_status", func(ctx context.Context, args conversationInput) (*orchestrator.View, error) {
		return s.orch.Get(ctx, args.ConversationID)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "plan_approve",
		Description: "Approve the pending plan to execute it, or reject it with feedback to get a revised plan.",
	}, handle(s, "plan_approve", func(ctx context.Context, args approveInput) (*orchestrator.View, error) {
		return s.orch.ApprovePlan(ctx, args.ConversationID, args.Approved, args.Feedback)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "file_decide",
		Description: "Approve, skip or reject the file an executing plan is waiting on. Reject fails the plan and rolls back applied files.",
	}, handle(s, "file_decide", func(ctx context.Context, args decideInput) (*orchestrator.View, error) {
		action := orchestrator.FileAction(strings.ToLower(args.Action))
		if !action.IsValid() {
			return nil, fmt.Errorf("invalid action %q: must be approve, skip or reject", args.Action)
		}
		return s.orch.ApproveFile(ctx, args.PlanID, args.FileID, action)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conversation_cancel",
		Description: "Cancel a conversation. A running plan stops before its next file and applied files are rolled back.",
	}, handle(s, "conversation_cancel", func(ctx context.Context, args conversationInput) (*orchestrator.View, error) {
		return s.orch.Cancel(ctx, args.ConversationID)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conversation_resume",
		Description: "Resume a failed conversation from intake, or from planning when its plan failed.",
	}, handle(s, "conversation_resume", func(ctx context.Context, args conversationInput) (*orchestrator.View, error) {
		return s.orch.Resume(ctx, args.ConversationID)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "plan_rollback",
		Description: "Restore completed files of a plan that is not executing.",
	}, handle(s, "plan_rollback", func(ctx context.Context, args rollbackInput) (*orchestrator.View, error) {
		return s.orch.Rollback(ctx, args.PlanID, args.FileID)
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "conversation_list",
		Description: "List your conversations, newest first.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listInput) (*mcp.CallToolResult, listOutput, error) {
		ctx, done := s.begin(ctx, "conversation_list")
		list, err := s.orch.List(ctx, s.owner)
		done(err)
		if err != nil {
			return nil, listOutput{}, err
		}

		out := listOutput{Conversations: make([]viewOutput, 0, len(list))}
		var b strings.Builder
		for _, conv := range list {
			out.Conversations = append(out.Conversations, toOutput(&orchestrator.View{Conversation: conv}))
			fmt.Fprintf(&b, "%s  %s  %s\n", conv.ID, conv.Phase, conv.Project)
		}
		if len(list) == 0 {
			b.WriteString("No conversations.")
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: b.String()}},
		}, out, nil
	})
}

// begin runs a tool call as the configured owner and returns the function
// that records its outcome.
func (s *Server) begin(ctx context.Context, tool string) (context.Context, func(error)) {
	ctx = orchestrator.WithActor(ctx, s.owner)
	finish := s.metrics.start(ctx, tool)
	return ctx, func(err error) {
		finish(err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

// handle adapts a view-returning command to a typed tool handler.
func handle[In any](s *Server, tool string, call func(context.Context, In) (*orchestrator.View, error)) mcp.ToolHandlerFor[In, viewOutput] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, viewOutput, error) {
		ctx, done := s.begin(ctx, tool)
		view, err := call(ctx, args)
		done(err)
		if err != nil {
			return nil, viewOutput{}, err
		}

		out := toOutput(view)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: describe(out)}},
		}, out, nil
	}
}

func toOutput(view *orchestrator.View) viewOutput {
	var out viewOutput
	if view == nil || view.Conversation == nil {
		return out
	}
	conv := view.Conversation
	out.ConversationID = conv.ID
	out.Phase = string(conv.Phase)
	out.Questions = conv.Questions
	out.LastError = conv.LastError
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == orchestrator.RoleAssistant {
			out.Reply = conv.Messages[i].Content
			break
		}
	}

	if p := view.Plan; p != nil {
		plan := &planOutput{
			ID:            p.ID,
			Status:        string(p.Status),
			Title:         p.Title,
			Summary:       p.Summary,
			FailureReason: p.FailureReason,
			Files:         make([]fileOutput, 0, len(p.Files)),
		}
		for _, f := range p.Ordered() {
			plan.Files = append(plan.Files, fileOutput{
				ID:               f.ID,
				Index:            f.Index,
				Operation:        string(f.Operation),
				Path:             f.Path,
				NewPath:          f.NewPath,
				Status:           string(f.Status),
				RequiresApproval: f.RequiresApproval,
				AwaitingDecision: f.AwaitingDecision,
				Diff:             f.Diff,
				Error:            f.Error,
			})
		}
		out.Plan = plan
	}
	return out
}

// describe renders a short human summary of a view.
func describe(out viewOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s is %s.", out.ConversationID, out.Phase)
	if out.LastError != "" {
		fmt.Fprintf(&b, " Last error: %s.", out.LastError)
	}
	for _, q := range out.Questions {
		fmt.Fprintf(&b, "\n- %s", q)
	}
	if p := out.Plan; p != nil {
		fmt.Fprintf(&b, "\nPlan %s (%s): %s", p.ID, p.Status, p.Title)
		for _, f := range p.Files {
			target := f.Path
			if f.NewPath != "" {
				target += " -> " + f.NewPath
			}
			fmt.Fprintf(&b, "\n  [%s] %s %s", f.Status, f.Operation, target)
			if f.AwaitingDecision {
				fmt.Fprintf(&b, " (awaiting decision, file_id %s)", f.ID)
			}
		}
	}
	return b.String()
}
