package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	agenthttp "github.com/fyrsmithlabs/agentd/internal/http"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

var (
	createProject  string
	reviewFeedback string
	planDiffs      bool
	rollbackFile   string
	listOwner      string
)

func init() {
	rootCmd.AddCommand(createCmd, sendCmd, statusCmd, listCmd, approveCmd, rejectCmd,
		decideCmd, cancelCmd, resumeCmd, planCmd, rollbackCmd)

	createCmd.Flags().StringVarP(&createProject, "project", "p", "", "project the conversation works on")
	approveCmd.Flags().StringVarP(&reviewFeedback, "feedback", "f", "", "comment stored with the decision")
	rejectCmd.Flags().StringVarP(&reviewFeedback, "feedback", "f", "", "what the next plan should change")
	planCmd.Flags().BoolVarP(&planDiffs, "diff", "d", false, "show file diffs")
	rollbackCmd.Flags().StringVar(&rollbackFile, "file", "", "roll back a single file instead of the whole plan")
	listCmd.Flags().StringVar(&listOwner, "for", "", "list another owner's conversations")
}

// createCmd starts a conversation
var createCmd = &cobra.Command{
	Use:   "create <message...>",
	Short: "Start a conversation with a request",
	Long: `Start a conversation. The request is classified and, when clear
enough, turned into a plan that waits for approval.

Examples:
  agentctl create "add docs/guide.md"
  agentctl create -p api rename handlers/old.go to handlers/new.go`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, "/api/v1/conversations", agenthttp.CreateConversationRequest{
			Project: createProject,
			Message: strings.Join(args, " "),
		})
	},
}

// sendCmd answers clarification questions
var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a follow-up message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, conversationPath(args[0], "messages"), agenthttp.MessageRequest{
			Message: strings.Join(args[1:], " "),
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <conversation-id>",
	Short: "Show a conversation and its current plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodGet, conversationPath(args[0], ""), nil)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/conversations"
		if listOwner != "" {
			path += "?owner=" + url.QueryEscape(listOwner)
		}
		var resp agenthttp.ListResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderConversations(resp.Conversations))
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <conversation-id>",
	Short: "Approve the pending plan and start execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, conversationPath(args[0], "approval"), agenthttp.ApprovalRequest{
			Approved: true,
			Feedback: reviewFeedback,
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <conversation-id>",
	Short: "Reject the pending plan",
	Long: `Reject the pending plan. Feedback is used to generate a revised plan;
feedback such as "abandon" or "never mind" ends the conversation instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, conversationPath(args[0], "approval"), agenthttp.ApprovalRequest{
			Approved: false,
			Feedback: reviewFeedback,
		})
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <plan-id> <file-id> <approve|skip|reject>",
	Short: "Decide a file that is awaiting approval",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := orchestrator.FileAction(args[2])
		if !action.IsValid() {
			return fmt.Errorf("invalid action %q: must be approve, skip or reject", args[2])
		}
		path := fmt.Sprintf("/api/v1/plans/%s/files/%s/decision", url.PathEscape(args[0]), url.PathEscape(args[1]))
		return viewCall(cmd, http.MethodPost, path, agenthttp.DecisionRequest{Action: action})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <conversation-id>",
	Short: "Cancel a conversation and stop its execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, conversationPath(args[0], "cancel"), nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <conversation-id>",
	Short: "Resume a conversation stuck in an intermediate phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, conversationPath(args[0], "resume"), nil)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <plan-id>",
	Short: "Show a plan with per-file status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view orchestrator.View
		if err := newClient().do(cmd.Context(), http.MethodGet, planPath(args[0], ""), nil, &view); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), view)
		}
		if view.Plan == nil {
			return fmt.Errorf("plan %s not found", args[0])
		}
		fmt.Fprint(cmd.OutOrStdout(), renderPlan(view.Plan, planDiffs))
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <plan-id>",
	Short: "Restore files changed by a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewCall(cmd, http.MethodPost, planPath(args[0], "rollback"), agenthttp.RollbackRequest{
			FileID: rollbackFile,
		})
	},
}

func conversationPath(id, action string) string {
	p := "/api/v1/conversations/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func planPath(id, action string) string {
	p := "/api/v1/plans/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// viewCall performs a request answered with a View and prints it.
func viewCall(cmd *cobra.Command, method, path string, body any) error {
	var view orchestrator.View
	if err := newClient().do(cmd.Context(), method, path, body, &view); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), view)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderView(&view))
	return nil
}
