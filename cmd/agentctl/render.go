package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	addStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	delStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// phaseStyle colours a conversation phase by outcome.
func phaseStyle(p orchestrator.ConversationPhase) lipgloss.Style {
	switch p {
	case orchestrator.PhaseCompleted:
		return okStyle
	case orchestrator.PhaseFailed:
		return errStyle
	case orchestrator.PhaseClarification, orchestrator.PhaseApproval:
		return warnStyle
	default:
		return labelStyle
	}
}

// fileStatusStyle colours a file status by outcome.
func fileStatusStyle(s orchestrator.FileStatus) lipgloss.Style {
	switch s {
	case orchestrator.FileCompleted:
		return okStyle
	case orchestrator.FileFailed:
		return errStyle
	case orchestrator.FileSkipped, orchestrator.FileRolledBack:
		return dimStyle
	default:
		return labelStyle
	}
}

func field(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), value)
}

// renderView renders a conversation and its current plan.
func renderView(v *orchestrator.View) string {
	var b strings.Builder
	if c := v.Conversation; c != nil {
		b.WriteString(titleStyle.Render("Conversation "+c.ID) + "\n")
		b.WriteString(field("Phase", phaseStyle(c.Phase).Render(string(c.Phase))))
		if c.Project != "" {
			b.WriteString(field("Project", c.Project))
		}
		if c.LastError != "" {
			b.WriteString(field("Error", errStyle.Render(c.LastError)))
		}
		for _, q := range c.Questions {
			b.WriteString(warnStyle.Render("? ") + q + "\n")
		}
		if n := len(c.Messages); n > 0 {
			last := c.Messages[n-1]
			b.WriteString(field("Last "+last.Role, last.Content))
		}
	}
	if v.Plan != nil {
		if v.Conversation != nil {
			b.WriteString("\n")
		}
		b.WriteString(renderPlan(v.Plan, false))
	}
	return b.String()
}

// renderPlan renders a plan with one line per file, optionally followed by
// each file's diff.
func renderPlan(p *orchestrator.ExecutionPlan, diffs bool) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Plan "+p.ID) + " " + dimStyle.Render(string(p.Status)) + "\n")
	if p.Title != "" {
		b.WriteString(field("Title", p.Title))
	}
	if p.Summary != "" && p.Summary != p.Title {
		b.WriteString(field("Summary", p.Summary))
	}
	if p.FailureReason != "" {
		b.WriteString(field("Failure", errStyle.Render(p.FailureReason)))
	}
	for _, f := range p.Ordered() {
		b.WriteString(renderFile(f) + "\n")
		if diffs && f.Diff != "" {
			b.WriteString(renderDiff(f.Diff))
		}
	}
	for _, rf := range p.RollbackFailures {
		b.WriteString(errStyle.Render("rollback failed: ") + rf.Path + " " + dimStyle.Render(rf.Error) + "\n")
	}
	return b.String()
}

func renderFile(f *orchestrator.FileExecution) string {
	target := f.Path
	if f.NewPath != "" {
		target += " -> " + f.NewPath
	}
	line := fmt.Sprintf("  %-8s %s %s", f.Operation, target, fileStatusStyle(f.Status).Render(string(f.Status)))
	switch {
	case f.AwaitingDecision:
		line += " " + warnStyle.Render("awaiting decision") + dimStyle.Render(" ("+f.ID+")")
	case f.Error != "":
		line += " " + dimStyle.Render(f.Error)
	case f.SkipReason != "":
		line += " " + dimStyle.Render(f.SkipReason)
	}
	return line
}

func renderDiff(diff string) string {
	var b strings.Builder
	for _, l := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
			b.WriteString("    " + dimStyle.Render(l) + "\n")
		case strings.HasPrefix(l, "+"):
			b.WriteString("    " + addStyle.Render(l) + "\n")
		case strings.HasPrefix(l, "-"):
			b.WriteString("    " + delStyle.Render(l) + "\n")
		default:
			b.WriteString("    " + l + "\n")
		}
	}
	return b.String()
}

// renderConversations renders one line per conversation.
func renderConversations(convs []*orchestrator.Conversation) string {
	if len(convs) == 0 {
		return dimStyle.Render("no conversations") + "\n"
	}
	var b strings.Builder
	for _, c := range convs {
		fmt.Fprintf(&b, "%s  %s  %s\n",
			c.ID,
			phaseStyle(c.Phase).Render(fmt.Sprintf("%-13s", c.Phase)),
			dimStyle.Render(c.UpdatedAt.Format("2006-01-02 15:04:05")))
	}
	return b.String()
}

// renderEvent renders one streamed event.
func renderEvent(e events.Event) string {
	style := labelStyle
	switch {
	case e.Type == events.FileFailed, e.Type == events.ConversationFailed, e.Type == events.ExecutionStopped:
		style = errStyle
	case e.Type.IsFinal():
		style = okStyle
	case e.Type == events.AwaitingApproval:
		style = warnStyle
	}
	line := fmt.Sprintf("%s %s", dimStyle.Render(fmt.Sprintf("#%d", e.Sequence)), style.Render(string(e.Type)))
	if detail := eventDetail(e.Payload); detail != "" {
		line += " " + detail
	}
	return line
}

// eventDetail picks the most telling fields out of a payload.
func eventDetail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p map[string]any
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	var parts []string
	for _, k := range []string{"to", "path", "new_path", "status", "title", "reason", "error"} {
		if v, ok := p[k]; ok && v != "" && v != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return dimStyle.Render(strings.Join(parts, " "))
}
