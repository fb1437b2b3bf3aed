package orchestrator

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Skip reasons recorded on files that never ran.
const (
	SkipReasonUser      = "skipped by user"
	SkipReasonHalted    = "halted"
	SkipReasonCancelled = "cancelled"
)

// ReasonCancelled is the failure reason of a cancelled plan or conversation.
const ReasonCancelled = "cancelled"

// FileOperation describes one change a plan proposes.
type FileOperation struct {
	Type        OperationType `json:"type"`
	Path        string        `json:"path"`
	NewPath     string        `json:"new_path,omitempty"`
	Description string        `json:"description,omitempty"`

	// Content is the planned content, if the planner already produced it.
	Content string `json:"content,omitempty"`

	// RequiresApproval forces a per-file confirmation regardless of policy.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Validate checks the operation is well formed.
func (op FileOperation) Validate() error {
	if !op.Type.IsValid() {
		return newError(KindValidation, "", "validate operation", "unknown operation type %q", op.Type)
	}
	if strings.TrimSpace(op.Path) == "" {
		return newError(KindValidation, "", "validate operation", "%s operation has no path", op.Type)
	}
	if op.Type.IsRelocation() {
		if strings.TrimSpace(op.NewPath) == "" {
			return newError(KindValidation, "", "validate operation", "%s of %s has no new path", op.Type, op.Path)
		}
		if op.NewPath == op.Path {
			return newError(KindValidation, "", "validate operation", "%s of %s targets the same path", op.Type, op.Path)
		}
	}
	return nil
}

// Paths returns every path the operation touches.
func (op FileOperation) Paths() []string {
	if op.Type.IsRelocation() {
		return []string{op.Path, op.NewPath}
	}
	return []string{op.Path}
}

// Message is one entry in a conversation's history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseTransition records a conversation phase change.
type PhaseTransition struct {
	From      ConversationPhase `json:"from"`
	To        ConversationPhase `json:"to"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Conversation is a user interaction driven through the phase machine.
type Conversation struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Project     string            `json:"project"`
	Phase       ConversationPhase `json:"phase"`
	PlanID      string            `json:"plan_id,omitempty"`
	Messages    []Message         `json:"messages"`
	Transitions []PhaseTransition `json:"transitions"`
	Intent      *Intent           `json:"intent,omitempty"`
	Context     *RetrievedContext `json:"context,omitempty"`
	Questions   []string          `json:"questions,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TransitionTo moves the conversation to target, recording the change.
// An illegal transition leaves the conversation untouched.
func (c *Conversation) TransitionTo(target ConversationPhase, reason string, now time.Time) error {
	if !c.Phase.CanTransitionTo(target) {
		return newError(KindInvalidTransition, CodeConversationInvalidTransition, "conversation transition",
			"cannot move conversation %s from %s to %s", c.ID, c.Phase, target)
	}
	c.Transitions = append(c.Transitions, PhaseTransition{
		From:      c.Phase,
		To:        target,
		Reason:    reason,
		Timestamp: now,
	})
	c.Phase = target
	c.UpdatedAt = now
	return nil
}

// LastUserMessage returns the most recent message from the user.
func (c *Conversation) LastUserMessage() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.Transitions = append([]PhaseTransition(nil), c.Transitions...)
	out.Questions = append([]string(nil), c.Questions...)
	if c.Intent != nil {
		intent := *c.Intent
		intent.Questions = append([]string(nil), c.Intent.Questions...)
		out.Intent = &intent
	}
	if c.Context != nil {
		rc := *c.Context
		rc.Files = append([]string(nil), c.Context.Files...)
		rc.Chunks = append([]ContextChunk(nil), c.Context.Chunks...)
		out.Context = &rc
	}
	return &out
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FileFailure identifies a file that halted a plan or could not be restored.
type FileFailure struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ExecutionPlan groups the ordered file executions proposed for a request.
type ExecutionPlan struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Status         PlanStatus       `json:"status"`
	Title          string           `json:"title"`
	Summary        string           `json:"summary"`
	Files          []*FileExecution `json:"files"`
	Feedback       string           `json:"feedback,omitempty"`
	SupersedesID   string           `json:"supersedes_id,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	FailedFile     *FileFailure     `json:"failed_file,omitempty"`

	// RollbackFailures lists restored files that need manual intervention.
	RollbackFailures []FileFailure `json:"rollback_failures,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionTo moves the plan to target.
func (p *ExecutionPlan) TransitionTo(target PlanStatus, now time.Time) error {
	if !p.Status.CanTransitionTo(target) {
		return newError(KindInvalidTransition, CodePlanInvalidTransition, "plan transition",
			"cannot move plan %s from %s to %s", p.ID, p.Status, target)
	}
	p.Status = target
	p.UpdatedAt = now
	return nil
}

// File returns the file execution with the given id.
func (p *ExecutionPlan) File(id string) (*FileExecution, bool) {
	for _, f := range p.Files {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Ordered returns the file executions sorted by ascending index.
func (p *ExecutionPlan) Ordered() []*FileExecution {
	out := append([]*FileExecution(nil), p.Files...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// PlanCounts summarises file statuses in a plan.
type PlanCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	RolledBack int `json:"rolled_back"`
}

// Counts tallies file statuses.
func (p *ExecutionPlan) Counts() PlanCounts {
	c := PlanCounts{Total: len(p.Files)}
	for _, f := range p.Files {
		switch f.Status {
		case FilePending:
			c.Pending++
		case FileInProgress:
			c.InProgress++
		case FileCompleted:
			c.Completed++
		case FileFailed:
			c.Failed++
		case FileSkipped:
			c.Skipped++
		case FileRolledBack:
			c.RolledBack++
		}
	}
	return c
}

// Clone returns a deep copy.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Files = make([]*FileExecution, len(p.Files))
	for i, f := range p.Files {
		out.Files[i] = f.Clone()
	}
	if p.FailedFile != nil {
		ff := *p.FailedFile
		out.FailedFile = &ff
	}
	out.RollbackFailures = append([]FileFailure(nil), p.RollbackFailures...)
	return &out
}

// validateIndices checks file indices are unique.
func (p *ExecutionPlan) validateIndices() error {
	seen := make(map[int]string, len(p.Files))
	for _, f := range p.Files {
		if other, ok := seen[f.Index]; ok {
			return newError(KindValidation, "", "validate plan", "files %s and %s share index %d", other, f.ID, f.Index)
		}
		seen[f.Index] = f.ID
	}
	return nil
}

// FileExecution is the unit of work applying one file operation.
type FileExecution struct {
	ID               string        `json:"id"`
	PlanID           string        `json:"plan_id"`
	Index            int           `json:"index"`
	Operation        OperationType `json:"operation"`
	Path             string        `json:"path"`
	NewPath          string        `json:"new_path,omitempty"`
	Description      string        `json:"description,omitempty"`
	Status           FileStatus    `json:"status"`
	RequiresApproval bool          `json:"requires_approval,omitempty"`
	UserApproved     bool          `json:"user_approved"`
	AutoApproved     bool          `json:"auto_approved"`

	// AwaitingDecision is set while execution is suspended on this file.
	AwaitingDecision bool `json:"awaiting_decision,omitempty"`

	// Snapshot holds the pre-write state used for rollback. Nil until the
	// first write is attempted.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	PlannedContent string     `json:"planned_content,omitempty"`
	NewContent     string     `json:"new_content,omitempty"`
	Diff           string     `json:"diff,omitempty"`
	Error          string     `json:"error,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// FileOperation returns the operation this execution applies.
func (f *FileExecution) FileOperation() FileOperation {
	return FileOperation{
		Type:             f.Operation,
		Path:             f.Path,
		NewPath:          f.NewPath,
		Description:      f.Description,
		Content:          f.PlannedContent,
		RequiresApproval: f.RequiresApproval,
	}
}

// TransitionTo moves the file to target.
func (f *FileExecution) TransitionTo(target FileStatus, now time.Time) error {
	if !f.Status.CanTransitionTo(target) {
		return newError(KindInvalidTransition, CodeFileInvalidTransition, "file transition",
			"cannot move file %d (%s) from %s to %s", f.Index, f.Path, f.Status, target)
	}
	f.Status = target
	switch target {
	case FileInProgress:
		f.StartedAt = &now
	case FileCompleted, FileFailed, FileSkipped, FileRolledBack:
		f.CompletedAt = &now
	}
	return nil
}

// MarkRolledBack records a successful restore. It is a no-op on a file
// that is already rolled back and an error from any status but completed.
func (f *FileExecution) MarkRolledBack(now time.Time) error {
	if f.Status == FileRolledBack {
		return nil
	}
	if !f.Status.CanRollback() {
		return newError(KindInvalidTransition, CodeFileInvalidTransition, "rollback",
			"file %d (%s) is %s; only completed files can be rolled back", f.Index, f.Path, f.Status)
	}
	return f.TransitionTo(FileRolledBack, now)
}

// Retry returns a failed or rolled back file to pending.
func (f *FileExecution) Retry() error {
	if !f.Status.CanRetry() {
		return newError(KindInvalidTransition, CodeFileInvalidTransition, "retry",
			"file %d (%s) is %s and cannot be retried", f.Index, f.Path, f.Status)
	}
	f.reset()
	return nil
}

// reset clears per-attempt state and returns the file to pending.
func (f *FileExecution) reset() {
	f.Status = FilePending
	f.UserApproved = false
	f.AutoApproved = false
	f.AwaitingDecision = false
	f.Snapshot = nil
	f.NewContent = ""
	f.Diff = ""
	f.Error = ""
	f.SkipReason = ""
	f.StartedAt = nil
	f.CompletedAt = nil
}

// Label identifies the file in messages.
func (f *FileExecution) Label() string {
	return fmt.Sprintf("file %d (%s)", f.Index, f.Path)
}

// Failure describes the file as a FileFailure.
func (f *FileExecution) Failure(msg string) FileFailure {
	return FileFailure{FileID: f.ID, Index: f.Index, Path: f.Path, Error: msg}
}

// Clone returns a deep copy.
func (f *FileExecution) Clone() *FileExecution {
	if f == nil {
		return nil
	}
	out := *f
	if f.Snapshot != nil {
		s := *f.Snapshot
		out.Snapshot = &s
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		out.StartedAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Snapshot is the pre-write state of the paths an operation touches.
type Snapshot struct {
	Existed bool        `json:"existed"`
	Content string      `json:"content,omitempty"`
	Mode    os.FileMode `json:"mode,omitempty"`

	// Target state for rename and move.
	TargetExisted bool        `json:"target_existed,omitempty"`
	TargetContent string      `json:"target_content,omitempty"`
	TargetMode    os.FileMode `json:"target_mode,omitempty"`
}

// View is the state snapshot returned by every command.
type View struct {
	Conversation *Conversation  `json:"conversation"`
	Plan         *ExecutionPlan `json:"plan,omitempty"`
}
