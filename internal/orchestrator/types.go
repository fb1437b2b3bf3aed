package orchestrator

// ConversationPhase represents the top-level lifecycle stage of a conversation.
type ConversationPhase string

const (
	// PhaseIntake receives a user message and classifies its intent.
	PhaseIntake ConversationPhase = "intake"

	// PhaseClarification waits for the user to answer open questions.
	PhaseClarification ConversationPhase = "clarification"

	// PhaseDiscovery retrieves codebase context for the request.
	PhaseDiscovery ConversationPhase = "discovery"

	// PhasePlanning generates an execution plan.
	PhasePlanning ConversationPhase = "planning"

	// PhaseApproval waits for the user to approve or reject the plan.
	PhaseApproval ConversationPhase = "approval"

	// PhaseExecuting applies the approved plan file by file.
	PhaseExecuting ConversationPhase = "executing"

	// PhaseCompleted is terminal: the plan was applied without failures.
	PhaseCompleted ConversationPhase = "completed"

	// PhaseFailed ends the conversation but can be resumed.
	PhaseFailed ConversationPhase = "failed"
)

// AllPhases returns every conversation phase in lifecycle order
func AllPhases() []ConversationPhase {
	return []ConversationPhase{
		PhaseIntake, PhaseClarification, PhaseDiscovery, PhasePlanning,
		PhaseApproval, PhaseExecuting, PhaseCompleted, PhaseFailed,
	}
}

// String returns the string representation of the phase.
func (p ConversationPhase) String() string {
	return string(p)
}

// IsValid returns true if p is a known phase.
func (p ConversationPhase) IsValid() bool {
	switch p {
	case PhaseIntake, PhaseClarification, PhaseDiscovery, PhasePlanning,
		PhaseApproval, PhaseExecuting, PhaseCompleted, PhaseFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the phase table allows moving to target.
func (p ConversationPhase) CanTransitionTo(target ConversationPhase) bool {
	switch p {
	case PhaseIntake:
		return target == PhaseClarification || target == PhaseDiscovery || target == PhaseFailed
	case PhaseClarification:
		return target == PhaseIntake || target == PhaseDiscovery || target == PhaseFailed
	case PhaseDiscovery:
		return target == PhasePlanning || target == PhaseFailed
	case PhasePlanning:
		return target == PhaseApproval || target == PhaseFailed
	case PhaseApproval:
		return target == PhaseExecuting || target == PhasePlanning || target == PhaseFailed
	case PhaseExecuting:
		return target == PhaseCompleted || target == PhaseFailed
	case PhaseFailed:
		// retry from intake or re-plan
		return target == PhaseIntake || target == PhasePlanning
	default:
		return false
	}
}

// IsTerminal returns true for completed and failed.
func (p ConversationPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// IsActive returns true while automated work is running. New user messages
// are refused in these phases.
func (p ConversationPhase) IsActive() bool {
	return p == PhaseDiscovery || p == PhasePlanning || p == PhaseExecuting
}

// RequiresUserAction returns true when progress is suspended on a human.
func (p ConversationPhase) RequiresUserAction() bool {
	return p == PhaseClarification || p == PhaseApproval
}

// PlanStatus represents the lifecycle of an execution plan.
type PlanStatus string

const (
	PlanDraft         PlanStatus = "draft"
	PlanPendingReview PlanStatus = "pending_review"
	PlanApproved      PlanStatus = "approved"
	PlanRejected      PlanStatus = "rejected"
	PlanExecuting     PlanStatus = "executing"
	PlanCompleted     PlanStatus = "completed"
	PlanFailed        PlanStatus = "failed"
)

// String returns the string representation of the status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsValid returns true if s is a known plan status.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanDraft, PlanPendingReview, PlanApproved, PlanRejected,
		PlanExecuting, PlanCompleted, PlanFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the plan table allows moving to target.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	switch s {
	case PlanDraft:
		return target == PlanPendingReview || target == PlanRejected
	case PlanPendingReview:
		return target == PlanApproved || target == PlanRejected || target == PlanDraft
	case PlanApproved:
		return target == PlanExecuting || target == PlanRejected
	case PlanRejected:
		return target == PlanDraft
	case PlanExecuting:
		return target == PlanCompleted || target == PlanFailed
	case PlanFailed:
		return target == PlanDraft || target == PlanApproved
	default:
		return false
	}
}

// IsModifiable returns true while the file operation list may still change.
func (s PlanStatus) IsModifiable() bool {
	return s == PlanDraft || s == PlanPendingReview || s == PlanRejected
}

// CanExecute returns true only for approved plans.
func (s PlanStatus) CanExecute() bool {
	return s == PlanApproved
}

// IsTerminal returns true for statuses that end an execution attempt.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanRejected
}

// FileStatus represents the lifecycle of a single file execution.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileInProgress FileStatus = "in_progress"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
	FileRolledBack FileStatus = "rolled_back"
)

// String returns the string representation of the status.
func (s FileStatus) String() string {
	return string(s)
}

// IsValid returns true if s is a known file status.
func (s FileStatus) IsValid() bool {
	switch s {
	case FilePending, FileInProgress, FileCompleted, FileFailed, FileSkipped, FileRolledBack:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a file may move from s to target.
//
// A pending file may fail without starting when its preconditions do not
// hold or its operation is rejected. Terminal statuses only change through
// rollback; Retry starts a new attempt instead of transitioning.
func (s FileStatus) CanTransitionTo(target FileStatus) bool {
	switch s {
	case FilePending:
		return target == FileInProgress || target == FileSkipped || target == FileFailed
	case FileInProgress:
		return target == FileCompleted || target == FileFailed
	case FileCompleted:
		return target == FileRolledBack
	default:
		return false
	}
}

// IsTerminal returns true for every status except pending and in_progress.
func (s FileStatus) IsTerminal() bool {
	return s != FilePending && s != FileInProgress
}

// CanRollback returns true only for completed files.
func (s FileStatus) CanRollback() bool {
	return s == FileCompleted
}

// CanRetry returns true for failed and rolled back files.
func (s FileStatus) CanRetry() bool {
	return s == FileFailed || s == FileRolledBack
}

// OperationType is the kind of change a file operation applies.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpModify OperationType = "modify"
	OpDelete OperationType = "delete"
	OpRename OperationType = "rename"
	OpMove   OperationType = "move"
)

// IsValid returns true if o is a known operation type.
func (o OperationType) IsValid() bool {
	switch o {
	case OpCreate, OpModify, OpDelete, OpRename, OpMove:
		return true
	default:
		return false
	}
}

// RequiresExistingFile returns true for operations that act on a file
// already present on disk.
func (o OperationType) RequiresExistingFile() bool {
	return o == OpModify || o == OpDelete || o == OpRename || o == OpMove
}

// RequiresContent returns true for operations that must carry new content.
func (o OperationType) RequiresContent() bool {
	return o == OpCreate || o == OpModify
}

// IsRelocation returns true for rename and move.
func (o OperationType) IsRelocation() bool {
	return o == OpRename || o == OpMove
}

// IsDestructive returns true for operations that discard file content.
func (o OperationType) IsDestructive() bool {
	return o == OpDelete
}

// FileAction is a user decision on a file awaiting approval.
type FileAction string

const (
	ActionApprove FileAction = "approve"
	ActionSkip    FileAction = "skip"
	ActionReject  FileAction = "reject"
)

// IsValid returns true if a is a known file action.
func (a FileAction) IsValid() bool {
	return a == ActionApprove || a == ActionSkip || a == ActionReject
}
