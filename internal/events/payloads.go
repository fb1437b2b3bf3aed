package events

// FileRef identifies a file execution inside a plan.
type FileRef struct {
	FileID    string `json:"file_id"`
	Index     int    `json:"index"`
	Path      string `json:"path"`
	NewPath   string `json:"new_path,omitempty"`
	Operation string `json:"operation"`
}

// StartedPayload accompanies Started.
type StartedPayload struct {
	PlanID         string `json:"plan_id"`
	ConversationID string `json:"conversation_id"`
	TotalFiles     int    `json:"total_files"`
}

// FilePayload accompanies per-file events.
type FilePayload struct {
	FileRef
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Diff   string `json:"diff,omitempty"`
}

// StoppedPayload accompanies ExecutionStopped.
type StoppedPayload struct {
	Reason     string   `json:"reason"`
	FailedFile *FileRef `json:"failed_file,omitempty"`

	// Halted lists the files that will not run.
	Halted []FileRef `json:"halted,omitempty"`
}

// RollbackPayload accompanies RollbackStarted and RollbackCompleted.
type RollbackPayload struct {
	Total      int `json:"total"`
	RolledBack int `json:"rolled_back"`
	Failed     int `json:"failed"`

	// ManualIntervention lists paths that could not be restored.
	ManualIntervention []string `json:"manual_intervention,omitempty"`
}

// CompletedPayload accompanies Completed.
type CompletedPayload struct {
	FilesCompleted int `json:"files_completed"`
	FilesFailed    int `json:"files_failed"`
	FilesSkipped   int `json:"files_skipped"`
}

// PhasePayload accompanies PhaseChanged.
type PhasePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// MessagePayload accompanies ConversationCreated and MessageReceived.
type MessagePayload struct {
	Owner   string `json:"owner,omitempty"`
	Project string `json:"project,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClarificationPayload accompanies ClarificationRequested.
type ClarificationPayload struct {
	Confidence float64  `json:"confidence"`
	Questions  []string `json:"questions"`
}

// PlanPayload accompanies plan review events.
type PlanPayload struct {
	PlanID       string `json:"plan_id"`
	Title        string `json:"title,omitempty"`
	Status       string `json:"status"`
	TotalFiles   int    `json:"total_files"`
	Feedback     string `json:"feedback,omitempty"`
	SupersedesID string `json:"supersedes_id,omitempty"`
}

// OutcomePayload accompanies ConversationCompleted and ConversationFailed.
type OutcomePayload struct {
	PlanID string `json:"plan_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}
