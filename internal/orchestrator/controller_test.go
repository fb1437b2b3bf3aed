package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var confident = &Intent{Type: "code_change", Confidence: 0.9}

type controllerHarness struct {
	*harness
	classifier *MockIntentClassifier
	retriever  *MockContextRetriever
	planner    *MockPlanGenerator
	ctrl       *Controller
}

func newControllerHarness(t *testing.T, initial map[string]string) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		harness:    newHarness(t, initial, nil, nil),
		classifier: &MockIntentClassifier{},
		retriever:  &MockContextRetriever{},
		planner:    &MockPlanGenerator{},
	}
	ctrl, err := NewController(ControllerDeps{
		Store:       h.store,
		Classifier:  h.classifier,
		Retriever:   h.retriever,
		Planner:     h.planner,
		Coordinator: h.coord,
	}, DefaultControllerConfig())
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

func (h *controllerHarness) expectContext() {
	h.retriever.On("Retrieve", mock.Anything, mock.Anything, "api").
		Return(&RetrievedContext{Files: []string{"main.go"}}, nil)
}

func (h *controllerHarness) expectPlan(ops ...FileOperation) *mock.Call {
	return h.planner.On("Generate", mock.Anything, mock.Anything).
		Return(&PlanProposal{Title: "Add health endpoint", Summary: "adds /health", Operations: ops}, nil).Once()
}

func (h *controllerHarness) wait(t *testing.T, id string) *View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Wait(ctx, id))
	v, err := h.ctrl.Get(context.Background(), id)
	require.NoError(t, err)
	return v
}

func phases(conv *Conversation) []ConversationPhase {
	var out []ConversationPhase
	for _, tr := range conv.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(ControllerDeps{Store: NewMemoryStore()}, DefaultControllerConfig())
	assert.ErrorContains(t, err, "intent classifier is required")
}

func TestController_HappyPath(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, "add a health endpoint", mock.Anything, "api").Return(confident, nil).Once()
	h.expectContext()
	h.expectPlan(
		FileOperation{Type: OpCreate, Path: "health.go"},
		FileOperation{Type: OpCreate, Path: "health_test.go"},
	)

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add a health endpoint")
	require.NoError(t, err)

	conv := view.Conversation
	assert.Equal(t, PhaseApproval, conv.Phase)
	assert.Equal(t, []ConversationPhase{PhaseDiscovery, PhasePlanning, PhaseApproval}, phases(conv))
	assert.Equal(t, []string{"main.go"}, conv.Context.Files)
	require.NotNil(t, view.Plan)
	assert.Equal(t, PlanPendingReview, view.Plan.Status)
	assert.Len(t, view.Plan.Files, 2)
	assert.Equal(t, conv.ID, view.Plan.ConversationID)

	view, err = h.ctrl.ApprovePlan(ctx, conv.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, PhaseExecuting, view.Conversation.Phase)

	final := h.wait(t, conv.ID)
	assert.Equal(t, PhaseCompleted, final.Conversation.Phase)
	assert.Equal(t, PlanCompleted, final.Plan.Status)
	_, ok := h.files.get("health.go")
	assert.True(t, ok)

	assert.Equal(t, []events.Type{
		events.ConversationCreated,
		events.PhaseChanged, events.PhaseChanged, events.PhaseChanged,
		events.PlanGenerated,
		events.PlanApproved,
		events.PhaseChanged,
		events.PhaseChanged,
		events.ConversationCompleted,
	}, h.rec.types(events.ScopeConversation, conv.ID))

	h.classifier.AssertExpectations(t)
	h.planner.AssertExpectations(t)
}

func TestController_ClarificationAnswered(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	unclear := &Intent{Type: "code_change", Confidence: 0.3, Questions: []string{"Which service?"}}
	h.classifier.On("Classify", mock.Anything, "fix it", mock.Anything, "api").Return(unclear, nil).Once()
	h.classifier.On("Classify", mock.Anything, "the billing service", mock.Anything, "api").Return(confident, nil).Once()
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpModify, Path: "billing.go"})

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "fix it")
	require.NoError(t, err)
	assert.Equal(t, PhaseClarification, view.Conversation.Phase)
	assert.Equal(t, []string{"Which service?"}, view.Conversation.Questions)

	ev, ok := h.rec.last(events.ScopeConversation, view.Conversation.ID, events.ClarificationRequested)
	require.True(t, ok)
	assert.Equal(t, 0.3, decode[events.ClarificationPayload](t, ev).Confidence)

	view, err = h.ctrl.SendMessage(ctx, view.Conversation.ID, "the billing service")
	require.NoError(t, err)
	assert.Equal(t, PhaseApproval, view.Conversation.Phase)
	assert.Equal(t, []ConversationPhase{
		PhaseClarification, PhaseDiscovery, PhasePlanning, PhaseApproval,
	}, phases(view.Conversation))
	assert.Empty(t, view.Conversation.Questions)
}

func TestController_ClarificationStillUnclear(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").
		Return(&Intent{Type: "unknown", Confidence: 0.1, RequiresClarification: true}, nil).Twice()

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "hmm")
	require.NoError(t, err)
	assert.Equal(t, []string{defaultQuestion}, view.Conversation.Questions)

	view, err = h.ctrl.SendMessage(ctx, view.Conversation.ID, "still hmm")
	require.NoError(t, err)
	assert.Equal(t, PhaseClarification, view.Conversation.Phase)
	assert.Equal(t, []ConversationPhase{PhaseClarification, PhaseIntake, PhaseClarification}, phases(view.Conversation))
}

func TestController_RejectReplans(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpCreate, Path: "v1.go"})
	h.planner.On("Generate", mock.Anything, mock.MatchedBy(func(req PlanRequest) bool {
		return req.Feedback == "use a separate package"
	})).Return(&PlanProposal{Title: "v2", Operations: []FileOperation{{Type: OpCreate, Path: "health/v2.go"}}}, nil).Once()

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add health")
	require.NoError(t, err)
	first := view.Plan

	view, err = h.ctrl.ApprovePlan(ctx, view.Conversation.ID, false, "use a separate package")
	require.NoError(t, err)

	assert.Equal(t, PhaseApproval, view.Conversation.Phase)
	require.NotNil(t, view.Plan)
	assert.NotEqual(t, first.ID, view.Plan.ID, "re-planning creates a new plan")
	assert.Equal(t, first.ID, view.Plan.SupersedesID)
	assert.Equal(t, "use a separate package", view.Plan.Feedback)

	rejected := h.plan(t, first.ID)
	assert.Equal(t, PlanRejected, rejected.Status)
	assert.Equal(t, "v1.go", rejected.Files[0].Path)
	assert.Equal(t, FilePending, rejected.Files[0].Status)

	plans, err := h.store.ListPlans(ctx, view.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, plans, 2)
	h.planner.AssertExpectations(t)
}

func TestController_RejectWithAbandonment(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpCreate, Path: "v1.go"})

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add health")
	require.NoError(t, err)

	view, err = h.ctrl.ApprovePlan(ctx, view.Conversation.ID, false, "Never mind, forget it.")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)
	assert.Contains(t, view.Conversation.LastError, "abandoned")
	assert.Equal(t, PlanRejected, view.Plan.Status)
	h.planner.AssertNumberOfCalls(t, "Generate", 1)
}

func TestController_IsAbandonmentMatchesWords(t *testing.T) {
	h := newControllerHarness(t, nil)
	assert.True(t, h.ctrl.isAbandonment("please STOP"))
	assert.True(t, h.ctrl.isAbandonment("ok, give up."))
	assert.False(t, h.ctrl.isAbandonment("add a stopwatch"))
	assert.False(t, h.ctrl.isAbandonment(""))
}

func TestController_CollaboratorFailureFailsConversation(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.retriever.On("Retrieve", mock.Anything, mock.Anything, "api").Return(nil, errors.New("index unavailable"))

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add health")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)
	assert.Contains(t, view.Conversation.LastError, "index unavailable")
	assert.Nil(t, view.Plan)

	ev, ok := h.rec.last(events.ScopeConversation, view.Conversation.ID, events.ConversationFailed)
	require.True(t, ok)
	assert.Contains(t, decode[events.OutcomePayload](t, ev).Reason, "index unavailable")
}

func TestController_EmptyPlanFails(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan()

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "do nothing")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)
	assert.Contains(t, view.Conversation.LastError, "no file operations")
}

func TestController_ExecutionFailureAndResume(t *testing.T) {
	h := newControllerHarness(t, map[string]string{"b.go": "b\n"})
	ctx := context.Background()
	h.files.failWrite("b.go", errors.New("disk full"))

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(
		FileOperation{Type: OpCreate, Path: "a.go"},
		FileOperation{Type: OpModify, Path: "b.go"},
		FileOperation{Type: OpCreate, Path: "c.go"},
	)

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "refactor")
	require.NoError(t, err)
	id := view.Conversation.ID

	_, err = h.ctrl.ApprovePlan(ctx, id, true, "")
	require.NoError(t, err)

	failed := h.wait(t, id)
	assert.Equal(t, PhaseFailed, failed.Conversation.Phase)
	assert.Contains(t, failed.Conversation.LastError, "file 1 (b.go) failed")
	assert.Equal(t, PlanFailed, failed.Plan.Status)

	h.files.failWrite("b.go", nil)
	resumed, err := h.ctrl.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseApproval, resumed.Conversation.Phase)
	assert.Empty(t, resumed.Conversation.LastError)
	assert.Equal(t, PlanPendingReview, resumed.Plan.Status)
	assert.Equal(t, failed.Plan.ID, resumed.Plan.ID)
	assert.Equal(t, []FileStatus{FilePending, FilePending, FilePending}, fileStatuses(resumed.Plan))
	assert.Nil(t, resumed.Plan.FailedFile)

	_, err = h.ctrl.ApprovePlan(ctx, id, true, "")
	require.NoError(t, err)
	final := h.wait(t, id)
	assert.Equal(t, PhaseCompleted, final.Conversation.Phase)
	assert.Equal(t, PlanCompleted, final.Plan.Status)
}

func TestController_ResumeFromIntake(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(nil, errors.New("llm down")).Once()
	h.classifier.On("Classify", mock.Anything, "add health", mock.Anything, "api").Return(confident, nil).Once()
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpCreate, Path: "a.go"})

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add health")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)

	view, err = h.ctrl.Resume(ctx, view.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseApproval, view.Conversation.Phase)
	assert.Equal(t, []ConversationPhase{
		PhaseFailed, PhaseIntake, PhaseDiscovery, PhasePlanning, PhaseApproval,
	}, phases(view.Conversation))

	_, err = h.ctrl.Resume(ctx, view.Conversation.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestController_CancelInApproval(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpCreate, Path: "a.go"})

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add health")
	require.NoError(t, err)
	id := view.Conversation.ID

	view, err = h.ctrl.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)
	assert.Equal(t, ReasonCancelled, view.Conversation.LastError)
	assert.Equal(t, PlanRejected, view.Plan.Status)

	_, err = h.ctrl.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestController_CancelDuringExecution(t *testing.T) {
	h := newControllerHarness(t, map[string]string{"old.go": "old\n"})
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(
		FileOperation{Type: OpCreate, Path: "a.go"},
		FileOperation{Type: OpDelete, Path: "old.go"},
	)

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "cleanup")
	require.NoError(t, err)
	id, planID := view.Conversation.ID, view.Plan.ID

	_, err = h.ctrl.ApprovePlan(ctx, id, true, "")
	require.NoError(t, err)
	h.rec.waitFor(t, events.ScopeExecution, planID, events.AwaitingApproval)

	// awaiting a file decision is not resumable
	_, err = h.ctrl.Resume(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.ctrl.SendMessage(ctx, id, "hello?")
	assert.ErrorIs(t, err, ErrInvalidState)

	view, err = h.ctrl.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)
	assert.Equal(t, ReasonCancelled, view.Conversation.LastError)
	assert.Equal(t, PlanFailed, view.Plan.Status)
	assert.Equal(t, []FileStatus{FileCompleted, FileSkipped}, fileStatuses(view.Plan))
}

// interceptStore runs hook once, after the next conversation read.
type interceptStore struct {
	Store
	mu   sync.Mutex
	hook func()
}

func (s *interceptStore) arm(hook func()) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func (s *interceptStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.Store.GetConversation(ctx, id)
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return conv, err
}

func TestController_CancelRacesApproval(t *testing.T) {
	h := newControllerHarness(t, map[string]string{"old.go": "old\n"})
	store := &interceptStore{Store: h.store}
	ctrl, err := NewController(ControllerDeps{
		Store:       store,
		Classifier:  h.classifier,
		Retriever:   h.retriever,
		Planner:     h.planner,
		Coordinator: h.coord,
	}, DefaultControllerConfig())
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(
		FileOperation{Type: OpCreate, Path: "a.go"},
		FileOperation{Type: OpDelete, Path: "old.go"},
	)

	view, err := ctrl.CreateConversation(ctx, "alice", "api", "cleanup")
	require.NoError(t, err)
	require.Equal(t, PhaseApproval, view.Conversation.Phase)
	id, planID := view.Conversation.ID, view.Plan.ID

	// The plan is approved after Cancel has read the approval phase.
	store.arm(func() {
		_, err := ctrl.ApprovePlan(ctx, id, true, "")
		assert.NoError(t, err)
	})

	view, err = ctrl.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, view.Conversation.Phase)
	assert.Equal(t, ReasonCancelled, view.Conversation.LastError)
	assert.Equal(t, PlanFailed, view.Plan.Status)
	assert.Equal(t, ReasonCancelled, view.Plan.FailureReason)
	assert.NotEqual(t, FileCompleted, view.Plan.Files[1].Status)
	assert.False(t, h.coord.IsRunning(planID))

	_, exists := h.files.get("old.go")
	assert.True(t, exists, "cancelled delete never runs")
}

func TestController_ApproveFile(t *testing.T) {
	h := newControllerHarness(t, map[string]string{"old.go": "old\n"})
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpDelete, Path: "old.go"})

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "remove old")
	require.NoError(t, err)
	id, plan := view.Conversation.ID, view.Plan

	_, err = h.ctrl.ApprovePlan(ctx, id, true, "")
	require.NoError(t, err)
	h.rec.waitFor(t, events.ScopeExecution, plan.ID, events.AwaitingApproval)

	_, err = h.ctrl.ApproveFile(WithActor(ctx, "mallory"), plan.ID, plan.Files[0].ID, ActionApprove)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.ctrl.ApproveFile(WithActor(ctx, "alice"), plan.ID, plan.Files[0].ID, ActionApprove)
	require.NoError(t, err)

	final := h.wait(t, id)
	assert.Equal(t, PhaseCompleted, final.Conversation.Phase)
	_, exists := h.files.get("old.go")
	assert.False(t, exists)
}

func TestController_Authorization(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(&Intent{Confidence: 0.1}, nil)

	alice := WithActor(context.Background(), "alice")
	mallory := WithActor(context.Background(), "mallory")

	view, err := h.ctrl.CreateConversation(alice, "alice", "api", "hi")
	require.NoError(t, err)
	id := view.Conversation.ID

	_, err = h.ctrl.CreateConversation(mallory, "alice", "api", "hi")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.ctrl.Get(mallory, id)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.ctrl.SendMessage(mallory, id, "x")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.ctrl.Cancel(mallory, id)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.ctrl.List(mallory, "alice")
	assert.ErrorIs(t, err, ErrUnauthorized)

	list, err := h.ctrl.List(alice, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestController_CommandValidation(t *testing.T) {
	h := newControllerHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctrl.CreateConversation(ctx, "", "api", "hi")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.ctrl.CreateConversation(ctx, "alice", "api", "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.ctrl.SendMessage(ctx, "missing", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.ctrl.ApprovePlan(ctx, "missing", true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(FileOperation{Type: OpCreate, Path: "a.go"})

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "add")
	require.NoError(t, err)

	_, err = h.ctrl.SendMessage(ctx, view.Conversation.ID, "more")
	assert.ErrorIs(t, err, ErrInvalidState, "plan awaiting approval")

	// a held lease rejects concurrent commands
	release, ok := h.coord.leases.TryAcquire(conversationKey(view.Conversation.ID), "test")
	require.True(t, ok)
	_, err = h.ctrl.ApprovePlan(ctx, view.Conversation.ID, true, "")
	assert.ErrorIs(t, err, ErrInvalidState)
	release()
}

func TestController_RollbackPlan(t *testing.T) {
	h := newControllerHarness(t, map[string]string{"a.go": "a\n", "b.go": "b\n"})
	ctx := context.Background()
	h.files.failWrite("b.go", errors.New("disk full"))
	h.files.failRestore("a.go", errors.New("busy"))

	h.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, "api").Return(confident, nil)
	h.expectContext()
	h.expectPlan(
		FileOperation{Type: OpModify, Path: "a.go"},
		FileOperation{Type: OpModify, Path: "b.go"},
	)

	view, err := h.ctrl.CreateConversation(ctx, "alice", "api", "edit")
	require.NoError(t, err)
	_, err = h.ctrl.ApprovePlan(ctx, view.Conversation.ID, true, "")
	require.NoError(t, err)
	failed := h.wait(t, view.Conversation.ID)
	require.Equal(t, FileCompleted, failed.Plan.Files[0].Status)

	h.files.failRestore("a.go", nil)
	after, err := h.ctrl.Rollback(WithActor(ctx, "alice"), failed.Plan.ID, "")
	require.NoError(t, err)
	assert.Equal(t, FileRolledBack, after.Plan.Files[0].Status)
	content, _ := h.files.get("a.go")
	assert.Equal(t, "a\n", content)

	_, err = h.ctrl.Rollback(WithActor(ctx, "mallory"), failed.Plan.ID, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
