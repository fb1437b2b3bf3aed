package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/fileops"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// stubOrchestrator answers every call with view and err.
type stubOrchestrator struct {
	view  *orchestrator.View
	err   error
	calls []string
	actor string
}

func (s *stubOrchestrator) record(ctx context.Context, call string) (*orchestrator.View, error) {
	s.calls = append(s.calls, call)
	s.actor, _ = orchestrator.ActorFromContext(ctx)
	return s.view, s.err
}

func (s *stubOrchestrator) CreateConversation(ctx context.Context, owner, project, message string) (*orchestrator.View, error) {
	return s.record(ctx, "create:"+owner+":"+project+":"+message)
}

func (s *stubOrchestrator) SendMessage(ctx context.Context, id, message string) (*orchestrator.View, error) {
	return s.record(ctx, "send:"+id+":"+message)
}

func (s *stubOrchestrator) ApprovePlan(ctx context.Context, id string, approved bool, feedback string) (*orchestrator.View, error) {
	verdict := "reject"
	if approved {
		verdict = "approve"
	}
	return s.record(ctx, "approval:"+id+":"+verdict+":"+feedback)
}

func (s *stubOrchestrator) ApproveFile(ctx context.Context, planID, fileID string, action orchestrator.FileAction) (*orchestrator.View, error) {
	return s.record(ctx, "decide:"+planID+":"+fileID+":"+string(action))
}

func (s *stubOrchestrator) Cancel(ctx context.Context, id string) (*orchestrator.View, error) {
	return s.record(ctx, "cancel:"+id)
}

func (s *stubOrchestrator) Resume(ctx context.Context, id string) (*orchestrator.View, error) {
	return s.record(ctx, "resume:"+id)
}

func (s *stubOrchestrator) Get(ctx context.Context, id string) (*orchestrator.View, error) {
	return s.record(ctx, "get:"+id)
}

func (s *stubOrchestrator) GetPlan(ctx context.Context, planID string) (*orchestrator.View, error) {
	return s.record(ctx, "plan:"+planID)
}

func (s *stubOrchestrator) List(ctx context.Context, owner string) ([]*orchestrator.Conversation, error) {
	_, err := s.record(ctx, "list:"+owner)
	return nil, err
}

func (s *stubOrchestrator) Rollback(ctx context.Context, planID, fileID string) (*orchestrator.View, error) {
	return s.record(ctx, "rollback:"+planID+":"+fileID)
}

func do(t *testing.T, s *Server, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&stubOrchestrator{}, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9191", server.config.Addr)
		assert.Equal(t, DefaultHeartbeat, server.config.Heartbeat)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&stubOrchestrator{}, nil, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when orchestrator is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "orchestrator cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, err := NewServer(&stubOrchestrator{}, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, rec).Status)
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   string
		status int
	}{
		{"create defaults owner", http.MethodPost, "/api/v1/conversations", CreateConversationRequest{Project: "p", Message: "hi"}, "create:alice:p:hi", http.StatusCreated},
		{"list defaults owner", http.MethodGet, "/api/v1/conversations", nil, "list:alice", http.StatusOK},
		{"list other owner", http.MethodGet, "/api/v1/conversations?owner=bob", nil, "list:bob", http.StatusOK},
		{"get", http.MethodGet, "/api/v1/conversations/c1", nil, "get:c1", http.StatusOK},
		{"send", http.MethodPost, "/api/v1/conversations/c1/messages", MessageRequest{Message: "more"}, "send:c1:more", http.StatusOK},
		{"approve", http.MethodPost, "/api/v1/conversations/c1/approval", ApprovalRequest{Approved: true}, "approval:c1:approve:", http.StatusOK},
		{"reject", http.MethodPost, "/api/v1/conversations/c1/approval", ApprovalRequest{Feedback: "smaller"}, "approval:c1:reject:smaller", http.StatusOK},
		{"cancel", http.MethodPost, "/api/v1/conversations/c1/cancel", nil, "cancel:c1", http.StatusOK},
		{"resume", http.MethodPost, "/api/v1/conversations/c1/resume", nil, "resume:c1", http.StatusOK},
		{"plan", http.MethodGet, "/api/v1/plans/p1", nil, "plan:p1", http.StatusOK},
		{"decide", http.MethodPost, "/api/v1/plans/p1/files/f1/decision", DecisionRequest{Action: orchestrator.ActionSkip}, "decide:p1:f1:skip", http.StatusOK},
		{"rollback plan", http.MethodPost, "/api/v1/plans/p1/rollback", nil, "rollback:p1:", http.StatusOK},
		{"rollback file", http.MethodPost, "/api/v1/plans/p1/rollback", RollbackRequest{FileID: "f2"}, "rollback:p1:f2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubOrchestrator{view: &orchestrator.View{Conversation: &orchestrator.Conversation{ID: "c1"}}}
			server, err := NewServer(stub, nil, zaptest.NewLogger(t), &Config{})
			require.NoError(t, err)

			rec := do(t, server, tt.method, tt.path, "alice", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, []string{tt.want}, stub.calls)
			assert.Equal(t, "alice", stub.actor)
		})
	}
}

func TestRequiresOwnerHeader(t *testing.T) {
	stub := &stubOrchestrator{}
	server, err := NewServer(stub, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/conversations/c1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Message, OwnerHeader)
	assert.Empty(t, stub.calls)
}

func TestInvalidDecision(t *testing.T) {
	stub := &stubOrchestrator{}
	server, err := NewServer(stub, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodPost, "/api/v1/plans/p1/files/f1/decision", "alice", DecisionRequest{Action: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, stub.calls)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		kind   orchestrator.Kind
		status int
	}{
		{orchestrator.KindNotFound, http.StatusNotFound},
		{orchestrator.KindUnauthorized, http.StatusForbidden},
		{orchestrator.KindInvalidState, http.StatusConflict},
		{orchestrator.KindInvalidTransition, http.StatusConflict},
		{orchestrator.KindAlreadyTerminal, http.StatusConflict},
		{orchestrator.KindValidation, http.StatusBadRequest},
		{orchestrator.KindExecutionFailure, http.StatusInternalServerError},
		{orchestrator.KindRollbackFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			stub := &stubOrchestrator{err: &orchestrator.Error{
				Kind:    tt.kind,
				Code:    orchestrator.CodePlanInvalidStatus,
				Op:      "get conversation",
				Message: "boom",
			}}
			server, err := NewServer(stub, nil, zap.NewNop(), nil)
			require.NoError(t, err)

			rec := do(t, server, http.MethodGet, "/api/v1/conversations/c1", "alice", nil)
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, orchestrator.CodePlanInvalidStatus, resp.Code)
			assert.Equal(t, "get conversation: boom", resp.Message)
		})
	}
}

func TestRateLimit(t *testing.T) {
	server, err := NewServer(&stubOrchestrator{view: &orchestrator.View{}}, nil, zap.NewNop(), &Config{RateLimit: 0.001, RateBurst: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/api/v1/conversations/c1", "alice", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, server, http.MethodGet, "/api/v1/conversations/c1", "alice", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/api/v1/conversations/c1", "bob", nil).Code, "limits are per owner")
}

func TestEventsUnavailableWithoutSource(t *testing.T) {
	server, err := NewServer(&stubOrchestrator{view: &orchestrator.View{}}, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/conversations/c1/events", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// stack is a controller over an in-memory project with heuristic
// collaborators.
type stack struct {
	server *Server
	ctrl   *orchestrator.Controller
	fs     afero.Fs
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackOn(t, afero.NewMemMapFs())
}

func newStackOn(t *testing.T, fs afero.Fs) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	broker := events.NewBroker(0)
	t.Cleanup(broker.Close)
	emitter := events.NewEmitter(logger, broker)

	store := orchestrator.NewMemoryStore()
	coord, err := orchestrator.NewCoordinator(orchestrator.CoordinatorDeps{
		Store:     store,
		Writer:    fileops.NewWriter(fs, "/project", logger),
		Generator: llm.HeuristicGenerator{},
		Differ:    fileops.NewUnifiedDiff(),
		Emitter:   emitter,
	}, orchestrator.DefaultCoordinatorConfig())
	require.NoError(t, err)

	ctrl, err := orchestrator.NewController(orchestrator.ControllerDeps{
		Store:       store,
		Classifier:  llm.HeuristicClassifier{},
		Retriever:   orchestrator.NoContext{},
		Planner:     llm.HeuristicPlanner{},
		Coordinator: coord,
		Emitter:     emitter,
	}, orchestrator.DefaultControllerConfig())
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	server, err := NewServer(ctrl, broker, logger, &Config{Heartbeat: time.Hour})
	require.NoError(t, err)
	return &stack{server: server, ctrl: ctrl, fs: fs}
}

func TestConversationFlow(t *testing.T) {
	st := newStack(t)

	rec := do(t, st.server, http.MethodPost, "/api/v1/conversations", "alice", CreateConversationRequest{
		Project: "docs",
		Message: "add docs/guide.md",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[orchestrator.View](t, rec)
	require.Equal(t, orchestrator.PhaseApproval, view.Conversation.Phase)
	require.NotNil(t, view.Plan)
	convID, planID := view.Conversation.ID, view.Plan.ID

	assert.Equal(t, http.StatusForbidden,
		do(t, st.server, http.MethodGet, "/api/v1/conversations/"+convID, "mallory", nil).Code)

	rec = do(t, st.server, http.MethodPost, "/api/v1/conversations/"+convID+"/approval", "alice", ApprovalRequest{Approved: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, st.ctrl.Wait(context.Background(), convID))

	rec = do(t, st.server, http.MethodGet, "/api/v1/conversations/"+convID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeBody[orchestrator.View](t, rec)
	assert.Equal(t, orchestrator.PhaseCompleted, view.Conversation.Phase)
	assert.Equal(t, orchestrator.PlanCompleted, view.Plan.Status)

	content, err := afero.ReadFile(st.fs, "/project/docs/guide.md")
	require.NoError(t, err)
	assert.Equal(t, "# guide\n\nadd docs/guide.md\n", string(content))

	rec = do(t, st.server, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", "alice", MessageRequest{Message: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, st.server, http.MethodGet, "/api/v1/conversations/"+convID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: 1\nevent: conversation_created\ndata: {"), body)
	assert.Contains(t, body, "event: plan_approved\n")
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.Contains(t, body, "event: conversation_completed\n")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans/"+planID+"/events", nil)
	req.Header.Set(OwnerHeader, "alice")
	req.Header.Set("Last-Event-ID", "1")
	rec = httptest.NewRecorder()
	st.server.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.NotContains(t, body, "id: 1\n")
	assert.Contains(t, body, "event: file_completed\n")
	assert.Contains(t, body, "event: completed\n")
}

func TestFailedPlanStreamReportsRollback(t *testing.T) {
	st := newStackOn(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))

	rec := do(t, st.server, http.MethodPost, "/api/v1/conversations", "alice", CreateConversationRequest{
		Message: "add docs/guide.md",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[orchestrator.View](t, rec)
	require.NotNil(t, view.Plan)
	convID, planID := view.Conversation.ID, view.Plan.ID

	rec = do(t, st.server, http.MethodPost, "/api/v1/conversations/"+convID+"/approval", "alice", ApprovalRequest{Approved: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, st.ctrl.Wait(context.Background(), convID))

	rec = do(t, st.server, http.MethodGet, "/api/v1/plans/"+planID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	failed := strings.Index(body, "event: file_failed\n")
	started := strings.Index(body, "event: rollback_started\n")
	completed := strings.Index(body, "event: rollback_completed\n")
	stopped := strings.Index(body, "event: execution_stopped\n")
	require.True(t, failed >= 0 && started > failed, body)
	require.True(t, completed > started, body)
	require.True(t, stopped > completed, body)
	assert.Equal(t, -1, strings.Index(body[stopped+1:], "event: "), "execution_stopped ends the stream")
}

func TestUnknownConversation(t *testing.T) {
	st := newStack(t)

	rec := do(t, st.server, http.MethodGet, "/api/v1/conversations/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, orchestrator.KindNotFound, decodeBody[ErrorResponse](t, rec).Kind)

	rec = do(t, st.server, http.MethodGet, "/api/v1/plans/nope/events", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
