package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/fileops"
	agenthttp "github.com/fyrsmithlabs/agentd/internal/http"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

func startServer(t *testing.T) (string, afero.Fs) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	broker := events.NewBroker(0)
	t.Cleanup(broker.Close)
	emitter := events.NewEmitter(logger, broker)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/legacy.go", []byte("package legacy\n"), 0o644))

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

	srv, err := agenthttp.NewServer(ctrl, broker, logger, &agenthttp.Config{Heartbeat: time.Hour})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, fs
}

// execute runs agentctl with args against url and returns stdout.
func execute(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	jsonOutput, reviewFeedback, planDiffs = false, "", false
	createProject, rollbackFile, listOwner = "", "", ""
	eventsPlan, eventsAfter = false, 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--server", url, "--owner", "alice"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func executeView(t *testing.T, url string, args ...string) orchestrator.View {
	t.Helper()
	out, err := execute(t, url, append(args, "--json")...)
	require.NoError(t, err, out)
	var v orchestrator.View
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestHealth(t *testing.T) {
	url, _ := startServer(t)

	out, err := execute(t, url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestConversationCommands(t *testing.T) {
	url, fs := startServer(t)

	view := executeView(t, url, "create", "delete", "legacy.go")
	require.Equal(t, orchestrator.PhaseApproval, view.Conversation.Phase)
	require.NotNil(t, view.Plan)
	convID, planID := view.Conversation.ID, view.Plan.ID

	out, err := execute(t, url, "status", convID)
	require.NoError(t, err)
	assert.Contains(t, out, "Conversation "+convID)
	assert.Contains(t, out, "approval")
	assert.Contains(t, out, "legacy.go")

	view = executeView(t, url, "approve", convID)
	assert.Equal(t, orchestrator.PhaseExecuting, view.Conversation.Phase)

	var fileID string
	require.Eventually(t, func() bool {
		v := executeView(t, url, "plan", planID)
		if len(v.Plan.Files) == 1 && v.Plan.Files[0].AwaitingDecision {
			fileID = v.Plan.Files[0].ID
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	out, err = execute(t, url, "plan", planID)
	require.NoError(t, err)
	assert.Contains(t, out, "awaiting decision")
	assert.Contains(t, out, fileID)

	_, err = execute(t, url, "decide", planID, fileID, "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid action")

	executeView(t, url, "decide", planID, fileID, "approve")

	require.Eventually(t, func() bool {
		return executeView(t, url, "status", convID).Conversation.Phase == orchestrator.PhaseCompleted
	}, 2*time.Second, 10*time.Millisecond)

	exists, err := afero.Exists(fs, "/project/legacy.go")
	require.NoError(t, err)
	assert.False(t, exists)

	out, err = execute(t, url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, convID)
	assert.Contains(t, out, "completed")

	out, err = execute(t, url, "events", "--plan", planID)
	require.NoError(t, err)
	assert.Contains(t, out, "started")
	assert.Contains(t, out, "awaiting_approval")
	assert.Contains(t, out, "path=legacy.go")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, lines[len(lines)-1], "completed")

	out, err = execute(t, url, "events", convID, "--after", "1", "--json")
	require.NoError(t, err)
	first := strings.SplitN(out, "\n", 2)[0]
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(first), &e))
	assert.Equal(t, uint64(2), e.Sequence)

	_, err = execute(t, url, "cancel", convID)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestClarifyAndReject(t *testing.T) {
	url, _ := startServer(t)

	view := executeView(t, url, "create", "make", "it", "better")
	require.Equal(t, orchestrator.PhaseClarification, view.Conversation.Phase)
	assert.NotEmpty(t, view.Conversation.Questions)
	convID := view.Conversation.ID

	view = executeView(t, url, "send", convID, "update", "legacy.go")
	require.Equal(t, orchestrator.PhaseApproval, view.Conversation.Phase)

	out, err := execute(t, url, "reject", convID, "--feedback", "never mind")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
}

func TestUnknownConversation(t *testing.T) {
	url, _ := startServer(t)

	_, err := execute(t, url, "status", "nope")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, orchestrator.KindNotFound, apiErr.Kind)
}

func TestReadSSE(t *testing.T) {
	stream := ": heartbeat\n\n" +
		"id: 1\nevent: started\ndata: {\"type\":\"started\",\"sequence\":1}\n\n" +
		"id: 2\nevent: completed\ndata: {\"type\":\"completed\",\"sequence\":2}\n\n"

	var got []events.Event
	err := readSSE(strings.NewReader(stream), func(e events.Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.Started, got[0].Type)
	assert.Equal(t, uint64(2), got[1].Sequence)

	err = readSSE(strings.NewReader("data: {not json}\n\n"), func(events.Event) error { return nil })
	assert.Error(t, err)
}

func TestRenderEvent(t *testing.T) {
	e := events.Event{
		Type:     events.FileFailed,
		Sequence: 7,
		Payload:  json.RawMessage(`{"path":"a.go","error":"boom","index":0}`),
	}
	out := renderEvent(e)
	assert.Contains(t, out, "#7")
	assert.Contains(t, out, "file_failed")
	assert.Contains(t, out, "path=a.go")
	assert.Contains(t, out, "error=boom")
}
