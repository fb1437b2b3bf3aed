package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memFiles is an in-memory FileWriter with failure injection.
type memFiles struct {
	mu         sync.Mutex
	files      map[string]string
	writeErr   map[string]error
	restoreErr map[string]error
	writes     []string
}

func newMemFiles(initial map[string]string) *memFiles {
	files := make(map[string]string, len(initial))
	for k, v := range initial {
		files[k] = v
	}
	return &memFiles{
		files:      files,
		writeErr:   make(map[string]error),
		restoreErr: make(map[string]error),
	}
}

func (m *memFiles) Read(ctx context.Context, path string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	return content, ok, nil
}

func (m *memFiles) Write(ctx context.Context, op FileOperation, content string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{}
	snap.Content, snap.Existed = m.files[op.Path]
	if op.Type.IsRelocation() {
		snap.TargetContent, snap.TargetExisted = m.files[op.NewPath]
	}
	if err := m.writeErr[op.Path]; err != nil {
		return snap, err
	}

	m.writes = append(m.writes, op.Path)
	switch op.Type {
	case OpCreate, OpModify:
		m.files[op.Path] = content
	case OpDelete:
		delete(m.files, op.Path)
	case OpRename, OpMove:
		m.files[op.NewPath] = m.files[op.Path]
		delete(m.files, op.Path)
	}
	return snap, nil
}

func (m *memFiles) Restore(ctx context.Context, op FileOperation, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.restoreErr[op.Path]; err != nil {
		return err
	}
	if op.Type.IsRelocation() {
		if snap.TargetExisted {
			m.files[op.NewPath] = snap.TargetContent
		} else {
			delete(m.files, op.NewPath)
		}
	}
	if snap.Existed {
		m.files[op.Path] = snap.Content
	} else {
		delete(m.files, op.Path)
	}
	return nil
}

func (m *memFiles) get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	return content, ok
}

func (m *memFiles) failWrite(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr[path] = err
}

func (m *memFiles) failRestore(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.restoreErr, path)
		return
	}
	m.restoreErr[path] = err
}

// generatorFunc adapts a function to ContentGenerator.
type generatorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

func generated(req GenerateRequest) string {
	return fmt.Sprintf("generated %s %s\n", req.Operation.Type, req.Operation.Path)
}

var defaultGenerator = generatorFunc(func(ctx context.Context, req GenerateRequest) (string, error) {
	return generated(req), nil
})

type lineDiffer struct{}

func (lineDiffer) Diff(path, original, updated string) (string, error) {
	return fmt.Sprintf("--- a/%s\n+++ b/%s\n-%s+%s", path, path, original, updated), nil
}

// scannerFunc adapts a function to ContentScanner.
type scannerFunc func(ctx context.Context, path, content string) ([]string, error)

func (f scannerFunc) Scan(ctx context.Context, path, content string) ([]string, error) {
	return f(ctx, path, content)
}

// recorder captures every emitted event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) stream(scope events.Scope, key string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Scope == scope && e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) types(scope events.Scope, key string) []events.Type {
	var out []events.Type
	for _, e := range r.stream(scope, key) {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last(scope events.Scope, key string, typ events.Type) (events.Event, bool) {
	s := r.stream(scope, key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Type == typ {
			return s[i], true
		}
	}
	return events.Event{}, false
}

func (r *recorder) waitFor(t *testing.T, scope events.Scope, key string, typ events.Type) events.Event {
	t.Helper()
	var found events.Event
	require.Eventually(t, func() bool {
		e, ok := r.last(scope, key, typ)
		found = e
		return ok
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s on %s.%s", typ, scope, key)
	return found
}

func decode[P any](t *testing.T, e events.Event) P {
	t.Helper()
	p, err := events.Decode[P](e)
	require.NoError(t, err)
	return p
}

type harness struct {
	store *MemoryStore
	files *memFiles
	rec   *recorder
	coord *Coordinator
}

func newHarness(t *testing.T, initial map[string]string, gen ContentGenerator, mutate func(*CoordinatorDeps, *CoordinatorConfig)) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(),
		files: newMemFiles(initial),
		rec:   &recorder{},
	}
	if gen == nil {
		gen = defaultGenerator
	}
	deps := CoordinatorDeps{
		Store:     h.store,
		Writer:    h.files,
		Generator: gen,
		Differ:    lineDiffer{},
		Emitter:   events.NewEmitter(nil, h.rec),
	}
	cfg := DefaultCoordinatorConfig()
	cfg.GenerateTimeout = time.Second
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	coord, err := NewCoordinator(deps, cfg)
	require.NoError(t, err)
	h.coord = coord
	return h
}

// seedPlan stores an approved plan with one file per operation.
func (h *harness) seedPlan(t *testing.T, status PlanStatus, ops ...FileOperation) *ExecutionPlan {
	t.Helper()
	plan := &ExecutionPlan{
		ID:             fmt.Sprintf("plan-%d", time.Now().UnixNano()),
		ConversationID: "conv-1",
		Status:         status,
		Title:          "test plan",
	}
	for i, op := range ops {
		plan.Files = append(plan.Files, &FileExecution{
			ID:               fmt.Sprintf("file-%d", i),
			PlanID:           plan.ID,
			Index:            i,
			Operation:        op.Type,
			Path:             op.Path,
			NewPath:          op.NewPath,
			Status:           FilePending,
			RequiresApproval: op.RequiresApproval,
			PlannedContent:   op.Content,
		})
	}
	require.NoError(t, h.store.SavePlan(context.Background(), plan))
	return plan
}

func (h *harness) plan(t *testing.T, id string) *ExecutionPlan {
	t.Helper()
	p, err := h.store.GetPlan(context.Background(), id)
	require.NoError(t, err)
	return p
}

func fileStatuses(p *ExecutionPlan) []FileStatus {
	var out []FileStatus
	for _, f := range p.Ordered() {
		out = append(out, f.Status)
	}
	return out
}

// MockIntentClassifier is a mock implementation of IntentClassifier
type MockIntentClassifier struct {
	mock.Mock
}

func (m *MockIntentClassifier) Classify(ctx context.Context, message string, history []Message, project string) (*Intent, error) {
	args := m.Called(ctx, message, history, project)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Intent), args.Error(1)
}

// MockContextRetriever is a mock implementation of ContextRetriever
type MockContextRetriever struct {
	mock.Mock
}

func (m *MockContextRetriever) Retrieve(ctx context.Context, query, project string) (*RetrievedContext, error) {
	args := m.Called(ctx, query, project)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RetrievedContext), args.Error(1)
}

// MockPlanGenerator is a mock implementation of PlanGenerator
type MockPlanGenerator struct {
	mock.Mock
}

func (m *MockPlanGenerator) Generate(ctx context.Context, req PlanRequest) (*PlanProposal, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PlanProposal), args.Error(1)
}
