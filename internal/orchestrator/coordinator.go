package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/orchestrator"

// errCancelled reports that a run stopped on a cancel signal.
var errCancelled = errors.New("execution cancelled")

// CoordinatorConfig tunes plan execution.
type CoordinatorConfig struct {
	// AutoApprove lists operation types that run without a per-file decision.
	AutoApprove []OperationType

	// ProtectedPaths are glob patterns that always require a decision.
	ProtectedPaths []string

	// MaxParallel bounds how many files run at once. 1 keeps execution
	// strictly sequential.
	MaxParallel int

	GenerateTimeout time.Duration
	WriteTimeout    time.Duration

	// BlockSecrets fails files whose generated content the scanner flags.
	BlockSecrets bool
}

// DefaultCoordinatorConfig returns sequential execution with create and
// modify auto-approved.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		AutoApprove:     []OperationType{OpCreate, OpModify},
		MaxParallel:     1,
		GenerateTimeout: 2 * time.Minute,
		WriteTimeout:    10 * time.Second,
		BlockSecrets:    true,
	}
}

// CoordinatorDeps are the collaborators a Coordinator drives.
type CoordinatorDeps struct {
	Store     Store
	Writer    FileWriter
	Generator ContentGenerator
	Differ    DiffGenerator

	// Scanner is optional.
	Scanner ContentScanner

	Emitter *events.Emitter
	Leases  *Leases
	Logger  *logging.Logger
	Tracer  trace.Tracer
}

// ExecutionResult summarises a finished run.
type ExecutionResult struct {
	PlanID         string       `json:"plan_id"`
	Status         PlanStatus   `json:"status"`
	Counts         PlanCounts   `json:"counts"`
	Reason         string       `json:"reason,omitempty"`
	FailedFile     *FileFailure `json:"failed_file,omitempty"`
	Cancelled      bool         `json:"cancelled,omitempty"`
	RolledBack     int          `json:"rolled_back"`
	RollbackFailed int          `json:"rollback_failed"`
}

// Succeeded reports whether the plan completed without failed files.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == PlanCompleted && r.Counts.Failed == 0
}

// Coordinator executes approved plans file by file.
//
// Files run in ascending index order. A file that needs a decision suspends
// the run until Decide is called. The first failure halts the plan, marks
// the remaining files skipped and rolls completed files back in descending
// index order.
type Coordinator struct {
	store     Store
	writer    FileWriter
	generator ContentGenerator
	differ    DiffGenerator
	scanner   ContentScanner
	emitter   *events.Emitter
	leases    *Leases
	logger    *logging.Logger
	tracer    trace.Tracer
	policy    *ApprovalPolicy
	cfg       CoordinatorConfig
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("coordinator: store is required")
	case deps.Writer == nil:
		return nil, errors.New("coordinator: file writer is required")
	case deps.Generator == nil:
		return nil, errors.New("coordinator: content generator is required")
	case deps.Differ == nil:
		return nil, errors.New("coordinator: diff generator is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = events.NewEmitter(nil)
	}
	if deps.Leases == nil {
		deps.Leases = NewLeases()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentationName)
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	return &Coordinator{
		store:     deps.Store,
		writer:    deps.Writer,
		generator: deps.Generator,
		differ:    deps.Differ,
		scanner:   deps.Scanner,
		emitter:   deps.Emitter,
		leases:    deps.Leases,
		logger:    deps.Logger.Named("coordinator"),
		tracer:    deps.Tracer,
		policy:    NewApprovalPolicy(cfg.AutoApprove, cfg.ProtectedPaths),
		cfg:       cfg,
		now:       time.Now,
		runs:      make(map[string]*run),
	}, nil
}

// Policy returns the approval policy so callers can register extra gates.
func (c *Coordinator) Policy() *ApprovalPolicy {
	return c.policy
}

// run is the state of one plan execution.
type run struct {
	planID string

	mu       sync.Mutex // guards plan and awaiting
	plan     *ExecutionPlan
	awaiting string

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	decisions  chan decision
	done       chan struct{}
	result     *ExecutionResult
}

type decision struct {
	fileID string
	action FileAction
	reply  chan error
}

func newRun(plan *ExecutionPlan) *run {
	return &run{
		planID:    plan.ID,
		plan:      plan,
		cancelCh:  make(chan struct{}),
		decisions: make(chan decision),
		done:      make(chan struct{}),
	}
}

func (r *run) cancel() {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.cancelCh)
	})
}

func (r *run) setAwaiting(fileID string) {
	r.mu.Lock()
	r.awaiting = fileID
	r.mu.Unlock()
}

// Execution is a handle on a running plan.
type Execution struct {
	r *run
}

// Done is closed when the run has finished.
func (e *Execution) Done() <-chan struct{} {
	return e.r.done
}

// Result returns the outcome once Done is closed, nil before.
func (e *Execution) Result() *ExecutionResult {
	select {
	case <-e.r.done:
		return e.r.result
	default:
		return nil
	}
}

// Execute runs an approved plan to a terminal status and returns the outcome.
// Per-file failures are reported in the result, not as an error.
func (c *Coordinator) Execute(ctx context.Context, planID string) (*ExecutionResult, error) {
	exec, err := c.Start(ctx, planID)
	if err != nil {
		return nil, err
	}
	<-exec.Done()
	return exec.Result(), nil
}

// Start validates the plan, moves it to executing and runs it in the
// background. Cancelling ctx stops the run like Cancel does.
func (c *Coordinator) Start(ctx context.Context, planID string) (*Execution, error) {
	release, ok := c.leases.TryAcquire(planKey(planID), "coordinator")
	if !ok {
		return nil, newError(KindInvalidState, CodeExecutionInProgress, "execute plan", "plan %s is already executing", planID)
	}

	r, err := c.begin(ctx, planID)
	if err != nil {
		release()
		return nil, err
	}

	go func() {
		result := c.drive(ctx, r)

		c.mu.Lock()
		delete(c.runs, planID)
		c.mu.Unlock()
		release()

		r.result = result
		close(r.done)
	}()

	return &Execution{r: r}, nil
}

func (c *Coordinator) begin(ctx context.Context, planID string) (*run, error) {
	const op = "execute plan"

	plan, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Status.CanExecute() {
		return nil, newError(KindInvalidState, CodePlanInvalidStatus, op,
			"plan %s is %s; only approved plans can execute", planID, plan.Status)
	}
	if len(plan.Files) == 0 {
		return nil, newError(KindValidation, CodePlanNoOperations, op, "plan %s has no file operations", planID)
	}
	if err := plan.validateIndices(); err != nil {
		return nil, err
	}

	if err := plan.TransitionTo(PlanExecuting, c.now()); err != nil {
		return nil, err
	}
	plan.FailureReason = ""
	plan.FailedFile = nil
	plan.RollbackFailures = nil
	if err := c.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("saving plan %s: %w", planID, err)
	}

	r := newRun(plan)
	c.mu.Lock()
	c.runs[planID] = r
	c.mu.Unlock()

	emitExecution(ctx, c, planID, events.Started, events.StartedPayload{
		PlanID:         planID,
		ConversationID: plan.ConversationID,
		TotalFiles:     len(plan.Files),
	})
	return r, nil
}

// drive runs every batch, then completes, halts or stops the plan.
func (c *Coordinator) drive(ctx context.Context, r *run) *ExecutionResult {
	ctx = logging.WithPlanID(ctx, r.planID)
	ctx = logging.WithConversationID(ctx, r.plan.ConversationID)
	ctx, span := c.tracer.Start(ctx, "coordinator.execute", trace.WithAttributes(
		attribute.String("plan.id", r.planID),
		attribute.Int("plan.files", len(r.plan.Files)),
	))
	defer span.End()

	ActiveExecutions.Inc()
	defer ActiveExecutions.Dec()

	c.logger.Info(ctx, "plan execution started", zap.Int("files", len(r.plan.Files)))

	var result *ExecutionResult
	for _, batch := range c.batches(ctx, r) {
		if r.cancelled.Load() || ctx.Err() != nil {
			result = c.stopCancelled(ctx, r)
			break
		}
		failed, cancelled := c.runBatch(ctx, r, batch)
		if len(failed) > 0 {
			result = c.halt(ctx, r, failed[0])
			break
		}
		if cancelled {
			result = c.stopCancelled(ctx, r)
			break
		}
	}
	if result == nil {
		result = c.complete(ctx, r)
	}

	span.SetAttributes(attribute.String("plan.status", string(result.Status)))
	if result.Status != PlanCompleted {
		span.SetStatus(codes.Error, result.Reason)
	}
	c.logger.Info(ctx, "plan execution finished",
		zap.String("status", string(result.Status)),
		zap.Int("completed", result.Counts.Completed),
		zap.Int("failed", result.Counts.Failed),
		zap.Int("skipped", result.Counts.Skipped),
	)
	return result
}

// batches groups pending files for execution. Sequential execution yields
// one file per batch. Parallel execution packs consecutive files touching
// distinct paths, and a file that needs a decision always runs alone.
func (c *Coordinator) batches(ctx context.Context, r *run) [][]*FileExecution {
	r.mu.Lock()
	ordered := r.plan.Ordered()
	r.mu.Unlock()

	var (
		out   [][]*FileExecution
		cur   []*FileExecution
		paths map[string]bool
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur, paths = nil, nil
	}

	for _, f := range ordered {
		if f.Status != FilePending {
			continue
		}
		if c.cfg.MaxParallel == 1 || c.needsDecision(ctx, f) {
			flush()
			out = append(out, []*FileExecution{f})
			continue
		}

		touched := f.FileOperation().Paths()
		overlap := false
		for _, p := range touched {
			overlap = overlap || paths[p]
		}
		if overlap || len(cur) == c.cfg.MaxParallel {
			flush()
		}
		if paths == nil {
			paths = make(map[string]bool)
		}
		for _, p := range touched {
			paths[p] = true
		}
		cur = append(cur, f)
	}
	flush()
	return out
}

func (c *Coordinator) needsDecision(ctx context.Context, f *FileExecution) bool {
	needs, _, err := c.policy.RequiresApproval(ctx, f)
	return err != nil || (needs && !f.UserApproved)
}

// runBatch executes a batch and returns its failed files by ascending index.
func (c *Coordinator) runBatch(ctx context.Context, r *run, batch []*FileExecution) ([]*FileExecution, bool) {
	if len(batch) == 1 {
		err := c.executeFile(ctx, r, batch[0])
		switch {
		case errors.Is(err, errCancelled):
			return nil, true
		case err != nil:
			return batch, false
		}
		return nil, false
	}

	var (
		mu     sync.Mutex
		failed []*FileExecution
		g      errgroup.Group
	)
	g.SetLimit(c.cfg.MaxParallel)
	for _, f := range batch {
		g.Go(func() error {
			err := c.executeFile(ctx, r, f)
			if err != nil {
				mu.Lock()
				failed = append(failed, f)
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
	return failed, false
}

// executeFile takes one pending file to completed, skipped or failed.
// A non-nil error means the file failed, or errCancelled when the run was
// cancelled while the file awaited a decision.
func (c *Coordinator) executeFile(ctx context.Context, r *run, f *FileExecution) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute_file", trace.WithAttributes(
		attribute.String("file.path", f.Path),
		attribute.Int("file.index", f.Index),
		attribute.String("file.operation", string(f.Operation)),
	))
	defer span.End()

	op := f.FileOperation()
	c.emitFile(ctx, r, events.FileStarted, f, events.FilePayload{})

	current, exists, err := c.writer.Read(ctx, op.Path)
	if err != nil {
		return c.failFile(ctx, r, f, stepError("read", err))
	}
	if op.Type.RequiresExistingFile() && !exists {
		return c.failFile(ctx, r, f, newError(KindValidation, "", "",
			"%s requires an existing file but %s does not exist", op.Type, op.Path))
	}

	needs, reason, err := c.policy.RequiresApproval(ctx, f)
	if err != nil {
		return c.failFile(ctx, r, f, wrapError(KindExecutionFailure, "", "", err, "approval policy"))
	}

	var (
		content   string
		generated bool
	)
	switch {
	case needs && !f.UserApproved:
		content, err = c.generate(ctx, r, f, current, exists)
		if err != nil {
			return c.failFile(ctx, r, f, err)
		}
		generated = true

		diff := c.preview(ctx, op, current, content)
		if err := c.commit(ctx, r, func(*ExecutionPlan) error {
			f.NewContent = content
			f.Diff = diff
			f.AwaitingDecision = true
			return nil
		}); err != nil {
			return c.failFile(ctx, r, f, err)
		}

		r.setAwaiting(f.ID)
		c.emitFile(ctx, r, events.AwaitingApproval, f, events.FilePayload{Reason: reason, Diff: diff})
		c.logger.Info(ctx, "file awaiting decision", zap.Int("index", f.Index), zap.String("reason", reason))

		d, err := c.awaitDecision(ctx, r, f)
		if err != nil {
			if err := c.skipFile(ctx, r, f, SkipReasonCancelled); err != nil {
				c.logger.Error(ctx, "recording cancelled file", zap.Error(err))
			}
			return errCancelled
		}

		switch d.action {
		case ActionSkip:
			d.reply <- c.skipFile(ctx, r, f, SkipReasonUser)
			return nil
		case ActionReject:
			failErr := c.failFile(ctx, r, f, newError(KindExecutionFailure, "", "", "rejected by user"))
			d.reply <- nil
			return failErr
		default:
			err := c.commit(ctx, r, func(*ExecutionPlan) error {
				f.UserApproved = true
				f.AwaitingDecision = false
				return nil
			})
			d.reply <- err
			if err != nil {
				return c.failFile(ctx, r, f, err)
			}
		}
	case !needs:
		if err := c.commit(ctx, r, func(*ExecutionPlan) error {
			f.AutoApproved = true
			return nil
		}); err != nil {
			return c.failFile(ctx, r, f, err)
		}
	}

	started := c.now()
	if err := c.commit(ctx, r, func(*ExecutionPlan) error {
		return f.TransitionTo(FileInProgress, started)
	}); err != nil {
		return c.failFile(ctx, r, f, err)
	}
	c.emitFile(ctx, r, events.FileGenerating, f, events.FilePayload{})

	if !generated {
		content, err = c.generate(ctx, r, f, current, exists)
		if err != nil {
			return c.failFile(ctx, r, f, err)
		}
	}
	if err := c.scan(ctx, op.Path, content); err != nil {
		return c.failFile(ctx, r, f, err)
	}

	snap, writeErr := c.write(ctx, op, content)
	if snap != nil {
		if err := c.commit(ctx, r, func(*ExecutionPlan) error {
			f.Snapshot = snap
			return nil
		}); err != nil && writeErr == nil {
			writeErr = err
		}
	}
	if writeErr != nil {
		return c.failFile(ctx, r, f, writeErr)
	}

	diff := c.preview(ctx, op, current, content)
	if err := c.commit(ctx, r, func(*ExecutionPlan) error {
		if err := f.TransitionTo(FileCompleted, c.now()); err != nil {
			return err
		}
		f.NewContent = content
		f.Diff = diff
		return nil
	}); err != nil {
		return c.failFile(ctx, r, f, err)
	}

	c.emitFile(ctx, r, events.FileCompleted, f, events.FilePayload{Diff: diff})
	FileExecutionsTotal.WithLabelValues(string(f.Operation), string(FileCompleted)).Inc()
	FileExecutionDuration.WithLabelValues(string(f.Operation)).Observe(c.now().Sub(started).Seconds())
	c.logger.Info(ctx, "file completed", zap.Int("index", f.Index), zap.String("path", f.Path),
		logging.Content("content", []byte(content)))
	return nil
}

func (c *Coordinator) awaitDecision(ctx context.Context, r *run, f *FileExecution) (decision, error) {
	defer r.setAwaiting("")
	for {
		select {
		case d := <-r.decisions:
			if d.fileID == f.ID {
				return d, nil
			}
			d.reply <- newError(KindInvalidState, "", "decide file", "file %s is not awaiting a decision", d.fileID)
		case <-r.cancelCh:
			return decision{}, errCancelled
		case <-ctx.Done():
			return decision{}, errCancelled
		}
	}
}

// generate returns the content to write. Planned content is used as is;
// operations without content skip the generator.
func (c *Coordinator) generate(ctx context.Context, r *run, f *FileExecution, current string, exists bool) (string, error) {
	if !f.Operation.RequiresContent() {
		return "", nil
	}
	if f.PlannedContent != "" {
		return f.PlannedContent, nil
	}

	gctx, cancel := withTimeout(ctx, c.cfg.GenerateTimeout)
	defer cancel()

	content, err := c.generator.Generate(gctx, GenerateRequest{
		Operation:      f.FileOperation(),
		CurrentContent: current,
		Exists:         exists,
		PlanTitle:      r.plan.Title,
		PlanSummary:    r.plan.Summary,
	})
	if err != nil {
		return "", stepError("generate", err)
	}
	if content == "" {
		return "", newError(KindValidation, "", "", "%s of %s produced no content", f.Operation, f.Path)
	}
	return content, nil
}

func (c *Coordinator) scan(ctx context.Context, path, content string) error {
	if !c.cfg.BlockSecrets || c.scanner == nil || content == "" {
		return nil
	}
	findings, err := c.scanner.Scan(ctx, path, content)
	if err != nil {
		return wrapError(KindExecutionFailure, "", "", err, "secret scan")
	}
	if len(findings) > 0 {
		return newError(KindExecutionFailure, "", "", "generated content for %s contains secrets (%s)",
			path, strings.Join(findings, ", "))
	}
	return nil
}

// write applies op while holding the leases of every path it touches.
// The write itself is never interrupted by cancellation, only by timeout.
func (c *Coordinator) write(ctx context.Context, op FileOperation, content string) (*Snapshot, error) {
	release, err := c.claimPaths(ctx, op)
	if err != nil {
		return nil, stepError("write", err)
	}
	defer release()

	wctx, cancel := withTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()

	snap, err := c.writer.Write(wctx, op, content)
	if err != nil {
		return snap, stepError("write", err)
	}
	return snap, nil
}

func (c *Coordinator) restore(ctx context.Context, f *FileExecution) error {
	if f.Snapshot == nil {
		return newError(KindRollbackFailure, "", "rollback", "%s has no snapshot", f.Label())
	}
	op := f.FileOperation()

	ctx = context.WithoutCancel(ctx)
	release, err := c.claimPaths(ctx, op)
	if err != nil {
		return wrapError(KindRollbackFailure, "", "rollback", err, "claiming %s", f.Label())
	}
	defer release()

	rctx, cancel := withTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.writer.Restore(rctx, op, *f.Snapshot); err != nil {
		return wrapError(KindRollbackFailure, "", "rollback", err, "restoring %s", f.Label())
	}
	return nil
}

// claimPaths takes the path leases of op in sorted order.
func (c *Coordinator) claimPaths(ctx context.Context, op FileOperation) (func(), error) {
	paths := op.Paths()
	sort.Strings(paths)

	releases := make([]func(), 0, len(paths))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, p := range paths {
		release, err := c.leases.Acquire(ctx, pathKey(p), "coordinator")
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// preview renders the change a file operation makes.
func (c *Coordinator) preview(ctx context.Context, op FileOperation, current, content string) string {
	if op.Type.IsRelocation() {
		return fmt.Sprintf("%s %s -> %s\n", op.Type, op.Path, op.NewPath)
	}
	diff, err := c.differ.Diff(op.Path, current, content)
	if err != nil {
		c.logger.Warn(ctx, "diff generation failed", zap.String("path", op.Path), zap.Error(err))
		return ""
	}
	return diff
}

func (c *Coordinator) failFile(ctx context.Context, r *run, f *FileExecution, cause error) error {
	msg := cause.Error()
	if err := c.commit(ctx, r, func(*ExecutionPlan) error {
		if err := f.TransitionTo(FileFailed, c.now()); err != nil {
			return err
		}
		f.Error = msg
		f.AwaitingDecision = false
		return nil
	}); err != nil {
		c.logger.Error(ctx, "recording file failure", zap.Error(err))
	}

	c.emitFile(ctx, r, events.FileFailed, f, events.FilePayload{Error: msg})
	FileExecutionsTotal.WithLabelValues(string(f.Operation), string(FileFailed)).Inc()
	c.logger.Warn(ctx, "file failed", zap.Int("index", f.Index), zap.String("path", f.Path), zap.Error(cause))
	return cause
}

func (c *Coordinator) skipFile(ctx context.Context, r *run, f *FileExecution, reason string) error {
	if err := c.commit(ctx, r, func(*ExecutionPlan) error {
		if err := f.TransitionTo(FileSkipped, c.now()); err != nil {
			return err
		}
		f.SkipReason = reason
		f.AwaitingDecision = false
		return nil
	}); err != nil {
		return err
	}
	c.emitFile(ctx, r, events.FileSkipped, f, events.FilePayload{Reason: reason})
	FileExecutionsTotal.WithLabelValues(string(f.Operation), string(FileSkipped)).Inc()
	return nil
}

// skipPending marks every pending file skipped and returns them.
func skipPending(p *ExecutionPlan, reason string, now time.Time) []events.FileRef {
	var halted []events.FileRef
	for _, f := range p.Ordered() {
		if f.Status != FilePending {
			continue
		}
		if err := f.TransitionTo(FileSkipped, now); err == nil {
			f.SkipReason = reason
			halted = append(halted, fileRef(f))
		}
	}
	return halted
}

// halt stops the plan after failed, rolls back completed files and then
// reports the stop.
func (c *Coordinator) halt(ctx context.Context, r *run, failed *FileExecution) *ExecutionResult {
	reason := fmt.Sprintf("%s failed: %s", failed.Label(), failed.Error)

	var halted []events.FileRef
	if err := c.commit(ctx, r, func(p *ExecutionPlan) error {
		now := c.now()
		if err := p.TransitionTo(PlanFailed, now); err != nil {
			return err
		}
		halted = skipPending(p, SkipReasonHalted, now)
		ff := failed.Failure(failed.Error)
		p.FailedFile = &ff
		p.FailureReason = reason
		return nil
	}); err != nil {
		c.logger.Error(ctx, "recording plan failure", zap.Error(err))
	}

	PlansTotal.WithLabelValues(string(PlanFailed)).Inc()
	c.logger.Warn(ctx, "plan halted", zap.String("reason", reason), zap.Int("halted", len(halted)))

	rolledBack, rollbackFailed := c.rollback(ctx, r)

	// execution_stopped ends the stream and must follow the rollback report.
	ref := fileRef(failed)
	emitExecution(ctx, c, r.planID, events.ExecutionStopped, events.StoppedPayload{
		Reason:     reason,
		FailedFile: &ref,
		Halted:     halted,
	})
	return c.result(r, rolledBack, rollbackFailed, false)
}

// rollback restores every completed file in descending index order. A file
// that cannot be restored is recorded and the pass continues.
func (c *Coordinator) rollback(ctx context.Context, r *run) (int, int) {
	r.mu.Lock()
	var targets []*FileExecution
	for _, f := range r.plan.Ordered() {
		if f.Status == FileCompleted {
			targets = append(targets, f)
		}
	}
	r.mu.Unlock()

	emitExecution(ctx, c, r.planID, events.RollbackStarted, events.RollbackPayload{Total: len(targets)})

	var (
		rolledBack int
		manual     []string
	)
	for i := len(targets) - 1; i >= 0; i-- {
		f := targets[i]
		if err := c.restore(ctx, f); err != nil {
			manual = append(manual, f.Path)
			if cerr := c.commit(ctx, r, func(p *ExecutionPlan) error {
				p.RollbackFailures = append(p.RollbackFailures, f.Failure(err.Error()))
				return nil
			}); cerr != nil {
				c.logger.Error(ctx, "recording rollback failure", zap.Error(cerr))
			}
			RollbacksTotal.WithLabelValues("error").Inc()
			c.logger.Error(ctx, "rollback failed; manual intervention required",
				zap.Int("index", f.Index), zap.String("path", f.Path), zap.Error(err))
			continue
		}

		if err := c.commit(ctx, r, func(*ExecutionPlan) error {
			return f.MarkRolledBack(c.now())
		}); err != nil {
			c.logger.Error(ctx, "recording rollback", zap.Error(err))
		}
		rolledBack++
		RollbacksTotal.WithLabelValues("success").Inc()
	}

	emitExecution(ctx, c, r.planID, events.RollbackCompleted, events.RollbackPayload{
		Total:              len(targets),
		RolledBack:         rolledBack,
		Failed:             len(manual),
		ManualIntervention: manual,
	})
	return rolledBack, len(manual)
}

// stopCancelled ends a cancelled run. Completed files are kept.
func (c *Coordinator) stopCancelled(ctx context.Context, r *run) *ExecutionResult {
	var halted []events.FileRef
	if err := c.commit(ctx, r, func(p *ExecutionPlan) error {
		now := c.now()
		if err := p.TransitionTo(PlanFailed, now); err != nil {
			return err
		}
		halted = skipPending(p, SkipReasonCancelled, now)
		p.FailureReason = ReasonCancelled
		return nil
	}); err != nil {
		c.logger.Error(ctx, "recording cancellation", zap.Error(err))
	}

	emitExecution(ctx, c, r.planID, events.ExecutionStopped, events.StoppedPayload{
		Reason: ReasonCancelled,
		Halted: halted,
	})
	PlansTotal.WithLabelValues(ReasonCancelled).Inc()
	c.logger.Info(ctx, "plan cancelled", zap.Int("halted", len(halted)))
	return c.result(r, 0, 0, true)
}

func (c *Coordinator) complete(ctx context.Context, r *run) *ExecutionResult {
	if err := c.commit(ctx, r, func(p *ExecutionPlan) error {
		return p.TransitionTo(PlanCompleted, c.now())
	}); err != nil {
		c.logger.Error(ctx, "recording plan completion", zap.Error(err))
	}

	res := c.result(r, 0, 0, false)
	emitExecution(ctx, c, r.planID, events.Completed, events.CompletedPayload{
		FilesCompleted: res.Counts.Completed,
		FilesFailed:    res.Counts.Failed,
		FilesSkipped:   res.Counts.Skipped,
	})
	PlansTotal.WithLabelValues(string(PlanCompleted)).Inc()
	return res
}

func (c *Coordinator) result(r *run, rolledBack, rollbackFailed int, cancelled bool) *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &ExecutionResult{
		PlanID:         r.planID,
		Status:         r.plan.Status,
		Counts:         r.plan.Counts(),
		Reason:         r.plan.FailureReason,
		Cancelled:      cancelled,
		RolledBack:     rolledBack,
		RollbackFailed: rollbackFailed,
	}
	if r.plan.FailedFile != nil {
		ff := *r.plan.FailedFile
		res.FailedFile = &ff
	}
	return res
}

// commit applies mutate to the run's plan and saves it. Mutations must
// leave the plan unchanged when they return an error.
func (c *Coordinator) commit(ctx context.Context, r *run, mutate func(p *ExecutionPlan) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := mutate(r.plan); err != nil {
		return err
	}
	r.plan.UpdatedAt = c.now()
	return c.store.SavePlan(context.WithoutCancel(ctx), r.plan)
}

func (c *Coordinator) lookup(planID string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[planID]
}

// IsRunning reports whether planID has an active run.
func (c *Coordinator) IsRunning(planID string) bool {
	return c.lookup(planID) != nil
}

// Decide delivers a decision for the file the run is suspended on and
// returns the plan once the decision has been applied.
func (c *Coordinator) Decide(ctx context.Context, planID, fileID string, action FileAction) (*ExecutionPlan, error) {
	const op = "decide file"
	if !action.IsValid() {
		return nil, newError(KindValidation, "", op, "unknown action %q", action)
	}

	r := c.lookup(planID)
	if r == nil {
		plan, err := c.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		if _, ok := plan.File(fileID); !ok {
			return nil, notFound(op, "file", fileID)
		}
		return nil, newError(KindInvalidState, "", op, "plan %s is %s and not awaiting a decision", planID, plan.Status)
	}

	r.mu.Lock()
	awaiting := r.awaiting
	_, known := r.plan.File(fileID)
	r.mu.Unlock()
	if !known {
		return nil, notFound(op, "file", fileID)
	}
	if awaiting != fileID {
		return nil, newError(KindInvalidState, "", op, "file %s is not awaiting a decision", fileID)
	}

	d := decision{fileID: fileID, action: action, reply: make(chan error, 1)}
	select {
	case r.decisions <- d:
	case <-r.done:
		return nil, newError(KindInvalidState, "", op, "plan %s finished before the decision arrived", planID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-d.reply:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.store.GetPlan(ctx, planID)
}

// Cancel signals the run of planID to stop before its next file. It
// returns false when the plan is not running.
func (c *Coordinator) Cancel(planID string) bool {
	r := c.lookup(planID)
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// Wait blocks until the run of planID finishes. It returns nil when the
// plan is not running.
func (c *Coordinator) Wait(ctx context.Context, planID string) (*ExecutionResult, error) {
	r := c.lookup(planID)
	if r == nil {
		return nil, nil
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RollbackFile restores one completed file of a plan that is not running.
// Rolling back an already rolled back file is a no-op.
func (c *Coordinator) RollbackFile(ctx context.Context, planID, fileID string) (*ExecutionPlan, error) {
	const op = "rollback file"

	release, ok := c.leases.TryAcquire(planKey(planID), "rollback")
	if !ok {
		return nil, newError(KindInvalidState, CodeExecutionInProgress, op, "plan %s is executing", planID)
	}
	defer release()

	plan, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	f, ok := plan.File(fileID)
	if !ok {
		return nil, notFound(op, "file", fileID)
	}
	if f.Status == FileRolledBack {
		return plan, nil
	}
	if !f.Status.CanRollback() {
		return nil, f.MarkRolledBack(c.now())
	}
	if err := c.restore(ctx, f); err != nil {
		RollbacksTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	r := newRun(plan)
	emitExecution(ctx, c, planID, events.RollbackStarted, events.RollbackPayload{Total: 1})
	if err := c.commit(ctx, r, func(*ExecutionPlan) error {
		return f.MarkRolledBack(c.now())
	}); err != nil {
		return nil, err
	}
	RollbacksTotal.WithLabelValues("success").Inc()
	emitExecution(ctx, c, planID, events.RollbackCompleted, events.RollbackPayload{Total: 1, RolledBack: 1})
	return plan.Clone(), nil
}

// RollbackPlan restores every completed file of a failed plan in
// descending index order. Files that cannot be restored are listed in
// the plan's RollbackFailures.
func (c *Coordinator) RollbackPlan(ctx context.Context, planID string) (*ExecutionPlan, error) {
	const op = "rollback plan"

	release, ok := c.leases.TryAcquire(planKey(planID), "rollback")
	if !ok {
		return nil, newError(KindInvalidState, CodeExecutionInProgress, op, "plan %s is executing", planID)
	}
	defer release()

	plan, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != PlanFailed {
		return nil, newError(KindInvalidState, CodePlanInvalidStatus, op,
			"plan %s is %s; only failed plans can be rolled back", planID, plan.Status)
	}

	r := newRun(plan)
	c.rollback(ctx, r)
	return plan.Clone(), nil
}

func (c *Coordinator) emitFile(ctx context.Context, r *run, typ events.Type, f *FileExecution, payload events.FilePayload) {
	payload.FileRef = fileRef(f)
	emitExecution(ctx, c, r.planID, typ, payload)
}

func emitExecution[P any](ctx context.Context, c *Coordinator, planID string, typ events.Type, payload P) {
	events.Emit(context.WithoutCancel(ctx), c.emitter, events.ScopeExecution, planID, typ, payload)
}

func fileRef(f *FileExecution) events.FileRef {
	return events.FileRef{
		FileID:    f.ID,
		Index:     f.Index,
		Path:      f.Path,
		NewPath:   f.NewPath,
		Operation: string(f.Operation),
	}
}

// stepError wraps a collaborator failure; deadline overruns carry CodeTimeout.
func stepError(step string, err error) *Error {
	var code Code
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return wrapError(KindExecutionFailure, code, "", err, "%s failed", step)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
