package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultQuestion = "Could you describe the change you want in more detail?"

// ControllerConfig tunes the conversation pipeline.
type ControllerConfig struct {
	// ClarifyThreshold is the minimum intent confidence that skips
	// clarification.
	ClarifyThreshold float64

	ClassifyTimeout time.Duration
	RetrieveTimeout time.Duration
	PlanTimeout     time.Duration

	// AbandonPhrases turn a plan rejection into a failed conversation.
	AbandonPhrases []string
}

// DefaultControllerConfig returns the default pipeline settings.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ClarifyThreshold: 0.6,
		ClassifyTimeout:  30 * time.Second,
		RetrieveTimeout:  30 * time.Second,
		PlanTimeout:      2 * time.Minute,
		AbandonPhrases:   []string{"abandon", "give up", "never mind", "nevermind", "forget it", "stop"},
	}
}

// ControllerDeps are the collaborators a Controller drives.
type ControllerDeps struct {
	Store       Store
	Classifier  IntentClassifier
	Retriever   ContextRetriever
	Planner     PlanGenerator
	Coordinator *Coordinator
	Emitter     *events.Emitter
	Leases      *Leases
	Logger      *logging.Logger
	Tracer      trace.Tracer
}

// Controller drives conversations through their phases and hands approved
// plans to the Coordinator.
//
// Every command runs under the conversation's lease and returns a committed
// View or a typed *Error. Collaborator failures do not surface as command
// errors: they move the conversation to failed with LastError set.
type Controller struct {
	store       Store
	classifier  IntentClassifier
	retriever   ContextRetriever
	planner     PlanGenerator
	coordinator *Coordinator
	emitter     *events.Emitter
	leases      *Leases
	logger      *logging.Logger
	tracer      trace.Tracer
	cfg         ControllerConfig
	now         func() time.Time
	newID       func() string

	// base outlives requests; executions run under it.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu         sync.Mutex
	executions map[string]chan struct{}
	inflight   map[string]context.CancelFunc
}

// NewController creates a controller.
func NewController(deps ControllerDeps, cfg ControllerConfig) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("controller: store is required")
	case deps.Classifier == nil:
		return nil, errors.New("controller: intent classifier is required")
	case deps.Retriever == nil:
		return nil, errors.New("controller: context retriever is required")
	case deps.Planner == nil:
		return nil, errors.New("controller: plan generator is required")
	case deps.Coordinator == nil:
		return nil, errors.New("controller: coordinator is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = deps.Coordinator.emitter
	}
	if deps.Leases == nil {
		deps.Leases = deps.Coordinator.leases
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentationName)
	}

	base, stop := context.WithCancel(context.Background())
	return &Controller{
		store:       deps.Store,
		classifier:  deps.Classifier,
		retriever:   deps.Retriever,
		planner:     deps.Planner,
		coordinator: deps.Coordinator,
		emitter:     deps.Emitter,
		leases:      deps.Leases,
		logger:      deps.Logger.Named("controller"),
		tracer:      deps.Tracer,
		cfg:         cfg,
		now:         time.Now,
		newID:       uuid.NewString,
		base:        base,
		stop:        stop,
		executions:  make(map[string]chan struct{}),
		inflight:    make(map[string]context.CancelFunc),
	}, nil
}

// Close cancels running executions and waits for them to settle.
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

type actorKey struct{}

// WithActor records the caller identity checked against conversation owners.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller identity, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

func authorize(ctx context.Context, op string, conv *Conversation) error {
	actor, ok := ActorFromContext(ctx)
	if ok && actor != conv.Owner {
		return newError(KindUnauthorized, "", op, "%s does not own conversation %s", actor, conv.ID)
	}
	return nil
}

// lock takes the conversation lease without waiting.
func (c *Controller) lock(op, id string) (func(), error) {
	release, ok := c.leases.TryAcquire(conversationKey(id), op)
	if !ok {
		return nil, newError(KindInvalidState, "", op, "conversation %s is busy", id)
	}
	return release, nil
}

// CreateConversation starts a conversation with its first message and
// runs it until it needs the user again.
func (c *Controller) CreateConversation(ctx context.Context, owner, project, message string) (*View, error) {
	const op = "create conversation"
	ctx, span := c.tracer.Start(ctx, "controller.create_conversation")
	defer span.End()

	if strings.TrimSpace(owner) == "" {
		return nil, newError(KindValidation, "", op, "owner is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, newError(KindValidation, "", op, "message is required")
	}
	if actor, ok := ActorFromContext(ctx); ok && actor != owner {
		return nil, newError(KindUnauthorized, "", op, "%s cannot create conversations for %s", actor, owner)
	}

	now := c.now()
	conv := &Conversation{
		ID:        c.newID(),
		Owner:     owner,
		Project:   project,
		Phase:     PhaseIntake,
		Messages:  []Message{{Role: RoleUser, Content: message, Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	release, err := c.lock(op, conv.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.store.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("saving conversation: %w", err)
	}
	ctx = c.logContext(ctx, conv)
	emitConversation(ctx, c.emitter, conv.ID, events.ConversationCreated, events.MessagePayload{
		Owner:   owner,
		Project: project,
		Role:    RoleUser,
		Content: message,
	})
	c.logger.Info(ctx, "conversation created", zap.String("project", project))

	c.runPipeline(ctx, conv, func(pctx context.Context) error {
		return c.intake(pctx, conv)
	})
	return c.view(ctx, conv)
}

// SendMessage adds a user message. In clarification it answers the open
// questions. In a failed conversation it starts over from intake.
func (c *Controller) SendMessage(ctx context.Context, id, message string) (*View, error) {
	const op = "send message"
	ctx, span := c.tracer.Start(ctx, "controller.send_message", trace.WithAttributes(
		attribute.String("conversation.id", id),
	))
	defer span.End()

	if strings.TrimSpace(message) == "" {
		return nil, newError(KindValidation, "", op, "message is required")
	}

	release, err := c.lock(op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	ctx = c.logContext(ctx, conv)

	switch {
	case conv.Phase == PhaseCompleted:
		return nil, newError(KindAlreadyTerminal, "", op, "conversation %s is completed", id)
	case conv.Phase.IsActive():
		return nil, newError(KindInvalidState, "", op, "conversation %s is %s", id, conv.Phase)
	case conv.Phase == PhaseApproval:
		return nil, newError(KindInvalidState, "", op, "conversation %s is awaiting plan approval", id)
	}

	conv.Messages = append(conv.Messages, Message{Role: RoleUser, Content: message, Timestamp: c.now()})
	emitConversation(ctx, c.emitter, conv.ID, events.MessageReceived, events.MessagePayload{
		Role:    RoleUser,
		Content: message,
	})

	switch conv.Phase {
	case PhaseClarification:
		c.runPipeline(ctx, conv, func(pctx context.Context) error {
			return c.answer(pctx, conv)
		})
	case PhaseFailed:
		conv.LastError = ""
		if err := c.advance(ctx, conv, PhaseIntake, "new message"); err != nil {
			return nil, err
		}
		c.runPipeline(ctx, conv, func(pctx context.Context) error {
			return c.intake(pctx, conv)
		})
	default:
		c.runPipeline(ctx, conv, func(pctx context.Context) error {
			return c.intake(pctx, conv)
		})
	}
	return c.view(ctx, conv)
}

// runPipeline runs step detached from the caller's cancellation and
// records a failure on the conversation. Cancel interrupts it through the
// inflight registry.
func (c *Controller) runPipeline(ctx context.Context, conv *Conversation, step func(context.Context) error) {
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.inflight[conv.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, conv.ID)
		c.mu.Unlock()
		cancel()
	}()

	if err := step(pctx); err != nil {
		c.fail(ctx, conv, err)
	}
}

// intake classifies the latest message and moves to clarification or
// discovery.
func (c *Controller) intake(ctx context.Context, conv *Conversation) error {
	intent, err := c.classify(ctx, conv)
	if err != nil {
		return err
	}
	conv.Intent = intent

	if c.needsClarification(intent) {
		return c.clarify(ctx, conv, intent, "intent unclear")
	}
	return c.discover(ctx, conv, "intent classified")
}

// answer re-evaluates the intent after a clarification reply. A confident
// intent goes straight to discovery, otherwise the conversation passes
// through intake and asks again.
func (c *Controller) answer(ctx context.Context, conv *Conversation) error {
	intent, err := c.classify(ctx, conv)
	if err != nil {
		return err
	}
	conv.Intent = intent
	conv.Questions = nil

	if !c.needsClarification(intent) {
		return c.discover(ctx, conv, "clarification answered")
	}
	if err := c.advance(ctx, conv, PhaseIntake, "clarification incomplete"); err != nil {
		return err
	}
	return c.clarify(ctx, conv, intent, "intent still unclear")
}

func (c *Controller) classify(ctx context.Context, conv *Conversation) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cctx, cancel := withTimeout(ctx, c.cfg.ClassifyTimeout)
	defer cancel()

	history := conv.Messages[:len(conv.Messages)-1]
	intent, err := c.classifier.Classify(cctx, conv.LastUserMessage(), history, conv.Project)
	if err != nil {
		return nil, stepError("classify", err)
	}
	if intent == nil {
		return nil, newError(KindExecutionFailure, "", "", "classifier returned no intent")
	}
	return intent, nil
}

func (c *Controller) needsClarification(intent *Intent) bool {
	return intent.RequiresClarification || len(intent.Questions) > 0 || intent.Confidence < c.cfg.ClarifyThreshold
}

func (c *Controller) clarify(ctx context.Context, conv *Conversation, intent *Intent, reason string) error {
	questions := append([]string(nil), intent.Questions...)
	if len(questions) == 0 {
		questions = []string{defaultQuestion}
	}
	conv.Questions = questions
	conv.Messages = append(conv.Messages, Message{
		Role:      RoleAssistant,
		Content:   strings.Join(questions, "\n"),
		Timestamp: c.now(),
	})
	if err := c.advance(ctx, conv, PhaseClarification, reason); err != nil {
		return err
	}
	emitConversation(ctx, c.emitter, conv.ID, events.ClarificationRequested, events.ClarificationPayload{
		Confidence: intent.Confidence,
		Questions:  questions,
	})
	return nil
}

// discover retrieves codebase context and moves on to planning.
func (c *Controller) discover(ctx context.Context, conv *Conversation, reason string) error {
	if err := c.advance(ctx, conv, PhaseDiscovery, reason); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rctx, cancel := withTimeout(ctx, c.cfg.RetrieveTimeout)
	defer cancel()
	rc, err := c.retriever.Retrieve(rctx, c.query(conv), conv.Project)
	if err != nil {
		return stepError("retrieve context", err)
	}
	if rc == nil {
		rc = &RetrievedContext{}
	}
	conv.Context = rc

	if err := c.advance(ctx, conv, PhasePlanning, "context retrieved"); err != nil {
		return err
	}
	return c.plan(ctx, conv, "", "")
}

// query joins the user's messages into one retrieval query.
func (c *Controller) query(conv *Conversation) string {
	var parts []string
	for _, m := range conv.Messages {
		if m.Role == RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// plan generates a plan for review. The conversation must be in planning.
func (c *Controller) plan(ctx context.Context, conv *Conversation, feedback, supersedes string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pctx, cancel := withTimeout(ctx, c.cfg.PlanTimeout)
	defer cancel()

	draft, err := c.planner.Generate(pctx, PlanRequest{
		Message:  c.query(conv),
		Project:  conv.Project,
		Intent:   conv.Intent,
		Context:  conv.Context,
		Feedback: feedback,
	})
	if err != nil {
		return stepError("generate plan", err)
	}

	plan, err := c.buildPlan(conv, draft, feedback, supersedes)
	if err != nil {
		return err
	}
	if err := plan.TransitionTo(PlanPendingReview, c.now()); err != nil {
		return err
	}
	if err := c.store.SavePlan(context.WithoutCancel(ctx), plan); err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}

	conv.PlanID = plan.ID
	conv.Messages = append(conv.Messages, Message{
		Role:      RoleAssistant,
		Content:   planMessage(plan),
		Timestamp: c.now(),
	})
	if err := c.advance(ctx, conv, PhaseApproval, "plan ready for review"); err != nil {
		return err
	}
	emitConversation(ctx, c.emitter, conv.ID, events.PlanGenerated, planPayload(plan))
	c.logger.Info(logging.WithPlanID(ctx, plan.ID), "plan generated", zap.Int("files", len(plan.Files)))
	return nil
}

func (c *Controller) buildPlan(conv *Conversation, draft *PlanProposal, feedback, supersedes string) (*ExecutionPlan, error) {
	if draft == nil || len(draft.Operations) == 0 {
		return nil, newError(KindValidation, CodePlanNoOperations, "generate plan", "planner produced no file operations")
	}

	now := c.now()
	plan := &ExecutionPlan{
		ID:             c.newID(),
		ConversationID: conv.ID,
		Status:         PlanDraft,
		Title:          draft.Title,
		Summary:        draft.Summary,
		Feedback:       feedback,
		SupersedesID:   supersedes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, op := range draft.Operations {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		plan.Files = append(plan.Files, &FileExecution{
			ID:               c.newID(),
			PlanID:           plan.ID,
			Index:            i,
			Operation:        op.Type,
			Path:             op.Path,
			NewPath:          op.NewPath,
			Description:      op.Description,
			Status:           FilePending,
			RequiresApproval: op.RequiresApproval,
			PlannedContent:   op.Content,
		})
	}
	return plan, nil
}

func planMessage(p *ExecutionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", p.Title)
	for _, f := range p.Ordered() {
		if f.NewPath != "" {
			fmt.Fprintf(&b, "%d. %s %s -> %s\n", f.Index, f.Operation, f.Path, f.NewPath)
			continue
		}
		fmt.Fprintf(&b, "%d. %s %s\n", f.Index, f.Operation, f.Path)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ApprovePlan records the user's verdict on the plan under review. An
// approved plan starts executing in the background; a rejected one is
// re-planned with the feedback, or abandoned.
func (c *Controller) ApprovePlan(ctx context.Context, id string, approved bool, feedback string) (*View, error) {
	const op = "approve plan"
	ctx, span := c.tracer.Start(ctx, "controller.approve_plan", trace.WithAttributes(
		attribute.String("conversation.id", id),
		attribute.Bool("plan.approved", approved),
	))
	defer span.End()

	release, err := c.lock(op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	ctx = c.logContext(ctx, conv)

	if conv.Phase.IsTerminal() {
		return nil, newError(KindAlreadyTerminal, "", op, "conversation %s is %s", id, conv.Phase)
	}
	if conv.Phase != PhaseApproval {
		return nil, newError(KindInvalidState, "", op, "conversation %s is %s, not awaiting approval", id, conv.Phase)
	}
	plan, err := c.store.GetPlan(ctx, conv.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Status != PlanPendingReview {
		return nil, newError(KindInvalidState, CodePlanInvalidStatus, op, "plan %s is %s", plan.ID, plan.Status)
	}

	if approved {
		return c.approve(ctx, conv, plan)
	}
	return c.reject(ctx, conv, plan, feedback)
}

func (c *Controller) approve(ctx context.Context, conv *Conversation, plan *ExecutionPlan) (*View, error) {
	if err := plan.TransitionTo(PlanApproved, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("saving plan: %w", err)
	}
	emitConversation(ctx, c.emitter, conv.ID, events.PlanApproved, planPayload(plan))

	if err := c.advance(ctx, conv, PhaseExecuting, "plan approved"); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.executions[conv.ID] = done
	c.mu.Unlock()

	exec, err := c.coordinator.Start(logging.WithOwner(c.base, conv.Owner), plan.ID)
	if err != nil {
		c.mu.Lock()
		delete(c.executions, conv.ID)
		c.mu.Unlock()
		close(done)
		c.fail(ctx, conv, err)
		return c.view(ctx, conv)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-exec.Done()
		c.finishExecution(conv.ID, exec.Result())

		c.mu.Lock()
		delete(c.executions, conv.ID)
		c.mu.Unlock()
		close(done)
	}()
	return c.view(ctx, conv)
}

func (c *Controller) reject(ctx context.Context, conv *Conversation, plan *ExecutionPlan, feedback string) (*View, error) {
	if err := plan.TransitionTo(PlanRejected, c.now()); err != nil {
		return nil, err
	}
	plan.Feedback = feedback
	if err := c.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("saving plan: %w", err)
	}
	PlansTotal.WithLabelValues(string(PlanRejected)).Inc()
	emitConversation(ctx, c.emitter, conv.ID, events.PlanRejected, planPayload(plan))

	if feedback != "" {
		conv.Messages = append(conv.Messages, Message{Role: RoleUser, Content: feedback, Timestamp: c.now()})
	}

	if c.isAbandonment(feedback) {
		c.fail(ctx, conv, newError(KindInvalidState, "", "", "plan abandoned: %s", feedback))
		return c.view(ctx, conv)
	}

	if err := c.advance(ctx, conv, PhasePlanning, "plan rejected"); err != nil {
		return nil, err
	}
	c.runPipeline(ctx, conv, func(pctx context.Context) error {
		return c.plan(pctx, conv, feedback, plan.ID)
	})
	return c.view(ctx, conv)
}

// isAbandonment matches whole words of the configured phrases.
func (c *Controller) isAbandonment(feedback string) bool {
	normalize := func(s string) string {
		words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		return " " + strings.Join(words, " ") + " "
	}
	text := normalize(feedback)
	for _, phrase := range c.cfg.AbandonPhrases {
		p := normalize(phrase)
		if strings.TrimSpace(p) != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// finishExecution sets the terminal phase from the plan outcome.
func (c *Controller) finishExecution(id string, res *ExecutionResult) {
	ctx := context.WithoutCancel(c.base)
	release, err := c.leases.Acquire(ctx, conversationKey(id), "finish execution")
	if err != nil {
		c.logger.Error(ctx, "acquiring conversation lease", zap.String("conversation.id", id), zap.Error(err))
		return
	}
	defer release()

	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		c.logger.Error(ctx, "loading conversation", zap.String("conversation.id", id), zap.Error(err))
		return
	}
	ctx = c.logContext(ctx, conv)
	if conv.Phase != PhaseExecuting || res == nil {
		return
	}

	if res.Succeeded() {
		conv.Messages = append(conv.Messages, Message{
			Role:      RoleAssistant,
			Content:   fmt.Sprintf("Applied %d file(s), skipped %d.", res.Counts.Completed, res.Counts.Skipped),
			Timestamp: c.now(),
		})
		if err := c.advance(ctx, conv, PhaseCompleted, "plan completed"); err != nil {
			c.logger.Error(ctx, "completing conversation", zap.Error(err))
			return
		}
		emitConversation(ctx, c.emitter, conv.ID, events.ConversationCompleted, events.OutcomePayload{PlanID: res.PlanID})
		c.logger.Info(ctx, "conversation completed")
		return
	}

	reason := res.Reason
	if reason == "" {
		reason = fmt.Sprintf("plan %s", res.Status)
	}
	conv.LastError = reason
	if err := c.advance(ctx, conv, PhaseFailed, reason); err != nil {
		c.logger.Error(ctx, "failing conversation", zap.Error(err))
		return
	}
	emitConversation(ctx, c.emitter, conv.ID, events.ConversationFailed, events.OutcomePayload{PlanID: res.PlanID, Reason: reason})
	c.logger.Warn(ctx, "conversation failed", zap.String("reason", reason))
}

// Wait blocks until the conversation's running execution, if any, has
// settled its terminal phase.
func (c *Controller) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	done, ok := c.executions[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApproveFile delivers a per-file decision to the executing plan.
func (c *Controller) ApproveFile(ctx context.Context, planID, fileID string, action FileAction) (*View, error) {
	const op = "approve file"
	ctx, span := c.tracer.Start(ctx, "controller.approve_file", trace.WithAttributes(
		attribute.String("plan.id", planID),
		attribute.String("file.id", fileID),
		attribute.String("file.action", string(action)),
	))
	defer span.End()

	plan, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	conv, err := c.load(ctx, op, plan.ConversationID)
	if err != nil {
		return nil, err
	}

	plan, err = c.coordinator.Decide(c.logContext(ctx, conv), planID, fileID, action)
	if err != nil {
		return nil, err
	}
	conv, err = c.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &View{Conversation: conv, Plan: plan}, nil
}

// Cancel stops an active conversation or one waiting on the user. During
// execution the running plan halts before its next file and Cancel returns
// once the conversation has settled.
func (c *Controller) Cancel(ctx context.Context, id string) (*View, error) {
	const op = "cancel"
	ctx, span := c.tracer.Start(ctx, "controller.cancel", trace.WithAttributes(
		attribute.String("conversation.id", id),
	))
	defer span.End()

	conv, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	ctx = c.logContext(ctx, conv)
	if conv.Phase.IsTerminal() {
		return nil, newError(KindAlreadyTerminal, "", op, "conversation %s is already %s", id, conv.Phase)
	}

	// A running pipeline holds the lease until it returns.
	interrupted := c.interrupt(id)
	release, err := c.leases.Acquire(ctx, conversationKey(id), op)
	if err != nil {
		return nil, err
	}
	conv, err = c.store.GetConversation(ctx, id)
	if err != nil {
		release()
		return nil, err
	}

	switch {
	case interrupted && conv.Phase == PhaseFailed:
		release()
		c.logger.Info(ctx, "conversation cancelled", zap.String("phase", string(conv.Phase)))
		return c.view(ctx, conv)
	case conv.Phase.IsTerminal():
		release()
		return nil, newError(KindAlreadyTerminal, "", op, "conversation %s is already %s", id, conv.Phase)
	case conv.Phase == PhaseExecuting:
		// Approval registers the run before it releases the lease, so a
		// run that is not found has already finished and only its
		// settlement is pending.
		if !c.coordinator.Cancel(conv.PlanID) {
			c.logger.Debug(ctx, "execution already finished", zap.String("plan.id", conv.PlanID))
		}
		release()
		if err := c.Wait(ctx, id); err != nil {
			return nil, err
		}
		conv, err = c.store.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		return c.view(ctx, conv)
	case conv.Phase.RequiresUserAction():
		defer release()
		if err := c.cancelWaiting(ctx, conv); err != nil {
			return nil, err
		}
		c.logger.Info(ctx, "conversation cancelled", zap.String("phase", string(conv.Phase)))
		return c.view(ctx, conv)
	default:
		release()
		return nil, newError(KindInvalidState, "", op, "conversation %s is %s and cannot be cancelled", id, conv.Phase)
	}
}

// interrupt cancels the pipeline running for id, if any.
func (c *Controller) interrupt(id string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// cancelWaiting fails a conversation suspended on the user. A plan under
// review is rejected.
func (c *Controller) cancelWaiting(ctx context.Context, conv *Conversation) error {
	if conv.Phase == PhaseApproval && conv.PlanID != "" {
		plan, err := c.store.GetPlan(ctx, conv.PlanID)
		if err != nil {
			return err
		}
		if plan.Status.CanTransitionTo(PlanRejected) {
			if err := plan.TransitionTo(PlanRejected, c.now()); err != nil {
				return err
			}
			plan.Feedback = ReasonCancelled
			if err := c.store.SavePlan(ctx, plan); err != nil {
				return fmt.Errorf("saving plan: %w", err)
			}
			PlansTotal.WithLabelValues(string(PlanRejected)).Inc()
			emitConversation(ctx, c.emitter, conv.ID, events.PlanRejected, planPayload(plan))
		}
	}
	conv.LastError = ReasonCancelled
	if err := c.advance(ctx, conv, PhaseFailed, ReasonCancelled); err != nil {
		return err
	}
	emitConversation(ctx, c.emitter, conv.ID, events.ConversationFailed, events.OutcomePayload{
		PlanID: conv.PlanID,
		Reason: ReasonCancelled,
	})
	return nil
}

// Resume restarts a failed conversation. A failed plan is reset for
// another review with its failed, rolled back and halted files pending
// again; otherwise the last message is re-classified from intake.
func (c *Controller) Resume(ctx context.Context, id string) (*View, error) {
	const op = "resume"
	ctx, span := c.tracer.Start(ctx, "controller.resume", trace.WithAttributes(
		attribute.String("conversation.id", id),
	))
	defer span.End()

	release, err := c.lock(op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	ctx = c.logContext(ctx, conv)

	switch conv.Phase {
	case PhaseFailed:
	case PhaseCompleted:
		return nil, newError(KindAlreadyTerminal, "", op, "conversation %s is completed", id)
	default:
		return nil, newError(KindInvalidState, "", op, "conversation %s is %s; only failed conversations resume", id, conv.Phase)
	}

	if conv.PlanID != "" {
		plan, err := c.store.GetPlan(ctx, conv.PlanID)
		if err != nil {
			return nil, err
		}
		if plan.Status == PlanFailed {
			if err := c.resetPlan(ctx, plan); err != nil {
				return nil, err
			}
			conv.LastError = ""
			if err := c.advance(ctx, conv, PhasePlanning, "resume failed plan"); err != nil {
				return nil, err
			}
			if err := c.advance(ctx, conv, PhaseApproval, "plan ready for review"); err != nil {
				return nil, err
			}
			emitConversation(ctx, c.emitter, conv.ID, events.PlanGenerated, planPayload(plan))
			c.logger.Info(ctx, "conversation resumed with failed plan", zap.String("plan.id", plan.ID))
			return c.view(ctx, conv)
		}
	}

	conv.LastError = ""
	if err := c.advance(ctx, conv, PhaseIntake, "resume"); err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "conversation resumed from intake")
	c.runPipeline(ctx, conv, func(pctx context.Context) error {
		return c.intake(pctx, conv)
	})
	return c.view(ctx, conv)
}

// resetPlan returns a failed plan to review. Completed files stay
// completed; everything that did not apply goes back to pending.
func (c *Controller) resetPlan(ctx context.Context, plan *ExecutionPlan) error {
	now := c.now()
	if err := plan.TransitionTo(PlanDraft, now); err != nil {
		return err
	}
	for _, f := range plan.Files {
		switch {
		case f.Status.CanRetry():
			if err := f.Retry(); err != nil {
				return err
			}
		case f.Status == FileSkipped && f.SkipReason != SkipReasonUser:
			f.reset()
		}
	}
	plan.FailureReason = ""
	plan.FailedFile = nil
	plan.RollbackFailures = nil
	if err := plan.TransitionTo(PlanPendingReview, now); err != nil {
		return err
	}
	if err := c.store.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

// Get returns a conversation snapshot.
func (c *Controller) Get(ctx context.Context, id string) (*View, error) {
	conv, err := c.load(ctx, "get conversation", id)
	if err != nil {
		return nil, err
	}
	return c.view(ctx, conv)
}

// GetPlan returns a plan snapshot with its conversation.
func (c *Controller) GetPlan(ctx context.Context, planID string) (*View, error) {
	plan, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	conv, err := c.load(ctx, "get plan", plan.ConversationID)
	if err != nil {
		return nil, err
	}
	return &View{Conversation: conv, Plan: plan}, nil
}

// List returns the owner's conversations, newest first.
func (c *Controller) List(ctx context.Context, owner string) ([]*Conversation, error) {
	if actor, ok := ActorFromContext(ctx); ok && actor != owner {
		return nil, newError(KindUnauthorized, "", "list conversations", "%s cannot list conversations of %s", actor, owner)
	}
	return c.store.ListConversations(ctx, owner)
}

// Rollback restores completed files of a plan that is not executing. An
// empty fileID rolls back the whole failed plan.
func (c *Controller) Rollback(ctx context.Context, planID, fileID string) (*View, error) {
	ctx, span := c.tracer.Start(ctx, "controller.rollback", trace.WithAttributes(
		attribute.String("plan.id", planID),
	))
	defer span.End()

	view, err := c.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	ctx = c.logContext(ctx, view.Conversation)

	var plan *ExecutionPlan
	if fileID == "" {
		plan, err = c.coordinator.RollbackPlan(ctx, planID)
	} else {
		plan, err = c.coordinator.RollbackFile(ctx, planID, fileID)
	}
	if err != nil {
		return nil, err
	}
	view.Plan = plan
	return view, nil
}

// advance moves the conversation to target, saves it and announces the
// change.
func (c *Controller) advance(ctx context.Context, conv *Conversation, target ConversationPhase, reason string) error {
	from := conv.Phase
	if err := conv.TransitionTo(target, reason, c.now()); err != nil {
		return err
	}
	if err := c.store.SaveConversation(context.WithoutCancel(ctx), conv); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	PhaseTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	emitConversation(ctx, c.emitter, conv.ID, events.PhaseChanged, events.PhasePayload{
		From:   string(from),
		To:     string(target),
		Reason: reason,
	})
	c.logger.Debug(ctx, "phase changed",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
	)
	return nil
}

// fail moves the conversation to failed and records cause.
func (c *Controller) fail(ctx context.Context, conv *Conversation, cause error) {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) {
		reason = ReasonCancelled
	}
	if conv.Phase == PhaseFailed {
		return
	}

	conv.LastError = reason
	if err := c.advance(ctx, conv, PhaseFailed, reason); err != nil {
		c.logger.Error(ctx, "failing conversation", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	emitConversation(ctx, c.emitter, conv.ID, events.ConversationFailed, events.OutcomePayload{
		PlanID: conv.PlanID,
		Reason: reason,
	})
	c.logger.Warn(ctx, "conversation failed", zap.String("reason", reason))
}

func (c *Controller) load(ctx context.Context, op, id string) (*Conversation, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, op, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (c *Controller) view(ctx context.Context, conv *Conversation) (*View, error) {
	v := &View{Conversation: conv.Clone()}
	if conv.PlanID != "" {
		plan, err := c.store.GetPlan(context.WithoutCancel(ctx), conv.PlanID)
		if err != nil {
			return nil, err
		}
		v.Plan = plan
	}
	return v, nil
}

func (c *Controller) logContext(ctx context.Context, conv *Conversation) context.Context {
	ctx = logging.WithConversationID(ctx, conv.ID)
	return logging.WithOwner(ctx, conv.Owner)
}

func planPayload(p *ExecutionPlan) events.PlanPayload {
	return events.PlanPayload{
		PlanID:       p.ID,
		Title:        p.Title,
		Status:       string(p.Status),
		TotalFiles:   len(p.Files),
		Feedback:     p.Feedback,
		SupersedesID: p.SupersedesID,
	}
}

func emitConversation[P any](ctx context.Context, em *events.Emitter, id string, typ events.Type, payload P) {
	events.Emit(context.WithoutCancel(ctx), em, events.ScopeConversation, id, typ, payload)
}
