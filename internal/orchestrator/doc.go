// Package orchestrator drives an AI coding agent from a user request to
// applied file changes.
//
// # Overview
//
// Three nested state machines carry the workflow:
//
//	Conversation  intake → clarification → discovery → planning → approval → executing → completed|failed
//	ExecutionPlan draft → pending_review → approved → executing → completed|failed
//	FileExecution pending → in_progress → completed|failed|skipped, completed → rolled_back
//
// Each machine exposes CanTransitionTo as the only source of truth for its
// table. TransitionTo either applies a legal move or returns an
// InvalidTransition error and leaves the entity untouched.
//
// # Key Components
//
// ## Controller
//
// The Controller owns the conversation. It calls the IntentClassifier,
// ContextRetriever and PlanGenerator, moves the conversation between phases
// and hands approved plans to the Coordinator. Commands run under a lease
// per conversation and return a View of committed state.
//
// ## Coordinator
//
// The Coordinator owns plan execution. Files run in ascending index order.
// A file that the ApprovalPolicy flags suspends the run until Decide
// delivers approve, skip or reject. The first failure halts the plan,
// skips the remaining files and rolls completed files back in descending
// index order. Cancellation takes effect between files and never
// interrupts a write.
//
// ## Approval Gates
//
// ApprovalGate implementations decide whether a file needs a decision:
//   - DestructiveOperationGate: deletes always ask
//   - FlaggedOperationGate: the planner marked the operation for review
//   - ProtectedPathGate: the path matches a configured glob
//   - AutoApproveGate: the operation type is not auto-approved
//
// # Usage
//
//	coord, err := orchestrator.NewCoordinator(orchestrator.CoordinatorDeps{
//	    Store:     store,
//	    Writer:    writer,
//	    Generator: generator,
//	    Differ:    differ,
//	    Emitter:   emitter,
//	}, orchestrator.DefaultCoordinatorConfig())
//
//	ctrl, err := orchestrator.NewController(orchestrator.ControllerDeps{
//	    Store:       store,
//	    Classifier:  classifier,
//	    Retriever:   retriever,
//	    Planner:     planner,
//	    Coordinator: coord,
//	}, orchestrator.DefaultControllerConfig())
//
//	view, err := ctrl.CreateConversation(ctx, "alice", "api", "add a health endpoint")
//	view, err = ctrl.ApprovePlan(ctx, view.Conversation.ID, true, "")
//
// # Errors
//
// Every command returns *Error. Match it with errors.Is against the
// sentinels (ErrNotFound, ErrInvalidTransition, ErrPlanInvalidStatus, ...)
// or read its Kind with KindOf.
//
// # Events
//
// Progress is emitted through an events.Emitter on the
// conversation.{id} and execution.{plan_id} streams.
package orchestrator
