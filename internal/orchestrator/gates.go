package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// ApprovalGate decides whether a file needs an explicit user decision
// before it is executed.
type ApprovalGate interface {
	// Name returns the gate identifier
	Name() string

	// Check returns a non-empty reason when the file requires approval.
	Check(ctx context.Context, file *FileExecution) (string, error)
}

// ApprovalPolicy runs every registered gate against a file. A file may be
// auto-approved only when no gate asks for a decision.
type ApprovalPolicy struct {
	gates []ApprovalGate
}

// NewApprovalPolicy creates a policy with the default gates. Operation types
// listed in autoApprove run without confirmation unless another gate objects.
func NewApprovalPolicy(autoApprove []OperationType, protectedPaths []string) *ApprovalPolicy {
	p := &ApprovalPolicy{}
	p.RegisterGate(NewDestructiveOperationGate())
	p.RegisterGate(NewFlaggedOperationGate())
	if len(protectedPaths) > 0 {
		p.RegisterGate(NewProtectedPathGate(protectedPaths))
	}
	p.RegisterGate(NewAutoApproveGate(autoApprove))
	return p
}

// RegisterGate adds a gate to the policy.
func (p *ApprovalPolicy) RegisterGate(gate ApprovalGate) {
	p.gates = append(p.gates, gate)
}

// RequiresApproval returns whether file needs a decision and the reasons.
func (p *ApprovalPolicy) RequiresApproval(ctx context.Context, file *FileExecution) (bool, string, error) {
	var reasons []string
	for _, gate := range p.gates {
		reason, err := gate.Check(ctx, file)
		if err != nil {
			return false, "", fmt.Errorf("gate %s check failed: %w", gate.Name(), err)
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return len(reasons) > 0, strings.Join(reasons, "; "), nil
}

// DestructiveOperationGate always asks before deleting content.
type DestructiveOperationGate struct{}

// NewDestructiveOperationGate creates a new destructive operation gate
func NewDestructiveOperationGate() *DestructiveOperationGate {
	return &DestructiveOperationGate{}
}

// Name returns the gate identifier
func (g *DestructiveOperationGate) Name() string {
	return "destructive-operation"
}

// Check flags destructive operations.
func (g *DestructiveOperationGate) Check(ctx context.Context, file *FileExecution) (string, error) {
	if file.Operation.IsDestructive() {
		return fmt.Sprintf("%s is destructive", file.Operation), nil
	}
	return "", nil
}

// FlaggedOperationGate honours operations the planner marked as needing review.
type FlaggedOperationGate struct{}

// NewFlaggedOperationGate creates a new flagged operation gate
func NewFlaggedOperationGate() *FlaggedOperationGate {
	return &FlaggedOperationGate{}
}

// Name returns the gate identifier
func (g *FlaggedOperationGate) Name() string {
	return "flagged-operation"
}

// Check flags operations marked requires_approval.
func (g *FlaggedOperationGate) Check(ctx context.Context, file *FileExecution) (string, error) {
	if file.RequiresApproval {
		return "operation is flagged for review", nil
	}
	return "", nil
}

// AutoApproveGate asks for approval on operation types outside the
// configured allow list.
type AutoApproveGate struct {
	allowed map[OperationType]bool
}

// NewAutoApproveGate creates a gate auto-approving the given types.
func NewAutoApproveGate(types []OperationType) *AutoApproveGate {
	allowed := make(map[OperationType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return &AutoApproveGate{allowed: allowed}
}

// Name returns the gate identifier
func (g *AutoApproveGate) Name() string {
	return "auto-approve"
}

// Check flags operation types that are not auto-approvable.
func (g *AutoApproveGate) Check(ctx context.Context, file *FileExecution) (string, error) {
	if g.allowed[file.Operation] {
		return "", nil
	}
	return fmt.Sprintf("%s operations are not auto-approved", file.Operation), nil
}

// ProtectedPathGate asks before touching paths matching any glob pattern.
type ProtectedPathGate struct {
	patterns []string
}

// NewProtectedPathGate creates a gate for the given glob patterns.
func NewProtectedPathGate(patterns []string) *ProtectedPathGate {
	return &ProtectedPathGate{patterns: patterns}
}

// Name returns the gate identifier
func (g *ProtectedPathGate) Name() string {
	return "protected-path"
}

// Check matches every touched path against the patterns, both as a full
// path and by base name.
func (g *ProtectedPathGate) Check(ctx context.Context, file *FileExecution) (string, error) {
	for _, p := range file.FileOperation().Paths() {
		for _, pattern := range g.patterns {
			full, err := path.Match(pattern, p)
			if err != nil {
				return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			base, _ := path.Match(pattern, path.Base(p))
			if full || base {
				return fmt.Sprintf("%s matches protected pattern %s", p, pattern), nil
			}
		}
	}
	return "", nil
}
