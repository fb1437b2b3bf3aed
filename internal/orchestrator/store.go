package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// Store persists conversations and plans. Implementations must store and
// return copies so readers never observe uncommitted changes.
type Store interface {
	SaveConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]*Conversation, error)

	SavePlan(ctx context.Context, p *ExecutionPlan) error
	GetPlan(ctx context.Context, id string) (*ExecutionPlan, error)
	ListPlans(ctx context.Context, conversationID string) ([]*ExecutionPlan, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	plans         map[string]*ExecutionPlan
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		plans:         make(map[string]*ExecutionPlan),
	}
}

// SaveConversation stores a copy of c.
func (s *MemoryStore) SaveConversation(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c.Clone()
	return nil
}

// GetConversation returns a copy of the conversation.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, notFound("get conversation", "conversation", id)
	}
	return c.Clone(), nil
}

// ListConversations returns the owner's conversations, newest first.
// An empty owner lists every conversation.
func (s *MemoryStore) ListConversations(ctx context.Context, owner string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if owner == "" || c.Owner == owner {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SavePlan stores a copy of p.
func (s *MemoryStore) SavePlan(ctx context.Context, p *ExecutionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p.Clone()
	return nil
}

// GetPlan returns a copy of the plan.
func (s *MemoryStore) GetPlan(ctx context.Context, id string) (*ExecutionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, notFound("get plan", "plan", id)
	}
	return p.Clone(), nil
}

// ListPlans returns the conversation's plans, oldest first.
func (s *MemoryStore) ListPlans(ctx context.Context, conversationID string) ([]*ExecutionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionPlan
	for _, p := range s.plans {
		if p.ConversationID == conversationID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
