package llm

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// Supported providers.
const (
	ProviderHeuristic = "heuristic"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Collaborators are the conversation collaborators backed by one provider.
type Collaborators struct {
	Classifier orchestrator.IntentClassifier
	Planner    orchestrator.PlanGenerator
	Generator  orchestrator.ContentGenerator
}

// NewModel builds the langchaingo model for cfg.Provider.
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey.Value())}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai client: %w", err)
		}
		return model, nil
	case ProviderAnthropic:
		if cfg.BaseURL != "" {
			return nil, fmt.Errorf("llm.base_url is not supported by provider %s", ProviderAnthropic)
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey.Value())}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic client: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// NewCollaborators returns heuristic collaborators for the heuristic
// provider and model-backed ones otherwise.
func NewCollaborators(cfg config.LLMConfig, redactor Redactor, logger *zap.Logger) (*Collaborators, error) {
	if cfg.Provider == "" || strings.EqualFold(cfg.Provider, ProviderHeuristic) {
		return &Collaborators{
			Classifier: HeuristicClassifier{},
			Planner:    HeuristicPlanner{},
			Generator:  HeuristicGenerator{},
		}, nil
	}
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewModelCollaborators(model, ClientConfig{
		MaxTokens:         cfg.MaxTokens,
		RequestsPerMinute: cfg.RequestsPerMinute,
		SinglePrompt:      strings.EqualFold(cfg.Provider, ProviderAnthropic),
	}, redactor, logger)
}

// NewModelCollaborators wraps model in a shared Client.
func NewModelCollaborators(model llms.Model, cfg ClientConfig, redactor Redactor, logger *zap.Logger) (*Collaborators, error) {
	client, err := NewClient(model, cfg, redactor, logger)
	if err != nil {
		return nil, err
	}
	return &Collaborators{
		Classifier: NewClassifier(client),
		Planner:    NewPlanner(client),
		Generator:  NewGenerator(client),
	}, nil
}
