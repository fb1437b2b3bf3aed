package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// Orchestrator is the command surface the tools call.
type Orchestrator interface {
	CreateConversation(ctx context.Context, owner, project, message string) (*orchestrator.View, error)
	SendMessage(ctx context.Context, id, message string) (*orchestrator.View, error)
	ApprovePlan(ctx context.Context, id string, approved bool, feedback string) (*orchestrator.View, error)
	ApproveFile(ctx context.Context, planID, fileID string, action orchestrator.FileAction) (*orchestrator.View, error)
	Cancel(ctx context.Context, id string) (*orchestrator.View, error)
	Resume(ctx context.Context, id string) (*orchestrator.View, error)
	Get(ctx context.Context, id string) (*orchestrator.View, error)
	List(ctx context.Context, owner string) ([]*orchestrator.Conversation, error)
	Rollback(ctx context.Context, planID, fileID string) (*orchestrator.View, error)
}

// Server is an MCP server over an Orchestrator.
type Server struct {
	mcp     *mcp.Server
	orch    Orchestrator
	owner   string
	metrics *toolMetrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "agentd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Owner is the identity every tool call acts as (default: "local").
	Owner string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "agentd",
		Version: "1.0.0",
		Owner:   "local",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server with every conversation tool registered.
func NewServer(cfg *Config, orch Orchestrator) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		orch:    orch,
		owner:   cfg.Owner,
		metrics: newToolMetrics(nil, cfg.Logger),
		logger:  cfg.Logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.String("owner", s.owner))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session over transport.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
