package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/mcp"
)

// runStdioServer serves the orchestrator's MCP tools over stdin/stdout.
//
// Every tool call acts as mcp.owner. Logs go to stderr because stdout
// carries the protocol.
func runStdioServer(ctx context.Context, cfg *config.Config, orch mcp.Orchestrator, logger *zap.Logger) error {
	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    "agentd",
		Version: version,
		Owner:   cfg.MCP.Owner,
		Logger:  logger,
	}, orch)
	if err != nil {
		return fmt.Errorf("failed to create stdio server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "agentd stdio mode started (owner %s)\n", cfg.MCP.Owner)

	// Run stdio server (blocks until context canceled or stdin closes)
	if err := mcpServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server error: %w", err)
	}

	logger.Info("stdio MCP server shutdown complete")
	return nil
}
