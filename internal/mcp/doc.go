// Package mcp exposes the agentd conversation commands as MCP tools.
//
// Tools run as the configured owner, so an MCP client sees the same
// conversations as that owner does over HTTP.
package mcp
