// Package mcp implements the Model Context Protocol server for Storyteller.
//
// The MCP server exposes the consensus and intervention operations of the
// HTTP API as MCP tools, resources, and prompts, so role agents can cast
// votes and humans can work the intervention queue from an MCP client.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/wtfzdotnet/storyteller-sub002/internal/auth"
	"github.com/wtfzdotnet/storyteller-sub002/internal/ctxutil"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/service/consensus"
)

// statusCheckWindow is how long a consensus_status call counts as recent when
// consensus_vote decides whether to nudge the caller.
const statusCheckWindow = 30 * time.Minute

// Server wraps the MCP server with Storyteller's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *consensus.Service
	logger    *slog.Logger
	tracker   *statusTracker
}

// New creates and configures a new MCP server with all resources, tools, and
// prompts.
func New(svc *consensus.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:     svc,
		logger:  logger,
		tracker: newStatusTracker(statusCheckWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"storyteller",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `Storyteller runs weighted consensus between expert roles and hands stalled decisions to humans.

Role agents: read the process with consensus_status, then cast one vote per role with consensus_vote.
Interveners: list the queue with intervention_list_pending and decide with intervention_resolve.`

// requireAccess returns the caller's claims when they hold at least min
// access. The second return value is a ready-made error result otherwise.
func requireAccess(ctx context.Context, min model.AccessLevel) (*auth.Claims, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errorResult("authentication required")
	}
	if !model.AccessAtLeast(claims.Access, min) {
		return nil, errorResult(fmt.Sprintf("insufficient permissions: %s access required", min))
	}
	return claims, nil
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
