package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all StableFlow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("stableflow", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListPendingClaims, h.HandleListPendingClaims)
	s.AddTool(ToolGetClaim, h.HandleGetClaim)
	s.AddTool(ToolReviewClaim, h.HandleReviewClaim)
	s.AddTool(ToolGetClaimStats, h.HandleGetClaimStats)
	s.AddTool(ToolGetTreasuryBalance, h.HandleGetTreasuryBalance)
	s.AddTool(ToolGetEmployeeBalance, h.HandleGetEmployeeBalance)

	return s
}
