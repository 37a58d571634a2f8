package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Agora tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agora", "1.0.0")
	h := NewHandlers(NewAgoraClient(cfg))

	s.AddTool(ToolSearchAgents, h.HandleSearchAgents)
	s.AddTool(ToolGetAgent, h.HandleGetAgent)
	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolGetContractBalance, h.HandleGetContractBalance)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolSubmitFeedback, h.HandleSubmitFeedback)

	return s
}
