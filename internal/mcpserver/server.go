package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all domainlens tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("domainlens", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolClassifyURL, h.HandleClassifyURL)
	s.AddTool(ToolGetDomain, h.HandleGetDomain)
	s.AddTool(ToolListDomains, h.HandleListDomains)
	s.AddTool(ToolRecomputeRisk, h.HandleRecomputeRisk)
	s.AddTool(ToolSetOverride, h.HandleSetOverride)
	s.AddTool(ToolTabContext, h.HandleTabContext)

	return s
}
