package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	serverName    = "admissions-handbook"
	serverVersion = "1.0.0"

	defaultSectionsK = 3
	maxSectionsK     = 10
)

// Server exposes the handbook retrieval subsystem as MCP tools.
type Server struct {
	handbook ports.HandbookService
	mcp      *server.MCPServer
}

func NewServer(handbook ports.HandbookService) *Server {
	s := &Server{
		handbook: handbook,
		mcp:      server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("query_handbook",
		mcp.WithDescription("Answer a question about admission rules using the university handbook. Returns the answer and the cited handbook pages."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question about admission requirements")),
	), s.queryHandbook)

	s.mcp.AddTool(mcp.NewTool("find_handbook_sections",
		mcp.WithDescription("Return the most relevant handbook excerpts for each topic."),
		mcp.WithArray("topics", mcp.Required(), mcp.WithStringItems(), mcp.Description("Topics to look up")),
		mcp.WithNumber("k", mcp.Description("Excerpts per topic, 1-10")),
	), s.findSections)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) queryHandbook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	result, err := s.handbook.Answer(ctx, question)
	if err != nil {
		return toolError("query_handbook", err), nil
	}
	return jsonResult(result)
}

func (s *Server) findSections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topics := req.GetStringSlice("topics", nil)
	cleaned := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			cleaned = append(cleaned, topic)
		}
	}
	if len(cleaned) == 0 {
		return mcp.NewToolResultError("topics are required"), nil
	}

	k := req.GetInt("k", defaultSectionsK)
	if k <= 0 {
		k = defaultSectionsK
	}
	if k > maxSectionsK {
		k = maxSectionsK
	}

	sections, err := s.handbook.FindRelevantSections(ctx, cleaned, k)
	if err != nil {
		return toolError("find_handbook_sections", err), nil
	}
	return jsonResult(map[string]any{"sections": sections})
}

func toolError(tool string, err error) *mcp.CallToolResult {
	slog.Warn("mcp_tool_failed", "tool", tool, "error", err)
	if domain.IsKind(err, domain.ErrIndexNotInitialized) {
		return mcp.NewToolResultError("handbook index is not initialized; run `admissionctl index build` first")
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
