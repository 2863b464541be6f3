package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"sceneforge/internal/buildloop"
	"sceneforge/internal/domain"
	"sceneforge/internal/tools"
)

func (s *Server) registerBuildTools() {
	// ── run_build ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("run_build",
		mcp.WithDescription("Reset the conversation's scene and let the reasoning oracle rebuild it round by round from the diagram. Returns the final scene and a preview."),
		mcp.WithString(tools.ConversationArg, mcp.Description("Conversation ID"), mcp.Required()),
		mcp.WithString("prompt", mcp.Description("Instructions passed to the oracle with the diagram")),
		mcp.WithString("image_id", mcp.Description("Source image identifier (optional)")),
		mcp.WithNumber("image_width_px", mcp.Description("Source image width in pixels"), mcp.Min(1)),
		mcp.WithNumber("image_height_px", mcp.Description("Source image height in pixels"), mcp.Min(1)),
		mcp.WithString("diagram_png", mcp.Description("Base64 PNG of the source diagram (optional)")),
	), s.handleRunBuild)
}

func (s *Server) handleRunBuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := conversationID(req)
	if err != nil {
		return toolError(err)
	}
	in := buildloop.Input{
		ConversationID: id,
		ImageID:        req.GetString("image_id", ""),
		Prompt:         req.GetString("prompt", ""),
		Image: domain.ImageMeta{
			WidthPx:  req.GetInt("image_width_px", 0),
			HeightPx: req.GetInt("image_height_px", 0),
		},
	}
	if enc := req.GetString("diagram_png", ""); enc != "" {
		in.Diagram, err = base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return toolError(fmt.Errorf("diagram_png: %v: %w", err, domain.ErrInvalidArgument))
		}
	}

	out, err := s.loop.Run(ctx, in)
	if err != nil {
		s.log.Error("build failed", "conversation", id, "err", err)
		return toolError(err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal build output: %w", err)
	}
	if len(out.Render) == 0 {
		return mcp.NewToolResultText(string(data)), nil
	}
	return mcp.NewToolResultImage(string(data), base64.StdEncoding.EncodeToString(out.Render), "image/png"), nil
}
