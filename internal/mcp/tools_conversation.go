package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"sceneforge/internal/domain"
	"sceneforge/internal/render"
	"sceneforge/internal/tools"
)

func (s *Server) registerConversationTools() {
	// ── create_conversation ────────────────────────────
	s.mcp.AddTool(mcp.NewTool("create_conversation",
		mcp.WithDescription("Start a new scene conversation. Pass the source image size so edits are clamped to it and the mapping is centered on it."),
		mcp.WithString("image_id", mcp.Description("Source image identifier (optional)")),
		mcp.WithNumber("image_width_px", mcp.Description("Source image width in pixels (optional)"), mcp.Min(1)),
		mcp.WithNumber("image_height_px", mcp.Description("Source image height in pixels (optional)"), mcp.Min(1)),
	), s.handleCreateConversation)

	// ── delete_conversation (destructive) ──────────────
	s.mcp.AddTool(mcp.NewTool("delete_conversation",
		mcp.WithDescription("Delete a conversation, its scene and its history."),
		mcp.WithString(tools.ConversationArg, mcp.Description("Conversation ID"), mcp.Required()),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleDeleteConversation)

	// ── list_conversations ─────────────────────────────
	s.mcp.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List conversations currently held in memory."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListConversations)
}

func (s *Server) handleCreateConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var img *domain.ImageMeta
	w, h := req.GetInt("image_width_px", 0), req.GetInt("image_height_px", 0)
	if w != 0 || h != 0 {
		img = &domain.ImageMeta{WidthPx: w, HeightPx: h}
		if !img.Valid() {
			return toolError(fmt.Errorf("image size %dx%d: %w", w, h, domain.ErrInvalidArgument))
		}
	}
	rec, err := s.registry.Create(ctx, req.GetString("image_id", ""), img)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]any{
		"conversation_id": rec.ID,
		"scene":           rec.Scene,
	})
}

func (s *Server) handleDeleteConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := conversationID(req)
	if err != nil {
		return toolError(err)
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted conversation %s", id)), nil
}

func (s *Server) handleListConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"conversation_ids": s.registry.IDs()})
}

// ── Scene read tools ───────────────────────────────────────

func (s *Server) handleGetScene(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := conversationID(req)
	if err != nil {
		return toolError(err)
	}
	sc, err := s.svc.Snapshot(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(sc)
}

func (s *Server) handleRenderScene(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := conversationID(req)
	if err != nil {
		return toolError(err)
	}
	sc, err := s.svc.Snapshot(ctx, id)
	if err != nil {
		return toolError(err)
	}
	img, err := s.svc.Image(ctx, id)
	if err != nil {
		return toolError(err)
	}
	png, err := render.PNG(sc, img)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", id, err)
	}
	if err := s.svc.StoreRender(ctx, id, png); err != nil {
		return toolError(err)
	}
	text := fmt.Sprintf("Scene %s: %d bodies, %d constraints", id, len(sc.Bodies), len(sc.Constraints))
	return mcp.NewToolResultImage(text, base64.StdEncoding.EncodeToString(png), "image/png"), nil
}
