package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"sceneforge/internal/builder"
	"sceneforge/internal/service"
	"sceneforge/internal/tools"
)

// registerEditTools exposes the edit catalogue, each tool extended with a
// required conversation_id.
func (s *Server) registerEditTools() {
	for _, tool := range s.catalogue.Tools() {
		s.mcp.AddTool(tools.WithConversation(tool), s.handleEditTool(tool.Name))
	}
}

func (s *Server) handleEditTool(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := conversationID(req)
		if err != nil {
			return toolError(err)
		}
		args := make(map[string]any, len(req.GetArguments()))
		for k, v := range req.GetArguments() {
			if k != tools.ConversationArg {
				args[k] = v
			}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}

		res, err := s.catalogue.Execute(ctx, id, name, raw)
		msg := ""
		if res != nil {
			msg = res.Message
		}
		s.svc.RecordToolCall(ctx, id, name, raw, err, msg)
		if err != nil {
			s.log.Warn("mcp tool failed", "conversation", id, "tool", name, "err", err)
			return toolError(err)
		}
		return jsonResult(res)
	}
}

func (s *Server) registerSceneTools() {
	// ── get_scene ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("get_scene",
		mcp.WithDescription("Return the current scene of a conversation as JSON."),
		mcp.WithString(tools.ConversationArg, mcp.Description("Conversation ID"), mcp.Required()),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleGetScene)

	// ── render_scene ───────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("render_scene",
		mcp.WithDescription("Render the current scene to a PNG preview in image pixel space."),
		mcp.WithString(tools.ConversationArg, mcp.Description("Conversation ID"), mcp.Required()),
	), s.handleRenderScene)

	// ── batch_update ───────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("batch_update",
		mcp.WithDescription("Apply many body and constraint edits atomically, recording one snapshot. Optionally run the physics engine on the result."),
		mcp.WithString(tools.ConversationArg, mcp.Description("Conversation ID"), mcp.Required()),
		mcp.WithArray("bodies",
			mcp.Description("Body patches: {id, type?, position_m?, velocity_m_s?, angle_rad?, mass_kg?, collider?, material?, notes?}. Unknown ids need type and collider."),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithArray("constraints",
			mcp.Description("Constraints to add or replace: {id?, type, body_a, body_b, ...}"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithArray("remove_body_ids", mcp.Description("Body IDs to remove"), mcp.WithStringItems()),
		mcp.WithArray("remove_constraint_ids", mcp.Description("Constraint IDs to remove"), mcp.WithStringItems()),
		mcp.WithBoolean("simulate", mcp.Description("Run the physics engine after applying the edits")),
		mcp.WithNumber("duration_s", mcp.Description("Simulated seconds (default 5)"), mcp.Min(0)),
		mcp.WithNumber("frame_rate", mcp.Description("Frames per second (default 60)"), mcp.Min(0)),
	), s.handleBatchUpdate)

	// ── build_from_entities ────────────────────────────
	s.mcp.AddTool(mcp.NewTool("build_from_entities",
		mcp.WithDescription("Replace the scene with one built deterministically from labeled diagram segments."),
		mcp.WithString(tools.ConversationArg, mcp.Description("Conversation ID"), mcp.Required()),
		mcp.WithObject("image", mcp.Description("Source image size {width_px, height_px}")),
		mcp.WithArray("segments",
			mcp.Description("Segments: {id, bbox_px: [x, y, w, h], polygon_px?}"),
			mcp.Items(map[string]any{"type": "object"}),
			mcp.Required(),
		),
		mcp.WithArray("entities",
			mcp.Description("Labeled entities: {segment_id, type, props}"),
			mcp.Items(map[string]any{"type": "object"}),
			mcp.Required(),
		),
		mcp.WithNumber("scale_m_per_px", mcp.Description("Meters per pixel (optional)")),
		mcp.WithObject("defaults", mcp.Description("World defaults {gravity_m_s2, time_step_s}")),
	), s.handleBuildFromEntities)
}

func (s *Server) handleBatchUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := conversationID(req)
	if err != nil {
		return toolError(err)
	}
	var in service.BatchUpdateInput
	if err := bindArgs(req, &in); err != nil {
		return toolError(err)
	}
	res, err := s.svc.BatchUpdate(ctx, id, in)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleBuildFromEntities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := conversationID(req)
	if err != nil {
		return toolError(err)
	}
	var in builder.Request
	if err := bindArgs(req, &in); err != nil {
		return toolError(err)
	}
	if in.ScaleMPerPx <= 0 {
		in.ScaleMPerPx = s.defaultScale
	}
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return toolError(err)
	}
	switch {
	case in.Image.Valid():
		if err := s.svc.SetImage(ctx, id, rec.ImageID, in.Image); err != nil {
			return toolError(err)
		}
	case rec.Image.Valid():
		in.Image = *rec.Image
	}

	res := builder.Build(in)
	if err := s.svc.Seed(ctx, id, res.Scene); err != nil {
		return toolError(err)
	}
	s.log.Info("scene built from entities", "conversation", id, "bodies", res.Meta.BodyCount, "constraints", res.Meta.ConstraintCount, "warnings", len(res.Warnings))
	return jsonResult(struct {
		ConversationID string `json:"conversation_id"`
		builder.Result
	}{id, res})
}
