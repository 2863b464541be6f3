package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("build_scene",
		mcp.WithPromptDescription("Guide through reconstructing a physics scene from a diagram with the edit tools"),
		mcp.WithArgument("conversation_id",
			mcp.ArgumentDescription("Conversation holding the scene"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("description",
			mcp.ArgumentDescription("What the diagram shows, e.g. two masses over a pulley"),
		),
	), s.handleBuildScenePrompt)
}

func (s *Server) handleBuildScenePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	id := req.Params.Arguments["conversation_id"]
	if id == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	desc := req.Params.Arguments["description"]
	if desc == "" {
		desc = "the attached diagram"
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Build a physics scene for conversation %s", id),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Reconstruct %s as a 2D physics scene in conversation %s. Units are meters, y points up, and the origin sits at the image center unless set_mapping says otherwise.

1. Read scene://%s to see the current world and mapping.
2. Use set_mapping if the diagram has a known scale, and set_world for gravity.
3. Create the ground, ramps and surfaces as static blocks with create_block.
4. Create each mass as a dynamic block with a mass_kg estimate.
5. Add pulleys with create_pulley, then tie each hanging mass to the pulley axle with create_rope.
6. Call render_scene and compare the preview with the diagram. Fix positions with modify_block or batch_update.

Every edit returns the updated scene. Stop when the preview matches the diagram.`, desc, id, id),
				},
			},
		},
	}, nil
}
