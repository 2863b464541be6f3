package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"sceneforge/internal/domain"
)

const (
	sceneScheme   = "scene://"
	historySuffix = "/history"
)

func sceneURI(id string) string { return sceneScheme + id }

func (s *Server) registerResources() {
	// ── scene://{conversationId} ───────────────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"scene://{conversationId}",
			"Current scene",
			mcp.WithTemplateDescription("The conversation's current scene as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSceneResource,
	)

	// ── scene://{conversationId}/history ───────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"scene://{conversationId}/history",
			"Scene history",
			mcp.WithTemplateDescription("Every snapshot recorded for the conversation, oldest first"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSceneResource,
	)
}

// handleSceneResource serves both templates; the URI decides which.
func (s *Server) handleSceneResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	id, history, err := parseSceneURI(uri)
	if err != nil {
		return nil, err
	}

	var v any
	if history {
		v, err = s.svc.History(ctx, id)
	} else {
		v, err = s.svc.Snapshot(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseSceneURI splits "scene://{id}" or "scene://{id}/history".
func parseSceneURI(uri string) (id string, history bool, err error) {
	rest, ok := strings.CutPrefix(uri, sceneScheme)
	if !ok {
		return "", false, fmt.Errorf("resource %q: %w", uri, domain.ErrInvalidArgument)
	}
	rest, history = strings.CutSuffix(rest, historySuffix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false, fmt.Errorf("resource %q: %w", uri, domain.ErrInvalidArgument)
	}
	return rest, history, nil
}
