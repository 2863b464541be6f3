// Package tools is the catalogue of scene edit operations exposed to the
// reasoning oracle and to MCP clients. Each entry pairs an MCP tool schema
// with the SceneService call it drives.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"sceneforge/internal/domain"
	"sceneforge/internal/service"
)

// Handler runs one decoded tool call against a conversation.
type Handler func(ctx context.Context, svc *service.SceneService, conversationID string, args json.RawMessage) (*service.EditResult, error)

type entry struct {
	tool    mcp.Tool
	handler Handler
}

// Definition is the oracle-facing description of one tool.
type Definition struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Parameters  mcp.ToolInputSchema `json:"parameters"`
}

// Catalogue maps tool names to edit operations in registration order.
type Catalogue struct {
	svc     *service.SceneService
	entries *orderedmap.OrderedMap[string, entry]
}

// New returns the catalogue of the seven scene edit tools.
func New(svc *service.SceneService) *Catalogue {
	c := &Catalogue{svc: svc, entries: orderedmap.New[string, entry]()}
	c.register(createBlockTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in service.CreateBlockInput) (*service.EditResult, error) {
		return svc.CreateBlock(ctx, id, in)
	}))
	c.register(modifyBlockTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in service.ModifyBlockInput) (*service.EditResult, error) {
		return svc.ModifyBlock(ctx, id, in)
	}))
	c.register(removeBlockTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in removeBlockInput) (*service.EditResult, error) {
		return svc.RemoveBlock(ctx, id, in.BodyID)
	}))
	c.register(createPulleyTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in service.CreatePulleyInput) (*service.EditResult, error) {
		return svc.CreatePulley(ctx, id, in)
	}))
	c.register(createRopeTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in service.CreateRopeInput) (*service.EditResult, error) {
		return svc.CreateRope(ctx, id, in)
	}))
	c.register(setWorldTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in service.SetWorldInput) (*service.EditResult, error) {
		return svc.SetWorld(ctx, id, in)
	}))
	c.register(setMappingTool, bind(func(ctx context.Context, svc *service.SceneService, id string, in service.SetMappingInput) (*service.EditResult, error) {
		return svc.SetMapping(ctx, id, in)
	}))
	return c
}

func (c *Catalogue) register(tool mcp.Tool, h Handler) {
	c.entries.Set(tool.Name, entry{tool: tool, handler: h})
}

// Names lists tool names in registration order.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Tools returns the MCP tool schemas in registration order.
func (c *Catalogue) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.tool)
	}
	return out
}

func (c *Catalogue) Definitions() []Definition {
	out := make([]Definition, 0, c.entries.Len())
	for _, t := range c.Tools() {
		out = append(out, Definition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return out
}

// Has reports whether name is a catalogue tool.
func (c *Catalogue) Has(name string) bool {
	_, ok := c.entries.Get(name)
	return ok
}

// Execute validates args against the tool schema and runs the operation.
// Unknown names fail with domain.ErrUnsupportedTool, malformed arguments
// with domain.ErrInvalidArgument.
func (c *Catalogue) Execute(ctx context.Context, conversationID, name string, args json.RawMessage) (*service.EditResult, error) {
	e, ok := c.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrUnsupportedTool)
	}
	if err := checkRequired(e.tool, args); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return e.handler(ctx, c.svc, conversationID, args)
}

// bind adapts a typed operation into a Handler that decodes JSON arguments.
func bind[T any](run func(ctx context.Context, svc *service.SceneService, conversationID string, in T) (*service.EditResult, error)) Handler {
	return func(ctx context.Context, svc *service.SceneService, conversationID string, args json.RawMessage) (*service.EditResult, error) {
		var in T
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return run(ctx, svc, conversationID, in)
	}
}

func decode(args json.RawMessage, target any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, target); err != nil {
		return fmt.Errorf("decode arguments: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}

func checkRequired(tool mcp.Tool, args json.RawMessage) error {
	if len(tool.InputSchema.Required) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := decode(args, &fields); err != nil {
		return err
	}
	for _, key := range tool.InputSchema.Required {
		v, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return fmt.Errorf("missing required argument %q: %w", key, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// WithConversation returns a copy of tool whose schema also requires a
// conversation_id argument. MCP clients address conversations this way.
func WithConversation(tool mcp.Tool) mcp.Tool {
	props := make(map[string]any, len(tool.InputSchema.Properties)+1)
	props[ConversationArg] = map[string]any{
		"type":        "string",
		"description": "Conversation ID",
	}
	for k, v := range tool.InputSchema.Properties {
		props[k] = v
	}
	tool.InputSchema.Properties = props
	tool.InputSchema.Required = append([]string{ConversationArg}, tool.InputSchema.Required...)
	return tool
}

// ConversationArg is the argument carrying the conversation id over MCP.
const ConversationArg = "conversation_id"
