package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"sceneforge/internal/buildloop"
	"sceneforge/internal/domain"
	"sceneforge/internal/service"
	"sceneforge/internal/tools"
)

const (
	serverName    = "sceneforge"
	serverVersion = "0.4.0"
)

// Server is the MCP server for sceneforge. It exposes conversation
// management, the scene edit catalogue, rendering and the build loop to
// MCP clients over stdio.
type Server struct {
	mcp *server.MCPServer
	log *slog.Logger

	svc       *service.SceneService
	registry  *service.Registry
	catalogue *tools.Catalogue
	loop      *buildloop.Loop

	defaultScale float64
}

// Deps holds everything the server drives. Loop is optional: without it the
// run_build tool is not registered.
type Deps struct {
	Service   *service.SceneService
	Catalogue *tools.Catalogue
	Loop      *buildloop.Loop
	// Notifier, when set, is attached to the server so service events reach
	// connected clients.
	Notifier *Notifier
	// DefaultScale seeds builder requests that carry no scale.
	DefaultScale float64
	Logger       *slog.Logger
}

// New creates and configures the MCP server with all tools, resources and
// prompts.
func New(deps Deps) *Server {
	s := &Server{
		log:          deps.Logger,
		svc:          deps.Service,
		registry:     deps.Service.Registry(),
		catalogue:    deps.Catalogue,
		loop:         deps.Loop,
		defaultScale: deps.DefaultScale,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.catalogue == nil {
		s.catalogue = tools.New(deps.Service)
	}

	s.mcp = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
	)

	s.registerConversationTools()
	s.registerEditTools()
	s.registerSceneTools()
	if s.loop != nil {
		s.registerBuildTools()
	}
	s.registerResources()
	s.registerPrompts()

	if deps.Notifier != nil {
		deps.Notifier.Attach(s.mcp)
	}
	return s
}

// MCP exposes the underlying server, e.g. for HandleMessage in tests.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.log.Info("mcp stdio server starting", "tools", len(s.mcp.ListTools()))
	return server.ServeStdio(s.mcp)
}

// ─────────────────────────────────────────────────────────────
// Notifier — forwards service events to MCP clients
// ─────────────────────────────────────────────────────────────

// Notifier is a service.EventEmitter that relays events as MCP
// notifications once a server is attached, and always to Next.
type Notifier struct {
	Next service.EventEmitter
	srv  atomic.Pointer[server.MCPServer]
}

func (n *Notifier) Attach(srv *server.MCPServer) { n.srv.Store(srv) }

func (n *Notifier) Emit(ctx context.Context, event string, data any) {
	if n.Next != nil {
		n.Next.Emit(ctx, event, data)
	}
	srv := n.srv.Load()
	if srv == nil {
		return
	}
	srv.SendNotificationToAllClients("notifications/sceneforge/"+event, map[string]any{"data": data})
	if id := conversationOf(data); id != "" && event == service.EventSceneUpdated {
		srv.SendNotificationToAllClients(mcp.MethodNotificationResourceUpdated, map[string]any{"uri": sceneURI(id)})
	}
}

func conversationOf(data any) string {
	switch d := data.(type) {
	case string:
		return d
	case map[string]string:
		return d["conversationId"]
	case map[string]any:
		id, _ := d["conversationId"].(string)
		return id
	}
	return ""
}

// ── Helpers ────────────────────────────────────────────────

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError turns domain failures into tool-level errors the client can
// read and correct. Anything else is a protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	for _, target := range []error{
		domain.ErrConversationNotFound,
		domain.ErrBodyNotFound,
		domain.ErrConstraintNotFound,
		domain.ErrInvalidGeometry,
		domain.ErrInvalidArgument,
		domain.ErrInvalidMapping,
		domain.ErrUnsupportedTool,
		domain.ErrBuildInProgress,
		domain.ErrOracle,
		domain.ErrEngine,
		service.ErrNoEngine,
	} {
		if errors.Is(err, target) {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	return nil, err
}

// conversationID reads the required conversation id argument.
func conversationID(req mcp.CallToolRequest) (string, error) {
	id, err := req.RequireString(tools.ConversationArg)
	if err != nil || id == "" {
		return "", fmt.Errorf("%s is required: %w", tools.ConversationArg, domain.ErrInvalidArgument)
	}
	return id, nil
}

// bindArgs decodes the raw tool arguments into target.
func bindArgs(req mcp.CallToolRequest, target any) error {
	if req.GetRawArguments() == nil {
		return nil
	}
	if err := req.BindArguments(target); err != nil {
		return fmt.Errorf("decode arguments: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
