package app

import (
	"context"

	mcpserver "sceneforge/internal/mcp"
)

// NewMCPServer builds the MCP server over the app's services and attaches
// the app notifier to it.
func (a *App) NewMCPServer() *mcpserver.Server {
	return mcpserver.New(mcpserver.Deps{
		Service:      a.Service,
		Catalogue:    a.Catalogue,
		Loop:         a.Loop,
		Notifier:     a.Notifier,
		DefaultScale: a.cfg.Builder.DefaultScaleMPerPx,
		Logger:       a.log.With("component", "mcp"),
	})
}

// ServeMCP runs the app as an MCP server on stdin/stdout until the client
// disconnects or ctx is cancelled.
func (a *App) ServeMCP(ctx context.Context) error {
	srv := a.NewMCPServer()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.log.Info("mcp server stopping", "reason", context.Cause(ctx))
		return nil
	}
}
