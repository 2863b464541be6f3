// Package app assembles sceneforge from its configuration: durable store,
// conversation registry, scene service, physics engine, edit catalogue and
// build loop. The CLI and the MCP server both start from an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sceneforge/internal/buildloop"
	"sceneforge/internal/config"
	"sceneforge/internal/domain"
	"sceneforge/internal/engine"
	mcpserver "sceneforge/internal/mcp"
	"sceneforge/internal/secret"
	"sceneforge/internal/service"
	"sceneforge/internal/storage"
	"sceneforge/internal/tools"
)

// App owns every long-lived component. Build it with New and release it
// with Shutdown.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	store domain.ConversationStore
	audit *service.AuditLog

	Registry  *service.Registry
	Service   *service.SceneService
	Catalogue *tools.Catalogue
	// Loop is nil when no oracle is configured.
	Loop     *buildloop.Loop
	Notifier *mcpserver.Notifier
}

type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Level, when set, is adjusted on config reloads.
	Level *slog.LevelVar
	// Oracle replaces the HTTP oracle from the config, e.g. a scripted one.
	Oracle buildloop.Oracle
}

// New opens the store and wires the services. On error everything opened
// so far is closed again.
func New(ctx context.Context, opts Options) (_ *App, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: opts.Logger, level: opts.Level}
	if a.log == nil {
		a.log = slog.Default()
	}
	defer func() {
		if err != nil {
			a.Shutdown(context.Background())
		}
	}()

	dsn, err := secret.NewResolver().Resolve(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("store dsn: %w", err)
	}
	a.store, err = storage.Open(ctx, cfg.Store.Driver, dsn, cfg.Store.Database)
	if err != nil {
		return nil, err
	}
	a.audit, err = service.OpenAuditLog(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}

	a.Notifier = &mcpserver.Notifier{Next: service.LogEmitter{Logger: a.log}}
	a.Registry = service.NewRegistry(service.RegistryOptions{
		TTL:           cfg.Registry.TTL,
		MaxEntries:    cfg.Registry.MaxEntries,
		SweepSchedule: cfg.Registry.SweepSchedule,
		World:         cfg.World(),
		DefaultScale:  cfg.Builder.DefaultScaleMPerPx,
		Store:         a.store,
		Emitter:       a.Notifier,
		Logger:        a.log.With("component", "registry"),
	})

	var sim service.Simulator
	if len(cfg.Engine.Command) > 0 {
		w, err := engine.NewWorker(engine.Options{
			Command: cfg.Engine.Command,
			Timeout: cfg.Engine.Timeout,
			Logger:  a.log.With("component", "engine"),
		})
		if err != nil {
			return nil, err
		}
		sim = w
	}

	a.Service = service.NewSceneService(a.Registry, service.SceneServiceOptions{
		Engine:      sim,
		SimDefaults: domain.SimulationRequest{DurationS: cfg.Engine.DurationS, FrameRate: cfg.Engine.FrameRate},
		Audit:       a.audit,
		Emitter:     a.Notifier,
		Logger:      a.log.With("component", "scene"),
	})
	a.Catalogue = tools.New(a.Service)

	oracle := opts.Oracle
	if oracle == nil && cfg.Oracle.URL != "" {
		oracle = buildloop.NewHTTPOracle(cfg.Oracle.URL, cfg.Oracle.Model, cfg.Oracle.Timeout)
	}
	if oracle != nil {
		a.Loop = buildloop.New(a.Service, a.Catalogue, oracle, buildloop.Options{
			MaxToolIterations: cfg.Builder.MaxToolIterations,
			OracleTimeout:     cfg.Oracle.Timeout,
			World:             cfg.World(),
			ScaleMPerPx:       cfg.Builder.DefaultScaleMPerPx,
			Model:             cfg.Oracle.Model,
			Emitter:           a.Notifier,
			Logger:            a.log.With("component", "buildloop"),
		})
	}

	if err := a.Registry.Start(); err != nil {
		return nil, err
	}
	a.log.Info("sceneforge ready",
		"store", cfg.Store.Driver,
		"engine", sim != nil,
		"oracle", oracle != nil,
	)
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfg }

// ApplyConfig takes the settings that can change at runtime from a reloaded
// config: log level and registry limits. Store, engine and oracle changes
// need a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	if a.level != nil {
		if lvl, err := config.ParseLevel(cfg.Log.Level); err == nil {
			a.level.Set(lvl)
		}
	}
	if err := a.Registry.SetLimits(cfg.Registry.TTL, cfg.Registry.MaxEntries); err != nil {
		a.log.Warn("registry limits applied without a sweep", "err", err)
	}
	if cfg.Store != a.cfg.Store || fmt.Sprint(cfg.Engine.Command) != fmt.Sprint(a.cfg.Engine.Command) || cfg.Oracle != a.cfg.Oracle {
		a.log.Warn("store, engine and oracle changes take effect after a restart")
	}
	a.log.Info("config applied", "level", cfg.Log.Level, "ttl", cfg.Registry.TTL, "max_entries", cfg.Registry.MaxEntries)
}

// Shutdown waits for running builds, stops the sweeper and closes the
// store and audit log.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Loop != nil {
		a.Loop.Wait(ctx)
	}
	if a.Registry != nil {
		a.Registry.Stop()
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}
