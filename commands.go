package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sceneforge/internal/app"
	"sceneforge/internal/buildloop"
	"sceneforge/internal/builder"
	"sceneforge/internal/config"
	"sceneforge/internal/domain"
	"sceneforge/internal/engine"
)

// ── serve ──────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var (
		driver    string
		dsn       string
		engineCmd []string
		oracleURL string
		noWatch   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("store") {
				cfg.Store.Driver = driver
			}
			if cmd.Flags().Changed("dsn") {
				cfg.Store.DSN = dsn
			}
			if cmd.Flags().Changed("engine") {
				cfg.Engine.Command = engineCmd
			}
			if cmd.Flags().Changed("oracle-url") {
				cfg.Oracle.URL = oracleURL
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, app.Options{Config: cfg, Logger: log, Level: level})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			if !noWatch {
				if err := config.Watch(ctx, configFile, log, a.ApplyConfig); err != nil {
					log.Warn("config hot reload disabled", "err", err)
				}
			}
			return a.ServeMCP(ctx)
		},
	}
	cmd.Flags().StringVar(&driver, "store", "", "store driver: memory, sqlite, mysql, postgres or mongo")
	cmd.Flags().StringVar(&dsn, "dsn", "", "store DSN or URI")
	cmd.Flags().StringSliceVar(&engineCmd, "engine", nil, "physics engine command, comma separated argv")
	cmd.Flags().StringVar(&oracleURL, "oracle-url", "", "reasoning oracle endpoint")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

// ── universal ──────────────────────────────────────────────

func universalCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "universal",
		Short: "build a scene from segments and entities in one pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(input)
			if err != nil {
				return err
			}
			var req builder.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}
			if req.ScaleMPerPx <= 0 {
				req.ScaleMPerPx = cfg.Builder.DefaultScaleMPerPx
			}
			res := builder.Build(req)
			for _, w := range res.Warnings {
				log.Warn("builder", "warning", w)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "request JSON file, - for stdin")
	return cmd
}

// ── build ──────────────────────────────────────────────────

func buildCmd() *cobra.Command {
	var (
		width, height int
		imageID       string
		prompt        string
		script        string
		oracleURL     string
		diagram       string
		renderPath    string
		maxIterations int
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "run an oracle-guided build for a diagram",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("oracle-url") {
				cfg.Oracle.URL = oracleURL
			}
			if cmd.Flags().Changed("max-iterations") {
				cfg.Builder.MaxToolIterations = maxIterations
			}
			opts := app.Options{Config: cfg, Logger: log, Level: level}
			if script != "" {
				o, err := buildloop.LoadScript(script)
				if err != nil {
					return err
				}
				opts.Oracle = o
			}
			if opts.Oracle == nil && cfg.Oracle.URL == "" {
				return errors.New("no oracle: pass --script or --oracle-url")
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			img := domain.ImageMeta{WidthPx: width, HeightPx: height}
			rec, err := a.Registry.Create(ctx, imageID, &img)
			if err != nil {
				return err
			}
			in := buildloop.Input{ConversationID: rec.ID, ImageID: imageID, Image: img, Prompt: prompt}
			if diagram != "" {
				if in.Diagram, err = os.ReadFile(diagram); err != nil {
					return err
				}
			}

			out, err := a.Loop.Run(ctx, in)
			if err != nil {
				return err
			}
			if renderPath != "" {
				if err := os.WriteFile(renderPath, out.Render, 0o644); err != nil {
					return err
				}
				log.Info("render written", "path", renderPath)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&width, "image-width", builder.DefaultImageWidth, "source image width in pixels")
	cmd.Flags().IntVar(&height, "image-height", builder.DefaultImageHeight, "source image height in pixels")
	cmd.Flags().StringVar(&imageID, "image-id", "", "source image identifier")
	cmd.Flags().StringVar(&prompt, "prompt", "", "instructions for the oracle")
	cmd.Flags().StringVar(&script, "script", "", "scripted oracle replies (yaml)")
	cmd.Flags().StringVar(&oracleURL, "oracle-url", "", "reasoning oracle endpoint")
	cmd.Flags().StringVar(&diagram, "diagram", "", "source diagram PNG sent to the oracle")
	cmd.Flags().StringVar(&renderPath, "render", "", "write the final preview PNG here")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", config.DefaultMaxToolIterations, "oracle round budget")
	return cmd
}

// ── simulate ───────────────────────────────────────────────

func simulateCmd() *cobra.Command {
	var (
		input     string
		bodyID    string
		engineCmd []string
		duration  float64
		frameRate int
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "run a scene through the physics engine and plot a body",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("engine") {
				cfg.Engine.Command = engineCmd
			}
			if !cmd.Flags().Changed("duration") {
				duration = cfg.Engine.DurationS
			}
			if !cmd.Flags().Changed("frame-rate") {
				frameRate = cfg.Engine.FrameRate
			}

			data, err := readInput(input)
			if err != nil {
				return err
			}
			sc, err := parseScene(data)
			if err != nil {
				return err
			}

			w, err := engine.NewWorker(engine.Options{Command: cfg.Engine.Command, Timeout: cfg.Engine.Timeout, Logger: log})
			if err != nil {
				return err
			}
			frames, err := w.Simulate(cmd.Context(), sc, domain.SimulationRequest{DurationS: duration, FrameRate: frameRate})
			if err != nil {
				return err
			}
			if bodyID == "" {
				return printJSON(cmd.OutOrStdout(), frames)
			}
			return plotBody(cmd, frames, bodyID)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "scene JSON file, - for stdin")
	cmd.Flags().StringVar(&bodyID, "body", "", "plot this body's height; without it frames are printed as JSON")
	cmd.Flags().StringSliceVar(&engineCmd, "engine", nil, "physics engine command, comma separated argv")
	cmd.Flags().Float64Var(&duration, "duration", config.DefaultDurationS, "simulated seconds")
	cmd.Flags().IntVar(&frameRate, "frame-rate", config.DefaultFrameRate, "frames per second")
	return cmd
}

// parseScene accepts a bare scene or any object with a "scene" field, such
// as a universal builder result.
func parseScene(data []byte) (domain.Scene, error) {
	var doc struct {
		domain.Scene
		Wrapped *domain.Scene `json:"scene"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Scene{}, fmt.Errorf("parse scene: %w", err)
	}
	if doc.Wrapped != nil {
		return *doc.Wrapped, nil
	}
	return doc.Scene, nil
}

func plotBody(cmd *cobra.Command, frames []domain.Frame, bodyID string) error {
	var ys []float64
	for _, f := range frames {
		if p, ok := f.Positions[bodyID]; ok {
			ys = append(ys, p.Y())
		}
	}
	if len(ys) == 0 {
		return fmt.Errorf("body %s: %w", bodyID, domain.ErrBodyNotFound)
	}
	graph := asciigraph.Plot(ys,
		asciigraph.Height(12),
		asciigraph.Width(80),
		asciigraph.Caption(fmt.Sprintf("%s height (m) over %d frames", bodyID, len(ys))),
	)
	fmt.Fprintln(cmd.OutOrStdout(), graph)
	return nil
}

// ── history ────────────────────────────────────────────────

func historyCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list the stored snapshots of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, app.Options{Config: cfg, Logger: log, Level: level})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			hist, err := a.Service.History(ctx, conversationID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTAKEN AT\tBODIES\tCONSTRAINTS\tNOTE")
			for i, s := range hist {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", i, s.Timestamp.Format("2006-01-02 15:04:05.000"), len(s.Scene.Bodies), len(s.Scene.Constraints), s.Note)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

// ── config ─────────────────────────────────────────────────

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", configFile)
			}
			if err := config.Save(configFile, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
