package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sceneforge/internal/config"
)

var (
	configFile string
	logLevel   string

	cfg   *config.Config
	level = new(slog.LevelVar)
	log   *slog.Logger
)

// main is the entry point for the sceneforge CLI. Logs go to stderr because
// stdout carries MCP traffic in serve mode and JSON results elsewhere.
func main() {
	rootCmd := &cobra.Command{
		Use:           "sceneforge",
		Short:         "turn physics diagrams into simulatable 2D scenes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath(), "config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(
		serveCmd(),
		universalCmd(),
		buildCmd(),
		simulateCmd(),
		historyCmd(),
		configCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the stderr logger.
func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	lvl, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	level.Set(lvl)
	log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return nil
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
