package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default observe.listen)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the observer API without a terminal chat",
	Long: `Serve the transcript, its change feed and message submission over HTTP
until interrupted. Messages arrive through POST /api/messages only.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cfg.Observe.Listen
	if serveListen != "" {
		addr = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("morgan started",
		"backend", a.client.URL(""),
		"scenario", a.session.Scenario(),
		"listen", addr,
		"narration", a.narrator.Enabled(),
	)

	if err := a.observer().ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("observer API: %w", err)
	}
	slog.Info("shutting down")
	return nil
}
