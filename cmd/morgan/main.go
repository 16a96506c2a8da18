package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/user/morgan/internal/attachment"
	"github.com/user/morgan/internal/chat"
	"github.com/user/morgan/internal/config"
	"github.com/user/morgan/internal/history"
	"github.com/user/morgan/internal/metrics"
	"github.com/user/morgan/internal/narrate"
	"github.com/user/morgan/internal/observe"
	"github.com/user/morgan/internal/tracing"
	"github.com/user/morgan/internal/transcript"
	"github.com/user/morgan/pkg/backend"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "morgan",
	Short:         "Streaming chat client for the MORGAN document assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".morgan", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// app is everything a command needs to run request cycles.
type app struct {
	cfg      *config.Config
	client   *backend.Client
	store    *transcript.Store
	encoder  *attachment.Encoder
	session  *chat.Session
	registry *prometheus.Registry
	narrator *narrate.Toggle
	speaker  *narrate.Command
	closers  []func()
}

// newApp wires the backend client, transcript and session from cfg.
// Narrated text goes to out unless a narration command is configured.
func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	timeout, err := cfg.BackendTimeout()
	if err != nil {
		return nil, err
	}
	stall, err := cfg.StallTimeout()
	if err != nil {
		return nil, err
	}

	hist, err := history.New(cfg.Chat.TokenizerModel, cfg.Chat.HistoryTokens)
	if err != nil {
		return nil, fmt.Errorf("create history builder: %w", err)
	}

	a := &app{
		cfg: cfg,
		client: backend.New(&backend.Config{
			BaseURL:    cfg.Backend.BaseURL,
			PathPrefix: cfg.Backend.PathPrefix,
			APIKey:     cfg.Backend.APIKey,
			Timeout:    timeout,
		}),
		store:    transcript.New(),
		encoder:  attachment.NewEncoder(cfg.Attachment.MaxBytes),
		registry: prometheus.NewRegistry(),
	}

	var next narrate.Narrator = narrate.NewWriter(out, "(narration) ")
	if cfg.Chat.NarrationCommand != "" {
		a.speaker, err = narrate.NewCommand(cfg.Chat.NarrationCommand, slog.Default())
		if err != nil {
			return nil, err
		}
		next = a.speaker
	}
	a.narrator = narrate.NewToggle(next, cfg.Chat.Narration)

	if cfg.Trace.File != "" {
		if err := a.startTracing(cfg.Trace.File); err != nil {
			a.Close()
			return nil, err
		}
	}

	opts := []chat.Option{
		chat.WithScenario(cfg.Chat.Scenario),
		chat.WithEncoder(a.encoder),
		chat.WithHistory(hist),
		chat.WithMetrics(metrics.New(a.registry)),
		chat.WithNarrator(a.narrator),
		chat.WithLogger(slog.Default()),
		chat.WithStallTimeout(stall),
	}
	if cfg.Chat.FallbackText != "" {
		opts = append(opts, chat.WithFallback(cfg.Chat.FallbackText))
	}
	if cfg.Chat.ReasoningEffort != "" || cfg.Chat.ReasoningSummary != "" {
		opts = append(opts, chat.WithReasoning(&backend.ReasoningConfig{
			Effort:  cfg.Chat.ReasoningEffort,
			Summary: cfg.Chat.ReasoningSummary,
		}))
	}
	a.session = chat.New(a.store, a.client, opts...)
	return a, nil
}

// startTracing appends cycle spans to path.
func (a *app) startTracing(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	shutdown, err := tracing.Init(f)
	if err != nil {
		f.Close()
		return err
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("flush spans failed", "error", err)
		}
		f.Close()
	})
	return nil
}

// observer builds the observer API over the app's session.
func (a *app) observer() *observe.Server {
	return observe.NewServer(a.session,
		observe.WithGatherer(a.registry),
		observe.WithEncoder(a.encoder),
		observe.WithLogger(slog.Default()),
	)
}

// Close stops any narration still playing and flushes spans.
func (a *app) Close() {
	if a.speaker != nil {
		a.speaker.Stop()
	}
	for _, fn := range a.closers {
		fn()
	}
}
