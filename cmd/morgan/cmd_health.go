package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/morgan/pkg/backend"
)

var healthWait bool

func init() {
	healthCmd.Flags().BoolVar(&healthWait, "wait", false, "retry with backoff until the backend is healthy")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the backend is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		timeout, err := cfg.BackendTimeout()
		if err != nil {
			return err
		}
		client := backend.New(&backend.Config{
			BaseURL:    cfg.Backend.BaseURL,
			PathPrefix: cfg.Backend.PathPrefix,
			APIKey:     cfg.Backend.APIKey,
			Timeout:    timeout,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var h *backend.Health
		if healthWait {
			h, err = client.WaitHealthy(ctx, backend.DefaultRetryPolicy())
		} else {
			h, err = client.Health(ctx)
		}
		if err != nil {
			return fmt.Errorf("backend at %s: %w", client.URL(""), err)
		}

		fmt.Fprintf(os.Stdout, "status: %s\n", h.Status)
		if h.Model != "" {
			fmt.Fprintf(os.Stdout, "model: %s\n", h.Model)
		}
		fmt.Fprintf(os.Stdout, "openai configured: %t\n", h.OpenAIConfigured)
		if h.Error != "" {
			fmt.Fprintf(os.Stdout, "error: %s\n", h.Error)
		}
		return nil
	},
}
