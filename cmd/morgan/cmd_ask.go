package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/morgan/internal/chat"
)

var (
	askFile     string
	askScenario string
	askNoStream bool
)

func init() {
	askCmd.Flags().StringVarP(&askFile, "file", "f", "", "PDF to send with the message")
	askCmd.Flags().StringVarP(&askScenario, "scenario", "s", "", "scenario for this message (default from config)")
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "use the non-streaming endpoint")
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send a single message and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		p := newPrinter(os.Stdout)
		a, err := newApp(cfg, p)
		if err != nil {
			return err
		}
		defer a.Close()
		if askScenario != "" {
			a.session.SetScenario(askScenario)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stopWatch := p.watch(a.store)
		defer stopWatch()

		in := chat.Input{Text: strings.Join(args, " "), AttachmentPath: askFile}
		send := a.session.Send
		if askNoStream {
			send = a.session.SendBlocking
		}
		cycle, err := send(ctx, in)
		p.catchUp(a.store)
		if err != nil {
			return err
		}
		if cycle.Outcome.FallbackUsed {
			fmt.Fprintln(os.Stderr, "(the backend finished without an answer)")
		}
		return nil
	},
}
