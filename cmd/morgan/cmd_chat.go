package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/user/morgan/internal/attachment"
	"github.com/user/morgan/internal/chat"
)

const leaveWarning = "Chat history will be deleted. Are you sure you want to leave?"

var chatObserve bool

func init() {
	chatCmd.Flags().BoolVar(&chatObserve, "observe", false, "serve the observer API alongside the chat")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat session",
	Long: `Start an interactive chat. Plain lines are sent as messages; lines
starting with / are commands (see /help).`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	p := newPrinter(os.Stdout)
	a, err := newApp(cfg, p)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &repl{
		app:         a,
		in:          readLines(os.Stdin),
		out:         p,
		print:       p,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}

	if !chatObserve && !cfg.Observe.Enabled {
		return r.run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.observer().ListenAndServe(gctx, cfg.Observe.Listen)
	})
	g.Go(func() error {
		defer cancel()
		return r.run(gctx)
	})
	return g.Wait()
}

// readLines feeds stdin lines to a channel so the REPL can also wait on
// its context.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type repl struct {
	app   *app
	in    <-chan string
	out   io.Writer
	print *printer

	// interactive shows the input prompt; piped input runs without it.
	interactive bool

	// pending is sent with the next message.
	pending *attachment.File
}

func (r *repl) run(ctx context.Context) error {
	stopWatch := r.print.watch(r.app.store)
	defer stopWatch()

	fmt.Fprintf(r.out, "Connected to %s (scenario %q). Type /help for commands.\n",
		r.app.cfg.Backend.BaseURL, r.app.session.Scenario())

	for {
		if r.interactive {
			fmt.Fprint(r.out, "you> ")
		}
		line, ok := r.readLine(ctx)
		if !ok {
			if r.interactive {
				fmt.Fprintln(r.out)
			}
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, "Error:", err)
			}
			if quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-r.in:
		return line, ok
	}
}

func (r *repl) send(ctx context.Context, text string) {
	in := chat.Input{Text: text, Attachment: r.pending}
	cycle, err := r.app.session.Send(ctx, in)
	r.print.catchUp(r.app.store)

	switch {
	case errors.Is(err, chat.ErrCycleInFlight):
		fmt.Fprintln(r.out, "A request is already in flight; wait for it to finish.")
		return
	case errors.Is(err, attachment.ErrUnsupportedType):
		fmt.Fprintln(r.out, "Please select a PDF file only.")
		return
	case err != nil && (cycle == nil || cycle.StartedAt == nil):
		// Rejected before anything was sent; keep the attachment.
		fmt.Fprintln(r.out, "Error:", err)
		return
	}

	// The attachment went out with this turn.
	r.pending = nil
	if err != nil {
		fmt.Fprintln(r.out, "Error:", err)
	}
}

func (r *repl) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/help":
		r.help()
	case "/attach":
		if arg == "" {
			return false, fmt.Errorf("usage: /attach <file.pdf>")
		}
		file, err := r.app.encoder.EncodeFile(arg)
		if errors.Is(err, attachment.ErrUnsupportedType) {
			return false, fmt.Errorf("please select a PDF file only")
		}
		if err != nil {
			return false, err
		}
		r.pending = file
		fmt.Fprintf(r.out, "Attached %s (%d bytes); it will be sent with your next message.\n", file.Name, len(file.Data))
	case "/detach":
		r.pending = nil
		fmt.Fprintln(r.out, "Attachment removed.")
	case "/scenario":
		if arg != "" {
			r.app.session.SetScenario(arg)
		}
		fmt.Fprintf(r.out, "Scenario: %s\n", r.app.session.Scenario())
	case "/narrate":
		switch arg {
		case "on":
			r.app.narrator.SetEnabled(true)
		case "off":
			r.app.narrator.SetEnabled(false)
		case "":
		default:
			return false, fmt.Errorf("usage: /narrate on|off")
		}
		fmt.Fprintf(r.out, "Narration: %s\n", onOff(r.app.narrator.Enabled()))
	case "/clear":
		if err := r.app.session.Reset(); err != nil {
			return false, err
		}
		r.print.reset()
		fmt.Fprintln(r.out, "Transcript cleared.")
	case "/export":
		path := arg
		if path == "" {
			path = filepath.Join(r.app.cfg.DataDir, "exports",
				"transcript-"+time.Now().Format("20060102-150405")+".jsonl")
		}
		n, err := r.app.store.Export(path)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Exported %d messages to %s\n", n, path)
	case "/history":
		return false, r.history()
	case "/quit", "/exit":
		return r.confirmLeave(ctx), nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *repl) help() {
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "/attach <file.pdf>\tattach a PDF to the next message")
	fmt.Fprintln(w, "/detach\tdrop the pending attachment")
	fmt.Fprintln(w, "/scenario [name]\tshow or change the scenario")
	fmt.Fprintln(w, "/narrate on|off\ttoggle narration of answers")
	fmt.Fprintln(w, "/clear\tstart over with an empty transcript")
	fmt.Fprintln(w, "/export [path]\twrite the transcript as JSON lines (default: data_dir/exports)")
	fmt.Fprintln(w, "/history\tlist the transcript")
	fmt.Fprintln(w, "/quit\tleave")
	w.Flush()
}

func (r *repl) history() error {
	messages := r.app.store.Messages()
	if len(messages) == 0 {
		fmt.Fprintln(r.out, "No messages yet.")
		return nil
	}
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tFROM\tTIME\tCONTENT")
	for i, msg := range messages {
		from := string(msg.Origin)
		if msg.IsReasoningPhase {
			from += " (thinking)"
		}
		content := strings.ReplaceAll(msg.Content, "\n", " ")
		if runes := []rune(content); len(runes) > 60 {
			content = string(runes[:57]) + "..."
		}
		for _, att := range msg.Attachments {
			content += fmt.Sprintf(" [%s]", att.Name)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, from, msg.CreatedAt.Format("15:04:05"), content)
	}
	return w.Flush()
}

// confirmLeave asks before discarding a conversation that has more than
// the opening message.
func (r *repl) confirmLeave(ctx context.Context) bool {
	if r.app.store.Len() <= 1 {
		return true
	}
	fmt.Fprintf(r.out, "%s [y/N] ", leaveWarning)
	answer, ok := r.readLine(ctx)
	if !ok {
		return true
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
