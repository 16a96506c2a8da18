// Package narrate provides narrators that receive finalized assistant
// answers: a writer for terminals and logs, and a command runner that
// hands the text to an external speech program.
package narrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// Narrator receives finalized content. It matches reconciler.Narrator.
type Narrator interface {
	Narrate(text string)
}

// Writer prints narrated text, stripped of markdown, to w.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewWriter creates a Writer that prefixes every narration with prefix.
func NewWriter(w io.Writer, prefix string) *Writer {
	return &Writer{w: w, prefix: prefix}
}

func (n *Writer) Narrate(text string) {
	plain := PlainText(text)
	if plain == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s%s\n", n.prefix, plain)
}

// Command pipes narrated text to an external program on stdin, for example
// "espeak" or "say". A new narration stops the one still playing.
type Command struct {
	name   string
	args   []string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCommand parses a command line such as "espeak -v en-us".
func NewCommand(commandLine string, logger *slog.Logger) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("narration command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{name: fields[0], args: fields[1:], logger: logger}, nil
}

func (c *Command) Narrate(text string) {
	plain := PlainText(text)
	if plain == "" {
		return
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = strings.NewReader(plain)
	if err := cmd.Start(); err != nil {
		cancel()
		c.logger.Warn("narration command failed to start", "command", c.name, "error", err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			c.logger.Warn("narration command failed", "command", c.name, "error", err)
		}
	}()
}

// Stop interrupts the current narration and waits for it to exit.
func (c *Command) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Toggle forwards to a Narrator only while enabled.
type Toggle struct {
	next    Narrator
	enabled atomic.Bool
}

// NewToggle wraps next with the given initial state.
func NewToggle(next Narrator, enabled bool) *Toggle {
	t := &Toggle{next: next}
	t.enabled.Store(enabled)
	return t
}

func (t *Toggle) Narrate(text string) {
	if t.enabled.Load() && t.next != nil {
		t.next.Narrate(text)
	}
}

// SetEnabled switches narration on or off.
func (t *Toggle) SetEnabled(on bool) { t.enabled.Store(on) }

// Enabled reports whether narration is on.
func (t *Toggle) Enabled() bool { return t.enabled.Load() }
