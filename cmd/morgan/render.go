package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/morgan/internal/transcript"
)

const (
	reasoningLabel = "(thinking) "
	answerLabel    = "morgan: "
)

// printer writes assistant records to a terminal as they grow. Every
// change carries the full record, so a change dropped by a slow
// subscription is recovered from the next one.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	store   *transcript.Store
	index   int
	printed string
	open    bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, index: -1}
}

// watch renders changes from store until the returned stop is called.
func (p *printer) watch(store *transcript.Store) (stop func()) {
	p.mu.Lock()
	p.store = store
	p.mu.Unlock()

	changes, cancel := store.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range changes {
			switch {
			case c.Kind == transcript.ChangeClear:
				p.reset()
			case c.Message != nil:
				p.render(c.Index, *c.Message)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// catchUp renders whatever the subscription has not delivered yet and
// ends the current line.
func (p *printer) catchUp(store *transcript.Store) {
	messages := store.Messages()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sync(messages)
	p.closeLine()
}

// Write lets other output share the terminal. Pending records are printed
// first and the text starts on a fresh line.
func (p *printer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		p.sync(p.store.Messages())
	}
	p.closeLine()
	return p.out.Write(b)
}

func (p *printer) render(index int, msg transcript.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renderLocked(index, msg)
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	p.index = -1
	p.printed = ""
}

// The methods below must be called with mu held.

func (p *printer) sync(messages []transcript.Message) {
	for i := max(p.index, 0); i < len(messages); i++ {
		p.renderLocked(i, messages[i])
	}
}

func (p *printer) renderLocked(index int, msg transcript.Message) {
	switch {
	case index < p.index:
		return
	case index > p.index:
		p.closeLine()
		p.index = index
		p.printed = ""
		if msg.Origin == transcript.OriginUser {
			p.printed = msg.Content
			return
		}
		label := answerLabel
		if msg.IsReasoningPhase {
			label = reasoningLabel
		}
		fmt.Fprint(p.out, label)
		p.open = true
	}

	if msg.Origin == transcript.OriginUser {
		return
	}
	switch {
	case msg.Content == p.printed:
	case strings.HasPrefix(msg.Content, p.printed):
		fmt.Fprint(p.out, msg.Content[len(p.printed):])
		p.open = true
	default:
		fmt.Fprint(p.out, "\n", msg.Content)
		p.open = true
	}
	p.printed = msg.Content
}

func (p *printer) closeLine() {
	if p.open {
		fmt.Fprintln(p.out)
		p.open = false
	}
}
