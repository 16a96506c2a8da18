// Package reconciler turns a decoded chat stream into transcript records.
//
// A Reducer owns the transient state of one request cycle: whether the
// reasoning phase is active, the text accumulated so far for each phase,
// and whether each phase has already produced its transcript record. Every
// delta of a phase mutates that phase's single record; a cycle never
// appends more than one reasoning record and one content record.
package reconciler

import (
	"log/slog"
	"strings"

	"github.com/user/morgan/internal/transcript"
	"github.com/user/morgan/pkg/stream"
)

// DefaultFallback is appended when a cycle completes without producing any
// answer text.
const DefaultFallback = "I've analyzed the document, but I don't have a specific response to provide. Please try asking a more specific question about the document content."

// Transcript is the subset of the transcript store the reducer mutates.
type Transcript interface {
	Append(msg transcript.Message)
	UpdateLast(content string) bool
}

// Narrator receives the final answer text of a cycle, for example to speak
// it aloud. It is called at most once per cycle.
type Narrator interface {
	Narrate(text string)
}

// NarratorFunc adapts a function to the Narrator interface.
type NarratorFunc func(text string)

func (f NarratorFunc) Narrate(text string) { f(text) }

// Option configures a Reducer.
type Option func(*Reducer)

// WithFallback overrides the text appended when a cycle yields no answer.
func WithFallback(text string) Option {
	return func(r *Reducer) { r.fallback = text }
}

// WithNarrator sets the collaborator that receives finalized answers.
func WithNarrator(n Narrator) Option {
	return func(r *Reducer) { r.narrator = n }
}

// WithEventHook registers a callback invoked for every applied event.
func WithEventHook(fn func(stream.Event)) Option {
	return func(r *Reducer) { r.onEvent = fn }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reducer) { r.logger = logger }
}

// sessionState is reset at the start of every cycle and never shared.
type sessionState struct {
	reasoningActive   bool
	reasoningText     strings.Builder
	contentText       strings.Builder
	reasoningAppended bool
	contentAppended   bool
}

// Outcome summarises a finished cycle.
type Outcome struct {
	SawDone      bool
	ImplicitDone bool
	Aborted      bool
	FallbackUsed bool
	Reasoning    string
	Content      string
	Errors       []string
}

// Reducer applies stream events to a transcript. It is not safe for
// concurrent use; events must be applied in arrival order by one goroutine.
type Reducer struct {
	store    Transcript
	fallback string
	narrator Narrator
	onEvent  func(stream.Event)
	logger   *slog.Logger

	st           sessionState
	sawDone      bool
	fallbackUsed bool
	narrated     bool
	errors       []string
}

// New creates a Reducer that writes to store.
func New(store Transcript, opts ...Option) *Reducer {
	r := &Reducer{
		store:    store,
		fallback: DefaultFallback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin resets the per-cycle state. Call it before the first event of
// every request.
func (r *Reducer) Begin() {
	r.st = sessionState{}
	r.sawDone = false
	r.fallbackUsed = false
	r.narrated = false
	r.errors = nil
}

// ReasoningActive reports whether a reasoning phase is open.
func (r *Reducer) ReasoningActive() bool {
	return r.st.reasoningActive
}

// Apply performs the transition for a single event.
func (r *Reducer) Apply(ev stream.Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}

	switch ev.Kind {
	case stream.KindReasoningStart:
		r.st.reasoningActive = true
		r.st.reasoningText.Reset()
		r.store.Append(transcript.Message{
			Origin:           transcript.OriginAssistant,
			IsReasoningPhase: true,
		})
		r.st.reasoningAppended = true

	case stream.KindReasoningDelta:
		r.st.reasoningText.WriteString(ev.Content)
		if r.st.reasoningAppended {
			r.store.UpdateLast(r.st.reasoningText.String())
		}

	case stream.KindReasoningEnd:
		r.st.reasoningActive = false

	case stream.KindContentStart:
		r.st.contentText.Reset()

	case stream.KindContentDelta:
		if !r.st.contentAppended {
			r.store.Append(transcript.Message{
				Origin:           transcript.OriginAssistant,
				IsReasoningPhase: false,
			})
			r.st.contentAppended = true
		}
		r.st.contentText.WriteString(ev.Content)
		r.store.UpdateLast(r.st.contentText.String())

	case stream.KindContentEnd:
		r.narrate()

	case stream.KindDone:
		r.done()

	case stream.KindError:
		r.errors = append(r.errors, ev.Error)
		r.logger.Error("backend stream error", "error", ev.Error)

	case stream.KindFileProcessed:
		r.logger.Info("file processed", "filename", ev.Filename, "content_length", ev.ContentLength)

	case stream.KindFunctionCall:
		r.logger.Info("function call", "function", ev.Function, "status", ev.Status, "context", ev.Context)

	case stream.KindFunctionResult:
		if ev.Error != "" {
			r.logger.Warn("function result", "function", ev.Function, "status", ev.Status, "error", ev.Error)
		} else {
			r.logger.Info("function result", "function", ev.Function, "status", ev.Status)
		}

	case stream.KindAnalysisSummary:
		r.logger.Info("analysis summary",
			"document_processed", ev.DocumentProcessed,
			"functions_called", ev.FunctionsCalled,
			"filename", ev.Filename,
		)

	case stream.KindPassthrough:
		r.logger.Debug("stream event", "type", ev.Type, "message", ev.Message)

	case stream.KindUnknown:
		r.logger.Debug("ignoring unknown stream event", "type", ev.Type)

	default:
		r.logger.Debug("ignoring unhandled stream kind", "kind", ev.Kind.String(), "type", ev.Type)
	}
}

func (r *Reducer) done() {
	r.sawDone = true
	r.st.reasoningActive = false
	if !r.st.contentAppended && r.st.contentText.Len() == 0 && !r.fallbackUsed {
		r.store.Append(transcript.Message{
			Content:          r.fallback,
			Origin:           transcript.OriginAssistant,
			IsReasoningPhase: false,
		})
		r.fallbackUsed = true
		return
	}
	r.narrate()
}

func (r *Reducer) narrate() {
	if r.narrated || r.narrator == nil || r.st.contentText.Len() == 0 {
		return
	}
	r.narrated = true
	r.narrator.Narrate(r.st.contentText.String())
}

// Finish closes a cycle whose stream ended cleanly. A stream that closed
// without a done event is treated as if done had arrived.
func (r *Reducer) Finish() Outcome {
	implicit := false
	if !r.sawDone {
		r.logger.Warn("stream closed without done event, finishing cycle")
		r.done()
		implicit = true
	}
	out := r.outcome()
	out.ImplicitDone = implicit
	return out
}

// Abort closes a cycle after a transport failure. The transcript keeps
// whatever was already streamed and no fallback is appended.
func (r *Reducer) Abort() Outcome {
	r.st.reasoningActive = false
	out := r.outcome()
	out.Aborted = true
	return out
}

func (r *Reducer) outcome() Outcome {
	return Outcome{
		SawDone:      r.sawDone,
		FallbackUsed: r.fallbackUsed,
		Reasoning:    r.st.reasoningText.String(),
		Content:      r.st.contentText.String(),
		Errors:       append([]string(nil), r.errors...),
	}
}
