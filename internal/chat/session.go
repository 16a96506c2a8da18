// Package chat runs request cycles against the backend: it submits the user
// turn, streams the answer through the reconciler into the transcript, and
// enforces one cycle at a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/user/morgan/internal/attachment"
	"github.com/user/morgan/internal/history"
	"github.com/user/morgan/internal/metrics"
	"github.com/user/morgan/internal/reconciler"
	"github.com/user/morgan/internal/transcript"
	"github.com/user/morgan/pkg/backend"
	"github.com/user/morgan/pkg/stream"
)

var (
	// ErrCycleInFlight is returned when a request is already streaming.
	ErrCycleInFlight = errors.New("chat: a request is already in flight")
	// ErrStreamStalled is returned when no bytes arrive within the stall
	// timeout.
	ErrStreamStalled = errors.New("chat: stream stalled")
	// ErrEmptyMessage is returned for a turn with no text.
	ErrEmptyMessage = errors.New("chat: message is empty")
)

// DefaultStallTimeout bounds the silence between two reads of the stream.
const DefaultStallTimeout = 60 * time.Second

// Backend is the subset of the backend client a Session needs.
type Backend interface {
	Stream(ctx context.Context, req *backend.Request) (io.ReadCloser, error)
	Complete(ctx context.Context, req *backend.Request) (*backend.ChatResponse, error)
}

// Option configures a Session.
type Option func(*Session)

// WithScenario sets the initial scenario sent with every request.
func WithScenario(name string) Option {
	return func(s *Session) { s.scenario = name }
}

// WithReasoning asks the backend for a reasoning effort and summary style.
func WithReasoning(cfg *backend.ReasoningConfig) Option {
	return func(s *Session) { s.reasoning = cfg }
}

// WithStallTimeout overrides DefaultStallTimeout. Zero disables it.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Session) { s.stallTimeout = d }
}

// WithEncoder sets the attachment encoder.
func WithEncoder(e *attachment.Encoder) Option {
	return func(s *Session) { s.encoder = e }
}

// WithHistory sets the builder for the prior-conversation payload.
func WithHistory(b *history.Builder) Option {
	return func(s *Session) { s.history = b }
}

// WithMetrics records decoding and cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithNarrator hands finalized answers to n.
func WithNarrator(n reconciler.Narrator) Option {
	return func(s *Session) { s.narrator = n }
}

// WithFallback overrides the fallback answer.
func WithFallback(text string) Option {
	return func(s *Session) { s.fallback = text }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session owns a transcript and the reducer that writes to it.
type Session struct {
	store        *transcript.Store
	client       Backend
	encoder      *attachment.Encoder
	history      *history.Builder
	metrics      *metrics.Metrics
	narrator     reconciler.Narrator
	reasoning    *backend.ReasoningConfig
	fallback     string
	stallTimeout time.Duration
	logger       *slog.Logger

	reducer *reconciler.Reducer
	sem     *semaphore.Weighted

	mu       sync.Mutex
	scenario string
	last     *Cycle
}

// New creates a Session writing to store and talking to client.
func New(store *transcript.Store, client Backend, opts ...Option) *Session {
	s := &Session{
		store:        store,
		client:       client,
		encoder:      attachment.NewEncoder(0),
		history:      history.NewWithCounter(nil, 0),
		fallback:     reconciler.DefaultFallback,
		stallTimeout: DefaultStallTimeout,
		logger:       slog.Default(),
		scenario:     "default",
		sem:          semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(s)
	}

	reducerOpts := []reconciler.Option{
		reconciler.WithFallback(s.fallback),
		reconciler.WithLogger(s.logger),
	}
	if s.narrator != nil {
		reducerOpts = append(reducerOpts, reconciler.WithNarrator(s.narrator))
	}
	if s.metrics != nil {
		reducerOpts = append(reducerOpts, reconciler.WithEventHook(s.metrics.ObserveEvent))
	}
	s.reducer = reconciler.New(store, reducerOpts...)
	return s
}

// Transcript returns the store this session writes to.
func (s *Session) Transcript() *transcript.Store {
	return s.store
}

// Scenario returns the scenario sent with requests.
func (s *Session) Scenario() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenario
}

// SetScenario changes the scenario for subsequent requests.
func (s *Session) SetScenario(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenario = name
}

// LastCycle returns a copy of the most recently finished cycle, or nil.
func (s *Session) LastCycle() *Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	c := *s.last
	return &c
}

func (s *Session) record(c *Cycle) {
	snapshot := *c
	s.mu.Lock()
	s.last = &snapshot
	s.mu.Unlock()
}

// Busy reports whether a cycle is in flight.
func (s *Session) Busy() bool {
	if !s.sem.TryAcquire(1) {
		return true
	}
	s.sem.Release(1)
	return false
}

// Reset clears the transcript. It fails while a cycle is in flight.
func (s *Session) Reset() error {
	if !s.sem.TryAcquire(1) {
		return ErrCycleInFlight
	}
	defer s.sem.Release(1)
	s.store.Clear()
	s.observeTranscript()
	s.logger.Info("transcript cleared")
	return nil
}

// Send runs one streaming request cycle. The returned Cycle is non-nil
// whenever the turn was accepted, even if it failed; what was streamed
// before a failure stays in the transcript.
func (s *Session) Send(ctx context.Context, in Input) (*Cycle, error) {
	return s.do(ctx, in, s.stream)
}

// SendBlocking is Send against the non-streaming endpoint: the answer is
// appended as a single assistant record once it arrives.
func (s *Session) SendBlocking(ctx context.Context, in Input) (*Cycle, error) {
	return s.do(ctx, in, s.complete)
}

func (s *Session) do(ctx context.Context, in Input, run func(context.Context, *Cycle, *backend.Request) error) (*Cycle, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrEmptyMessage
	}
	if !s.sem.TryAcquire(1) {
		return nil, ErrCycleInFlight
	}
	defer s.sem.Release(1)

	cycle := newCycle(in)
	defer s.record(cycle)

	ctx, span := otel.Tracer("morgan/chat").Start(ctx, "chat.cycle", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("chat.cycle_id", string(cycle.ID)))

	logger := s.logger.With("cycle_id", string(cycle.ID))
	req, err := s.prepare(in)
	if err != nil {
		cycle.end(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		logger.Warn("cycle rejected", "error", err)
		return cycle, err
	}
	span.SetAttributes(
		attribute.String("chat.scenario", req.Scenario),
		attribute.Int("chat.history", len(req.History)),
		attribute.Bool("chat.attachment", req.File != nil),
	)

	cycle.start()
	if s.metrics != nil {
		s.metrics.CycleStarted()
	}
	logger.Info("cycle started", "scenario", req.Scenario, "history", len(req.History), "attachment", req.File != nil)

	err = run(ctx, cycle, req)
	cycle.end(err)

	if s.metrics != nil {
		s.metrics.CycleFinished(string(cycle.Status), cycle.Outcome.FallbackUsed, cycle.Duration())
	}
	s.observeTranscript()

	span.SetAttributes(
		attribute.String("chat.status", string(cycle.Status)),
		attribute.Int("chat.content_length", len(cycle.Outcome.Content)),
		attribute.Bool("chat.fallback", cycle.Outcome.FallbackUsed),
		attribute.Int("chat.dropped_frames", cycle.Dropped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("cycle failed", "error", err, "duration", cycle.Duration())
		return cycle, err
	}
	logger.Info("cycle complete",
		"duration", cycle.Duration(),
		"fallback", cycle.Outcome.FallbackUsed,
		"implicit_done", cycle.Outcome.ImplicitDone,
		"dropped", cycle.Dropped,
	)
	return cycle, nil
}

// prepare encodes the attachment unless it arrived encoded, builds the history and appends the user
// record. Nothing is appended if encoding fails.
func (s *Session) prepare(in Input) (*backend.Request, error) {
	file := in.Attachment
	if file == nil && in.AttachmentPath != "" {
		f, err := s.encoder.EncodeFile(in.AttachmentPath)
		if err != nil {
			return nil, fmt.Errorf("encode attachment: %w", err)
		}
		file = f
	}

	prior := s.history.Build(s.store.Messages())
	hist := make([]backend.HistoryMessage, len(prior))
	for i, e := range prior {
		hist[i] = backend.HistoryMessage(e)
	}

	req := &backend.Request{
		Message:   in.Text,
		Scenario:  s.Scenario(),
		History:   hist,
		Reasoning: s.reasoning,
	}
	msg := transcript.Message{Content: in.Text, Origin: transcript.OriginUser}
	if file != nil {
		msg.Attachments = []transcript.Attachment{file.Attachment()}
		req.File = &backend.Upload{Name: file.Name, MimeType: file.MimeType, Data: file.Data}
	}
	s.store.Append(msg)
	return req, nil
}

func (s *Session) stream(ctx context.Context, cycle *Cycle, req *backend.Request) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(s.stallTimeout, func() { cancel(ErrStreamStalled) })
	defer wd.stop()

	s.reducer.Begin()
	body, err := s.client.Stream(ctx, req)
	if err != nil {
		cycle.Outcome = s.reducer.Abort()
		return s.streamError(ctx, "open stream", err)
	}
	defer body.Close()

	opts := []stream.Option{stream.WithLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, stream.WithDropHandler(s.metrics.ObserveDrop))
	}
	dec := stream.NewDecoder(&stallReader{r: body, wd: wd}, opts...)
	for ev := range dec.All() {
		s.reducer.Apply(ev)
	}
	cycle.Dropped = dec.Dropped()

	if err := dec.Err(); err != nil {
		cycle.Outcome = s.reducer.Abort()
		return s.streamError(ctx, "read stream", err)
	}
	cycle.Outcome = s.reducer.Finish()
	return nil
}

func (s *Session) streamError(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), ErrStreamStalled) {
		return fmt.Errorf("%s: %w", op, ErrStreamStalled)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Session) complete(ctx context.Context, cycle *Cycle, req *backend.Request) error {
	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		cycle.Outcome = reconciler.Outcome{Aborted: true}
		return fmt.Errorf("complete: %w", err)
	}

	content := resp.Response
	fallback := strings.TrimSpace(content) == ""
	if fallback {
		content = s.fallback
	}
	s.store.Append(transcript.Message{Content: content, Origin: transcript.OriginAssistant})
	if !fallback && s.narrator != nil {
		s.narrator.Narrate(content)
	}
	cycle.Outcome = reconciler.Outcome{SawDone: true, FallbackUsed: fallback, Content: resp.Response}
	return nil
}

func (s *Session) observeTranscript() {
	if s.metrics != nil {
		s.metrics.TranscriptLength.Set(float64(s.store.Len()))
	}
}
