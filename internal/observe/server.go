// Package observe serves the transcript to other display layers over HTTP:
// snapshots, a server-sent event feed of changes, message submission and
// Prometheus metrics.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/morgan/internal/attachment"
	"github.com/user/morgan/internal/chat"
	"github.com/user/morgan/internal/transcript"
	"github.com/user/morgan/pkg/stream"
)

const (
	readTimeout       = 30 * time.Second
	defaultKeepalive  = 30 * time.Second
	// Room for a base64 attachment at the default size limit.
	maxMessageRequest = 32 << 20
)

// Session is the chat session the server exposes.
type Session interface {
	Send(ctx context.Context, in chat.Input) (*chat.Cycle, error)
	Reset() error
	Busy() bool
	Scenario() string
	Transcript() *transcript.Store
	LastCycle() *chat.Cycle
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithKeepalive sets the interval of comment frames on the event feed.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) { s.keepalive = d }
}

// WithEncoder sets the encoder that checks uploaded attachments.
func WithEncoder(e *attachment.Encoder) Option {
	return func(s *Server) { s.encoder = e }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is the observer API.
type Server struct {
	session   Session
	gatherer  prometheus.Gatherer
	keepalive time.Duration
	encoder   *attachment.Encoder
	logger    *slog.Logger
	router    *chi.Mux
}

// NewServer builds the router for session.
func NewServer(session Session, opts ...Option) *Server {
	s := &Server{
		session:   session,
		keepalive: defaultKeepalive,
		encoder:   attachment.NewEncoder(0),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/transcript", s.handleTranscript)
		r.Delete("/transcript", s.handleReset)
		r.Get("/transcript/events", s.handleEvents)
		r.Post("/messages", s.handleMessage)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s,
		ReadTimeout: readTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("observer API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown observer API: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status    string         `json:"status"`
	Busy      bool           `json:"busy"`
	Messages  int            `json:"messages"`
	LastCycle *cycleResponse `json:"last_cycle,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Busy:     s.session.Busy(),
		Messages: s.session.Transcript().Len(),
	}
	if c := s.session.LastCycle(); c != nil {
		summary := newCycleResponse(c)
		resp.LastCycle = &summary
	}
	writeJSON(w, http.StatusOK, resp)
}

type transcriptResponse struct {
	Scenario string               `json:"scenario"`
	Busy     bool                 `json:"busy"`
	Messages []transcript.Message `json:"messages"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transcriptResponse{
		Scenario: s.session.Scenario(),
		Busy:     s.session.Busy(),
		Messages: s.session.Transcript().Messages(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(); err != nil {
		if errors.Is(err, chat.ErrCycleInFlight) {
			writeError(w, http.StatusConflict, "a request is in flight")
			return
		}
		s.logger.Error("reset transcript failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageRequest is the JSON body for POST /api/messages.
type messageRequest struct {
	Message    string             `json:"message"`
	Attachment *attachmentPayload `json:"attachment,omitempty"`
}

// attachmentPayload is a file sent inline; Data is base64, optionally as
// a data URL.
type attachmentPayload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type cycleResponse struct {
	CycleID      string  `json:"cycle_id"`
	Status       string  `json:"status"`
	Content      string  `json:"content"`
	FallbackUsed bool    `json:"fallback_used"`
	Dropped      int     `json:"dropped"`
	Seconds      float64 `json:"seconds"`
	Error        string  `json:"error,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageRequest)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	in := chat.Input{Text: req.Message}
	if req.Attachment != nil {
		file, err := s.encoder.DecodeBase64(req.Attachment.Name, req.Attachment.Data)
		switch {
		case errors.Is(err, attachment.ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, "please select a PDF file only")
			return
		case errors.Is(err, attachment.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "attachment is too large")
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, "invalid attachment")
			return
		}
		in.Attachment = file
	}

	cycle, err := s.session.Send(r.Context(), in)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, chat.ErrCycleInFlight):
		writeError(w, http.StatusConflict, "a request is in flight")
		return
	case cycle == nil:
		s.logger.Error("send message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := newCycleResponse(cycle)
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func newCycleResponse(c *chat.Cycle) cycleResponse {
	resp := cycleResponse{
		CycleID:      string(c.ID),
		Status:       string(c.Status),
		Content:      c.Outcome.Content,
		FallbackUsed: c.Outcome.FallbackUsed,
		Dropped:      c.Dropped,
		Seconds:      c.Duration().Seconds(),
	}
	if c.Err != nil {
		resp.Error = c.Err.Error()
	}
	return resp
}

// changeFrame is one event on the transcript feed.
type changeFrame struct {
	Type   string              `json:"type"`
	Index  int                 `json:"index"`
	Record *transcript.Message `json:"record,omitempty"`
	Count  int                 `json:"count,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	changes, cancel := s.session.Transcript().Subscribe()
	defer cancel()

	if err := stream.WriteFrame(w, changeFrame{Type: "connected", Count: s.session.Transcript().Len()}); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("transcript subscriber connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("transcript subscriber disconnected", "remote", r.RemoteAddr)
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			frame := changeFrame{Type: string(c.Kind), Index: c.Index, Record: c.Message}
			if err := stream.WriteFrame(w, frame); err != nil {
				s.logger.Debug("write transcript event failed", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
