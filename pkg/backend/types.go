package backend

import (
	"fmt"
	"time"
)

// Config holds connection settings for the chat backend.
type Config struct {
	BaseURL string
	// PathPrefix is prepended to every endpoint path. Empty means
	// DefaultPathPrefix; "/" means none, for talking to the backend
	// directly instead of through the front-end proxy.
	PathPrefix string
	APIKey     string
	// Timeout bounds non-streaming calls. Streams are bounded by the
	// caller's stall timeout instead.
	Timeout time.Duration
}

// HistoryMessage is a prior transcript record in the backend's format.
type HistoryMessage struct {
	Content string `json:"content"`
	Agent   string `json:"agent"`
}

// ReasoningConfig asks the backend for a given reasoning effort and
// summary style.
type ReasoningConfig struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary"`
}

// Upload is a file sent alongside a message.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Request is a single chat turn.
type Request struct {
	Message   string
	Scenario  string
	History   []HistoryMessage
	Reasoning *ReasoningConfig
	File      *Upload
}

// ChatResponse is the body returned by the non-streaming endpoints.
type ChatResponse struct {
	Response string `json:"response"`
	Success  bool   `json:"success"`
	Error    string `json:"error"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status           string `json:"status"`
	Model            string `json:"model,omitempty"`
	OpenAIConfigured bool   `json:"openai_configured"`
	Error            string `json:"error,omitempty"`
}

// StatusError is returned when the backend answers with a non-success
// status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}
