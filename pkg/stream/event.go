package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of event variants the reconciler understands.
type Kind int

const (
	// KindUnknown is any type tag this client does not recognise.
	KindUnknown Kind = iota
	KindFileProcessed
	KindReasoningStart
	KindReasoningDelta
	KindReasoningEnd
	KindContentStart
	KindContentDelta
	KindContentEnd
	KindFunctionCall
	KindFunctionResult
	KindAnalysisSummary
	KindDone
	KindError
	// KindPassthrough covers stream lifecycle and native provider events
	// that are logged but never change state.
	KindPassthrough
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindFileProcessed:   "file_processed",
	KindReasoningStart:  "reasoning_start",
	KindReasoningDelta:  "reasoning_delta",
	KindReasoningEnd:    "reasoning_end",
	KindContentStart:    "content_start",
	KindContentDelta:    "content_delta",
	KindContentEnd:      "content_end",
	KindFunctionCall:    "function_call",
	KindFunctionResult:  "function_result",
	KindAnalysisSummary: "analysis_summary",
	KindDone:            "done",
	KindError:           "error",
	KindPassthrough:     "passthrough",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// wireKinds maps type tags as sent by the backend to their variant. The
// backend emits bare "reasoning" and "content" for deltas.
var wireKinds = map[string]Kind{
	"file_processed":   KindFileProcessed,
	"reasoning_start":  KindReasoningStart,
	"reasoning":        KindReasoningDelta,
	"reasoning_delta":  KindReasoningDelta,
	"reasoning_end":    KindReasoningEnd,
	"content_start":    KindContentStart,
	"content":          KindContentDelta,
	"content_delta":    KindContentDelta,
	"content_end":      KindContentEnd,
	"function_call":    KindFunctionCall,
	"function_result":  KindFunctionResult,
	"analysis_summary": KindAnalysisSummary,
	"done":             KindDone,
	"error":            KindError,
}

var passthroughTypes = map[string]bool{
	"stream_created":          true,
	"stream_progress":         true,
	"stream_completed":        true,
	"output_item_added":       true,
	"output_item_done":        true,
	"function_args_delta":     true,
	"function_args_complete":  true,
	"cot_function_call_added": true,
	"cot_function_call_done":  true,
	"reasoning_config":        true,
	"status":                  true,
}

// KindOf classifies a wire type tag. Tags in the provider's native
// "response." namespace are passthrough.
func KindOf(tag string) Kind {
	if k, ok := wireKinds[tag]; ok {
		return k
	}
	if passthroughTypes[tag] || strings.HasPrefix(tag, "response.") {
		return KindPassthrough
	}
	return KindUnknown
}

// Event is one decoded frame of the chat stream. Only the fields relevant
// to Type are populated.
type Event struct {
	Kind Kind   `json:"-"`
	Type string `json:"type"`

	Content           string `json:"content,omitempty"`
	Filename          string `json:"filename,omitempty"`
	ContentLength     int    `json:"content_length,omitempty"`
	Function          string `json:"function,omitempty"`
	CallID            string `json:"call_id,omitempty"`
	Status            string `json:"status,omitempty"`
	Context           string `json:"context,omitempty"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message,omitempty"`
	Delta             string `json:"delta,omitempty"`
	DocumentProcessed bool   `json:"document_processed,omitempty"`
	FunctionsCalled   int    `json:"functions_called,omitempty"`

	// Raw is the undecoded payload, kept for passthrough diagnostics.
	Raw json.RawMessage `json:"-"`
}

// ErrMissingType is returned by Parse for payloads without a type tag.
var ErrMissingType = errors.New("stream: payload has no type")

// Parse decodes a single JSON payload into an Event.
func Parse(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("parse payload: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	ev.Kind = KindOf(ev.Type)
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}
