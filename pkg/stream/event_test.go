package stream

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"reasoning":                 KindReasoningDelta,
		"reasoning_delta":           KindReasoningDelta,
		"content":                   KindContentDelta,
		"content_delta":             KindContentDelta,
		"analysis_summary":          KindAnalysisSummary,
		"status":                    KindPassthrough,
		"response.completed":        KindPassthrough,
		"function_args_delta":       KindPassthrough,
		"something_from_the_future": KindUnknown,
	}
	for tag, want := range cases {
		if got := KindOf(tag); got != want {
			t.Errorf("KindOf(%q) = %s, want %s", tag, got, want)
		}
	}
}

func TestParseFields(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"analysis_summary","document_processed":true,"functions_called":3,"filename":"a.pdf"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindAnalysisSummary {
		t.Errorf("expected analysis_summary, got %s", ev.Kind)
	}
	if !ev.DocumentProcessed || ev.FunctionsCalled != 3 || ev.Filename != "a.pdf" {
		t.Errorf("unexpected fields: %+v", ev)
	}
}

func TestParseMissingType(t *testing.T) {
	_, err := Parse([]byte(`{"content":"x"}`))
	if !errors.Is(err, ErrMissingType) {
		t.Errorf("expected ErrMissingType, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	if KindContentEnd.String() != "content_end" {
		t.Errorf("unexpected name %q", KindContentEnd.String())
	}
	if Kind(99).String() != "kind(99)" {
		t.Errorf("unexpected name %q", Kind(99).String())
	}
}
