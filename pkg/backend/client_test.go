package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamSendsJSON(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPathPrefix+PathCoTStream {
			t.Errorf("expected path %s, got %s", PathCoTStream, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"done\"}\n\n")
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL + "/", APIKey: "test-key"})
	body, err := client.Stream(context.Background(), &Request{
		Message: "hi",
		History: []HistoryMessage{{Content: "earlier", Agent: "userAgent"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if !strings.Contains(string(data), `"done"`) {
		t.Errorf("unexpected stream body %q", data)
	}
	if got.Message != "hi" {
		t.Errorf("expected message 'hi', got %q", got.Message)
	}
	if got.Scenario != "default" {
		t.Errorf("expected default scenario, got %q", got.Scenario)
	}
	if len(got.Messages) != 1 || got.Messages[0].Agent != "userAgent" {
		t.Errorf("unexpected history %+v", got.Messages)
	}
}

func TestStreamEmptyHistoryIsArray(t *testing.T) {
	var raw map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	body, err := client.Stream(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	body.Close()

	if string(raw["messages"]) != "[]" {
		t.Errorf("expected empty array for messages, got %s", raw["messages"])
	}
	if _, ok := raw["reasoning"]; ok {
		t.Error("expected reasoning to be omitted when unset")
	}
}

func TestStreamUploadsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPathPrefix+PathCoTUploadStream {
			t.Errorf("expected path %s, got %s", PathCoTUploadStream, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("message") != "summarize" {
			t.Errorf("unexpected message field %q", r.FormValue("message"))
		}
		if r.FormValue("scenario") != "legal" {
			t.Errorf("unexpected scenario field %q", r.FormValue("scenario"))
		}
		if r.FormValue("messages") != "[]" {
			t.Errorf("unexpected messages field %q", r.FormValue("messages"))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		defer file.Close()
		if header.Filename != "doc.pdf" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		if header.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("unexpected file content type %q", header.Header.Get("Content-Type"))
		}
		data, _ := io.ReadAll(file)
		if string(data) != "%PDF-1.4" {
			t.Errorf("unexpected file data %q", data)
		}
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	body, err := client.Stream(context.Background(), &Request{
		Message:  "summarize",
		Scenario: "legal",
		File:     &Upload{Name: "doc.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.4")},
	})
	if err != nil {
		t.Fatal(err)
	}
	body.Close()
}

func TestStreamStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream down")
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	_, err := client.Stream(context.Background(), &Request{Message: "hi"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway || statusErr.Body != "upstream down" {
		t.Errorf("unexpected status error %+v", statusErr)
	}
	if !IsRetryable(err) {
		t.Error("expected 502 to be retryable")
	}
}

func TestStatusErrorConvertsHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "<html><body><h1>Server Error</h1><p>try <b>later</b></p></body></html>")
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	_, err := client.Stream(context.Background(), &Request{Message: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if strings.Contains(statusErr.Body, "<h1>") {
		t.Errorf("expected HTML to be converted, got %q", statusErr.Body)
	}
	if !strings.Contains(statusErr.Body, "Server Error") {
		t.Errorf("expected heading text to survive, got %q", statusErr.Body)
	}
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPathPrefix+PathChat {
			t.Errorf("expected path %s, got %s", PathChat, r.URL.Path)
		}
		json.NewEncoder(w).Encode(ChatResponse{Response: "hello there", Success: true})
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	resp, err := client.Complete(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Response != "hello there" {
		t.Errorf("expected 'hello there', got %q", resp.Response)
	}
}

func TestCompleteReportedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Success: false, Error: "model overloaded"})
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	_, err := client.Complete(context.Background(), &Request{Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("expected backend failure, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPathPrefix+PathHealth {
			t.Errorf("expected path %s, got %s", PathHealth, r.URL.Path)
		}
		io.WriteString(w, `{"status":"healthy","model":"gpt-4o","openai_configured":true}`)
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL})
	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" || h.Model != "gpt-4o" || !h.OpenAIConfigured {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestPathPrefix(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		io.WriteString(w, `{"status":"healthy"}`)
	}))
	defer server.Close()

	if _, err := New(&Config{BaseURL: server.URL, PathPrefix: "/"}).Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := New(&Config{BaseURL: server.URL}).Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "/health" || paths[1] != "/api/health" {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestNoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no auth header, got %q", auth)
		}
		io.WriteString(w, `{"status":"healthy"}`)
	}))
	defer server.Close()

	if _, err := New(&Config{BaseURL: server.URL}).Health(context.Background()); err != nil {
		t.Fatal(err)
	}
}
