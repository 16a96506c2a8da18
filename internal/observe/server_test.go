package observe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/morgan/internal/attachment"
	"github.com/user/morgan/internal/chat"
	"github.com/user/morgan/internal/metrics"
	"github.com/user/morgan/internal/transcript"
	"github.com/user/morgan/pkg/stream"
)

// fakeSession answers every message with a fixed reply.
type fakeSession struct {
	store *transcript.Store
	busy  atomic.Bool

	mu    sync.Mutex
	last  *chat.Cycle
	input chat.Input
}

func newFakeSession() *fakeSession {
	return &fakeSession{store: transcript.New()}
}

func (f *fakeSession) Send(ctx context.Context, in chat.Input) (*chat.Cycle, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, chat.ErrEmptyMessage
	}
	if f.busy.Load() {
		return nil, chat.ErrCycleInFlight
	}
	f.store.Append(transcript.Message{Content: in.Text, Origin: transcript.OriginUser})
	f.store.Append(transcript.Message{Content: "reply", Origin: transcript.OriginAssistant})
	cycle := &chat.Cycle{ID: "cycle-1", Status: chat.CycleComplete, Input: in}
	cycle.Outcome.Content = "reply"
	cycle.Outcome.SawDone = true
	f.mu.Lock()
	f.last = cycle
	f.input = in
	f.mu.Unlock()
	return cycle, nil
}

func (f *fakeSession) LastCycle() *chat.Cycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeSession) lastInput() chat.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}

func (f *fakeSession) Reset() error {
	if f.busy.Load() {
		return chat.ErrCycleInFlight
	}
	f.store.Clear()
	return nil
}

func (f *fakeSession) Busy() bool                    { return f.busy.Load() }
func (f *fakeSession) Scenario() string              { return "default" }
func (f *fakeSession) Transcript() *transcript.Store { return f.store }

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeSession()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body healthResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Status != "ok" || body.Busy {
		t.Errorf("unexpected health %+v", body)
	}
}

func TestPostMessageAndTranscript(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewServer(session))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	var cycle cycleResponse
	json.NewDecoder(resp.Body).Decode(&cycle)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cycle.CycleID != "cycle-1" || cycle.Content != "reply" || cycle.Status != "complete" {
		t.Errorf("unexpected cycle response %+v", cycle)
	}

	resp, err = http.Get(srv.URL + "/api/transcript")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var tr transcriptResponse
	json.NewDecoder(resp.Body).Decode(&tr)
	if len(tr.Messages) != 2 || tr.Messages[0].Content != "hello" || tr.Messages[1].Origin != transcript.OriginAssistant {
		t.Errorf("unexpected transcript %+v", tr.Messages)
	}
	if tr.Scenario != "default" {
		t.Errorf("expected default scenario, got %q", tr.Scenario)
	}
}

func TestHealthReportsLastCycle(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeSession()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body healthResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.LastCycle == nil || body.LastCycle.CycleID != "cycle-1" || body.LastCycle.Status != "complete" {
		t.Errorf("expected the last cycle in health, got %+v", body.LastCycle)
	}
	if body.Messages != 2 {
		t.Errorf("expected 2 messages, got %d", body.Messages)
	}
}

func TestPostMessageWithAttachment(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewServer(session))
	defer srv.Close()

	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4\n%%EOF\n"))
	body := `{"message":"summarize","attachment":{"name":"brief.pdf","data":"data:application/pdf;base64,` + pdf + `"}}`
	resp, err := http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	in := session.lastInput()
	if in.Attachment == nil || in.Attachment.Name != "brief.pdf" || in.Attachment.Base64 != pdf {
		t.Errorf("expected the decoded attachment to reach the session, got %+v", in.Attachment)
	}
}

func TestPostMessageRejectsAttachment(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewServer(session, WithEncoder(attachment.NewEncoder(1<<10))))
	defer srv.Close()

	text := base64.StdEncoding.EncodeToString([]byte("plain text"))
	for _, tc := range []struct {
		data string
		want int
	}{
		{text, http.StatusUnsupportedMediaType},
		{"%%%", http.StatusBadRequest},
	} {
		body := `{"message":"read","attachment":{"name":"notes","data":"` + tc.data + `"}}`
		resp, err := http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("data %q: expected %d, got %d", tc.data, tc.want, resp.StatusCode)
		}
	}
	if session.store.Len() != 0 {
		t.Errorf("expected nothing sent, got %d records", session.store.Len())
	}
}

func TestPostMessageErrors(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewServer(session))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(`not json`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(`{"message":" "}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty message, got %d", resp.StatusCode)
	}

	session.busy.Store(true)
	resp, err = http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", resp.StatusCode)
	}
}

func TestResetTranscript(t *testing.T) {
	session := newFakeSession()
	session.store.Append(transcript.Message{Content: "x", Origin: transcript.OriginUser})
	srv := httptest.NewServer(NewServer(session))
	defer srv.Close()

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/transcript", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	session.busy.Store(true)
	if code := del(); code != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", code)
	}
	session.busy.Store(false)
	if code := del(); code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", code)
	}
	if session.store.Len() != 0 {
		t.Error("expected transcript to be cleared")
	}
}

func TestTranscriptEvents(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewServer(session, WithKeepalive(time.Hour)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/transcript/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream, got %q", ct)
	}

	dec := stream.NewDecoder(resp.Body)
	if !dec.Next() || dec.Event().Type != "connected" {
		t.Fatalf("expected connected frame, got %+v (err %v)", dec.Event(), dec.Err())
	}

	session.store.Append(transcript.Message{Content: "", Origin: transcript.OriginAssistant})
	session.store.UpdateLast("partial")

	var frames []changeFrame
	for len(frames) < 2 && dec.Next() {
		var f changeFrame
		if err := json.Unmarshal(dec.Event().Raw, &f); err != nil {
			t.Fatal(err)
		}
		frames = append(frames, f)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 change frames, got %d (err %v)", len(frames), dec.Err())
	}
	if frames[0].Type != "append" || frames[0].Index != 0 {
		t.Errorf("unexpected append frame %+v", frames[0])
	}
	if frames[1].Type != "update" || frames[1].Record == nil || frames[1].Record.Content != "partial" {
		t.Errorf("unexpected update frame %+v", frames[1])
	}
}

func TestTranscriptEventsKeepalive(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeSession(), WithKeepalive(20*time.Millisecond)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/transcript/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 128)
	for !strings.Contains(string(buf), ": keepalive") {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			t.Fatalf("expected keepalive before error, got %v (read %q)", err, buf)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.CycleStarted()

	srv := httptest.NewServer(NewServer(newFakeSession(), WithGatherer(reg)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "morgan_cycles_in_flight 1") {
		t.Errorf("expected in-flight gauge in output, got:\n%s", body)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewServer(newFakeSession()).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
