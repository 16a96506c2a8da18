// Package backend is an HTTP client for the MORGAN chat backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Endpoint paths, relative to the path prefix.
const (
	PathChat            = "/chat"
	PathChatUpload      = "/chat/upload"
	PathCoTStream       = "/chat/cot-stream"
	PathCoTUploadStream = "/chat/upload-cot-stream"
	PathHealth          = "/health"

	// DefaultPathPrefix is where the front-end proxy mounts the backend.
	DefaultPathPrefix = "/api"

	maxErrorBody = 64 * 1024
)

// Client talks to the chat backend.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// New creates a client with the given configuration.
func New(config *Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.PathPrefix == "" {
		config.PathPrefix = DefaultPathPrefix
	}
	return &Client{
		config: config,
		// No client-wide timeout: it would also cut off long streams.
		httpClient: &http.Client{},
	}
}

// chatRequest is the JSON body for the chat endpoints.
type chatRequest struct {
	Message   string           `json:"message"`
	Scenario  string           `json:"scenario"`
	Messages  []HistoryMessage `json:"messages"`
	Reasoning *ReasoningConfig `json:"reasoning,omitempty"`
}

// Stream sends req to the chain-of-thought endpoint and returns the open
// response body. Requests with a file go to the upload variant as
// multipart. The caller must close the body.
func (c *Client) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	path := PathCoTStream
	if req.File != nil {
		path = PathCoTUploadStream
	}
	httpReq, err := c.newRequest(ctx, path, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// Complete sends req to the non-streaming endpoint and returns the whole
// answer.
func (c *Client) Complete(ctx context.Context, req *Request) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	path := PathChat
	if req.File != nil {
		path = PathChatUpload
	}
	httpReq, err := c.newRequest(ctx, path, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if !chatResp.Success && chatResp.Error != "" {
		return &chatResp, fmt.Errorf("backend reported failure: %s", chatResp.Error)
	}
	return &chatResp, nil
}

// Health queries the backend health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(PathHealth), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &health, nil
}

// URL returns the absolute URL of an endpoint path.
func (c *Client) URL(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + strings.TrimRight(c.config.PathPrefix, "/") + path
}

func (c *Client) authorize(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

func (c *Client) newRequest(ctx context.Context, path string, req *Request) (*http.Request, error) {
	history := req.History
	if history == nil {
		history = []HistoryMessage{}
	}
	scenario := req.Scenario
	if scenario == "" {
		scenario = "default"
	}

	var (
		body        io.Reader
		contentType string
	)
	if req.File != nil {
		buf, ct, err := multipartBody(req, scenario, history)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	} else {
		data, err := json.Marshal(chatRequest{
			Message:   req.Message,
			Scenario:  scenario,
			Messages:  history,
			Reasoning: req.Reasoning,
		})
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	c.authorize(httpReq)
	return httpReq, nil
}

func multipartBody(req *Request, scenario string, history []HistoryMessage) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.File.Name))
	mimeType := req.File.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(req.File.Data); err != nil {
		return nil, "", fmt.Errorf("writing file part: %w", err)
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling history: %w", err)
	}
	fields := [][2]string{
		{"message", req.Message},
		{"scenario", scenario},
		{"messages", string(historyJSON)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// statusError builds a StatusError from a failed response. HTML error
// pages are converted to markdown so the diagnostic stays readable.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(string(data))
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") && body != "" {
		if md, err := htmltomarkdown.ConvertString(body); err == nil {
			body = strings.TrimSpace(md)
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}
