// Package agenthive provides a small Go client for the AgentHive REST API.
package agenthive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentHive REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// ChatRequest is the payload for a synchronous chat invocation.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Input     string `json:"input"`
}

// ChatResult is the final outcome of a synchronous chat invocation.
type ChatResult struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	Reply      string `json:"reply"`
	Iterations int    `json:"iterations"`
	Retries    int    `json:"retries"`
}

// RunSubmission is the payload for an asynchronous run submission.
type RunSubmission struct {
	ID        string            `json:"id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Input     string            `json:"input"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RunResult carries the outcome of a completed run.
type RunResult struct {
	SessionID  string `json:"session_id"`
	Reply      string `json:"reply"`
	Iterations int    `json:"iterations"`
	Retries    int    `json:"retries"`
}

// Run is the server side view of an asynchronous execution.
type Run struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Input      string            `json:"input"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *RunResult        `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Terminal reports whether the run reached a final state.
func (r *Run) Terminal() bool {
	if r == nil {
		return false
	}
	return r.Status == "succeeded" || r.Status == "failed"
}

// Message is one entry of a conversation history.
type Message struct {
	Seq        int64          `json:"seq"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCall   map[string]any `json:"tool_call,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// Agent describes a registered agent definition.
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Tools         []string `json:"tools,omitempty"`
	MaxIterations int      `json:"max_iterations"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agenthive api error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agenthive api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentHive API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores the key sent as a bearer token on subsequent calls.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Chat runs an agent synchronously and returns the final reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var result ChatResult
	if err := c.post(ctx, "/api/v1/chat", req, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// SubmitRun enqueues an asynchronous execution.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/runs", submission, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var detail Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &detail); err != nil {
		return Run{}, err
	}
	return detail, nil
}

// WaitForRun polls a run until it reaches a terminal state or the context is
// cancelled.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if detail.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SessionMessages returns the full message history of a session.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var payload struct {
		Messages []Message `json:"messages"`
	}
	endpoint := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// ListAgents returns the agent definitions registered on the server.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var payload struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", &payload); err != nil {
		return nil, err
	}
	return payload.Agents, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
