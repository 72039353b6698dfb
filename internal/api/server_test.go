package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"AgentHive-Chain/internal/agentdef"
	"AgentHive-Chain/internal/auth"
	"AgentHive-Chain/internal/convo"
	"AgentHive-Chain/internal/engine"
	"AgentHive-Chain/internal/llm"
	"AgentHive-Chain/internal/run"
	"AgentHive-Chain/internal/tools"
)

type staticClient struct {
	reply string
}

func (c *staticClient) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: c.reply}, nil
}

func newTestServer(t *testing.T) (*Server, *run.Service, *convo.MemoryStore) {
	t.Helper()

	agents := agentdef.NewRegistry()
	if err := agents.Add(agentdef.Definition{
		ID:       "helper",
		Name:     "Helper",
		Provider: "openai",
		Model:    "gpt-4o-mini",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	store := convo.NewMemoryStore()
	eng := engine.New(agents, tools.NewRegistry(), store, map[string]llm.Client{
		"openai": &staticClient{reply: "hello there"},
	})

	runStore := run.NewMemoryStore()
	queue := run.NewMemoryQueue(8)
	runs := run.NewService(runStore, queue, 3)

	return NewServer(":0", eng, runs, agents, store), runs, store
}

func TestHandleChatSuccess(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := strings.NewReader(`{"agent_id":"helper","input":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", body)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reply != "hello there" {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}
	if resp.Status != convo.SessionCompleted {
		t.Fatalf("unexpected session status: %q", resp.Status)
	}
	if resp.SessionID == "" {
		t.Fatalf("expected a session id")
	}
}

func TestHandleChatErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"agent_id":"missing","input":"hi"}`))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Error.Code != "NOT_FOUND" {
			t.Fatalf("unexpected error code: %q", body.Error.Code)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"agent_id":"helper"}`))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleSubmitAndGetRun(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := strings.NewReader(`{"agent_id":"helper","input":"do the thing"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d, body %s", rec.Code, rec.Body.String())
	}
	var created run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if created.ID == "" || created.Status != run.StatusPending {
		t.Fatalf("unexpected run: %+v", created)
	}

	detail := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+created.ID, nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, detail)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", rec.Code)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/runs/does-not-exist", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, missing)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing run, got %d", rec.Code)
	}
}

func TestHandleListRunsFiltersAndValidation(t *testing.T) {
	server, runs, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		if _, err := runs.Submit(context.Background(), run.SubmitRequest{
			AgentID: "helper",
			Input:   "payload",
		}); err != nil {
			t.Fatalf("submit run: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=pending&limit=2", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Runs []*run.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(listed.Runs))
	}

	bad := httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=nonsense", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", rec.Code)
	}

	stats := httptest.NewRequest(http.MethodGet, "/api/v1/runs/stats", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, stats)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected stats status: %d", rec.Code)
	}
	var gotStats run.RunStats
	if err := json.Unmarshal(rec.Body.Bytes(), &gotStats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if gotStats.Pending != 3 {
		t.Fatalf("expected 3 pending runs, got %d", gotStats.Pending)
	}
}

func TestHandleSessionDetail(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Produce a session through the chat endpoint first.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"agent_id":"helper","input":"hi"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}

	messages := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+resp.SessionID+"/messages", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, messages)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected messages status: %d", rec.Code)
	}
	var history struct {
		Messages []convo.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(history.Messages))
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/does-not-exist", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, missing)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing session, got %d", rec.Code)
	}
}

func TestHandleAgents(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var listed struct {
		Agents []agentdef.Definition `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(listed.Agents) != 1 || listed.Agents[0].ID != "helper" {
		t.Fatalf("unexpected agents: %+v", listed.Agents)
	}
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	server, _, _ := newTestServer(t)
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.KeyConfig{{Key: "secret", Name: "ops", Scopes: []string{"*"}}},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	server.auth = authSvc

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	// Health stays open even with auth enabled.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", rec.Code)
	}
}
