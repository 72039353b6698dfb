package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateTextResponse(t *testing.T) {
	var captured struct {
		APIKey  string
		Version string
		Body    map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.APIKey = r.Header.Get("x-api-key")
		captured.Version = r.Header.Get("anthropic-version")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "你好"},
			},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Instructions: "保持简洁",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "打个招呼"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "你好" || !resp.FinalAnswer() {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.APIKey != "test" || captured.Version == "" {
		t.Fatalf("missing auth headers: %+v", captured)
	}
	if captured.Body["system"] != "保持简洁" {
		t.Fatalf("system prompt missing: %v", captured.Body["system"])
	}
}

func TestGenerateToolUseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "我来查一下"},
				{
					"type":  "tool_use",
					"id":    "toolu-1",
					"name":  "get_balance",
					"input": map[string]any{"address": "0xabc"},
				},
			},
			"stop_reason": "tool_use",
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "查余额"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinalAnswer() || len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp)
	}
	if resp.Text != "我来查一下" {
		t.Fatalf("expected accompanying text, got %q", resp.Text)
	}
	call := resp.ToolCalls[0]
	if call.ID != "toolu-1" || call.Name != "get_balance" || call.Arguments["address"] != "0xabc" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
}

func TestGenerateToolResultTranslation(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "余额是 1 ETH"}},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "查余额"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "toolu-1", Name: "get_balance", Arguments: map[string]any{"address": "0xabc"}}}},
			{Role: llm.RoleTool, ToolCallID: "toolu-1", Content: "1000000000000000000"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, ok := body["messages"].([]any)
	if !ok || len(messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %v", body["messages"])
	}
	last, ok := messages[2].(map[string]any)
	if !ok || last["role"] != "user" {
		t.Fatalf("tool result should be sent as user role, got %v", messages[2])
	}
	blocks, ok := last["content"].([]any)
	if !ok || len(blocks) != 1 {
		t.Fatalf("unexpected content blocks: %v", last["content"])
	}
	block := blocks[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "toolu-1" {
		t.Fatalf("unexpected tool_result block: %v", block)
	}
}

func TestGenerateErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "测试"}},
	})
	if got := xerrors.CodeOf(err); got != xerrors.CodeProviderUnavailable {
		t.Fatalf("unexpected code: got %s, err %v", got, err)
	}
}
