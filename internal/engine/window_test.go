package engine

import (
	"fmt"
	"testing"

	"AgentHive-Chain/internal/convo"
	"AgentHive-Chain/internal/llm"
)

func userMsg(seq int64, content string) convo.Message {
	return convo.Message{Seq: seq, Role: convo.RoleUser, Content: content}
}

func assistantCall(seq int64, callID, tool string) convo.Message {
	return convo.Message{
		Seq:  seq,
		Role: convo.RoleAssistant,
		ToolCall: &convo.ToolCallRecord{
			ID:        callID,
			Name:      tool,
			Arguments: map[string]any{"address": "0xabc"},
		},
	}
}

func toolResult(seq int64, callID, result string) convo.Message {
	return convo.Message{
		Seq:        seq,
		Role:       convo.RoleTool,
		ToolCall:   &convo.ToolCallRecord{ID: callID, Name: "get_balance"},
		ToolResult: result,
	}
}

func TestBuildWindowKeepsFullHistoryWithoutLimit(t *testing.T) {
	history := []convo.Message{
		userMsg(1, "hi"),
		{Seq: 2, Role: convo.RoleAssistant, Content: "hello"},
	}

	window := BuildWindow(history, WindowPolicy{})
	if len(window) != 2 {
		t.Fatalf("window length = %d, want 2", len(window))
	}
	if window[0].Role != llm.RoleUser || window[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", window)
	}
}

func TestBuildWindowTruncatesToMostRecent(t *testing.T) {
	var history []convo.Message
	for i := int64(1); i <= 10; i++ {
		history = append(history, userMsg(i, fmt.Sprintf("msg-%d", i)))
	}

	window := BuildWindow(history, WindowPolicy{MaxMessages: 3})
	if len(window) != 3 {
		t.Fatalf("window length = %d, want 3", len(window))
	}
	if window[0].Content != "msg-8" || window[2].Content != "msg-10" {
		t.Fatalf("unexpected window contents: %+v", window)
	}
}

func TestBuildWindowDropsOrphanedToolResults(t *testing.T) {
	history := []convo.Message{
		userMsg(1, "check balance"),
		assistantCall(2, "call-1", "get_balance"),
		toolResult(3, "call-1", "100"),
		{Seq: 4, Role: convo.RoleAssistant, Content: "the balance is 100"},
	}

	// 裁剪到 3 条会让窗口以工具结果开头，该结果必须被丢弃。
	window := BuildWindow(history, WindowPolicy{MaxMessages: 3})
	if len(window) != 2 {
		t.Fatalf("window length = %d, want 2", len(window))
	}
	if window[0].Role == llm.RoleTool {
		t.Fatalf("window must not start with a tool result")
	}
}

func TestBuildWindowTranslatesToolMessages(t *testing.T) {
	history := []convo.Message{
		assistantCall(1, "call-9", "get_balance"),
		toolResult(2, "call-9", "42"),
	}

	window := BuildWindow(history, WindowPolicy{})
	if len(window[0].ToolCalls) != 1 || window[0].ToolCalls[0].ID != "call-9" {
		t.Fatalf("assistant tool call not translated: %+v", window[0])
	}
	if window[0].ToolCalls[0].Name != "get_balance" {
		t.Fatalf("tool name lost in translation: %+v", window[0].ToolCalls)
	}
	if window[1].Role != llm.RoleTool || window[1].ToolCallID != "call-9" || window[1].Content != "42" {
		t.Fatalf("tool result not translated: %+v", window[1])
	}
}

func TestBuildWindowIsPure(t *testing.T) {
	history := []convo.Message{
		userMsg(1, "hi"),
		assistantCall(2, "call-1", "get_balance"),
		toolResult(3, "call-1", "100"),
	}

	first := BuildWindow(history, WindowPolicy{MaxMessages: 2})
	second := BuildWindow(history, WindowPolicy{MaxMessages: 2})
	if len(first) != len(second) {
		t.Fatalf("repeated calls disagree: %d vs %d", len(first), len(second))
	}
	if history[1].ToolCall == nil || history[1].ToolCall.ID != "call-1" {
		t.Fatalf("input history mutated: %+v", history[1])
	}
}
