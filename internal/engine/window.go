package engine

import (
	"AgentHive-Chain/internal/convo"
	"AgentHive-Chain/internal/llm"
)

// WindowPolicy 控制发给模型的上下文窗口大小。
type WindowPolicy struct {
	// MaxMessages 为窗口内保留的最大消息数，0 或负数表示不裁剪。
	MaxMessages int
}

// BuildWindow 把持久化的会话历史裁剪并翻译为模型上下文。
// 纯函数：裁剪只保留最近的 MaxMessages 条消息，且不会让窗口以
// 孤立的工具结果开头，避免模型看到没有对应调用的结果。
func BuildWindow(history []convo.Message, policy WindowPolicy) []llm.Message {
	window := history
	if policy.MaxMessages > 0 && len(window) > policy.MaxMessages {
		window = window[len(window)-policy.MaxMessages:]
	}

	// 窗口开头的工具结果失去了触发它的调用消息，直接丢弃。
	for len(window) > 0 && window[0].Role == convo.RoleTool {
		window = window[1:]
	}

	out := make([]llm.Message, 0, len(window))
	for _, msg := range window {
		out = append(out, translateMessage(msg))
	}
	return out
}

func translateMessage(msg convo.Message) llm.Message {
	switch msg.Role {
	case convo.RoleAssistant:
		translated := llm.Message{Role: llm.RoleAssistant, Content: msg.Content}
		if msg.ToolCall != nil {
			translated.ToolCalls = []llm.ToolCall{{
				ID:        msg.ToolCall.ID,
				Name:      msg.ToolCall.Name,
				Arguments: msg.ToolCall.Arguments,
			}}
		}
		return translated
	case convo.RoleTool:
		translated := llm.Message{Role: llm.RoleTool, Content: msg.ToolResult}
		if msg.ToolCall != nil {
			translated.ToolCallID = msg.ToolCall.ID
		}
		return translated
	default:
		return llm.Message{Role: llm.RoleUser, Content: msg.Content}
	}
}
