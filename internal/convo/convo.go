package convo

import (
	xerrors "AgentHive-Chain/internal/errors"
)

// SessionStatus 表示会话在生命周期中的状态。
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session 描述一次与智能体的连续对话。AgentID 只用于查找智能体定义，
// 不表示所有权。
type Session struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Status    SessionStatus `json:"status"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}

// Role 表示消息的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRecord 持久化模型请求的一次工具调用。
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message 是会话内的一条只追加消息。Seq 在会话内从 1 起连续递增，
// 提交后不再修改；按 Seq 重放即可重建完整上下文。
type Message struct {
	Seq        int64           `json:"seq"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCall   *ToolCallRecord `json:"tool_call,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// ToolInvocation 记录一次工具执行。记录只写入一次，重试会产生新的记录，
// 因此副作用永远有迹可查。
type ToolInvocation struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	TriggerSeq int64          `json:"trigger_seq"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	SideEffect bool           `json:"side_effect"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  int64          `json:"created_at"`
}

var (
	// ErrSessionNotFound 表示指定的会话不存在。
	ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")
	// ErrConflict 表示并发写入者已经占用了目标序号。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "message sequence conflict")
)

// IsValidSessionStatus 检查给定的会话状态是否为支持的枚举值。
func IsValidSessionStatus(status SessionStatus) bool {
	switch status {
	case SessionActive, SessionCompleted, SessionFailed:
		return true
	default:
		return false
	}
}

func cloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cloned := make(map[string]any, len(args))
	for key, value := range args {
		cloned[key] = value
	}
	return cloned
}

func cloneMessage(msg Message) Message {
	clone := msg
	if msg.ToolCall != nil {
		callCopy := *msg.ToolCall
		callCopy.Arguments = cloneArguments(msg.ToolCall.Arguments)
		clone.ToolCall = &callCopy
	}
	return clone
}
