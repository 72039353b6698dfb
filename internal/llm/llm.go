package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 表示推理上下文中的一条消息。
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall 描述模型请求执行的一次工具调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDecl 是以 Provider 无关的方式声明的工具，由各适配器翻译成
// 自己的原生工具声明格式。
type ToolDecl struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request 描述发送给大模型的完整推理上下文。
type Request struct {
	Model        string
	Instructions string
	Messages     []Message
	Tools        []ToolDecl
	Temperature  float64
	MaxTokens    int
}

// Response 是大模型推理得到的结构化输出。ToolCalls 为空表示模型给出了
// 最终回答，否则需要按返回顺序依次执行工具调用。
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// FinalAnswer 判断响应是否为终态回答。
func (r *Response) FinalAnswer() bool {
	return r != nil && len(r.ToolCalls) == 0
}

// Client 定义了调用大模型的统一接口。实现方需要把传输层失败归类为
// PROVIDER_UNAVAILABLE / PROVIDER_REJECTED / MALFORMED_RESPONSE 三类错误码。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
