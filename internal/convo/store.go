package convo

import "context"

// Store 抽象了会话状态的持久化接口。
//
// Append 在 (session, seq) 上做乐观并发控制：msg.Seq 必须是当前最大序号
// 加一，否则返回 ErrConflict，并发写入同一会话的竞争会变成明确上报的冲突
// 而不是静默交错。AppendWithInvocation 把消息追加与工具调用记录放在同一
// 事务中，保证副作用先于任何后续动作被持久化。
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionStatus(ctx context.Context, id string, status SessionStatus) error
	Append(ctx context.Context, sessionID string, msg Message) (int64, error)
	AppendWithInvocation(ctx context.Context, sessionID string, msg Message, inv ToolInvocation) (int64, error)
	Read(ctx context.Context, sessionID string, fromSeq int64) ([]Message, error)
	ListInvocations(ctx context.Context, sessionID string) ([]ToolInvocation, error)
	Close() error
}
