package convo

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentHive-Chain/internal/errors"
)

// MemoryStore 以内存方式保存会话状态，主要用于测试与本地开发。
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	messages    map[string][]Message
	invocations map[string][]ToolInvocation
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		messages:    make(map[string][]Message),
		invocations: make(map[string][]ToolInvocation),
	}
}

// CreateSession 实现 Store 接口。
func (m *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = SessionActive
	}
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

// GetSession 返回会话。
func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

// SetSessionStatus 更新会话状态。
func (m *MemoryStore) SetSessionStatus(_ context.Context, id string, status SessionStatus) error {
	if !IsValidSessionStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的会话状态")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Status = status
	session.UpdatedAt = time.Now().Unix()
	return nil
}

// Append 以乐观并发控制追加消息。
func (m *MemoryStore) Append(_ context.Context, sessionID string, msg Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(sessionID, msg)
}

// AppendWithInvocation 原子地追加消息并记录工具调用。
func (m *MemoryStore) AppendWithInvocation(_ context.Context, sessionID string, msg Message, inv ToolInvocation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.appendLocked(sessionID, msg)
	if err != nil {
		return 0, err
	}
	inv.SessionID = sessionID
	if inv.CreatedAt == 0 {
		inv.CreatedAt = time.Now().Unix()
	}
	inv.Arguments = cloneArguments(inv.Arguments)
	m.invocations[sessionID] = append(m.invocations[sessionID], inv)
	return seq, nil
}

func (m *MemoryStore) appendLocked(sessionID string, msg Message) (int64, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}

	history := m.messages[sessionID]
	expected := int64(len(history)) + 1
	if msg.Seq == 0 {
		msg.Seq = expected
	}
	if msg.Seq != expected {
		return 0, ErrConflict
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	m.messages[sessionID] = append(history, cloneMessage(msg))
	session.UpdatedAt = time.Now().Unix()
	return msg.Seq, nil
}

// Read 返回从 fromSeq 开始的消息序列，可重复调用且结果稳定。
func (m *MemoryStore) Read(_ context.Context, sessionID string, fromSeq int64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	history := m.messages[sessionID]
	results := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.Seq < fromSeq {
			continue
		}
		results = append(results, cloneMessage(msg))
	}
	return results, nil
}

// ListInvocations 返回会话内的全部工具调用记录。
func (m *MemoryStore) ListInvocations(_ context.Context, sessionID string) ([]ToolInvocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	records := m.invocations[sessionID]
	results := make([]ToolInvocation, len(records))
	copy(results, records)
	return results, nil
}

// SessionIDs 返回全部会话 ID，按字典序排列。
func (m *MemoryStore) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
