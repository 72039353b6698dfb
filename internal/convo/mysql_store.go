package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentHive-Chain/internal/errors"
	storagemysql "AgentHive-Chain/internal/storage/mysql"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化会话、消息与工具调用记录。
// messages 表以 (session_id, seq) 为主键，并发写入同一序号会触发
// 唯一键冲突（1062），映射为 ErrConflict。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// CreateSession 插入新的会话记录。
func (s *MySQLStore) CreateSession(ctx context.Context, session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(session.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}

	now := time.Now().Unix()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = SessionActive
	}

	const stmt = `INSERT INTO sessions (id, agent_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		session.ID, session.AgentID, session.Status, session.CreatedAt, session.UpdatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
	}
	return nil
}

// GetSession 查询指定会话。
func (s *MySQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	const stmt = `SELECT id, agent_id, status, created_at, updated_at FROM sessions WHERE id = ?`

	var session Session
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&session.ID, &session.AgentID, &session.Status, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return &session, nil
}

// SetSessionStatus 更新会话状态。
func (s *MySQLStore) SetSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	if !IsValidSessionStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的会话状态")
	}

	const stmt = `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Append 以乐观并发控制追加消息。
func (s *MySQLStore) Append(ctx context.Context, sessionID string, msg Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	seq, err := s.appendInTx(ctx, tx, sessionID, msg)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return seq, nil
}

// AppendWithInvocation 在同一事务中追加消息并记录工具调用，
// 两者同时成功或同时失败。
func (s *MySQLStore) AppendWithInvocation(ctx context.Context, sessionID string, msg Message, inv ToolInvocation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	seq, err := s.appendInTx(ctx, tx, sessionID, msg)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	argsValue, err := marshalArguments(inv.Arguments)
	if err != nil {
		_ = tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具参数失败")
	}
	if inv.CreatedAt == 0 {
		inv.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO tool_invocations
        (id, session_id, trigger_seq, tool, arguments, result, error, side_effect, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		inv.ID, sessionID, inv.TriggerSeq, inv.Tool, argsValue,
		inv.Result, inv.Error, inv.SideEffect, inv.DurationMs, inv.CreatedAt,
	); err != nil {
		_ = tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录工具调用失败")
	}

	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return seq, nil
}

func (s *MySQLStore) appendInTx(ctx context.Context, tx *sql.Tx, sessionID string, msg Message) (int64, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}

	if msg.Seq == 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID,
		).Scan(&maxSeq); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息序号失败")
		}
		msg.Seq = maxSeq.Int64 + 1
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}

	callValue, err := marshalToolCall(msg.ToolCall)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具调用失败")
	}

	const stmt = `INSERT INTO messages (session_id, seq, role, content, tool_call, tool_result, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		sessionID, msg.Seq, msg.Role, msg.Content, callValue, msg.ToolResult, msg.CreatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return 0, ErrConflict
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加消息失败")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().Unix(), sessionID,
	); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话时间失败")
	}
	return msg.Seq, nil
}

// Read 返回从 fromSeq 开始的消息序列。
func (s *MySQLStore) Read(ctx context.Context, sessionID string, fromSeq int64) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	const stmt = `SELECT seq, role, content, tool_call, tool_result, created_at
        FROM messages WHERE session_id = ? AND seq >= ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, stmt, sessionID, fromSeq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var callValue sql.NullString
		var toolResult sql.NullString
		if err := rows.Scan(&msg.Seq, &msg.Role, &msg.Content, &callValue, &toolResult, &msg.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息失败")
		}
		msg.ToolResult = toolResult.String
		call, err := unmarshalToolCall(callValue)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具调用失败")
		}
		msg.ToolCall = call
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return messages, nil
}

// ListInvocations 返回会话内的全部工具调用记录。
func (s *MySQLStore) ListInvocations(ctx context.Context, sessionID string) ([]ToolInvocation, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	const stmt = `SELECT id, session_id, trigger_seq, tool, arguments, result, error, side_effect, duration_ms, created_at
        FROM tool_invocations WHERE session_id = ? ORDER BY trigger_seq ASC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, stmt, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具调用失败")
	}
	defer rows.Close()

	var records []ToolInvocation
	for rows.Next() {
		var inv ToolInvocation
		var argsValue sql.NullString
		var result, errText sql.NullString
		if err := rows.Scan(&inv.ID, &inv.SessionID, &inv.TriggerSeq, &inv.Tool,
			&argsValue, &result, &errText, &inv.SideEffect, &inv.DurationMs, &inv.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具调用失败")
		}
		inv.Result = result.String
		inv.Error = errText.String
		args, err := unmarshalArguments(argsValue)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具参数失败")
		}
		inv.Arguments = args
		records = append(records, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工具调用失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func marshalArguments(args map[string]any) (sql.NullString, error) {
	if len(args) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalArguments(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw.String), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func marshalToolCall(call *ToolCallRecord) (sql.NullString, error) {
	if call == nil {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(call)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalToolCall(raw sql.NullString) (*ToolCallRecord, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var call ToolCallRecord
	if err := json.Unmarshal([]byte(raw.String), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

var _ Store = (*MySQLStore)(nil)
