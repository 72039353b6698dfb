package tools

import (
	"context"

	xerrors "AgentHive-Chain/internal/errors"
)

// Result 是一次工具调用的结构化输出。Summary 用于副作用工具的审计日志，
// 例如 "deployed contract at 0xABC"。
type Result struct {
	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`
}

// Contract 是所有可注册工具必须实现的统一调用契约。
// 副作用工具（SideEffecting 返回 true）的一次调用至多执行一次，
// 引擎不会对其自动重试。
type Contract interface {
	Name() string
	Description() string
	Schema() map[string]any
	SideEffecting() bool
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

var (
	// ErrUnknownTool 表示请求的工具未注册。
	ErrUnknownTool = xerrors.New(xerrors.CodeUnknownTool, "")
	// ErrInvalidArguments 表示参数未通过 schema 校验。
	ErrInvalidArguments = xerrors.New(xerrors.CodeInvalidArguments, "")
)
