package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/llm"
)

// Registry 维护工具名到实现的映射。注册发生在启动阶段，
// 之后只读，因此跨会话并发访问无需额外加锁。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Contract
}

// NewRegistry 创建一个空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Contract)}
}

// Register 注册一个工具，名称冲突时报错。
func (r *Registry) Register(tool Contract) error {
	if tool == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具不能为空")
	}
	name := tool.Name()
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	r.tools[name] = tool
	return nil
}

// Resolve 按名称查找工具。
func (r *Registry) Resolve(name string) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownTool, fmt.Sprintf("工具 %s 未注册", name))
	}
	return tool, nil
}

// Names 返回所有已注册工具的名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations 将允许列表中的工具翻译为 Provider 无关的声明。
// 允许列表中未注册的名称会被跳过。
func (r *Registry) Declarations(allowlist []string) []llm.ToolDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]llm.ToolDecl, 0, len(allowlist))
	for _, name := range allowlist {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		decls = append(decls, llm.ToolDecl{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return decls
}

// Invoke 在参数校验通过后执行工具。校验失败返回 INVALID_ARGUMENTS，
// 不会触达工具实现；执行失败统一包装为 TOOL_EXECUTION_FAILED。
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool, err := r.Resolve(name)
	if err != nil {
		return Result{}, err
	}

	if err := ValidateArguments(tool.Schema(), args); err != nil {
		return Result{}, err
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return Result{}, err
		}
		return Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err,
			fmt.Sprintf("工具 %s 执行失败", name))
	}
	return result, nil
}
