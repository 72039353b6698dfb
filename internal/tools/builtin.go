package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/knowledge"
)

// CurrentTimeTool 返回服务器当前时间，用于给模型提供时间锚点。
type CurrentTimeTool struct{}

func (CurrentTimeTool) Name() string        { return "current_time" }
func (CurrentTimeTool) Description() string { return "返回服务器当前的 UTC 时间（RFC3339 格式）" }
func (CurrentTimeTool) SideEffecting() bool { return false }

func (CurrentTimeTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (CurrentTimeTool) Invoke(_ context.Context, _ map[string]any) (Result, error) {
	return Result{Content: time.Now().UTC().Format(time.RFC3339)}, nil
}

// KnowledgeSearchTool 在静态知识库中检索与查询相关的条目。
type KnowledgeSearchTool struct {
	provider knowledge.Provider
}

// NewKnowledgeSearchTool 创建知识检索工具。
func NewKnowledgeSearchTool(provider knowledge.Provider) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{provider: provider}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }

func (t *KnowledgeSearchTool) Description() string {
	return "在内置知识库中检索与查询文本相关的知识条目"
}

func (t *KnowledgeSearchTool) SideEffecting() bool { return false }

func (t *KnowledgeSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "检索用的查询文本",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeSearchTool) Invoke(_ context.Context, args map[string]any) (Result, error) {
	if t.provider == nil {
		return Result{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置知识库")
	}
	query, _ := args["query"].(string)

	snippets := t.provider.Query(query)
	if len(snippets) == 0 {
		return Result{Content: "知识库中没有匹配的条目"}, nil
	}

	var builder strings.Builder
	for idx, snippet := range snippets {
		builder.WriteString(fmt.Sprintf("[%d] %s: %s\n", idx+1, snippet.Title, snippet.Content))
	}
	return Result{Content: strings.TrimSpace(builder.String())}, nil
}

var (
	_ Contract = CurrentTimeTool{}
	_ Contract = (*KnowledgeSearchTool)(nil)
)
