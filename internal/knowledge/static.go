package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(query string) []Snippet
}

// Snippet 描述可供智能体引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// indexed 是归一化后的检索条目，关键词与标签在加载时统一小写。
type indexed struct {
	snippet  Snippet
	keywords []string
	tags     []string
}

// StaticProvider 基于 JSON 文件提供打分排序的静态知识检索。
// 关键词命中计 2 分，标签命中计 1 分，结果按得分从高到低返回。
type StaticProvider struct {
	index      []indexed
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	index := make([]indexed, 0, len(items))
	for _, item := range items {
		index = append(index, indexed{
			snippet:  item,
			keywords: normalizeTerms(item.Keywords),
			tags:     normalizeTerms(item.Tags),
		})
	}
	return &StaticProvider{index: index, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 对查询文本打分并返回得分最高的若干条目。
// 没有任何关键词与标签的条目视作兜底内容，始终以最低分参与排序。
func (p *StaticProvider) Query(query string) []Snippet {
	if p == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))

	type scored struct {
		snippet Snippet
		score   int
		order   int
	}
	ranked := make([]scored, 0, len(p.index))
	for i, item := range p.index {
		score := item.score(query)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, scored{snippet: item.snippet, score: score, order: i})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})

	limit := p.maxResults
	if len(ranked) < limit {
		limit = len(ranked)
	}
	results := make([]Snippet, 0, limit)
	for _, entry := range ranked[:limit] {
		results = append(results, entry.snippet)
	}
	return results
}

func (e indexed) score(query string) int {
	if len(e.keywords) == 0 && len(e.tags) == 0 {
		return 1
	}
	score := 0
	for _, keyword := range e.keywords {
		if strings.Contains(query, keyword) {
			score += 2
		}
	}
	for _, tag := range e.tags {
		if strings.Contains(query, tag) {
			score++
		}
	}
	return score
}

func normalizeTerms(terms []string) []string {
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			normalized = append(normalized, term)
		}
	}
	return normalized
}

var _ Provider = (*StaticProvider)(nil)
