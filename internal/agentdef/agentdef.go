package agentdef

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentHive-Chain/internal/errors"

	"gopkg.in/yaml.v3"
)

// RetryPolicy 描述调用模型服务失败后的重试策略。
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// Definition 描述一个智能体的静态配置，加载后不可变。
type Definition struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	Provider      string      `yaml:"provider"`
	Model         string      `yaml:"model"`
	Temperature   float64     `yaml:"temperature"`
	MaxTokens     int         `yaml:"max_tokens"`
	Instructions  string      `yaml:"instructions"`
	Tools         []string    `yaml:"tools"`
	MaxIterations int         `yaml:"max_iterations"`
	MemoryWindow  int         `yaml:"memory_window"`
	Retry         RetryPolicy `yaml:"retry"`
}

// AllowsTool 判断工具是否在该智能体的允许列表中。
func (d *Definition) AllowsTool(name string) bool {
	for _, tool := range d.Tools {
		if tool == name {
			return true
		}
	}
	return false
}

const (
	defaultMaxIterations = 8
	defaultMemoryWindow  = 20
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 500 * time.Millisecond
)

// applyDefaults 填充未显式配置的字段。
func (d *Definition) applyDefaults() {
	if d.MaxIterations <= 0 {
		d.MaxIterations = defaultMaxIterations
	}
	if d.MemoryWindow <= 0 {
		d.MemoryWindow = defaultMemoryWindow
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = defaultMaxAttempts
	}
	if d.Retry.BackoffBase <= 0 {
		d.Retry.BackoffBase = defaultBackoffBase
	}
}

// validate 在加载阶段校验配置，启动时即拒绝非法定义。
func (d *Definition) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("智能体 ID 不能为空")
	}
	if strings.TrimSpace(d.Provider) == "" {
		return fmt.Errorf("智能体 %s 未配置模型提供方", d.ID)
	}
	if strings.TrimSpace(d.Model) == "" {
		return fmt.Errorf("智能体 %s 未配置模型名称", d.ID)
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("智能体 %s 的 temperature 超出范围 [0, 2]", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Tools))
	for _, tool := range d.Tools {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("智能体 %s 的工具列表包含空名称", d.ID)
		}
		if _, ok := seen[tool]; ok {
			return fmt.Errorf("智能体 %s 重复声明工具 %s", d.ID, tool)
		}
		seen[tool] = struct{}{}
	}
	return nil
}

// catalogFile 对应 agents.yaml 的顶层结构。
type catalogFile struct {
	Agents []Definition `yaml:"agents"`
}

// Registry 保存全部已加载的智能体定义，运行期只读。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry 创建空的定义注册表。
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Add 注册一个智能体定义，ID 冲突时返回错误。
func (r *Registry) Add(def Definition) error {
	def.applyDefaults()
	if err := def.validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的智能体定义")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 已注册", def.ID))
	}
	r.defs[def.ID] = &def
	return nil
}

// Resolve 按 ID 查找智能体定义。
func (r *Registry) Resolve(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未找到智能体 %s", id))
	}
	clone := *def
	clone.Tools = append([]string(nil), def.Tools...)
	return &clone, nil
}

// List 返回全部定义，按 ID 排序。
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		clone := *def
		clone.Tools = append([]string(nil), def.Tools...)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadCatalog 从 YAML 文件加载智能体目录。
func LoadCatalog(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取智能体目录失败")
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析智能体目录失败")
	}
	if len(file.Agents) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录为空")
	}

	registry := NewRegistry()
	for _, def := range file.Agents {
		if err := registry.Add(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
