package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"AgentHive-Chain/internal/auth"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Queue     QueueConfig     `json:"queue"`
	Agents    AgentsConfig    `json:"agents"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Auth      auth.Config     `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述会话与执行记录使用的持久化后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LLMConfig 声明可用的模型提供方，键为智能体定义引用的提供方名称。
type LLMConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig 描述单个模型提供方的接入参数。
// APIKeyEnv 优先于 APIKey，避免把密钥写进配置文件。
type ProviderConfig struct {
	Type           string `json:"type"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ResolveAPIKey 按优先级返回提供方的 API Key。
func (p ProviderConfig) ResolveAPIKey() string {
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
		if value := os.Getenv(env); value != "" {
			return value
		}
	}
	return strings.TrimSpace(p.APIKey)
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	Enabled      bool   `json:"enabled"`
	ChainConfig  string `json:"chain_config"`
	RPCURL       string `json:"rpc_url"`
	DefaultChain string `json:"default_chain"`
	ChainID      int64  `json:"chain_id"`
}

// QueueConfig 描述异步执行队列的后端。
type QueueConfig struct {
	Driver     string         `json:"driver"`
	Buffer     int            `json:"buffer"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// AgentsConfig 指向智能体定义目录文件。
type AgentsConfig struct {
	Catalog string `json:"catalog"`
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// LoggingConfig 控制日志输出的级别与格式。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Agents.Catalog = resolvePath(baseDir, c.Agents.Catalog)
	c.Knowledge.Path = resolvePath(baseDir, c.Knowledge.Path)
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
}

// validate 拦截启动后必然失败的配置组合。
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("mysql 存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}

	if strings.TrimSpace(c.Agents.Catalog) == "" {
		return errors.New("缺少智能体定义目录 agents.catalog")
	}

	for name, provider := range c.LLM.Providers {
		switch strings.ToLower(provider.Type) {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("提供方 %s 使用了不支持的类型 %s", name, provider.Type)
		}
	}

	return nil
}

// resolvePath 把相对路径转换成基于配置文件目录的绝对路径。
func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
