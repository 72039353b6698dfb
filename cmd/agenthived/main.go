package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentHive-Chain/internal/agentdef"
	"AgentHive-Chain/internal/api"
	"AgentHive-Chain/internal/auth"
	"AgentHive-Chain/internal/config"
	"AgentHive-Chain/internal/convo"
	"AgentHive-Chain/internal/engine"
	"AgentHive-Chain/internal/knowledge"
	"AgentHive-Chain/internal/llm"
	"AgentHive-Chain/internal/llm/anthropic"
	"AgentHive-Chain/internal/llm/openai"
	"AgentHive-Chain/internal/run"
	"AgentHive-Chain/internal/tools"
	"AgentHive-Chain/internal/tools/chain"
	"AgentHive-Chain/internal/web3/provider"
	"AgentHive-Chain/pkg/logger"
)

// main 是 AgentHive 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("agenthived 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := os.Getenv("AGENTHIVE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agenthive.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	agents, err := agentdef.LoadCatalog(cfg.Agents.Catalog)
	if err != nil {
		return err
	}

	providers, err := createProviders(cfg)
	if err != nil {
		return err
	}

	// 会话与执行记录共用同一个存储驱动。
	var convoStore convo.Store
	var runStore run.Store
	switch cfg.Storage.Driver {
	case "memory":
		convoStore = convo.NewMemoryStore()
		runStore = run.NewMemoryStore()
	case "mysql":
		cs, err := convo.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		convoStore = cs
		rs, err := run.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		runStore = rs
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = convoStore.Close()
		_ = runStore.Close()
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭执行队列失败", "error", err)
		}
	}()

	registry := tools.NewRegistry()
	if err := registry.Register(tools.CurrentTimeTool{}); err != nil {
		return err
	}
	if cfg.Knowledge.Path != "" {
		knowledgeProvider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		if err := registry.Register(tools.NewKnowledgeSearchTool(knowledgeProvider)); err != nil {
			return err
		}
	}

	// 仅在配置了链端点时注册链上工具。
	if cfg.Web3.Enabled {
		chains, err := provider.NewRegistry(ctx, provider.Config{
			ChainConfig:  cfg.Web3.ChainConfig,
			RPCURL:       cfg.Web3.RPCURL,
			DefaultChain: cfg.Web3.DefaultChain,
		})
		if err != nil {
			return err
		}
		defer chains.Close()

		web3Client, err := chains.DefaultClient()
		if err != nil {
			return err
		}
		// 链目录里的 chain_id 优先，JSON 配置仅作兜底。
		var chainID *big.Int
		if id := chains.DefaultChainID(); id > 0 {
			chainID = big.NewInt(id)
		} else if cfg.Web3.ChainID > 0 {
			chainID = big.NewInt(cfg.Web3.ChainID)
		}
		if err := chain.RegisterAll(registry, web3Client, chainID); err != nil {
			return err
		}
	}

	eng := engine.New(agents, registry, convoStore, providers)

	// 存储与队列的生命周期由上面的 defer 统一管理。
	runService := run.NewService(runStore, queue, cfg.Queue.MaxRetries)

	processor := run.NewProcessor(eng, runStore, queue, queue,
		run.WithWorkerCount(cfg.Queue.Workers),
		run.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("执行处理器异常退出", "error", err)
		}
	}()

	var serverOpts []api.Option
	if cfg.Auth.Mode != "" && cfg.Auth.Mode != auth.ModeDisabled {
		authSvc, err := auth.NewService(cfg.Auth)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithAuth(authSvc))
	}

	server := api.NewServer(cfg.Server.Address, eng, runService, agents, convoStore, serverOpts...)

	logger.L().Info("agenthived 已启动", "addr", cfg.Server.Address, "storage", cfg.Storage.Driver, "queue", cfg.Queue.Driver)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createProviders 按配置实例化全部模型客户端。
func createProviders(cfg *config.Config) (map[string]llm.Client, error) {
	providers := make(map[string]llm.Client, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		timeout := time.Duration(pc.TimeoutSeconds) * time.Second
		apiKey := pc.ResolveAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("提供方 %s 需要配置 api_key 或 api_key_env", name)
		}
		switch strings.ToLower(pc.Type) {
		case "openai":
			client, err := openai.NewClient(openai.Config{
				APIKey:  apiKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: timeout,
			})
			if err != nil {
				return nil, err
			}
			providers[name] = client
		case "anthropic":
			client, err := anthropic.NewClient(anthropic.Config{
				APIKey:  apiKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: timeout,
			})
			if err != nil {
				return nil, err
			}
			providers[name] = client
		default:
			return nil, fmt.Errorf("未知的模型提供方类型: %s", pc.Type)
		}
	}
	return providers, nil
}

// createQueue 按配置实例化执行队列。
func createQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return run.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:     cfg.Queue.RabbitMQ.URL,
			Queue:   cfg.Queue.RabbitMQ.Queue,
			Durable: cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
