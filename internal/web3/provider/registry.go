package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentHive-Chain/internal/web3"
	"AgentHive-Chain/internal/web3/ethereum"
)

// Config carries the inputs needed to assemble chain clients.
type Config struct {
	ChainConfig  string
	RPCURL       string
	DefaultChain string
}

type entry struct {
	client  web3.Client
	chainID int64
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	entries      map[string]entry
}

// NewRegistry loads the chain catalog and instantiates concrete clients.
// With an empty catalog it falls back to a single client built from RPCURL.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	catalog, err := web3.LoadChainCatalog(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]entry, len(catalog.Chains))
	for name, def := range catalog.Chains {
		if def.Type != "evm" {
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: def.RPCURL,
			WSURL:  def.WSURL,
			Notes:  def.Notes,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		entries[name] = entry{client: client, chainID: def.ChainID}
	}

	if len(entries) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		entries["default"] = entry{client: client}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	if len(entries) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = sortedNames(entries)[0]
	}
	if _, ok := entries[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在目录中", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, entries: entries}, nil
}

// DefaultClient returns the client of the configured default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	def, ok := r.entries[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return def.client, nil
}

// DefaultChainID reports the catalog chain ID of the default chain,
// or zero when the catalog does not declare one.
func (r *Registry) DefaultChainID() int64 {
	if r == nil {
		return 0
	}
	return r.entries[r.defaultChain].chainID
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	def, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return def.client, true
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, def := range r.entries {
		if def.client != nil {
			def.client.Close()
		}
		delete(r.entries, name)
	}
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.entries)
}

func sortedNames(entries map[string]entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
