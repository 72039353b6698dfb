package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainCatalog is the parsed form of configs/chains.yaml.
type ChainCatalog struct {
	Chains map[string]ChainEntry `yaml:"chains"`
}

// ChainEntry describes a single network endpoint. ChainID is optional; when
// set it is used for transaction signing without an extra RPC round trip.
type ChainEntry struct {
	Type    string `yaml:"type"`
	RPCURL  string `yaml:"rpc_url"`
	WSURL   string `yaml:"ws_url"`
	ChainID int64  `yaml:"chain_id"`
	Notes   string `yaml:"notes"`
}

// LoadChainCatalog reads and validates the chain catalog. An empty path
// yields an empty catalog so callers can fall back to a single RPC URL.
func LoadChainCatalog(path string) (ChainCatalog, error) {
	catalog := ChainCatalog{Chains: map[string]ChainEntry{}}
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainCatalog{}, fmt.Errorf("读取链目录失败: %w", err)
	}
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return ChainCatalog{}, fmt.Errorf("解析链目录失败: %w", err)
	}
	if catalog.Chains == nil {
		catalog.Chains = map[string]ChainEntry{}
	}

	for name, entry := range catalog.Chains {
		entry.Type = strings.ToLower(strings.TrimSpace(entry.Type))
		if entry.Type == "" {
			entry.Type = "evm"
		}
		if strings.TrimSpace(entry.RPCURL) == "" {
			return ChainCatalog{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		catalog.Chains[name] = entry
	}
	return catalog, nil
}
