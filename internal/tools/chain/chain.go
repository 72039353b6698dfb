package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/tools"
	"AgentHive-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// callTimeout 是单次链上调用的默认超时时间。
const callTimeout = 30 * time.Second

func addressArg(args map[string]any) (common.Address, error) {
	raw, _ := args["address"].(string)
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArguments,
			fmt.Sprintf("无效的链上地址: %q", raw))
	}
	return common.HexToAddress(raw), nil
}

func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, callTimeout)
}

// BalanceTool 查询指定地址的链上余额。
type BalanceTool struct {
	client web3.Client
}

// NewBalanceTool 创建余额查询工具。
func NewBalanceTool(client web3.Client) *BalanceTool {
	return &BalanceTool{client: client}
}

func (t *BalanceTool) Name() string        { return "get_balance" }
func (t *BalanceTool) Description() string { return "查询指定地址的原生代币余额（wei，十六进制）" }
func (t *BalanceTool) SideEffecting() bool { return false }

func (t *BalanceTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{
				"type":        "string",
				"description": "要查询的十六进制地址",
			},
		},
		"required": []string{"address"},
	}
}

func (t *BalanceTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	address, err := addressArg(args)
	if err != nil {
		return tools.Result{}, err
	}
	callCtx, cancel := withCallTimeout(ctx)
	defer cancel()

	balance, err := t.client.BalanceAt(callCtx, address)
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err, "查询余额失败")
	}
	return tools.Result{Content: "0x" + balance.Text(16)}, nil
}

// NonceTool 查询指定地址的交易计数。
type NonceTool struct {
	client web3.Client
}

// NewNonceTool 创建交易计数查询工具。
func NewNonceTool(client web3.Client) *NonceTool {
	return &NonceTool{client: client}
}

func (t *NonceTool) Name() string        { return "get_transaction_count" }
func (t *NonceTool) Description() string { return "查询指定地址的待定交易计数（nonce）" }
func (t *NonceTool) SideEffecting() bool { return false }

func (t *NonceTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{
				"type":        "string",
				"description": "要查询的十六进制地址",
			},
		},
		"required": []string{"address"},
	}
}

func (t *NonceTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	address, err := addressArg(args)
	if err != nil {
		return tools.Result{}, err
	}
	callCtx, cancel := withCallTimeout(ctx)
	defer cancel()

	nonce, err := t.client.PendingNonceAt(callCtx, address)
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err, "查询交易计数失败")
	}
	return tools.Result{Content: fmt.Sprintf("0x%x", nonce)}, nil
}

// SnapshotTool 获取当前链的元信息快照。
type SnapshotTool struct {
	client web3.Client
}

// NewSnapshotTool 创建链快照工具。
func NewSnapshotTool(client web3.Client) *SnapshotTool {
	return &SnapshotTool{client: client}
}

func (t *SnapshotTool) Name() string        { return "get_chain_snapshot" }
func (t *SnapshotTool) Description() string { return "获取当前链的链 ID 与最新区块高度" }
func (t *SnapshotTool) SideEffecting() bool { return false }

func (t *SnapshotTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *SnapshotTool) Invoke(ctx context.Context, _ map[string]any) (tools.Result, error) {
	callCtx, cancel := withCallTimeout(ctx)
	defer cancel()

	snapshot, err := t.client.FetchChainSnapshot(callCtx)
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err, "获取链快照失败")
	}
	return tools.Result{
		Content: fmt.Sprintf("chain_id=%s block_number=%s", snapshot.ChainID, snapshot.BlockNumber),
	}, nil
}

// DeployContractTool 部署智能合约，属于副作用工具：一次调用至多执行一次，
// 失败后不会被引擎自动重试。
type DeployContractTool struct {
	client  web3.Client
	chainID *big.Int
}

// NewDeployContractTool 创建合约部署工具。
func NewDeployContractTool(client web3.Client, chainID *big.Int) *DeployContractTool {
	return &DeployContractTool{client: client, chainID: chainID}
}

func (t *DeployContractTool) Name() string        { return "deploy_contract" }
func (t *DeployContractTool) Description() string { return "使用给定的 ABI 与字节码部署智能合约" }
func (t *DeployContractTool) SideEffecting() bool { return true }

func (t *DeployContractTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"abi": map[string]any{
				"type":        "string",
				"description": "合约 ABI 的 JSON 文本",
			},
			"bytecode": map[string]any{
				"type":        "string",
				"description": "合约字节码（十六进制，可带 0x 前缀）",
			},
			"private_key": map[string]any{
				"type":        "string",
				"description": "部署账户的私钥（十六进制）",
			},
		},
		"required": []string{"abi", "bytecode", "private_key"},
	}
}

func (t *DeployContractTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	abiJSON, _ := args["abi"].(string)
	rawBytecode, _ := args["bytecode"].(string)
	rawKey, _ := args["private_key"].(string)

	bytecode, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(rawBytecode), "0x"))
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeInvalidArguments, err, "解析合约字节码失败")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(rawKey), "0x"))
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeInvalidArguments, err, "解析部署私钥失败")
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, t.chainID)
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err, "构建交易签名器失败")
	}

	callCtx, cancel := withCallTimeout(ctx)
	defer cancel()

	deployment, err := t.client.DeployContract(callCtx, auth, abiJSON, bytecode)
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err, "部署合约失败")
	}

	address := deployment.ContractAddress.Hex()
	txHash := ""
	if deployment.Transaction != nil {
		txHash = deployment.Transaction.Hash().Hex()
	}
	return tools.Result{
		Content: fmt.Sprintf("contract_address=%s tx_hash=%s", address, txHash),
		Summary: fmt.Sprintf("deployed contract at %s", address),
	}, nil
}

// SendRawTransactionTool 广播已签名的交易，属于副作用工具。
type SendRawTransactionTool struct {
	client web3.Client
}

// NewSendRawTransactionTool 创建交易广播工具。
func NewSendRawTransactionTool(client web3.Client) *SendRawTransactionTool {
	return &SendRawTransactionTool{client: client}
}

func (t *SendRawTransactionTool) Name() string        { return "send_raw_transaction" }
func (t *SendRawTransactionTool) Description() string { return "广播一笔已签名的交易" }
func (t *SendRawTransactionTool) SideEffecting() bool { return true }

func (t *SendRawTransactionTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"raw_tx": map[string]any{
				"type":        "string",
				"description": "RLP 编码的已签名交易（十六进制，可带 0x 前缀）",
			},
		},
		"required": []string{"raw_tx"},
	}
}

func (t *SendRawTransactionTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	raw, _ := args["raw_tx"].(string)
	payload, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeInvalidArguments, err, "解析交易编码失败")
	}

	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(payload); err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeInvalidArguments, err, "反序列化交易失败")
	}

	callCtx, cancel := withCallTimeout(ctx)
	defer cancel()

	hash, err := t.client.SendSignedTransaction(callCtx, tx)
	if err != nil {
		return tools.Result{}, xerrors.Wrap(xerrors.CodeToolExecutionFailed, err, "广播交易失败")
	}
	return tools.Result{
		Content: fmt.Sprintf("tx_hash=%s", hash.Hex()),
		Summary: fmt.Sprintf("broadcast transaction %s", hash.Hex()),
	}, nil
}

// RegisterAll 将全部链上工具注册到注册表。
func RegisterAll(registry *tools.Registry, client web3.Client, chainID *big.Int) error {
	contracts := []tools.Contract{
		NewBalanceTool(client),
		NewNonceTool(client),
		NewSnapshotTool(client),
		NewDeployContractTool(client, chainID),
		NewSendRawTransactionTool(client),
	}
	for _, contract := range contracts {
		if err := registry.Register(contract); err != nil {
			return err
		}
	}
	return nil
}
