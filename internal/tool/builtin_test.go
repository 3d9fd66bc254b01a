package tool

import (
	"context"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/page"
	"ChainPilot/internal/plan"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/provider"
)

type fakeChainClient struct {
	balance  string
	gasPrice string
}

func (f *fakeChainClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "1", BlockNumber: "100", GasPrice: f.gasPrice}, nil
}

func (f *fakeChainClient) BalanceOf(context.Context, string) (string, error) {
	return f.balance, nil
}

func (f *fakeChainClient) SuggestGasPrice(context.Context) (string, error) {
	return f.gasPrice, nil
}

func (f *fakeChainClient) Quote(_ context.Context, req web3.QuoteRequest) (web3.Quote, error) {
	return web3.Quote{
		Protocol:      "uniswap-v3",
		EstimatedGas:  150_000,
		EstimatedTime: 15 * time.Second,
		OutputAmount:  "9.9",
	}, nil
}

func (f *fakeChainClient) Close() {}

func builtinRegistry(t *testing.T) (*Registry, *page.MemoryDriver) {
	t.Helper()
	client := &fakeChainClient{balance: "1.5 ETH", gasPrice: "12 gwei"}
	providers := provider.NewStaticRegistry("ethereum", map[string]web3.Client{"ethereum": client})
	driver := page.NewMemoryDriver()
	driver.AddPage("https://app.example.org", page.Page{
		Content:  "Swap ready",
		Elements: map[string]string{"#swap": "Swap"},
	})

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	r := NewRegistry(cfg, nil)
	if err := RegisterBuiltins(r, providers, driver, &Manifest{}); err != nil {
		t.Fatalf("注册内置工具失败: %v", err)
	}
	return r, driver
}

func TestBuiltinToolNamesMatchStepTypes(t *testing.T) {
	r, _ := builtinRegistry(t)

	for _, stepType := range []plan.StepType{
		plan.StepTypeApprove, plan.StepTypeSwap, plan.StepTypeBridge,
		plan.StepTypeStake, plan.StepTypeTransfer, plan.StepTypeBalanceQuery,
		plan.StepTypeGasQuery, plan.StepTypeChainSnapshot, plan.StepTypeConnect,
		plan.StepTypeSwitchNetwork, plan.StepTypeAddLiquidity,
	} {
		if _, ok := r.Get(string(stepType)); !ok {
			t.Fatalf("步骤类型 %s 缺少对应工具", stepType)
		}
	}
}

func TestBalanceQueryTool(t *testing.T) {
	r, _ := builtinRegistry(t)

	result := r.Execute(context.Background(), string(plan.StepTypeBalanceQuery), map[string]any{
		"address": "0x1111111111111111111111111111111111111111",
	})

	if !result.Success {
		t.Fatalf("查询余额失败: %s", result.Error)
	}
	data, _ := result.Data.(map[string]any)
	if data["balance"] != "1.5 ETH" {
		t.Fatalf("余额结果错误: %v", data)
	}
}

func TestSwapToolReturnsAwaitingSignature(t *testing.T) {
	r, _ := builtinRegistry(t)

	result := r.Execute(context.Background(), string(plan.StepTypeSwap), map[string]any{
		"fromToken": "USDC",
		"toToken":   "ETH",
		"amount":    "10",
	})

	if !result.Success {
		t.Fatalf("兑换工具失败: %s", result.Error)
	}
	data, _ := result.Data.(map[string]any)
	if data["status"] != "awaiting_signature" {
		t.Fatalf("兑换结果应等待签名: %v", data)
	}
	if data["protocol"] != "uniswap-v3" {
		t.Fatalf("协议来源错误: %v", data)
	}
}

func TestApproveToolBuildsApprovalRequest(t *testing.T) {
	r, _ := builtinRegistry(t)

	// 授权额度可以缺省，模式匹配出的授权意图往往不带金额。
	result := r.Execute(context.Background(), string(plan.StepTypeApprove), map[string]any{
		"fromToken": "USDC",
		"spender":   "0x2222222222222222222222222222222222222222",
	})

	if !result.Success {
		t.Fatalf("授权工具失败: %s", result.Error)
	}
	data, _ := result.Data.(map[string]any)
	if data["status"] != "awaiting_signature" || data["operation"] != "approve" {
		t.Fatalf("授权结果错误: %v", data)
	}
	if data["amount"] != "unlimited" {
		t.Fatalf("缺省授权额度应为 unlimited: %v", data)
	}
	if data["gasPrice"] != "12 gwei" {
		t.Fatalf("gas 价格错误: %v", data)
	}
	if _, ok := data["outputAmount"]; ok {
		t.Fatalf("授权结果不应混入兑换报价字段: %v", data)
	}
}

func TestSwapToolUnknownChain(t *testing.T) {
	r, _ := builtinRegistry(t)

	result := r.Execute(context.Background(), string(plan.StepTypeSwap), map[string]any{
		"fromToken": "USDC",
		"amount":    "10",
		"chainId":   999,
	})

	if result.Success {
		t.Fatal("未配置的链不应成功")
	}
	if result.Code != xerrors.CodeNotFound && result.Code != xerrors.CodeRetriesExhausted {
		t.Fatalf("错误码不符合预期: %s", result.Code)
	}
}

func TestPageTools(t *testing.T) {
	r, driver := builtinRegistry(t)
	ctx := context.Background()

	nav := r.Execute(ctx, "navigate_page", map[string]any{"url": "https://app.example.org"})
	if !nav.Success {
		t.Fatalf("导航失败: %s", nav.Error)
	}
	click := r.Execute(ctx, "click_element", map[string]any{"selector": "#swap"})
	if !click.Success {
		t.Fatalf("点击失败: %s", click.Error)
	}
	if clicks := driver.Clicks(); len(clicks) != 1 || clicks[0] != "#swap" {
		t.Fatalf("点击历史错误: %v", clicks)
	}
	extract := r.Execute(ctx, "extract_text", map[string]any{"selector": "#swap"})
	if !extract.Success {
		t.Fatalf("提取文本失败: %s", extract.Error)
	}
	data, _ := extract.Data.(map[string]any)
	if data["text"] != "Swap" {
		t.Fatalf("提取文本错误: %v", data)
	}
}

func TestManifestOverridesBuiltin(t *testing.T) {
	client := &fakeChainClient{balance: "0", gasPrice: "1 gwei"}
	providers := provider.NewStaticRegistry("ethereum", map[string]web3.Client{"ethereum": client})
	retryable := false
	manifest := &Manifest{Tools: map[string]ManifestEntry{
		"echo":          {Disabled: true},
		"query_balance": {TimeoutMS: 5000, Retryable: &retryable, Risk: "medium"},
	}}

	r := NewRegistry(DefaultConfig(), nil)
	if err := RegisterBuiltins(r, providers, page.NewMemoryDriver(), manifest); err != nil {
		t.Fatalf("注册内置工具失败: %v", err)
	}

	if _, ok := r.Get("echo"); ok {
		t.Fatal("echo 应被清单禁用")
	}
	def, ok := r.Get("query_balance")
	if !ok {
		t.Fatal("query_balance 应保留")
	}
	if def.Timeout != 5*time.Second {
		t.Fatalf("超时覆盖未生效: %s", def.Timeout)
	}
	if def.Retryable {
		t.Fatal("重试覆盖未生效")
	}
	if def.Risk != plan.RiskMedium {
		t.Fatalf("风险覆盖未生效: %s", def.Risk)
	}
}
