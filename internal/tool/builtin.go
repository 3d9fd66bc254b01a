package tool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/page"
	"ChainPilot/internal/plan"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/provider"
)

// RegisterBuiltins 注册全部内置工具并套用清单覆盖。
// 链上工具名称与计划步骤类型一一对应，引擎据此分发。
func RegisterBuiltins(r *Registry, providers *provider.Registry, driver page.Driver, manifest *Manifest) error {
	defs := builtinWeb3Tools(providers)
	defs = append(defs, builtinPageTools(driver)...)
	defs = append(defs, builtinUtilityTools()...)
	for _, def := range defs {
		if !manifest.Apply(&def) {
			continue
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// clientFor 按参数中的 chainId 选择链上客户端，未指定时取默认链。
func clientFor(providers *provider.Registry, params map[string]any) (web3.Client, error) {
	if id, ok := chainIDParam(params); ok {
		if client, ok := providers.ClientByChainID(id); ok {
			return client, nil
		}
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("链 %d 未配置", id))
	}
	return providers.DefaultClient()
}

func chainIDParam(params map[string]any) (int64, bool) {
	v, ok := params["chainId"]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	case float64:
		return int64(id), true
	case string:
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func builtinWeb3Tools(providers *provider.Registry) []Definition {
	quoteHandler := func(kind web3.QuoteKind, payload string) Handler {
		return func(ctx context.Context, params map[string]any) (any, error) {
			client, err := clientFor(providers, params)
			if err != nil {
				return nil, err
			}
			chainID, _ := chainIDParam(params)
			var toChainID int64
			if v, ok := params["toChainId"]; ok {
				if id, ok := chainIDParam(map[string]any{"chainId": v}); ok {
					toChainID = id
				}
			}
			quote, err := client.Quote(ctx, web3.QuoteRequest{
				Kind:      kind,
				ChainID:   chainID,
				ToChainID: toChainID,
				FromToken: stringParam(params, "fromToken"),
				ToToken:   stringParam(params, "toToken"),
				Amount:    stringParam(params, "amount"),
				Protocol:  stringParam(params, "protocol"),
			})
			if err != nil {
				return nil, err
			}
			// 非托管边界：返回待签名请求，签名与广播交给用户钱包。
			return map[string]any{
				"status":        "awaiting_signature",
				"operation":     payload,
				"protocol":      quote.Protocol,
				"estimatedGas":  quote.EstimatedGas,
				"estimatedTime": quote.EstimatedTime.String(),
				"outputAmount":  quote.OutputAmount,
				"priceImpact":   quote.PriceImpact,
				"params":        params,
			}, nil
		}
	}

	tokenParams := []Parameter{
		{Name: "fromToken", Type: "string", Required: true, Description: "source token symbol or address"},
		{Name: "toToken", Type: "string", Required: false, Description: "destination token symbol or address"},
		{Name: "amount", Type: "string", Required: true, Description: "human readable amount"},
		{Name: "chainId", Type: "number", Required: false, Description: "chain to operate on"},
	}

	return []Definition{
		{
			Name:        string(plan.StepTypeBalanceQuery),
			Description: "查询地址在指定链上的原生代币余额",
			Parameters: []Parameter{
				{Name: "address", Type: "string", Required: true, Description: "account address"},
				{Name: "chainId", Type: "number", Required: false, Description: "chain to query"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryWeb3,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				client, err := clientFor(providers, params)
				if err != nil {
					return nil, err
				}
				balance, err := client.BalanceOf(ctx, stringParam(params, "address"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"address": params["address"], "balance": balance}, nil
			},
		},
		{
			Name:        string(plan.StepTypeGasQuery),
			Description: "查询指定链的当前建议 gas 价格",
			Parameters: []Parameter{
				{Name: "chainId", Type: "number", Required: false, Description: "chain to query"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryWeb3,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				client, err := clientFor(providers, params)
				if err != nil {
					return nil, err
				}
				price, err := client.SuggestGasPrice(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"gasPrice": price}, nil
			},
		},
		{
			Name:        string(plan.StepTypeChainSnapshot),
			Description: "抓取指定链的区块高度与 gas 快照",
			Parameters: []Parameter{
				{Name: "chainId", Type: "number", Required: false, Description: "chain to query"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryWeb3,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				client, err := clientFor(providers, params)
				if err != nil {
					return nil, err
				}
				snapshot, err := client.FetchChainSnapshot(ctx)
				if err != nil {
					return nil, err
				}
				return snapshot, nil
			},
		},
		{
			Name:        string(plan.StepTypeApprove),
			Description: "构造 ERC-20 授权交易并返回待签名请求",
			Parameters: []Parameter{
				{Name: "fromToken", Type: "string", Required: true, Description: "token to approve"},
				{Name: "amount", Type: "string", Required: false, Description: "allowance amount, unlimited when empty"},
				{Name: "spender", Type: "string", Required: false, Description: "spender contract"},
				{Name: "chainId", Type: "number", Required: false, Description: "chain to operate on"},
			},
			Risk:      plan.RiskMedium,
			Category:  CategoryWeb3,
			Retryable: true,
			// 授权不走报价：gas 消耗固定，报价接口会把兑换字段混进结果。
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				client, err := clientFor(providers, params)
				if err != nil {
					return nil, err
				}
				price, err := client.SuggestGasPrice(ctx)
				if err != nil {
					return nil, err
				}
				amount := stringParam(params, "amount")
				if amount == "" {
					amount = "unlimited"
				}
				return map[string]any{
					"status":       "awaiting_signature",
					"operation":    "approve",
					"token":        stringParam(params, "fromToken"),
					"spender":      stringParam(params, "spender"),
					"amount":       amount,
					"estimatedGas": uint64(46_000),
					"gasPrice":     price,
				}, nil
			},
		},
		{
			Name:        string(plan.StepTypeSwap),
			Description: "构造代币兑换交易并返回待签名请求",
			Parameters:  tokenParams,
			Risk:        plan.RiskHigh,
			Category:    CategoryWeb3,
			Retryable:   true,
			Handler:     quoteHandler(web3.QuoteSwap, "swap"),
		},
		{
			Name:        string(plan.StepTypeBridge),
			Description: "构造跨链转移交易并返回待签名请求",
			Parameters: append(tokenParams, Parameter{
				Name: "toChainId", Type: "number", Required: true, Description: "destination chain",
			}),
			Risk:      plan.RiskHigh,
			Category:  CategoryWeb3,
			Retryable: true,
			Handler:   quoteHandler(web3.QuoteBridge, "bridge"),
		},
		{
			Name:        string(plan.StepTypeStake),
			Description: "构造质押交易并返回待签名请求",
			Parameters:  tokenParams,
			Risk:        plan.RiskHigh,
			Category:    CategoryWeb3,
			Retryable:   true,
			Handler:     quoteHandler(web3.QuoteStake, "stake"),
		},
		{
			Name:        string(plan.StepTypeTransfer),
			Description: "构造原生代币或 ERC-20 转账并返回待签名请求",
			Parameters: []Parameter{
				{Name: "recipient", Type: "string", Required: true, Description: "recipient address or ENS name"},
				{Name: "amount", Type: "string", Required: true, Description: "amount to send"},
				{Name: "fromToken", Type: "string", Required: false, Description: "token to send, native when empty"},
				{Name: "chainId", Type: "number", Required: false, Description: "chain to operate on"},
			},
			Risk:      plan.RiskHigh,
			Category:  CategoryWeb3,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				client, err := clientFor(providers, params)
				if err != nil {
					return nil, err
				}
				price, err := client.SuggestGasPrice(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"status":    "awaiting_signature",
					"operation": "transfer",
					"recipient": params["recipient"],
					"amount":    params["amount"],
					"gasPrice":  price,
				}, nil
			},
		},
		{
			Name:        string(plan.StepTypeAddLiquidity),
			Description: "构造添加流动性交易并返回待签名请求",
			Parameters: []Parameter{
				{Name: "fromToken", Type: "string", Required: true, Description: "first pool token"},
				{Name: "toToken", Type: "string", Required: true, Description: "second pool token"},
				{Name: "amount", Type: "string", Required: false, Description: "amount of the first token, wallet decides when empty"},
				{Name: "chainId", Type: "number", Required: false, Description: "chain to operate on"},
			},
			Risk:      plan.RiskHigh,
			Category:  CategoryWeb3,
			Retryable: true,
			Handler:   quoteHandler(web3.QuoteSwap, "add_liquidity"),
		},
		{
			Name:        string(plan.StepTypeConnect),
			Description: "向前端发起钱包连接请求",
			Parameters:  nil,
			Risk:        plan.RiskLow,
			Category:    CategoryWeb3,
			Retryable:   false,
			Handler: func(context.Context, map[string]any) (any, error) {
				return map[string]any{"status": "awaiting_wallet", "operation": "connect"}, nil
			},
		},
		{
			Name:        string(plan.StepTypeSwitchNetwork),
			Description: "向前端发起切换网络请求",
			Parameters: []Parameter{
				{Name: "chainId", Type: "number", Required: true, Description: "target chain"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryWeb3,
			Retryable: false,
			Handler: func(_ context.Context, params map[string]any) (any, error) {
				id, ok := chainIDParam(params)
				if !ok {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, "chainId 不是合法的链编号")
				}
				return map[string]any{"status": "awaiting_wallet", "operation": "switch_network", "chainId": id}, nil
			},
		},
	}
}

func builtinPageTools(driver page.Driver) []Definition {
	return []Definition{
		{
			Name:        "navigate_page",
			Description: "跳转到指定页面地址",
			Parameters: []Parameter{
				{Name: "url", Type: "string", Required: true, Description: "target url"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryPage,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				url := stringParam(params, "url")
				if err := driver.Navigate(ctx, url); err != nil {
					return nil, err
				}
				return map[string]any{"url": url}, nil
			},
		},
		{
			Name:        "click_element",
			Description: "点击页面上匹配选择器的元素",
			Parameters: []Parameter{
				{Name: "selector", Type: "string", Required: true, Description: "css selector"},
			},
			Risk:      plan.RiskMedium,
			Category:  CategoryPage,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				selector := stringParam(params, "selector")
				if err := driver.Click(ctx, selector); err != nil {
					return nil, err
				}
				url, _ := driver.CurrentURL(ctx)
				return map[string]any{"selector": selector, "url": url}, nil
			},
		},
		{
			Name:        "extract_text",
			Description: "提取页面上匹配选择器的文本",
			Parameters: []Parameter{
				{Name: "selector", Type: "string", Required: true, Description: "css selector"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryPage,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				text, err := driver.Extract(ctx, stringParam(params, "selector"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"text": text}, nil
			},
		},
		{
			Name:        "check_element",
			Description: "检查页面上是否存在匹配选择器的元素",
			Parameters: []Parameter{
				{Name: "selector", Type: "string", Required: true, Description: "css selector"},
			},
			Risk:      plan.RiskLow,
			Category:  CategoryPage,
			Retryable: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				exists, err := driver.ElementExists(ctx, stringParam(params, "selector"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"exists": exists}, nil
			},
		},
	}
}

func builtinUtilityTools() []Definition {
	return []Definition{
		{
			Name:        "wait",
			Description: "等待指定的毫秒数",
			Parameters: []Parameter{
				{Name: "ms", Type: "number", Required: true, Description: "milliseconds to wait"},
			},
			Risk:     plan.RiskLow,
			Category: CategoryUtility,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				ms, ok := params["ms"].(float64)
				if !ok {
					if n, isInt := params["ms"].(int); isInt {
						ms = float64(n)
					} else {
						return nil, xerrors.New(xerrors.CodeInvalidArgument, "ms 不是数字")
					}
				}
				timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-timer.C:
					return map[string]any{"waited_ms": ms}, nil
				}
			},
		},
		{
			Name:        "echo",
			Description: "原样返回输入，用于链路排查",
			Parameters: []Parameter{
				{Name: "message", Type: "string", Required: true, Description: "message to echo"},
			},
			Risk:     plan.RiskLow,
			Category: CategoryUtility,
			Handler: func(_ context.Context, params map[string]any) (any, error) {
				return map[string]any{"message": params["message"]}, nil
			},
		},
	}
}
