package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/intent"
	"ChainPilot/internal/web3"

	"github.com/google/uuid"
)

// Planner 将意图转换为带依赖与风险标注的执行计划。
// 成本与耗时估算来自外部报价协作方；报价失败只会退化为静态估算，
// 不会导致计划构建失败。
type Planner struct {
	quoter web3.Quoter
	logger *slog.Logger
}

// PlannerOption 定义可选的 Planner 配置。
type PlannerOption func(*Planner)

// WithQuoter 指定报价协作方。
func WithQuoter(quoter web3.Quoter) PlannerOption {
	return func(p *Planner) {
		p.quoter = quoter
	}
}

// WithPlannerLogger 指定日志输出。
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		p.logger = logger
	}
}

// NewPlanner 创建 Planner。
func NewPlanner(opts ...PlannerOption) *Planner {
	p := &Planner{}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// nativeToken 是以太坊生态约定的原生代币占位地址，原生代币无需授权。
const nativeToken = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// CreatePlan 按意图动作分派到对应的构建器。
// 不支持的动作显式报错，绝不返回空计划。
func (p *Planner) CreatePlan(ctx context.Context, in intent.Intent) (*ExecutionPlan, error) {
	builder := &planBuilder{
		plan: &ExecutionPlan{
			ID:        uuid.NewString(),
			Intent:    in,
			CreatedAt: time.Now().Unix(),
		},
	}

	var err error
	switch in.Action {
	case intent.ActionSwap:
		err = p.buildSwap(ctx, builder, in)
	case intent.ActionBridge:
		err = p.buildBridge(ctx, builder, in)
	case intent.ActionStake:
		err = p.buildStake(ctx, builder, in)
	case intent.ActionSend:
		err = p.buildSend(builder, in)
	case intent.ActionApprove:
		err = p.buildApprove(builder, in)
	case intent.ActionQuery:
		err = p.buildQuery(builder, in)
	case intent.ActionConnect:
		err = p.buildConnect(builder)
	case intent.ActionSwitchNetwork:
		err = p.buildSwitchNetwork(builder, in)
	case intent.ActionAddLiquidity:
		err = p.buildAddLiquidity(builder, in)
	case intent.ActionRemoveLiquidity:
		err = xerrors.New(xerrors.CodeUnsupportedAction, "暂不支持移除流动性操作")
	default:
		err = xerrors.New(xerrors.CodeUnsupportedAction,
			fmt.Sprintf("不支持的意图动作: %s", in.Action))
	}
	if err != nil {
		return nil, err
	}

	builder.plan.finalize()
	if err := builder.plan.Validate(); err != nil {
		return nil, err
	}
	return builder.plan, nil
}

// planBuilder 负责生成计划内唯一且稳定的步骤 ID。
type planBuilder struct {
	plan *ExecutionPlan
	seq  int
}

// add 追加一个步骤并返回其 ID，供后续步骤声明依赖。
func (b *planBuilder) add(step *ActionStep) string {
	b.seq++
	step.ID = fmt.Sprintf("%s-%d", step.Type, b.seq)
	step.Status = StepPending
	b.plan.Steps = append(b.plan.Steps, step)
	return step.ID
}

func (p *Planner) buildSwap(ctx context.Context, b *planBuilder, in intent.Intent) error {
	if in.Entity("amount") == "" || in.Entity("fromToken") == "" || in.Entity("toToken") == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交换意图缺少 amount/fromToken/toToken 实体")
	}
	chainID := primaryChain(in)
	quote := p.quote(ctx, web3.QuoteRequest{
		Kind:      web3.QuoteSwap,
		ChainID:   chainID,
		FromToken: in.Entity("fromToken"),
		ToToken:   in.Entity("toToken"),
		Amount:    in.Entity("amount"),
		Protocol:  in.Constraint("protocol"),
	}, web3.Quote{Protocol: "uniswap-v3", EstimatedGas: 150_000, EstimatedTime: 15 * time.Second})

	var deps []string
	if approveID, ok := p.appendApprove(b, in, "fromToken", chainID); ok {
		deps = append(deps, approveID)
	}
	b.add(&ActionStep{
		Type: StepTypeSwap,
		Params: map[string]any{
			"chainId":   chainID,
			"fromToken": in.Entity("fromToken"),
			"toToken":   in.Entity("toToken"),
			"amount":    in.Entity("amount"),
			"protocol":  quote.Protocol,
			"slippage":  in.Constraint("slippage"),
			"minOut":    quote.OutputAmount,
		},
		DependsOn:     deps,
		Risk:          RiskHigh,
		EstimatedGas:  quote.EstimatedGas,
		EstimatedCost: gasCost(quote.EstimatedGas),
		EstimatedTime: quote.EstimatedTime,
	})
	return nil
}

func (p *Planner) buildBridge(ctx context.Context, b *planBuilder, in intent.Intent) error {
	if in.Entity("amount") == "" || in.Entity("token") == "" || in.Entity("toChain") == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "跨链意图缺少 amount/token/toChain 实体")
	}
	fromChain, toChain := bridgeChains(in)
	quote := p.quote(ctx, web3.QuoteRequest{
		Kind:      web3.QuoteBridge,
		ChainID:   fromChain,
		ToChainID: toChain,
		FromToken: in.Entity("token"),
		Amount:    in.Entity("amount"),
		Protocol:  in.Constraint("protocol"),
	}, web3.Quote{Protocol: "stargate", EstimatedGas: 260_000, EstimatedTime: 5 * time.Minute})

	var deps []string
	if approveID, ok := p.appendApprove(b, in, "token", fromChain); ok {
		deps = append(deps, approveID)
	}
	bridgeID := b.add(&ActionStep{
		Type: StepTypeBridge,
		Params: map[string]any{
			"chainId":   fromChain,
			"toChainId": toChain,
			"fromToken": in.Entity("token"),
			"amount":    in.Entity("amount"),
			"protocol":  quote.Protocol,
		},
		DependsOn:     deps,
		Risk:          RiskHigh,
		EstimatedGas:  quote.EstimatedGas,
		EstimatedCost: gasCost(quote.EstimatedGas),
		EstimatedTime: quote.EstimatedTime,
	})

	// 目标链上需要不同资产时，桥接后追加一次目标链上的兑换。
	if toToken := in.Entity("toToken"); toToken != "" && toToken != in.Entity("token") {
		destQuote := p.quote(ctx, web3.QuoteRequest{
			Kind:      web3.QuoteSwap,
			ChainID:   toChain,
			FromToken: in.Entity("token"),
			ToToken:   toToken,
			Amount:    in.Entity("amount"),
		}, web3.Quote{Protocol: "uniswap-v3", EstimatedGas: 150_000, EstimatedTime: 15 * time.Second})
		b.add(&ActionStep{
			Type: StepTypeSwap,
			Params: map[string]any{
				"chainId":   toChain,
				"fromToken": in.Entity("token"),
				"toToken":   toToken,
				"amount":    in.Entity("amount"),
				"protocol":  destQuote.Protocol,
			},
			DependsOn:     []string{bridgeID},
			Risk:          RiskHigh,
			EstimatedGas:  destQuote.EstimatedGas,
			EstimatedCost: gasCost(destQuote.EstimatedGas),
			EstimatedTime: destQuote.EstimatedTime,
		})
	}
	return nil
}

func (p *Planner) buildStake(ctx context.Context, b *planBuilder, in intent.Intent) error {
	if in.Entity("amount") == "" || in.Entity("token") == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "质押意图缺少 amount/token 实体")
	}
	chainID := primaryChain(in)
	protocol := in.Entity("protocol")
	if protocol == "" {
		protocol = in.Constraint("protocol")
	}
	quote := p.quote(ctx, web3.QuoteRequest{
		Kind:      web3.QuoteStake,
		ChainID:   chainID,
		FromToken: in.Entity("token"),
		Amount:    in.Entity("amount"),
		Protocol:  protocol,
	}, web3.Quote{Protocol: "lido", EstimatedGas: 180_000, EstimatedTime: 15 * time.Second})

	var deps []string
	if approveID, ok := p.appendApprove(b, in, "token", chainID); ok {
		deps = append(deps, approveID)
	}
	b.add(&ActionStep{
		Type: StepTypeStake,
		Params: map[string]any{
			"chainId":   chainID,
			"fromToken": in.Entity("token"),
			"amount":    in.Entity("amount"),
			"protocol":  quote.Protocol,
		},
		DependsOn:     deps,
		Risk:          RiskHigh,
		EstimatedGas:  quote.EstimatedGas,
		EstimatedCost: gasCost(quote.EstimatedGas),
		EstimatedTime: quote.EstimatedTime,
	})
	return nil
}

func (p *Planner) buildSend(b *planBuilder, in intent.Intent) error {
	if in.Entity("amount") == "" || in.Entity("token") == "" || in.Entity("recipient") == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账意图缺少 amount/token/recipient 实体")
	}
	b.add(&ActionStep{
		Type: StepTypeTransfer,
		Params: map[string]any{
			"chainId":   primaryChain(in),
			"fromToken": in.Entity("token"),
			"amount":    in.Entity("amount"),
			"recipient": in.Entity("recipient"),
		},
		Risk:          RiskHigh,
		EstimatedGas:  21_000,
		EstimatedCost: gasCost(21_000),
		EstimatedTime: 15 * time.Second,
	})
	return nil
}

func (p *Planner) buildApprove(b *planBuilder, in intent.Intent) error {
	if in.Entity("token") == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "授权意图缺少 token 实体")
	}
	b.add(&ActionStep{
		Type: StepTypeApprove,
		Params: map[string]any{
			"chainId":   primaryChain(in),
			"fromToken": in.Entity("token"),
			"amount":    in.Entity("amount"),
			"spender":   in.Entity("spender"),
		},
		Risk:          RiskMedium,
		EstimatedGas:  46_000,
		EstimatedCost: gasCost(46_000),
		EstimatedTime: 15 * time.Second,
	})
	return nil
}

func (p *Planner) buildQuery(b *planBuilder, in intent.Intent) error {
	stepType := StepTypeChainSnapshot
	params := map[string]any{"chainId": primaryChain(in)}
	switch in.Entity("subject") {
	case "balance":
		stepType = StepTypeBalanceQuery
		params["address"] = in.Entity("walletAddress")
	case "gas", "price":
		stepType = StepTypeGasQuery
	}
	b.add(&ActionStep{
		Type:          stepType,
		Params:        params,
		Risk:          RiskLow,
		EstimatedTime: time.Second,
	})
	return nil
}

func (p *Planner) buildConnect(b *planBuilder) error {
	b.add(&ActionStep{
		Type:          StepTypeConnect,
		Risk:          RiskLow,
		EstimatedTime: time.Second,
	})
	return nil
}

func (p *Planner) buildSwitchNetwork(b *planBuilder, in intent.Intent) error {
	if in.Entity("chain") == "" && len(in.Chains) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "切换网络意图缺少目标链")
	}
	b.add(&ActionStep{
		Type: StepTypeSwitchNetwork,
		Params: map[string]any{
			"chain":   in.Entity("chain"),
			"chainId": primaryChain(in),
		},
		Risk:          RiskLow,
		EstimatedTime: time.Second,
	})
	return nil
}

func (p *Planner) buildAddLiquidity(b *planBuilder, in intent.Intent) error {
	if in.Entity("tokenA") == "" || in.Entity("tokenB") == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "添加流动性意图缺少 tokenA/tokenB 实体")
	}
	chainID := primaryChain(in)
	approveA := b.add(&ActionStep{
		Type:          StepTypeApprove,
		Params:        map[string]any{"chainId": chainID, "fromToken": in.Entity("tokenA")},
		Risk:          RiskMedium,
		EstimatedGas:  46_000,
		EstimatedCost: gasCost(46_000),
		EstimatedTime: 15 * time.Second,
	})
	approveB := b.add(&ActionStep{
		Type:          StepTypeApprove,
		Params:        map[string]any{"chainId": chainID, "fromToken": in.Entity("tokenB")},
		Risk:          RiskMedium,
		EstimatedGas:  46_000,
		EstimatedCost: gasCost(46_000),
		EstimatedTime: 15 * time.Second,
	})
	b.add(&ActionStep{
		Type: StepTypeAddLiquidity,
		Params: map[string]any{
			"chainId":   chainID,
			"fromToken": in.Entity("tokenA"),
			"toToken":   in.Entity("tokenB"),
			"amount":    in.Entity("amount"),
		},
		DependsOn:     []string{approveA, approveB},
		Risk:          RiskHigh,
		EstimatedGas:  220_000,
		EstimatedCost: gasCost(220_000),
		EstimatedTime: 30 * time.Second,
	})
	return nil
}

// appendApprove 在需要时插入授权步骤，原生代币不需要授权。
func (p *Planner) appendApprove(b *planBuilder, in intent.Intent, tokenKey string, chainID int64) (string, bool) {
	token := in.Entity(tokenKey)
	if token == "" {
		return "", false
	}
	if address := in.Entity(tokenKey + "Address"); address == nativeToken {
		return "", false
	}
	id := b.add(&ActionStep{
		Type: StepTypeApprove,
		Params: map[string]any{
			"chainId":   chainID,
			"fromToken": token,
			"amount":    in.Entity("amount"),
		},
		Risk:          RiskMedium,
		EstimatedGas:  46_000,
		EstimatedCost: gasCost(46_000),
		EstimatedTime: 15 * time.Second,
	})
	return id, true
}

// quote 调用报价协作方；失败时记录日志并回退到静态估算。
func (p *Planner) quote(ctx context.Context, req web3.QuoteRequest, fallback web3.Quote) web3.Quote {
	if p.quoter == nil {
		return fallback
	}
	quote, err := p.quoter.Quote(ctx, req)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("报价失败，使用静态估算",
				slog.String("kind", string(req.Kind)),
				slog.Any("error", err))
		}
		return fallback
	}
	return quote
}

func primaryChain(in intent.Intent) int64 {
	if len(in.Chains) > 0 {
		return in.Chains[0]
	}
	return 1
}

// bridgeChains 优先使用实体中解析出的链 ID，其次按链在指令中出现的顺序取值。
func bridgeChains(in intent.Intent) (int64, int64) {
	fromChain := int64(1)
	toChain := int64(1)
	if len(in.Chains) > 0 {
		fromChain = in.Chains[0]
	}
	if len(in.Chains) > 1 {
		toChain = in.Chains[1]
	} else {
		toChain = fromChain
	}
	if id, err := strconv.ParseInt(in.Entity("fromChainId"), 10, 64); err == nil && id > 0 {
		fromChain = id
	}
	if id, err := strconv.ParseInt(in.Entity("toChainId"), 10, 64); err == nil && id > 0 {
		toChain = id
	}
	return fromChain, toChain
}

func gasCost(gas uint64) string {
	return fmt.Sprintf("%d gas", gas)
}
