package plan

import (
	"fmt"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/intent"
)

// RiskLevel 表示单个操作的风险等级，等级越高越需要用户确认。
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

// String 返回风险等级的可读名称。
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MaxRisk 返回两个风险等级中较高的一个。
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// StepStatus 表示步骤在执行过程中的状态。
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// StepType 是步骤类型的封闭枚举，与工具名称一一对应。
type StepType string

const (
	StepTypeApprove       StepType = "approve_token"
	StepTypeSwap          StepType = "swap_tokens"
	StepTypeBridge        StepType = "bridge_tokens"
	StepTypeStake         StepType = "stake_tokens"
	StepTypeTransfer      StepType = "transfer_tokens"
	StepTypeBalanceQuery  StepType = "query_balance"
	StepTypeGasQuery      StepType = "query_gas"
	StepTypeChainSnapshot StepType = "query_chain"
	StepTypeConnect       StepType = "connect_wallet"
	StepTypeSwitchNetwork StepType = "switch_network"
	StepTypeAddLiquidity  StepType = "add_liquidity"
)

// IsValidStepType 检查步骤类型是否为支持的枚举值。
func IsValidStepType(t StepType) bool {
	switch t {
	case StepTypeApprove, StepTypeSwap, StepTypeBridge, StepTypeStake,
		StepTypeTransfer, StepTypeBalanceQuery, StepTypeGasQuery,
		StepTypeChainSnapshot, StepTypeConnect, StepTypeSwitchNetwork,
		StepTypeAddLiquidity:
		return true
	default:
		return false
	}
}

// StepResult 保存一次步骤执行的最终结果。
type StepResult struct {
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Reason   string        `json:"reason,omitempty"`
}

// ActionStep 描述计划中的一个原子操作。
// ID 在计划生命周期内保持稳定；Status 与 Result 由执行引擎串行修改。
type ActionStep struct {
	ID            string         `json:"id"`
	Type          StepType       `json:"type"`
	Params        map[string]any `json:"params,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Risk          RiskLevel      `json:"risk"`
	Status        StepStatus     `json:"status"`
	Result        *StepResult    `json:"result,omitempty"`
	EstimatedGas  uint64         `json:"estimated_gas,omitempty"`
	EstimatedCost string         `json:"estimated_cost,omitempty"`
	EstimatedTime time.Duration  `json:"estimated_time,omitempty"`
}

// ExecutionPlan 是由一个意图派生出的、带依赖标注的步骤集合。
type ExecutionPlan struct {
	ID                   string        `json:"id"`
	Intent               intent.Intent `json:"intent"`
	Steps                []*ActionStep `json:"steps"`
	AggregateRisk        RiskLevel     `json:"aggregate_risk"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	CreatedAt            int64         `json:"created_at"`
}

// Step 按 ID 查找步骤。
func (p *ExecutionPlan) Step(id string) *ActionStep {
	if p == nil {
		return nil
	}
	for _, step := range p.Steps {
		if step != nil && step.ID == id {
			return step
		}
	}
	return nil
}

// finalize 根据步骤列表推导聚合风险与确认要求。
// 聚合风险取所有步骤的最大值；任一步骤为高风险，或聚合风险达到中等及以上时
// 需要用户确认。
func (p *ExecutionPlan) finalize() {
	risk := RiskLow
	for _, step := range p.Steps {
		if step == nil {
			continue
		}
		risk = MaxRisk(risk, step.Risk)
	}
	p.AggregateRisk = risk
	p.RequiresConfirmation = risk >= RiskMedium
}

// Validate 校验步骤 ID 唯一、依赖指向存在的步骤且依赖关系无环。
// 发现环时立即失败，不会静默删除依赖边。
func (p *ExecutionPlan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划中没有任何步骤")
	}

	index := make(map[string]*ActionStep, len(p.Steps))
	for _, step := range p.Steps {
		if step == nil || step.ID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
		}
		if !IsValidStepType(step.Type) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的步骤类型 %s", step.Type))
		}
		if _, ok := index[step.ID]; ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤 ID %s 重复", step.ID))
		}
		index[step.ID] = step
	}

	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("步骤 %s 依赖了不存在的步骤 %s", step.ID, dep))
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(p.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visiting:
			return xerrors.New(xerrors.CodeCircularDependency,
				fmt.Sprintf("步骤 %s 处于循环依赖中", id))
		case visited:
			return nil
		}
		marks[id] = visiting
		for _, dep := range index[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[id] = visited
		return nil
	}
	for _, step := range p.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}
