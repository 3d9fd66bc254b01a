package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/plan"
	"ChainPilot/internal/tool"
)

// Confirmer 在执行高风险计划前征得用户同意。
// 同一次执行最多调用一次；返回 false 表示用户拒绝。
type Confirmer interface {
	Confirm(ctx context.Context, p *plan.ExecutionPlan) (bool, error)
}

// ConfirmerFunc 把函数适配为 Confirmer。
type ConfirmerFunc func(ctx context.Context, p *plan.ExecutionPlan) (bool, error)

// Confirm 实现 Confirmer。
func (f ConfirmerFunc) Confirm(ctx context.Context, p *plan.ExecutionPlan) (bool, error) {
	return f(ctx, p)
}

// Policy 控制引擎的确认与重试行为。
type Policy struct {
	// AutoConfirmLowRisk 开启后低风险计划无需确认即可执行。
	AutoConfirmLowRisk bool
	// RequireConfirmationHighRisk 关闭后即使高风险计划也不再询问确认。
	RequireConfirmationHighRisk bool
	// MaxStepRetries 是单个步骤失败后引擎级别的最大重发次数。
	MaxStepRetries int
	// RetryBackoff 是步骤重发的指数退避基准。
	RetryBackoff time.Duration
}

// DefaultPolicy 返回默认执行策略。
func DefaultPolicy() Policy {
	return Policy{
		AutoConfirmLowRisk:          true,
		RequireConfirmationHighRisk: true,
		MaxStepRetries:              2,
		RetryBackoff:                time.Second,
	}
}

// Summary 是一次计划执行的汇总结果。
type Summary struct {
	PlanID    string        `json:"plan_id"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Confirmed bool          `json:"confirmed"`
}

// Dispatcher 是引擎向工具层分发调用的接口，由工具注册表实现。
type Dispatcher interface {
	Execute(ctx context.Context, name string, params map[string]any) tool.Result
}

// Engine 按依赖顺序执行计划中的步骤。
// 步骤状态直接写回计划，调用方在执行期间不得并发修改计划。
type Engine struct {
	dispatcher Dispatcher
	confirmer  Confirmer
	policy     Policy
	logger     *slog.Logger
}

// Option 配置 Engine。
type Option func(*Engine)

// WithConfirmer 指定确认回调。
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirmer = c }
}

// WithPolicy 覆盖默认策略。
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithEngineLogger 指定日志器。
func WithEngineLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New 创建执行引擎。
func New(dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		dispatcher: dispatcher,
		policy:     DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.RetryBackoff <= 0 {
		e.policy.RetryBackoff = time.Second
	}
	return e
}

// Execute 执行整个计划并返回汇总。
// 计划先整体校验，存在循环依赖时不会执行任何步骤。
// 确认被拒绝时所有未执行的步骤标记为跳过，并返回 CONFIRMATION_DENIED。
func (e *Engine) Execute(ctx context.Context, p *plan.ExecutionPlan) (Summary, error) {
	started := time.Now()
	summary := Summary{PlanID: p.ID}

	if err := p.Validate(); err != nil {
		return summary, err
	}

	order, err := e.topoOrder(p)
	if err != nil {
		return summary, err
	}

	confirmed, err := e.confirm(ctx, p)
	if err != nil {
		return summary, err
	}
	summary.Confirmed = confirmed
	if !confirmed {
		for _, step := range order {
			e.skip(step, "用户拒绝确认")
			summary.Skipped++
		}
		summary.Duration = time.Since(started)
		return summary, xerrors.New(xerrors.CodeConfirmationDenied,
			fmt.Sprintf("计划 %s 未获用户确认", p.ID))
	}

	for i, step := range order {
		if ctx.Err() != nil {
			for _, rest := range order[i:] {
				e.skip(rest, "执行被取消")
				summary.Skipped++
			}
			summary.Duration = time.Since(started)
			return summary, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(),
				fmt.Sprintf("计划 %s 执行被取消", p.ID))
		}

		if reason, ok := e.blockedBy(p, step); ok {
			e.skip(step, reason)
			summary.Skipped++
			continue
		}

		e.runStep(ctx, step)
		if step.Status == plan.StepCompleted {
			summary.Completed++
		} else {
			summary.Failed++
		}
	}

	summary.Duration = time.Since(started)
	return summary, nil
}

// confirm 在需要时询问一次确认。缺少确认回调时视为拒绝，不会静默放行。
func (e *Engine) confirm(ctx context.Context, p *plan.ExecutionPlan) (bool, error) {
	needsConfirmation := p.RequiresConfirmation && e.policy.RequireConfirmationHighRisk
	if !needsConfirmation && !e.policy.AutoConfirmLowRisk {
		needsConfirmation = true
	}
	if !needsConfirmation {
		return true, nil
	}
	if e.confirmer == nil {
		if e.logger != nil {
			e.logger.Warn("计划需要确认但未配置确认回调，拒绝执行",
				slog.String("plan_id", p.ID),
				slog.String("risk", p.AggregateRisk.String()))
		}
		return false, nil
	}
	return e.confirmer.Confirm(ctx, p)
}

// blockedBy 判断步骤是否因依赖未完成而需要跳过。
func (e *Engine) blockedBy(p *plan.ExecutionPlan, step *plan.ActionStep) (string, bool) {
	for _, dep := range step.DependsOn {
		depStep := p.Step(dep)
		if depStep == nil || depStep.Status != plan.StepCompleted {
			return fmt.Sprintf("依赖步骤 %s 未完成", dep), true
		}
	}
	return "", false
}

// runStep 执行单个步骤，可重试的失败按指数退避重发。
func (e *Engine) runStep(ctx context.Context, step *plan.ActionStep) {
	step.Status = plan.StepInProgress
	started := time.Now()

	maxAttempts := e.policy.MaxStepRetries + 1
	var result tool.Result
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		result = e.dispatcher.Execute(ctx, string(step.Type), step.Params)
		if result.Success || !e.retryableCode(result.Code) || ctx.Err() != nil {
			break
		}
		if attempts >= maxAttempts {
			break
		}
		delay := time.Duration(1<<uint(attempts)) * e.policy.RetryBackoff
		if e.logger != nil {
			e.logger.Info("步骤失败，准备重发",
				slog.String("step", step.ID),
				slog.Int("attempt", attempts),
				slog.Duration("delay", delay),
				slog.String("error", result.Error))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	step.Result = &plan.StepResult{
		Success:  result.Success,
		Data:     result.Data,
		Error:    result.Error,
		Duration: time.Since(started),
		Attempts: attempts,
	}
	if result.Success {
		step.Status = plan.StepCompleted
	} else {
		step.Status = plan.StepFailed
	}
}

func (e *Engine) retryableCode(code xerrors.Code) bool {
	return xerrors.AttributesOf(code).Retryable
}

// skip 把步骤标记为跳过并记录原因。
func (e *Engine) skip(step *plan.ActionStep, reason string) {
	if step.Status != plan.StepPending {
		return
	}
	step.Status = plan.StepSkipped
	step.Result = &plan.StepResult{Reason: reason}
}

// topoOrder 返回满足依赖关系的执行顺序，同层保持计划内的原始顺序。
func (e *Engine) topoOrder(p *plan.ExecutionPlan) ([]*plan.ActionStep, error) {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var order []*plan.ActionStep
	ready := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, p.Step(id))
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(p.Steps) {
		return nil, xerrors.New(xerrors.CodeCircularDependency,
			fmt.Sprintf("计划 %s 的依赖关系存在环", p.ID))
	}
	return order, nil
}
