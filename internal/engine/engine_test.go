package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/plan"
	"ChainPilot/internal/tool"
)

// fakeDispatcher 按工具名返回预设结果序列，并记录全部调用。
type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string][]tool.Result
	calls   []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{results: make(map[string][]tool.Result)}
}

func (d *fakeDispatcher) queue(name string, results ...tool.Result) {
	d.results[name] = append(d.results[name], results...)
}

func (d *fakeDispatcher) Execute(_ context.Context, name string, _ map[string]any) tool.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name)
	queued := d.results[name]
	if len(queued) == 0 {
		return tool.Result{Success: true, Data: map[string]any{"tool": name}}
	}
	next := queued[0]
	d.results[name] = queued[1:]
	return next
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func swapPlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		ID: "plan-1",
		Steps: []*plan.ActionStep{
			{
				ID:     "approve_token-1",
				Type:   plan.StepTypeApprove,
				Params: map[string]any{"fromToken": "USDC", "amount": "10"},
				Risk:   plan.RiskMedium,
				Status: plan.StepPending,
			},
			{
				ID:        "swap_tokens-2",
				Type:      plan.StepTypeSwap,
				Params:    map[string]any{"fromToken": "USDC", "toToken": "ETH", "amount": "10"},
				DependsOn: []string{"approve_token-1"},
				Risk:      plan.RiskHigh,
				Status:    plan.StepPending,
			},
		},
		AggregateRisk:        plan.RiskHigh,
		RequiresConfirmation: true,
	}
}

func queryPlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		ID: "plan-q",
		Steps: []*plan.ActionStep{
			{
				ID:     "query_balance-1",
				Type:   plan.StepTypeBalanceQuery,
				Params: map[string]any{"address": "0xabc"},
				Risk:   plan.RiskLow,
				Status: plan.StepPending,
			},
		},
		AggregateRisk: plan.RiskLow,
	}
}

func approveAlways(calls *int) Confirmer {
	return ConfirmerFunc(func(context.Context, *plan.ExecutionPlan) (bool, error) {
		*calls++
		return true, nil
	})
}

func TestExecuteRunsStepsInDependencyOrder(t *testing.T) {
	dispatcher := newFakeDispatcher()
	var confirmations int
	e := New(dispatcher, WithConfirmer(approveAlways(&confirmations)))

	p := swapPlan()
	summary, err := e.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if summary.Completed != 2 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Fatalf("汇总不符: %+v", summary)
	}
	if !summary.Confirmed {
		t.Fatal("高风险计划应经过确认")
	}
	if dispatcher.calls[0] != "approve_token" || dispatcher.calls[1] != "swap_tokens" {
		t.Fatalf("执行顺序错误: %v", dispatcher.calls)
	}
	for _, step := range p.Steps {
		if step.Status != plan.StepCompleted {
			t.Fatalf("步骤 %s 状态错误: %s", step.ID, step.Status)
		}
		if step.Result == nil || !step.Result.Success {
			t.Fatalf("步骤 %s 结果缺失", step.ID)
		}
	}
}

func TestExecuteCircularPlanRunsNothing(t *testing.T) {
	dispatcher := newFakeDispatcher()
	e := New(dispatcher)

	p := &plan.ExecutionPlan{
		ID: "plan-cycle",
		Steps: []*plan.ActionStep{
			{ID: "a", Type: plan.StepTypeApprove, DependsOn: []string{"b"}, Status: plan.StepPending},
			{ID: "b", Type: plan.StepTypeSwap, DependsOn: []string{"a"}, Status: plan.StepPending},
		},
	}

	_, err := e.Execute(context.Background(), p)
	if xerrors.CodeOf(err) != xerrors.CodeCircularDependency {
		t.Fatalf("应返回循环依赖错误: %v", err)
	}
	if dispatcher.callCount() != 0 {
		t.Fatalf("循环依赖的计划不应执行任何步骤，实际调用 %d 次", dispatcher.callCount())
	}
	for _, step := range p.Steps {
		if step.Status != plan.StepPending {
			t.Fatalf("步骤 %s 状态被改动: %s", step.ID, step.Status)
		}
	}
}

func TestExecuteConfirmerCalledExactlyOnce(t *testing.T) {
	dispatcher := newFakeDispatcher()
	var confirmations int
	e := New(dispatcher, WithConfirmer(approveAlways(&confirmations)))

	if _, err := e.Execute(context.Background(), swapPlan()); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if confirmations != 1 {
		t.Fatalf("确认回调应恰好调用一次，实际 %d 次", confirmations)
	}
}

func TestExecuteConfirmationDeniedSkipsAll(t *testing.T) {
	dispatcher := newFakeDispatcher()
	denier := ConfirmerFunc(func(context.Context, *plan.ExecutionPlan) (bool, error) {
		return false, nil
	})
	e := New(dispatcher, WithConfirmer(denier))

	p := swapPlan()
	summary, err := e.Execute(context.Background(), p)
	if xerrors.CodeOf(err) != xerrors.CodeConfirmationDenied {
		t.Fatalf("应返回确认被拒: %v", err)
	}
	if summary.Skipped != 2 {
		t.Fatalf("全部步骤应被跳过: %+v", summary)
	}
	if dispatcher.callCount() != 0 {
		t.Fatal("被拒绝的计划不应执行任何步骤")
	}
	for _, step := range p.Steps {
		if step.Status != plan.StepSkipped {
			t.Fatalf("步骤 %s 状态错误: %s", step.ID, step.Status)
		}
		if step.Result == nil || step.Result.Reason != "用户拒绝确认" {
			t.Fatalf("步骤 %s 缺少跳过原因", step.ID)
		}
	}
}

func TestExecuteMissingConfirmerRefusesHighRisk(t *testing.T) {
	dispatcher := newFakeDispatcher()
	e := New(dispatcher)

	_, err := e.Execute(context.Background(), swapPlan())
	if xerrors.CodeOf(err) != xerrors.CodeConfirmationDenied {
		t.Fatalf("缺少确认回调时高风险计划应被拒绝: %v", err)
	}
	if dispatcher.callCount() != 0 {
		t.Fatal("未确认的计划不应执行")
	}
}

func TestExecuteLowRiskAutoConfirmed(t *testing.T) {
	dispatcher := newFakeDispatcher()
	confirmations := 0
	e := New(dispatcher, WithConfirmer(approveAlways(&confirmations)))

	summary, err := e.Execute(context.Background(), queryPlan())
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if confirmations != 0 {
		t.Fatal("低风险计划不应触发确认")
	}
	if summary.Completed != 1 {
		t.Fatalf("汇总不符: %+v", summary)
	}
}

func TestExecuteAutoConfirmDisabledAsksEvenLowRisk(t *testing.T) {
	dispatcher := newFakeDispatcher()
	confirmations := 0
	policy := DefaultPolicy()
	policy.AutoConfirmLowRisk = false
	e := New(dispatcher, WithConfirmer(approveAlways(&confirmations)), WithPolicy(policy))

	if _, err := e.Execute(context.Background(), queryPlan()); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if confirmations != 1 {
		t.Fatalf("关闭自动确认后低风险计划也应询问，实际 %d 次", confirmations)
	}
}

func TestExecuteFailedDependencySkipsDependents(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.queue("approve_token", tool.Result{
		Success: false,
		Error:   "授权失败",
		Code:    xerrors.CodeInvalidArgument,
	})
	var confirmations int
	e := New(dispatcher, WithConfirmer(approveAlways(&confirmations)))

	p := swapPlan()
	summary, err := e.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if summary.Failed != 1 || summary.Skipped != 1 || summary.Completed != 0 {
		t.Fatalf("汇总不符: %+v", summary)
	}
	if p.Step("approve_token-1").Status != plan.StepFailed {
		t.Fatal("授权步骤应失败")
	}
	swap := p.Step("swap_tokens-2")
	if swap.Status != plan.StepSkipped {
		t.Fatalf("依赖失败的步骤应跳过: %s", swap.Status)
	}
	if swap.Result == nil || swap.Result.Reason == "" {
		t.Fatal("跳过的步骤应记录原因")
	}
}

func TestExecuteRetriesRetryableFailures(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.queue("query_balance",
		tool.Result{Success: false, Error: "RPC 超时", Code: xerrors.CodeTimeout},
		tool.Result{Success: true, Data: map[string]any{"balance": "1 ETH"}},
	)
	policy := DefaultPolicy()
	policy.RetryBackoff = time.Millisecond
	e := New(dispatcher, WithPolicy(policy))

	p := queryPlan()
	summary, err := e.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("汇总不符: %+v", summary)
	}
	step := p.Step("query_balance-1")
	if step.Result.Attempts != 2 {
		t.Fatalf("应在第二次重发成功，实际 %d 次", step.Result.Attempts)
	}
}

func TestExecuteDoesNotRetryNonRetryableCode(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.queue("query_balance", tool.Result{
		Success: false,
		Error:   "地址非法",
		Code:    xerrors.CodeInvalidArgument,
	})
	policy := DefaultPolicy()
	policy.RetryBackoff = time.Millisecond
	e := New(dispatcher, WithPolicy(policy))

	p := queryPlan()
	summary, _ := e.Execute(context.Background(), p)
	if summary.Failed != 1 {
		t.Fatalf("汇总不符: %+v", summary)
	}
	if dispatcher.callCount() != 1 {
		t.Fatalf("不可重试的失败只应调用一次，实际 %d 次", dispatcher.callCount())
	}
}

func TestExecuteCancelledMidPlan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := newFakeDispatcher()

	p := &plan.ExecutionPlan{
		ID: "plan-cancel",
		Steps: []*plan.ActionStep{
			{ID: "s1", Type: plan.StepTypeBalanceQuery, Status: plan.StepPending},
			{ID: "s2", Type: plan.StepTypeGasQuery, DependsOn: []string{"s1"}, Status: plan.StepPending},
		},
	}

	cancelling := &cancellingDispatcher{inner: dispatcher, cancel: cancel}
	e := New(cancelling)

	summary, err := e.Execute(ctx, p)
	if xerrors.CodeOf(err) != xerrors.CodeCancelled {
		t.Fatalf("应返回取消错误: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("剩余步骤应被跳过: %+v", summary)
	}
	if p.Step("s2").Status != plan.StepSkipped {
		t.Fatalf("s2 状态错误: %s", p.Step("s2").Status)
	}
}

// cancellingDispatcher 在第一次调用完成后取消上下文。
type cancellingDispatcher struct {
	inner  *fakeDispatcher
	cancel context.CancelFunc
	once   sync.Once
}

func (d *cancellingDispatcher) Execute(ctx context.Context, name string, params map[string]any) tool.Result {
	result := d.inner.Execute(ctx, name, params)
	d.once.Do(d.cancel)
	return result
}
