package tool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/plan"
)

// Config 控制注册表的执行策略。
type Config struct {
	// MaxRetries 是单次调用失败后允许的最大重试次数，总尝试次数不超过 MaxRetries+1。
	MaxRetries int
	// Parallel 关闭后 ExecuteMany 退化为顺序执行。
	Parallel bool
	// MaxConcurrency 限制 ExecuteMany 的并行在途调用数。
	MaxConcurrency int
	// HistoryLimit 限制执行历史条数，超出后丢弃最旧的记录。
	HistoryLimit int
	// BackoffBase 是指数退避的基准间隔，仅测试需要调整。
	BackoffBase time.Duration
	// DefaultTimeout 在工具未声明超时时兜底。
	DefaultTimeout time.Duration
}

// DefaultConfig 返回与生产环境一致的默认策略。
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		Parallel:       true,
		MaxConcurrency: 4,
		HistoryLimit:   1000,
		BackoffBase:    time.Second,
		DefaultTimeout: 30 * time.Second,
	}
}

// Registry 持有全部已注册工具并负责调度执行。
// 指标与历史在并发完成的调用间通过互斥锁串行更新。
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	tools   map[string]*Definition
	metrics map[string]*Metrics
	history []HistoryEntry
}

// NewRegistry 创建注册表。注册表通过依赖注入传递，不存在全局单例。
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		tools:   make(map[string]*Definition),
		metrics: make(map[string]*Metrics),
	}
}

// Register 注册或按名称覆盖一个工具。非法定义在注册阶段即失败。
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if def.Timeout <= 0 {
		def.Timeout = r.cfg.DefaultTimeout
	}
	r.mu.Lock()
	r.tools[def.Name] = &def
	if _, ok := r.metrics[def.Name]; !ok {
		r.metrics[def.Name] = &Metrics{}
	}
	r.mu.Unlock()
	return nil
}

// Get 返回指定工具的定义副本。
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return *def, true
}

// List 返回全部工具定义，按名称排序。
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ByCategory 返回指定分类下的工具。
func (r *Registry) ByCategory(category Category) []Definition {
	var defs []Definition
	for _, def := range r.List() {
		if def.Category == category {
			defs = append(defs, def)
		}
	}
	return defs
}

// ByRisk 返回风险等级不超过 max 的工具。
func (r *Registry) ByRisk(max plan.RiskLevel) []Definition {
	var defs []Definition
	for _, def := range r.List() {
		if def.Risk <= max {
			defs = append(defs, def)
		}
	}
	return defs
}

// Execute 执行一次工具调用。
// 工具缺失、参数缺失、超时与重试耗尽都以结构化 Result 返回，不向外抛错。
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) Result {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("工具 %s 未注册", name),
			Code:    xerrors.CodeToolNotFound,
		}
	}

	if missing := def.missingRequired(params); len(missing) > 0 {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("缺少必填参数: %s", strings.Join(missing, ", ")),
			Code:    xerrors.CodeInvalidArgument,
			Metadata: map[string]any{
				"tool":    name,
				"missing": missing,
			},
		}
	}

	maxAttempts := r.cfg.MaxRetries + 1
	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = r.attempt(ctx, def, params, attempt)
		if last.Success {
			return last
		}
		if stdErrors.Is(ctx.Err(), context.Canceled) {
			last.Code = xerrors.CodeCancelled
			return last
		}
		if !def.Retryable || attempt >= maxAttempts {
			break
		}
		if err := r.backoff(ctx, attempt); err != nil {
			last.Code = xerrors.CodeCancelled
			last.Error = err.Error()
			return last
		}
	}
	if def.Retryable && r.cfg.MaxRetries > 0 {
		last.Code = xerrors.CodeRetriesExhausted
	}
	return last
}

// attempt 将处理函数与超时计时器竞速，任何结果都会更新指标与历史。
func (r *Registry) attempt(ctx context.Context, def *Definition, params map[string]any, attempt int) Result {
	type outcome struct {
		data any
		err  error
	}

	attemptCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		data, err := def.Handler(attemptCtx, params)
		done <- outcome{data: data, err: err}
	}()

	result := Result{
		Metadata: map[string]any{
			"tool":    def.Name,
			"attempt": attempt,
		},
	}
	select {
	case o := <-done:
		result.Duration = time.Since(started)
		if o.err != nil {
			result.Error = o.err.Error()
			result.Code = xerrors.CodeOf(o.err)
			if result.Code == xerrors.CodeUnknown {
				result.Code = xerrors.CodeExecutorFailure
			}
		} else {
			result.Success = true
			result.Data = o.data
		}
	case <-attemptCtx.Done():
		result.Duration = time.Since(started)
		if stdErrors.Is(ctx.Err(), context.Canceled) {
			result.Error = "调用被取消"
			result.Code = xerrors.CodeCancelled
		} else {
			result.Error = fmt.Sprintf("工具 %s 超过 %s 未返回", def.Name, def.Timeout)
			result.Code = xerrors.CodeTimeout
		}
	}

	r.record(def.Name, attempt, result)
	if !result.Success && r.logger != nil {
		r.logger.Debug("工具调用失败",
			slog.String("tool", def.Name),
			slog.Int("attempt", attempt),
			slog.String("error", result.Error))
	}
	return result
}

// backoff 按 2^attempt * BackoffBase 等待，期间感知取消。
func (r *Registry) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * r.cfg.BackoffBase
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// record 串行更新指标与固定容量的执行历史。
func (r *Registry) record(name string, attempt int, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.metrics[name]
	if !ok {
		metrics = &Metrics{}
		r.metrics[name] = metrics
	}
	metrics.Executions++
	if result.Success {
		metrics.Successes++
	} else {
		metrics.Failures++
	}
	// 滚动平均避免累计总和溢出。
	metrics.AverageDuration += (result.Duration - metrics.AverageDuration) / time.Duration(metrics.Executions)
	metrics.LastExecution = time.Now()

	r.history = append(r.history, HistoryEntry{
		Tool:     name,
		Attempt:  attempt,
		Success:  result.Success,
		Error:    result.Error,
		Duration: result.Duration,
		At:       metrics.LastExecution,
	})
	if overflow := len(r.history) - r.cfg.HistoryLimit; overflow > 0 {
		r.history = append(r.history[:0], r.history[overflow:]...)
	}
}

// MetricsOf 返回指定工具的统计快照。
func (r *Registry) MetricsOf(name string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metrics, ok := r.metrics[name]
	if !ok {
		return Metrics{}, false
	}
	return *metrics, true
}

// History 返回执行历史快照，最旧的在前。
func (r *Registry) History() []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]HistoryEntry, len(r.history))
	copy(snapshot, r.history)
	return snapshot
}

// ExecuteMany 批量执行调用，结果保持与输入相同的顺序。
// 并行开启时在途调用数不超过 MaxConcurrency：达到上限后，
// 必须等待任意一个在途调用完成才会发起下一个。
func (r *Registry) ExecuteMany(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	if !r.cfg.Parallel || len(calls) == 1 {
		for i, call := range calls {
			results[i] = r.Execute(ctx, call.Name, call.Params)
		}
		return results
	}

	inflight := make(chan struct{}, r.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		inflight <- struct{}{}
		wg.Add(1)
		go func(idx int, call Call) {
			defer wg.Done()
			defer func() { <-inflight }()
			results[idx] = r.Execute(ctx, call.Name, call.Params)
		}(i, call)
	}
	wg.Wait()
	return results
}
