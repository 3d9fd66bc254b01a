package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Kind 标识验证判据的类型。
type Kind string

const (
	// KindCompletion 按步骤完成率打分。
	KindCompletion Kind = "completion"
	// KindURLChange 检查页面地址相对执行前是否发生变化。
	KindURLChange Kind = "url_change"
	// KindContentContains 检查页面内容是否包含期望文本。
	KindContentContains Kind = "content_contains"
	// KindElementExists 检查页面上是否存在期望元素。
	KindElementExists Kind = "element_exists"
)

// Criterion 是一条带置信权重的验证判据。
// Confidence 同时充当加权平均中的权重。
type Criterion struct {
	Kind       Kind    `json:"kind"`
	Expected   string  `json:"expected,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Observer 是验证器观察执行后环境的只读接口，通常由页面驱动实现。
type Observer interface {
	CurrentURL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	ElementExists(ctx context.Context, selector string) (bool, error)
}

// Context 汇总一次执行的可观测事实。
type Context struct {
	PreviousURL    string
	StepsCompleted int
	StepsTotal     int
}

// Verdict 是一次验证的结论与重试建议。
type Verdict struct {
	IsValid        bool          `json:"is_valid"`
	Confidence     float64       `json:"confidence"`
	Message        string        `json:"message"`
	ShouldRetry    bool          `json:"should_retry"`
	RetryAttempt   int           `json:"retry_attempt"`
	NextRetryDelay time.Duration `json:"next_retry_delay,omitempty"`
}

// Config 控制验证器的判定阈值。
type Config struct {
	// PassThreshold 是加权得分的及格线。
	PassThreshold float64
	// MaxRetries 是同一条指令的最大重试建议次数。
	MaxRetries int
	// MinRetryConfidence 低于该置信度时不再建议重试，避免无效循环。
	MinRetryConfidence float64
	// HistoryLimit 限制每条指令保留的历史结论数量。
	HistoryLimit int
}

// DefaultConfig 返回默认判定阈值。
func DefaultConfig() Config {
	return Config{
		PassThreshold:      0.6,
		MaxRetries:         3,
		MinRetryConfidence: 0.2,
		HistoryLimit:       10,
	}
}

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// Validator 对执行结果做加权评分，历史按指令维度留存。
type Validator struct {
	cfg      Config
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	history map[string][]Verdict
}

// Option 配置 Validator。
type Option func(*Validator)

// WithObserver 指定环境观察接口。缺省时页面类判据记零分。
func WithObserver(o Observer) Option {
	return func(v *Validator) { v.observer = o }
}

// WithConfig 覆盖默认阈值。
func WithConfig(cfg Config) Option {
	return func(v *Validator) { v.cfg = cfg }
}

// WithValidatorLogger 指定日志器。
func WithValidatorLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New 创建验证器。
func New(opts ...Option) *Validator {
	v := &Validator{
		cfg:     DefaultConfig(),
		history: make(map[string][]Verdict),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cfg.PassThreshold <= 0 {
		v.cfg.PassThreshold = 0.6
	}
	if v.cfg.MaxRetries <= 0 {
		v.cfg.MaxRetries = 3
	}
	if v.cfg.MinRetryConfidence <= 0 {
		v.cfg.MinRetryConfidence = 0.2
	}
	if v.cfg.HistoryLimit <= 0 {
		v.cfg.HistoryLimit = 10
	}
	return v
}

// Validate 按给定判据为一次执行打分。
// criteria 为空时根据指令文本推导默认判据。
func (v *Validator) Validate(ctx context.Context, instruction string, criteria []Criterion, execCtx Context) Verdict {
	if len(criteria) == 0 {
		criteria = v.DeriveCriteria(instruction)
	}

	var weightedScore, totalWeight float64
	var failures []string
	for _, c := range criteria {
		if c.Confidence <= 0 {
			continue
		}
		score := v.score(ctx, c, execCtx)
		weightedScore += score * c.Confidence
		totalWeight += c.Confidence
		if score < 1 {
			failures = append(failures, fmt.Sprintf("%s 未满足", c.Kind))
		}
	}

	verdict := Verdict{RetryAttempt: v.attemptCount(instruction)}
	if totalWeight > 0 {
		verdict.Confidence = weightedScore / totalWeight
	}
	verdict.IsValid = verdict.Confidence >= v.cfg.PassThreshold
	if verdict.IsValid {
		verdict.Message = "执行结果满足验证判据"
	} else {
		verdict.Message = fmt.Sprintf("验证未通过: %s", strings.Join(failures, "; "))
	}

	v.decideRetry(&verdict)
	v.remember(instruction, verdict)

	if v.logger != nil {
		v.logger.Debug("验证完成",
			slog.Bool("valid", verdict.IsValid),
			slog.Float64("confidence", verdict.Confidence),
			slog.Bool("retry", verdict.ShouldRetry))
	}
	return verdict
}

// decideRetry 对失败结论给出重试建议。
// 已通过、重试次数达到上限或置信度过低时不再建议重试。
func (v *Validator) decideRetry(verdict *Verdict) {
	if verdict.IsValid {
		return
	}
	if verdict.RetryAttempt >= v.cfg.MaxRetries {
		return
	}
	if verdict.Confidence < v.cfg.MinRetryConfidence {
		return
	}
	verdict.ShouldRetry = true
	delay := retryBaseDelay * time.Duration(1<<uint(verdict.RetryAttempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	verdict.NextRetryDelay = delay
}

// score 为单条判据打 0/1 分或完成率分。
func (v *Validator) score(ctx context.Context, c Criterion, execCtx Context) float64 {
	switch c.Kind {
	case KindCompletion:
		if execCtx.StepsTotal == 0 {
			return 0
		}
		return float64(execCtx.StepsCompleted) / float64(execCtx.StepsTotal)
	case KindURLChange:
		if v.observer == nil {
			return 0
		}
		current, err := v.observer.CurrentURL(ctx)
		if err != nil {
			return 0
		}
		if current != "" && current != execCtx.PreviousURL {
			return 1
		}
		return 0
	case KindContentContains:
		if v.observer == nil || c.Expected == "" {
			return 0
		}
		content, err := v.observer.Content(ctx)
		if err != nil {
			return 0
		}
		if strings.Contains(strings.ToLower(content), strings.ToLower(c.Expected)) {
			return 1
		}
		return 0
	case KindElementExists:
		if v.observer == nil || c.Expected == "" {
			return 0
		}
		exists, err := v.observer.ElementExists(ctx, c.Expected)
		if err != nil || !exists {
			return 0
		}
		return 1
	}
	return 0
}

// DeriveCriteria 根据指令关键词推导默认判据。
// 完成率始终参与评分；提及页面跳转或查询时补充相应的页面判据。
func (v *Validator) DeriveCriteria(instruction string) []Criterion {
	criteria := []Criterion{{Kind: KindCompletion, Confidence: 1.0}}
	lower := strings.ToLower(instruction)
	if strings.Contains(lower, "open") || strings.Contains(lower, "navigate") ||
		strings.Contains(lower, "go to") {
		criteria = append(criteria, Criterion{Kind: KindURLChange, Confidence: 0.6})
	}
	if strings.Contains(lower, "balance") || strings.Contains(lower, "price") {
		criteria = append(criteria, Criterion{Kind: KindContentContains, Expected: "0x", Confidence: 0.3})
	}
	return criteria
}

// attemptCount 返回该指令已经失败的验证次数。
func (v *Validator) attemptCount(instruction string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := 0
	for _, past := range v.history[instruction] {
		if !past.IsValid {
			count++
		}
	}
	return count
}

// remember 追加历史并截断到容量上限。
func (v *Validator) remember(instruction string, verdict Verdict) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := append(v.history[instruction], verdict)
	if overflow := len(entries) - v.cfg.HistoryLimit; overflow > 0 {
		entries = entries[overflow:]
	}
	v.history[instruction] = entries
}

// History 返回某条指令的历史结论副本。
func (v *Validator) History(instruction string) []Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.history[instruction]
	out := make([]Verdict, len(entries))
	copy(out, entries)
	return out
}
