package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// State 是流式会话的状态机取值。
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// terminal 判断状态是否为终态。终态一旦进入不再迁出。
func (s State) terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// ToolCall 是生成内容中嵌入的一次工具调用请求。
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Generated 是生成器产出的完整回复。
type Generated struct {
	Content string
	Calls   []ToolCall
}

// Generator 产出完整回复，由处理器负责切片下发。
type Generator func(ctx context.Context) (Generated, error)

// Sink 接收流式事件。回调在处理器 goroutine 中串行执行，不得阻塞过久。
type Sink interface {
	// OnChunk 下发一段文本增量。
	OnChunk(chunk string)
	// OnToolCall 下发一次工具调用请求。
	OnToolCall(call ToolCall)
	// OnDone 在会话进入终态时调用且只调用一次。
	OnDone(final State, content string, err error)
}

// Config 控制流式下发的行为。
type Config struct {
	// Enabled 关闭后内容一次性透传，不做切片。
	Enabled bool
	// ChunkSize 是单个分片的最大字符数，按 rune 计数。
	ChunkSize int
	// Delay 是相邻分片之间的间隔。
	Delay time.Duration
	// MaxRetries 是生成器失败后的最大重试次数。
	MaxRetries int
	// WatchdogTimeout 是生成器无响应的看门狗阈值。
	WatchdogTimeout time.Duration
}

// DefaultConfig 返回默认的流式策略。
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ChunkSize:       20,
		Delay:           30 * time.Millisecond,
		MaxRetries:      2,
		WatchdogTimeout: 30 * time.Second,
	}
}

// Handler 管理一次流式会话。每个会话使用独立实例，不可复用。
type Handler struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	timedOut atomic.Bool
}

// NewHandler 创建流式处理器。
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 20
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 30 * time.Second
	}
	return &Handler{
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// State 返回当前状态。
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Abort 主动终止会话。已处于终态时无效。
func (h *Handler) Abort() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait 阻塞到会话进入终态。
func (h *Handler) Wait() {
	<-h.done
}

// Run 驱动一次完整的流式会话：生成、切片、下发、收尾。
// 生成器失败按配置重试；会话级看门狗覆盖生成与下发全程，
// 超时强制进入终态。关闭流式时内容不切片，仅通过 OnDone 一次性送达。
func (h *Handler) Run(ctx context.Context, generator Generator, sink Sink) {
	defer close(h.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return
	}
	h.state = StateStreaming
	h.cancel = cancel
	h.mu.Unlock()

	watchdog := time.AfterFunc(h.cfg.WatchdogTimeout, func() {
		h.timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	generated, err := h.generate(runCtx, generator)
	if err != nil {
		h.finish(sink, h.finalStateFor(runCtx), "", err)
		return
	}

	if !h.cfg.Enabled {
		h.finish(sink, StateCompleted, generated.Content, nil)
		return
	}

	for _, chunk := range splitRunes(generated.Content, h.cfg.ChunkSize) {
		if runCtx.Err() != nil {
			h.finishInterrupted(sink, runCtx)
			return
		}
		sink.OnChunk(chunk)
		if h.cfg.Delay > 0 {
			timer := time.NewTimer(h.cfg.Delay)
			select {
			case <-runCtx.Done():
				timer.Stop()
				h.finishInterrupted(sink, runCtx)
				return
			case <-timer.C:
			}
		}
	}
	for _, call := range generated.Calls {
		if runCtx.Err() != nil {
			h.finishInterrupted(sink, runCtx)
			return
		}
		sink.OnToolCall(call)
	}

	h.finish(sink, StateCompleted, generated.Content, nil)
}

// finishInterrupted 在下发中断时收尾，区分看门狗超时与外部取消。
func (h *Handler) finishInterrupted(sink Sink, ctx context.Context) {
	if h.timedOut.Load() {
		h.finish(sink, StateFailed, "", xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("流式会话超过 %s 未完成", h.cfg.WatchdogTimeout)))
		return
	}
	h.finish(sink, StateAborted, "", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "流式下发被取消"))
}

// generate 在看门狗监督下调用生成器，失败按次数上限重试。
func (h *Handler) generate(ctx context.Context, generator Generator) (Generated, error) {
	type outcome struct {
		generated Generated
		err       error
	}

	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.WatchdogTimeout)
		resultCh := make(chan outcome, 1)
		go func() {
			generated, err := generator(attemptCtx)
			resultCh <- outcome{generated: generated, err: err}
		}()

		select {
		case o := <-resultCh:
			cancel()
			if o.err == nil {
				return o.generated, nil
			}
			lastErr = o.err
		case <-attemptCtx.Done():
			cancel()
			if h.timedOut.Load() {
				return Generated{}, xerrors.New(xerrors.CodeTimeout,
					fmt.Sprintf("生成器超过 %s 无响应", h.cfg.WatchdogTimeout))
			}
			if ctx.Err() != nil {
				return Generated{}, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "生成被取消")
			}
			lastErr = xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("生成器超过 %s 无响应", h.cfg.WatchdogTimeout))
		}
		if h.logger != nil && attempt < h.cfg.MaxRetries {
			h.logger.Warn("生成失败，准备重试",
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()))
		}
	}
	if h.timedOut.Load() {
		return Generated{}, xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("生成器超过 %s 无响应", h.cfg.WatchdogTimeout))
	}
	return Generated{}, lastErr
}

// finish 迁移到终态并通知下游。终态只进入一次。
func (h *Handler) finish(sink Sink, final State, content string, err error) {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return
	}
	h.state = final
	h.mu.Unlock()
	sink.OnDone(final, content, err)
}

// finalStateFor 区分取消与真实失败。看门狗超时算失败，不算取消。
func (h *Handler) finalStateFor(ctx context.Context) State {
	if h.timedOut.Load() {
		return StateFailed
	}
	if ctx.Err() != nil {
		return StateAborted
	}
	return StateFailed
}

// splitRunes 按 rune 数切片，避免把多字节字符切断。
func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
