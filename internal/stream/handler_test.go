package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// recordingSink 记录收到的全部流式事件。
type recordingSink struct {
	mu       sync.Mutex
	chunks   []string
	calls    []ToolCall
	doneSeen int
	final    State
	content  string
	err      error
}

func (s *recordingSink) OnChunk(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *recordingSink) OnToolCall(call ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *recordingSink) OnDone(final State, content string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneSeen++
	s.final = final
	s.content = content
	s.err = err
}

func staticGenerator(content string, calls ...ToolCall) Generator {
	return func(context.Context) (Generated, error) {
		return Generated{Content: content, Calls: calls}, nil
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Delay = time.Millisecond
	return cfg
}

func TestRunSplitsContentIntoRuneChunks(t *testing.T) {
	content := strings.Repeat("已为你规划兑换路径，", 5) // 50 个 rune
	sink := &recordingSink{}
	h := NewHandler(fastConfig(), nil)

	h.Run(context.Background(), staticGenerator(content), sink)

	if h.State() != StateCompleted {
		t.Fatalf("状态错误: %s", h.State())
	}
	if sink.doneSeen != 1 {
		t.Fatalf("OnDone 应调用一次，实际 %d 次", sink.doneSeen)
	}
	if len(sink.chunks) != 3 {
		t.Fatalf("50 个 rune 按 20 切片应得 3 段，实际 %d 段", len(sink.chunks))
	}
	for i, chunk := range sink.chunks[:2] {
		if got := len([]rune(chunk)); got != 20 {
			t.Fatalf("第 %d 段应为 20 个 rune，实际 %d", i, got)
		}
	}
	if strings.Join(sink.chunks, "") != content {
		t.Fatal("分片拼接后应还原完整内容")
	}
	if sink.content != content {
		t.Fatal("OnDone 应携带完整内容")
	}
}

func TestRunDisabledStreamingSkipsChunks(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false
	sink := &recordingSink{}
	h := NewHandler(cfg, nil)

	content := "这是一段远超单个分片大小的回复内容，用来确认关闭流式后不会被切片下发。"
	h.Run(context.Background(), staticGenerator(content), sink)

	if len(sink.chunks) != 0 {
		t.Fatalf("关闭流式后不应下发分片: %v", sink.chunks)
	}
	if sink.doneSeen != 1 || sink.final != StateCompleted || sink.content != content {
		t.Fatalf("OnDone 应一次性送达完整内容: %+v", sink)
	}
}

func TestRunEmitsToolCallsAfterChunks(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(fastConfig(), nil)
	call := ToolCall{Name: "query_balance", Params: map[string]any{"address": "0xabc"}}

	h.Run(context.Background(), staticGenerator("正在查询余额", call), sink)

	if len(sink.calls) != 1 || sink.calls[0].Name != "query_balance" {
		t.Fatalf("工具调用未送达: %v", sink.calls)
	}
	if h.State() != StateCompleted {
		t.Fatalf("状态错误: %s", h.State())
	}
}

func TestRunAbortStopsStreaming(t *testing.T) {
	cfg := fastConfig()
	cfg.Delay = 20 * time.Millisecond
	sink := &recordingSink{}
	h := NewHandler(cfg, nil)

	content := strings.Repeat("x", 2000)
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.Abort()
	}()
	h.Run(context.Background(), staticGenerator(content), sink)

	if h.State() != StateAborted {
		t.Fatalf("状态错误: %s", h.State())
	}
	if sink.doneSeen != 1 || sink.final != StateAborted {
		t.Fatalf("OnDone 终态错误: %+v", sink.final)
	}
	if xerrors.CodeOf(sink.err) != xerrors.CodeCancelled {
		t.Fatalf("终止错误码错误: %v", sink.err)
	}
	if len(sink.chunks) == 0 || len(sink.chunks) >= 100 {
		t.Fatalf("分片应在中途停止，实际 %d 段", len(sink.chunks))
	}
}

func TestRunGeneratorRetries(t *testing.T) {
	var attempts int
	generator := func(context.Context) (Generated, error) {
		attempts++
		if attempts < 3 {
			return Generated{}, xerrors.New(xerrors.CodeExecutorFailure, "模型暂时不可用")
		}
		return Generated{Content: "第三次成功"}, nil
	}

	sink := &recordingSink{}
	h := NewHandler(fastConfig(), nil)
	h.Run(context.Background(), generator, sink)

	if attempts != 3 {
		t.Fatalf("生成器应在第三次成功，实际 %d 次", attempts)
	}
	if h.State() != StateCompleted || sink.content != "第三次成功" {
		t.Fatalf("会话未正常完成: %s %q", h.State(), sink.content)
	}
}

func TestRunGeneratorExhaustsRetries(t *testing.T) {
	var attempts int
	generator := func(context.Context) (Generated, error) {
		attempts++
		return Generated{}, xerrors.New(xerrors.CodeExecutorFailure, "持续失败")
	}

	sink := &recordingSink{}
	h := NewHandler(fastConfig(), nil)
	h.Run(context.Background(), generator, sink)

	if attempts != 3 {
		t.Fatalf("默认应尝试 3 次，实际 %d 次", attempts)
	}
	if h.State() != StateFailed || sink.final != StateFailed {
		t.Fatalf("状态错误: %s", h.State())
	}
	if xerrors.CodeOf(sink.err) != xerrors.CodeExecutorFailure {
		t.Fatalf("错误码错误: %v", sink.err)
	}
}

func TestRunWatchdogTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.WatchdogTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1

	generator := func(ctx context.Context) (Generated, error) {
		<-ctx.Done()
		return Generated{}, ctx.Err()
	}

	sink := &recordingSink{}
	h := NewHandler(cfg, nil)
	h.Run(context.Background(), generator, sink)

	if h.State() != StateFailed {
		t.Fatalf("看门狗超时应进入失败态: %s", h.State())
	}
	if xerrors.CodeOf(sink.err) != xerrors.CodeTimeout {
		t.Fatalf("错误码错误: %v", sink.err)
	}
}

func TestRunWatchdogCoversChunkEmission(t *testing.T) {
	cfg := fastConfig()
	cfg.WatchdogTimeout = 30 * time.Millisecond
	cfg.Delay = 10 * time.Millisecond
	cfg.ChunkSize = 1

	sink := &recordingSink{}
	h := NewHandler(cfg, nil)
	// 100 个分片 × 10ms 间隔远超看门狗阈值，会话必须被强制收尾。
	h.Run(context.Background(), staticGenerator(strings.Repeat("x", 100)), sink)

	if h.State() != StateFailed {
		t.Fatalf("下发超时应进入失败态: %s", h.State())
	}
	if sink.doneSeen != 1 || sink.final != StateFailed {
		t.Fatalf("OnDone 终态错误: %v", sink.final)
	}
	if xerrors.CodeOf(sink.err) != xerrors.CodeTimeout {
		t.Fatalf("错误码错误: %v", sink.err)
	}
	if len(sink.chunks) == 0 || len(sink.chunks) >= 100 {
		t.Fatalf("分片应在中途停止，实际 %d 段", len(sink.chunks))
	}
}

func TestSplitRunes(t *testing.T) {
	if chunks := splitRunes("", 20); chunks != nil {
		t.Fatalf("空内容不应产生分片: %v", chunks)
	}
	chunks := splitRunes("abcde", 2)
	if len(chunks) != 3 || chunks[2] != "e" {
		t.Fatalf("切片错误: %v", chunks)
	}
}
