package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/orchestrator"
)

// fakeProducer 记录投递的任务 ID，可注入失败。
type fakeProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakeProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, taskID)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestSubmitCreatesAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{}
	svc := NewService(store, producer, 3)

	created, err := svc.Submit(context.Background(), orchestrator.Request{
		Instruction: "把 10 USDC 换成 ETH",
		SessionID:   "sess-1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if created.ID == "" || created.Status != StatusPending || created.MaxRetries != 3 {
		t.Fatalf("任务字段错误: %+v", created)
	}
	if len(producer.published) != 1 || producer.published[0] != created.ID {
		t.Fatalf("任务未入队: %v", producer.published)
	}
}

func TestSubmitRejectsEmptyInstruction(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeProducer{}, 3)
	_, err := svc.Submit(context.Background(), orchestrator.Request{Instruction: "   "})
	if xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("空指令应被拒绝: %v", err)
	}
}

func TestSubmitIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{}
	svc := NewService(store, producer, 3)
	req := orchestrator.Request{ID: "fixed-id", Instruction: "查询余额"}

	first, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	second, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("重复提交应返回同一任务: %s %s", first.ID, second.ID)
	}
	if len(producer.published) != 1 {
		t.Fatalf("重复提交不应再次入队: %v", producer.published)
	}
}

func TestSubmitPublishFailureMarksTaskFailed(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{err: errors.New("broker 不可达")}
	svc := NewService(store, producer, 3)

	_, err := svc.Submit(context.Background(), orchestrator.Request{ID: "t1", Instruction: "换币"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("入队失败应返回发布错误: %v", err)
	}

	stored, getErr := store.Get(context.Background(), "t1")
	if getErr != nil {
		t.Fatalf("查询任务失败: %v", getErr)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("任务应被标记为失败: %+v", stored)
	}
}

func TestRequeueStaleRecoversRunningTasks(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{}
	svc := NewService(store, producer, 3)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, orchestrator.Request{ID: "stale", Instruction: "换币"}); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if _, err := store.Claim(ctx, "stale"); err != nil {
		t.Fatalf("领取任务失败: %v", err)
	}
	producer.published = nil

	requeued, err := svc.RequeueStale(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("滞留扫描失败: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("应回收 1 个任务: %d", requeued)
	}
	if len(producer.published) != 1 || producer.published[0] != "stale" {
		t.Fatalf("任务未重新入队: %v", producer.published)
	}
	got, _ := store.Get(ctx, "stale")
	if got.Status != StatusPending {
		t.Fatalf("回收后应回到待处理: %+v", got)
	}
}

func TestRequeueStaleFailsExhaustedTasks(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{}
	svc := NewService(store, producer, 3)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, orchestrator.Request{ID: "wedged", Instruction: "换币"}); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	// 耗尽重试预算后卡在运行态。
	for i := 0; i < 3; i++ {
		if _, err := store.Claim(ctx, "wedged"); err != nil {
			t.Fatalf("第 %d 次领取失败: %v", i+1, err)
		}
		if i < 2 {
			if err := store.Release(ctx, "wedged"); err != nil {
				t.Fatalf("释放失败: %v", err)
			}
		}
	}
	producer.published = nil

	requeued, err := svc.RequeueStale(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("滞留扫描失败: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("预算耗尽的任务不应重新入队: %d", requeued)
	}
	got, _ := store.Get(ctx, "wedged")
	if got.Status != StatusFailed || got.ErrorCode != string(xerrors.CodeRetriesExhausted) {
		t.Fatalf("预算耗尽的任务应判定失败: %+v", got)
	}
}

func TestServiceListAndStats(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &fakeProducer{}, 3)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.Submit(ctx, orchestrator.Request{ID: id, Instruction: "查询 " + id}); err != nil {
			t.Fatalf("提交失败: %v", err)
		}
	}
	if err := store.MarkSucceeded(ctx, "b", ExecutionResult{Reply: "ok"}); err != nil {
		t.Fatalf("标记成功失败: %v", err)
	}

	tasks, err := svc.List(ctx, WithStatuses(StatusPending))
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("待处理任务数错误: %d", len(tasks))
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 {
		t.Fatalf("统计错误: %+v", stats)
	}
}
