package history

import (
	"context"
	"fmt"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.AddMessage(ctx, Message{SessionID: "s1", Role: RoleUser, Content: "把 10 USDC 换成 ETH"}); err != nil {
		t.Fatalf("写入消息失败: %v", err)
	}
	if err := store.AddMessage(ctx, Message{SessionID: "s1", Role: RoleAssistant, Content: "已完成兑换"}); err != nil {
		t.Fatalf("写入消息失败: %v", err)
	}
	if err := store.AddStep(ctx, StepRecord{SessionID: "s1", PlanID: "plan-1", StepID: "swap_tokens-1", Status: "completed"}); err != nil {
		t.Fatalf("写入步骤失败: %v", err)
	}

	session, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if len(session.Messages) != 2 || len(session.Steps) != 1 {
		t.Fatalf("会话内容错误: %+v", session)
	}
	if session.Messages[0].Role != RoleUser || session.Messages[1].Role != RoleAssistant {
		t.Fatalf("消息顺序错误: %+v", session.Messages)
	}
	if session.Messages[0].CreatedAt == 0 {
		t.Fatal("写入时应补齐时间戳")
	}
}

func TestMemoryStoreUnknownSessionIsEmpty(t *testing.T) {
	store := NewMemoryStore(0)
	session, err := store.GetSession(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if session.ID != "nobody" || len(session.Messages) != 0 || len(session.Steps) != 0 {
		t.Fatalf("未知会话应返回空会话: %+v", session)
	}
}

func TestMemoryStoreCapsHistory(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		content := fmt.Sprintf("第 %d 条", i)
		if err := store.AddMessage(ctx, Message{SessionID: "s1", Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("写入消息失败: %v", err)
		}
		if err := store.AddStep(ctx, StepRecord{SessionID: "s1", StepID: content}); err != nil {
			t.Fatalf("写入步骤失败: %v", err)
		}
	}

	session, _ := store.GetSession(ctx, "s1")
	if len(session.Messages) != 3 || len(session.Steps) != 3 {
		t.Fatalf("历史应截断为 3 条: %d %d", len(session.Messages), len(session.Steps))
	}
	if session.Messages[0].Content != "第 2 条" {
		t.Fatalf("应丢弃最旧的消息: %+v", session.Messages[0])
	}
}

func TestGetSessionReturnsDeepCopy(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	if err := store.AddMessage(ctx, Message{SessionID: "s1", Role: RoleUser, Content: "原始内容"}); err != nil {
		t.Fatalf("写入消息失败: %v", err)
	}

	first, _ := store.GetSession(ctx, "s1")
	first.Messages[0].Content = "被篡改"

	second, _ := store.GetSession(ctx, "s1")
	if second.Messages[0].Content != "原始内容" {
		t.Fatalf("会话副本被外部修改污染: %+v", second.Messages[0])
	}
}
