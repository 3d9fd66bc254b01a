package history

import (
	"context"
	"time"
)

// Role 是会话消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是会话内的一条对话消息。
type Message struct {
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// StepRecord 是一次步骤执行的留痕。
type StepRecord struct {
	SessionID string        `json:"session_id"`
	PlanID    string        `json:"plan_id"`
	StepID    string        `json:"step_id"`
	StepType  string        `json:"step_type"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt int64         `json:"created_at"`
}

// Session 汇总一个会话的全部留痕，消息与步骤都按时间升序排列。
type Session struct {
	ID       string       `json:"id"`
	Messages []Message    `json:"messages"`
	Steps    []StepRecord `json:"steps"`
}

// Store 抽象会话历史的持久化接口。
// 历史属于尽力而为的辅助数据，调用方在写入失败时应降级而不是中断执行。
type Store interface {
	AddMessage(ctx context.Context, msg Message) error
	AddStep(ctx context.Context, record StepRecord) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	Close() error
}
