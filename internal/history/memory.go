package history

import (
	"context"
	"sync"
	"time"
)

const defaultSessionCap = 256

// MemoryStore 把会话历史保存在进程内，主要用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	cap      int
	sessions map[string]*Session
}

// NewMemoryStore 创建内存历史存储。cap 限制单会话的消息与步骤数量。
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = defaultSessionCap
	}
	return &MemoryStore{
		cap:      cap,
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) session(id string) *Session {
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{ID: id}
		m.sessions[id] = s
	}
	return s
}

// AddMessage 实现 Store。
func (m *MemoryStore) AddMessage(_ context.Context, msg Message) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(msg.SessionID)
	s.Messages = append(s.Messages, msg)
	if overflow := len(s.Messages) - m.cap; overflow > 0 {
		s.Messages = s.Messages[overflow:]
	}
	return nil
}

// AddStep 实现 Store。
func (m *MemoryStore) AddStep(_ context.Context, record StepRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(record.SessionID)
	s.Steps = append(s.Steps, record)
	if overflow := len(s.Steps) - m.cap; overflow > 0 {
		s.Steps = s.Steps[overflow:]
	}
	return nil
}

// GetSession 实现 Store，返回会话的深拷贝。
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return &Session{ID: sessionID}, nil
	}
	out := &Session{
		ID:       s.ID,
		Messages: make([]Message, len(s.Messages)),
		Steps:    make([]StepRecord, len(s.Steps)),
	}
	copy(out.Messages, s.Messages)
	copy(out.Steps, s.Steps)
	return out, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
