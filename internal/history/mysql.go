package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"ChainPilot/deploy/migrations"
)

// MySQLConfig 描述 MySQL 历史存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 把会话历史落到 MySQL，建表由内嵌迁移完成。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接并执行迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// AddMessage 实现 Store。
func (s *MySQLStore) AddMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("写入会话消息失败: %w", err)
	}
	return nil
}

// AddStep 实现 Store。
func (s *MySQLStore) AddStep(ctx context.Context, record StepRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_steps (session_id, plan_id, step_id, step_type, status, attempts, error, duration_ms, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.PlanID, record.StepID, record.StepType, record.Status,
		record.Attempts, record.Error, record.Duration.Milliseconds(), record.CreatedAt)
	if err != nil {
		return fmt.Errorf("写入步骤记录失败: %w", err)
	}
	return nil
}

// GetSession 实现 Store。
func (s *MySQLStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	session := &Session{ID: sessionID}

	msgRows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM session_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("查询会话消息失败: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		msg := Message{SessionID: sessionID}
		var role string
		if err := msgRows.Scan(&role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析会话消息失败: %w", err)
		}
		msg.Role = Role(role)
		session.Messages = append(session.Messages, msg)
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话消息失败: %w", err)
	}

	stepRows, err := s.db.QueryContext(ctx,
		`SELECT plan_id, step_id, step_type, status, attempts, COALESCE(error, ''), duration_ms, created_at
         FROM session_steps WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("查询步骤记录失败: %w", err)
	}
	defer stepRows.Close()
	for stepRows.Next() {
		record := StepRecord{SessionID: sessionID}
		var durationMS int64
		if err := stepRows.Scan(&record.PlanID, &record.StepID, &record.StepType, &record.Status,
			&record.Attempts, &record.Error, &durationMS, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析步骤记录失败: %w", err)
		}
		record.Duration = time.Duration(durationMS) * time.Millisecond
		session.Steps = append(session.Steps, record)
	}
	if err := stepRows.Err(); err != nil {
		return nil, fmt.Errorf("遍历步骤记录失败: %w", err)
	}

	return session, nil
}

// Close 实现 Store。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
