package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/pkg/logger"
)

// Service 负责指令任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的指令任务并推送到队列。
// 携带相同 ID 的重复提交是幂等的，返回已存在的任务。
func (s *Service) Submit(ctx context.Context, req orchestrator.Request) (*Task, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, xerrors.New(CodeTaskValidation, "指令不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:          taskID,
		SessionID:   req.SessionID,
		Instruction: req.Instruction,
		Metadata:    cloneMetadata(req.Metadata),
		Status:      StatusPending,
		Attempts:    0,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("instruction", task.Instruction),
		slog.String("session_id", task.SessionID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// RequeueStale 扫描长时间停留在运行态的任务：疑似工作进程异常退出留下的残骸。
// 重试预算未耗尽的任务放回队列，已耗尽的直接判定失败。返回重新入队的数量。
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if olderThan <= 0 {
		olderThan = 5 * time.Minute
	}
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.store.List(ctx, ListOptions{
		Statuses:   []Status{StatusRunning},
		UpdatedLTE: cutoff.Unix(),
		Limit:      100,
	})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, task := range stale {
		if task.Attempts >= task.MaxRetries {
			if err := s.store.MarkFailed(ctx, task.ID, xerrors.CodeRetriesExhausted, "任务卡在运行态且重试预算耗尽", true); err != nil {
				logger.L().Error("标记滞留任务失败出错", slog.Any("error", err), slog.String("task_id", task.ID))
			}
			continue
		}
		if err := s.store.Release(ctx, task.ID); err != nil {
			logger.L().Error("释放滞留任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}
		if err := s.producer.Publish(ctx, task.ID); err != nil {
			logger.L().Error("滞留任务重新入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}
		logger.Audit().Warn("滞留任务已重新入队",
			slog.String("task_id", task.ID),
			slog.String("instruction", task.Instruction),
			slog.Int("attempts", task.Attempts),
		)
		requeued++
	}
	return requeued, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询任务状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
