package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/pkg/logger"
)

// SubmitRequest 描述一次任务提交。ID 可选，重复提交同一 ID 会返回已有任务。
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Question string         `json:"question"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service 是异步问答的提交与查询入口，执行由 Processor 完成。
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

// maxQuestionRunes 限制单个问题的长度，问题会被原样送进提示词。
const maxQuestionRunes = 2000

// Submit 校验问题、落库并入队。指定的 ID 已存在时直接返回已有任务，不会重复执行，也就不会重复付款。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	question := strings.TrimSpace(req.Question)
	switch {
	case question == "":
		return nil, xerrors.New(CodeTaskValidation, "问题不能为空")
	case utf8.RuneCountInString(question) > maxQuestionRunes:
		return nil, xerrors.New(CodeTaskValidation, "问题过长",
			xerrors.WithMetadata("max_runes", strconv.Itoa(maxQuestionRunes)))
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	} else if existing, err := s.existing(ctx, taskID); existing != nil || err != nil {
		return existing, err
	}

	task := &Task{
		ID:         taskID,
		Question:   question,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			// 并发提交同一 ID，以先落库的为准。
			if existing, getErr := s.existing(ctx, taskID); existing != nil || getErr != nil {
				return existing, getErr
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
	metrics.ObserveTask(string(StatusPending))
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("question", task.Question),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// existing 查找已提交的任务，不存在时两个返回值都为 nil。
func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, nil
	default:
		return nil, err
	}
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

// WaitUntilCompleted 轮询任务直到成功或最终失败，超时由 ctx 控制。
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
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
