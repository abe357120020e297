package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"L402-Agent/internal/observability/metrics"
	"L402-Agent/pkg/logger"
)

// 投递结果，用作指标标签。
const (
	deliveryHandled = "handled"
	deliveryFailed  = "failed"
	deliveryDropped = "dropped"
)

// Handler 处理一次任务投递。返回错误表示任务状态没有落库，队列应再次投递。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递任务 ID。新提交的任务与可重试的失败任务都经由 Publish 入队。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发工作协程消费任务，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是 memory、redis 与 rabbitmq 三种后端的公共接口。
type Queue interface {
	Producer
	Consumer
}

// deliver 调用 handler 并记录耗时。handler 中的 panic 转换为错误，工作协程继续运行。
func deliver(ctx context.Context, driver, taskID string, handler Handler) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("任务处理 panic: %v", r)
		}
		outcome := deliveryHandled
		if err != nil {
			outcome = deliveryFailed
			logger.L().Warn("任务投递处理失败",
				slog.String("driver", driver),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
		metrics.ObserveQueueDelivery(driver, outcome, time.Since(start))
	}()
	return handler(ctx, taskID)
}
