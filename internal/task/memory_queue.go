package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/pkg/logger"
)

const defaultMemoryQueueSize = 64

// MemoryQueue 是进程内的有界任务队列，单机部署与测试使用。
type MemoryQueue struct {
	pending chan string

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{pending: make(chan string, size)}
}

// Publish 入队，队列已满时阻塞直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	}
	select {
	case q.pending <- taskID:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "投递任务超时")
	}
}

// Consume 启动工作协程，处理失败的任务会被放回队尾。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case taskID, ok := <-q.pending:
					if !ok {
						return
					}
					if err := deliver(ctx, "memory", taskID, handler); err != nil && ctx.Err() == nil {
						q.requeue(taskID)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// requeue 不阻塞工作协程，队列满时丢弃并记录日志。
func (q *MemoryQueue) requeue(taskID string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.pending <- taskID:
	default:
		metrics.ObserveQueueDelivery("memory", deliveryDropped, 0)
		logger.L().Error("内存队列已满，丢弃重新投递的任务", slog.String("task_id", taskID))
	}
}

// Close 关闭队列，之后的 Publish 返回错误。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.pending)
	}
	return nil
}
