package task

import (
	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/l402"
	"L402-Agent/internal/lightning"
)

// TaskStats 是一组任务的计数，供 /api/v1/tasks/stats 与仪表盘使用。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Exhausted 是已失败且不会再被重试的任务数，是 Failed 的子集。
	Exhausted int `json:"exhausted"`
	// PaymentFailures 是最近一次失败与付款相关的任务数，需要人工核对。
	PaymentFailures int   `json:"payment_failures"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// add 把一个任务计入统计。
func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		if t.Done() {
			s.Exhausted++
		}
	}
	if isPaymentCode(t.ErrorCode) {
		s.PaymentFailures++
	}
	if t.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = t.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}

// paymentCodes 是付款之后或付款过程中可能出现的错误码。
var paymentCodes = []xerrors.Code{lightning.CodePaymentFailed, l402.CodePaymentRejected, l402.CodePaidRequestFailed}

func isPaymentCode(code string) bool {
	for _, c := range paymentCodes {
		if xerrors.Code(code) == c {
			return true
		}
	}
	return false
}
