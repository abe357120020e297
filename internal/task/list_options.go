package task

import (
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定任务列表按更新时间排序的方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务在前，默认值。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的任务在前。
	SortByUpdatedAsc
)

// ListOptions 是查询任务时的过滤条件。零值字段不参与过滤。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	// ErrorCodes 按失败错误码过滤，例如只看 PAYMENT_FAILED。
	ErrorCodes []string
	// Intent 按回答所走的路径过滤，例如 PAID_API。
	Intent       string
	UpdatedSince int64
	UpdatedUntil int64
	HasResult    *bool
	Order        SortOrder
	Query        string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，超过上限时截断为 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 条匹配的任务。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithErrorCodes 只返回最近一次失败错误码在给定集合中的任务。
func WithErrorCodes(codes ...string) ListOption {
	return func(o *ListOptions) { o.ErrorCodes = append([]string(nil), codes...) }
}

// WithIntent 只返回回答意图为 intent 的任务。
func WithIntent(intent string) ListOption {
	return func(o *ListOptions) { o.Intent = intent }
}

// WithUpdatedSince 只返回在 ts 及之后更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedSince = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回在 ts 及之前更新过的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedUntil = unixOrZero(ts) }
}

// WithResultPresence 按任务是否已有回答过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 在 ID、问题、错误信息与回答中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// applyDefaults 规整分页参数并去掉无效的过滤值。
func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Statuses = uniqueStatuses(o.Statuses)
	o.ErrorCodes = uniqueUpper(o.ErrorCodes)
	o.Intent = strings.ToUpper(strings.TrimSpace(o.Intent))
	o.Query = strings.TrimSpace(o.Query)
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func uniqueStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !containsStatus(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func uniqueUpper(input []string) []string {
	var out []string
	seen := make(map[string]bool, len(input))
	for _, v := range input {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
