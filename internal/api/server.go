package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"L402-Agent/internal/assistant"
	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/l402"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/internal/task"
	"L402-Agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Asker 是同步问答入口。
type Asker interface {
	Answer(ctx context.Context, question string) *assistant.Result
}

// TaskService 是异步任务接口。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// PaymentLister 查询支付账本。
type PaymentLister interface {
	List(ctx context.Context, limit int) ([]l402.PaymentAttempt, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	asker    Asker
	tasks    TaskService
	payments PaymentLister
	metrics  bool
}

// Option 配置 Server。
type Option func(*Server)

// WithAsker 挂载同步问答接口。
func WithAsker(a Asker) Option {
	return func(s *Server) { s.asker = a }
}

// WithTaskService 挂载任务接口。
func WithTaskService(svc TaskService) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithPaymentLedger 挂载支付账本查询接口。
func WithPaymentLedger(p PaymentLister) Option {
	return func(s *Server) { s.payments = p }
}

// WithMetricsEndpoint 在同一端口暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/ask", observe("ask", s.handleAsk))
	mux.Handle("POST /api/v1/tasks", observe("tasks_create", s.handleCreateTask))
	mux.Handle("GET /api/v1/tasks", observe("tasks_list", s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/stats", observe("tasks_stats", s.handleTaskStats))
	mux.Handle("GET /api/v1/tasks/{id}", observe("tasks_detail", s.handleTaskDetail))
	mux.Handle("GET /api/v1/payments", observe("payments", s.handleListPayments))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type askRequest struct {
	Question string `json:"question"`
}

// handleAsk 同步回答问题。回答失败时仍返回 200，失败原因放在 failure 字段。
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.asker == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "问答入口未初始化"))
		return
	}
	var req askRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "question 不能为空"))
		return
	}
	writeJSON(w, http.StatusOK, s.asker.Answer(r.Context(), req.Question))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		s.writeTask(w, r, id)
		return
	}
	opts, err := listOptionsFromQuery(query)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	s.writeTask(w, r, r.PathValue("id"))
}

func (s *Server) writeTask(w http.ResponseWriter, r *http.Request, id string) {
	if strings.TrimSpace(id) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "支付账本未初始化"))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.payments.List(r.Context(), limit)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付账本失败"))
		return
	}
	if records == nil {
		records = []l402.PaymentAttempt{}
	}
	writeJSON(w, http.StatusOK, records)
}

func listOptionsFromQuery(query url.Values) ([]task.ListOption, error) {
	get := func(key string) string {
		return strings.TrimSpace(query.Get(key))
	}
	var opts []task.ListOption

	limit, err := intParam(get("limit"), "limit")
	if err != nil {
		return nil, err
	}
	offset, err := intParam(get("offset"), "offset")
	if err != nil {
		return nil, err
	}
	opts = append(opts, task.WithLimit(limit), task.WithOffset(offset))

	if raw := get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := get("error_code"); raw != "" {
		opts = append(opts, task.WithErrorCodes(strings.Split(raw, ",")...))
	}
	if intent := get("intent"); intent != "" {
		opts = append(opts, task.WithIntent(intent))
	}
	if q := get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, name+" 必须是非负整数")
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dest); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	}
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:      string(xerrors.CodeOf(err)),
		Message:   xerrors.MessageOf(err),
		Retryable: xerrors.RetryableError(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe 记录每个接口的请求数与耗时。
func observe(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
