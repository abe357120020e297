package l402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/guard"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/pkg/logger"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 1 << 20
	maxRedirects        = 5
)

// PaymentStatus 是支付账本中一次付款尝试的状态。
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentUnknown   PaymentStatus = "unknown"
	// PaymentRejected 表示付款成功但服务端拒绝了支付证明。
	PaymentRejected PaymentStatus = "rejected"
)

// PaymentAttempt 是支付账本中的一条记录。原像从不记录。
type PaymentAttempt struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Host        string        `json:"host"`
	Path        string        `json:"path"`
	PaymentHash string        `json:"payment_hash,omitempty"`
	AmountSat   int64         `json:"amount_sat"`
	FeeSat      int64         `json:"fee_sat"`
	Status      PaymentStatus `json:"status"`
	FailureKind string        `json:"failure_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Recorder 保存付款尝试。同一 ID 的多次写入视为更新。
type Recorder interface {
	RecordPayment(ctx context.Context, attempt PaymentAttempt) error
}

// Result 是一次 API 调用的结果。
type Result struct {
	Answer      string `json:"answer"`
	StatusCode  int    `json:"status_code"`
	Paid        bool   `json:"paid"`
	PaymentHash string `json:"payment_hash,omitempty"`
	AmountSat   int64  `json:"amount_sat,omitempty"`
	FeeSat      int64  `json:"fee_sat,omitempty"`
}

// Chain 是 L402 付费调用链。Chain 本身无状态，可被多个执行并发使用。
type Chain struct {
	builder      *Builder
	payer        lightning.Payer
	allow        *guard.AllowList
	client       *http.Client
	recorder     Recorder
	maxBodyBytes int64
}

// Option 自定义 Chain。
type Option func(*Chain)

// WithHTTPClient 替换底层 HTTP 客户端。重定向仍会经过白名单校验。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Chain) {
		if client != nil {
			clone := *client
			c.client = &clone
		}
	}
}

// WithHTTPTimeout 设置单次 HTTP 请求的超时时间。
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRecorder 设置支付账本。
func WithRecorder(r Recorder) Option {
	return func(c *Chain) {
		c.recorder = r
	}
}

// WithMaxBodyBytes 限制读取的响应体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// NewChain 创建调用链。
func NewChain(builder *Builder, payer lightning.Payer, allow *guard.AllowList, opts ...Option) (*Chain, error) {
	if builder == nil {
		return nil, errors.New("l402: builder is required")
	}
	if payer == nil {
		return nil, errors.New("l402: payer is required")
	}
	if allow == nil {
		return nil, errors.New("l402: allow-list is required")
	}
	c := &Chain{
		builder:      builder,
		payer:        payer,
		allow:        allow,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return c.allow.Check(req.URL)
	}
	return c, nil
}

// Documentation 返回目标 API 的文档。
func (c *Chain) Documentation() *Documentation {
	return c.builder.Documentation()
}

// Fulfill 根据自然语言问题调用付费 API 并返回响应正文。
func (c *Chain) Fulfill(ctx context.Context, query string) (*Result, error) {
	req, err := c.builder.Build(ctx, query)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, req)
}

// Execute 发送请求；遇到 402 时付款并且只重试一次。
func (c *Chain) Execute(ctx context.Context, req *APIRequest) (*Result, error) {
	log := logger.FromContext(ctx).With(
		slog.String("component", "l402"),
		slog.String("host", req.URL.Host),
		slog.String("path", req.URL.Path),
	)

	first, err := c.send(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if first.status != http.StatusPaymentRequired {
		log.Debug("resource served without payment", slog.Int("status", first.status))
		return &Result{Answer: first.body, StatusCode: first.status}, nil
	}

	challenge, err := ParseChallenge(first.header)
	if err != nil {
		log.Warn("invalid payment challenge", slog.String("error", err.Error()))
		return nil, err
	}
	metrics.ObserveChallenge(req.URL.Hostname())
	audit := []any{
		slog.String("execution_id", ExecutionIDFrom(ctx)),
		slog.String("host", req.URL.Host),
		slog.String("path", req.URL.Path),
		slog.String("scheme", challenge.Scheme),
	}
	if id, ok := challenge.MacaroonID(); ok {
		audit = append(audit, slog.String("macaroon_id", id))
	}
	logger.Audit().Info("l402 challenge received", audit...)

	attempt := PaymentAttempt{
		ID:          uuid.NewString(),
		ExecutionID: ExecutionIDFrom(ctx),
		Host:        req.URL.Host,
		Path:        req.URL.Path,
		CreatedAt:   time.Now().UTC(),
	}

	payment, err := c.payer.Pay(ctx, challenge.Invoice)
	if err != nil {
		c.recordFailure(ctx, &attempt, err)
		return nil, err
	}
	attempt.PaymentHash = payment.PaymentHash
	attempt.AmountSat = payment.AmountSat
	attempt.FeeSat = payment.FeeSat
	attempt.Status = PaymentSucceeded
	metrics.ObservePayment(string(PaymentSucceeded), "", payment.AmountSat, payment.FeeSat)
	c.record(ctx, attempt)

	retry, err := c.send(ctx, req, challenge.Authorization(payment.Preimage))
	if err != nil {
		if !xerrors.HasCode(err, guard.CodeDomainNotAllowed) {
			err = xerrors.Wrap(CodePaidRequestFailed, err, "",
				xerrors.WithMetadata(lightning.MetaPaymentHash, payment.PaymentHash))
		}
		attempt.Error = err.Error()
		c.record(ctx, attempt)
		return nil, err
	}
	if retry.status == http.StatusPaymentRequired {
		rejected := xerrors.New(CodePaymentRejected, "server answered 402 to a paid request",
			xerrors.WithMetadata(lightning.MetaPaymentHash, payment.PaymentHash))
		attempt.Status = PaymentRejected
		attempt.Error = rejected.Error()
		c.record(ctx, attempt)
		return nil, rejected
	}

	log.Info("paid request completed", slog.Int("status", retry.status), slog.String("payment_hash", payment.PaymentHash))
	return &Result{
		Answer:      retry.body,
		StatusCode:  retry.status,
		Paid:        true,
		PaymentHash: payment.PaymentHash,
		AmountSat:   payment.AmountSat,
		FeeSat:      payment.FeeSat,
	}, nil
}

type response struct {
	status int
	header http.Header
	body   string
}

// send 在白名单校验通过后发出一次请求。
func (c *Chain) send(ctx context.Context, req *APIRequest, authorization string) (*response, error) {
	if err := c.allow.Check(req.URL); err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, xerrors.Wrap(CodeRequestConstruction, err, "")
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if authorization != "" {
		httpReq.Header.Set("Authorization", authorization)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: string(content)}, nil
}

func transportError(ctx context.Context, err error) error {
	// 重定向到白名单外的主机时保留原错误码。
	if e, ok := xerrors.From(err); ok && e.Code() == guard.CodeDomainNotAllowed {
		return e
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, "")
	case errors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "API request timed out")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "API request timed out")
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "API request failed")
}

func (c *Chain) recordFailure(ctx context.Context, attempt *PaymentAttempt, err error) {
	attempt.Status = PaymentFailed
	kind := lightning.PaymentKindOf(err)
	if kind == lightning.PaymentUnknownOutcome {
		attempt.Status = PaymentUnknown
	}
	attempt.FailureKind = string(kind)
	attempt.Error = err.Error()
	if e, ok := xerrors.From(err); ok {
		attempt.PaymentHash = e.Metadata()[lightning.MetaPaymentHash]
	}
	metrics.ObservePayment(string(attempt.Status), string(kind), 0, 0)
	c.record(ctx, *attempt)
}

func (c *Chain) record(ctx context.Context, attempt PaymentAttempt) {
	if c.recorder == nil {
		return
	}
	attempt.UpdatedAt = time.Now().UTC()
	// 账本写入不受调用方取消影响，付款结果必须落账。
	if err := c.recorder.RecordPayment(context.WithoutCancel(ctx), attempt); err != nil {
		logger.L().Error("record payment attempt failed",
			slog.String("attempt_id", attempt.ID),
			slog.String("payment_hash", attempt.PaymentHash),
			slog.String("error", err.Error()))
	}
}

type executionIDKey struct{}

// WithExecutionID 在 ctx 中记录当前执行的 ID，用于账本与审计日志关联。
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionIDFrom 返回 ctx 中的执行 ID。
func ExecutionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}
