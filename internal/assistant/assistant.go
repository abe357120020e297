package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"L402-Agent/internal/agent"
	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/knowledge"
	"L402-Agent/internal/l402"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/observability/alerting"
	"L402-Agent/internal/router"
	"L402-Agent/internal/tools"
	"L402-Agent/pkg/logger"
)

// Mode 决定入口如何处理问题。
type Mode string

const (
	// ModeRouter 先分类再分派到对应路径。
	ModeRouter Mode = "router"
	// ModeAgent 由一个持有全部工具的智能体处理所有问题。
	ModeAgent Mode = "agent"
)

// Failure 是错误在回答中的结构化表示。
type Failure struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
	PaymentHash string `json:"payment_hash,omitempty"`
	PaymentKind string `json:"payment_kind,omitempty"`
}

// Result 是入口的输出。
type Result struct {
	ExecutionID string       `json:"execution_id"`
	Answer      string       `json:"answer"`
	Intent      string       `json:"intent,omitempty"`
	Steps       []agent.Step `json:"steps,omitempty"`
	Failure     *Failure     `json:"failure,omitempty"`
}

// Components 是入口依赖的下游组件。
type Components struct {
	LLM llm.Client
	// NodeAgent 只持有节点工具，处理 NODE_INFO 问题。
	NodeAgent *agent.Executor
	// EntryAgent 持有节点工具与付费 API 工具，agent 模式下使用。
	EntryAgent *agent.Executor
	Chain      tools.Fulfiller
	Knowledge  knowledge.Provider
	TargetHost string
}

// Service 是问答入口，可被并发调用。
type Service struct {
	mode    Mode
	router  *router.Router
	entry   *agent.Executor
	alerter alerting.Dispatcher
}

// Option 定义可选的 Service 配置。
type Option func(*options)

type options struct {
	mode       Mode
	llmTimeout time.Duration
	alerter    alerting.Dispatcher
}

// WithMode 设置入口模式，默认 router。
func WithMode(mode Mode) Option {
	return func(o *options) {
		if mode != "" {
			o.mode = mode
		}
	}
}

// WithLLMTimeout 设置静态回答调用大模型的超时时间。
func WithLLMTimeout(d time.Duration) Option {
	return func(o *options) {
		o.llmTimeout = d
	}
}

// WithAlerter 设置付款结果未知时使用的告警通道。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(o *options) {
		o.alerter = d
	}
}

// New 根据模式组装入口。
func New(c Components, opts ...Option) (*Service, error) {
	o := options{mode: ModeRouter}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	s := &Service{mode: o.mode, alerter: o.alerter}
	switch o.mode {
	case ModeAgent:
		if c.EntryAgent == nil {
			return nil, errors.New("assistant: agent mode requires an entry agent")
		}
		s.entry = c.EntryAgent
	case ModeRouter:
		if c.LLM == nil || c.NodeAgent == nil || c.Chain == nil {
			return nil, errors.New("assistant: router mode requires an llm client, a node agent and a paid api chain")
		}
		r, err := router.New(router.NewClassifier(c.LLM, o.llmTimeout), router.Handlers{
			NodeInfo:  agentHandler(c.NodeAgent),
			Knowledge: knowledgeResponder(c.LLM, o.llmTimeout, c.Knowledge),
			FAQ:       faqResponder(c.LLM, o.llmTimeout, c.TargetHost),
			PaidAPI:   chainHandler(c.Chain),
			Other:     fallbackResponder(c.LLM, o.llmTimeout, c.TargetHost),
		})
		if err != nil {
			return nil, err
		}
		s.router = r
	default:
		return nil, fmt.Errorf("assistant: unknown mode %q", o.mode)
	}
	return s, nil
}

// Mode 返回入口模式。
func (s *Service) Mode() Mode {
	return s.mode
}

// Answer 回答问题，任何错误都转换为带 Failure 的结果，不会向外返回错误。
func (s *Service) Answer(ctx context.Context, question string) *Result {
	result, err := s.Execute(ctx, question)
	if err != nil {
		result.Failure = failureOf(err)
		result.Answer = "Sorry, I could not answer this question: " + result.Failure.Message
	}
	return result
}

// Execute 回答问题并返回原始错误，供需要区分可重试错误的调用方使用。
// 返回的 Result 总是非空，出错时包含已完成的步骤。
func (s *Service) Execute(ctx context.Context, question string) (*Result, error) {
	id := uuid.NewString()
	result := &Result{ExecutionID: id}
	question = strings.TrimSpace(question)
	if question == "" {
		return result, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	log := logger.FromContext(ctx).With(slog.String("execution_id", id))
	ctx = logger.WithContext(l402.WithExecutionID(ctx, id), log)
	start := time.Now()

	var (
		answer *router.Answer
		err    error
	)
	switch s.mode {
	case ModeAgent:
		answer, err = agentHandler(s.entry)(ctx, question)
	default:
		var intent router.Intent
		intent, answer, err = s.router.Route(ctx, question)
		result.Intent = string(intent)
	}
	if answer != nil {
		result.Answer = answer.Text
		result.Steps = answer.Steps
	}

	if err != nil {
		log.Warn("question failed",
			slog.String("intent", result.Intent),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		s.alertPayment(ctx, id, err)
		return result, err
	}
	log.Info("question answered",
		slog.String("intent", result.Intent),
		slog.Int("steps", len(result.Steps)),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

// alertPayment 在付款结果无法确认时发出告警，需要人工核对。
func (s *Service) alertPayment(ctx context.Context, executionID string, err error) {
	if s.alerter == nil || lightning.PaymentKindOf(err) != lightning.PaymentUnknownOutcome {
		return
	}
	event := alerting.FromError(err)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["execution_id"] = executionID
	if alertErr := s.alerter.Notify(context.WithoutCancel(ctx), event); alertErr != nil {
		logger.L().Error("send payment alert failed", slog.String("error", alertErr.Error()))
	}
}

func agentHandler(ex *agent.Executor) router.Handler {
	return func(ctx context.Context, question string) (*router.Answer, error) {
		exec, err := ex.Run(ctx, question)
		if exec == nil {
			return nil, err
		}
		return &router.Answer{Text: exec.Answer, Steps: exec.Steps}, err
	}
}

func chainHandler(chain tools.Fulfiller) router.Handler {
	return func(ctx context.Context, question string) (*router.Answer, error) {
		res, err := chain.Fulfill(ctx, question)
		if err != nil {
			return nil, err
		}
		return &router.Answer{Text: res.Answer}, nil
	}
}

func failureOf(err error) *Failure {
	f := &Failure{
		Code:      string(xerrors.CodeOf(err)),
		Message:   xerrors.MessageOf(err),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		f.PaymentHash = e.Metadata()[lightning.MetaPaymentHash]
	}
	f.PaymentKind = string(lightning.PaymentKindOf(err))
	return f
}
