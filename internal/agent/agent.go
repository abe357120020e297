package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/internal/tools"
	"L402-Agent/pkg/logger"
)

// State 是一次执行所处的状态。
type State string

const (
	StatePlanning  State = "planning"
	StateActing    State = "acting"
	StateObserving State = "observing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Step 是一次规划与工具调用的记录，按顺序追加。
type Step struct {
	Thought     string          `json:"thought,omitempty"`
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input,omitempty"`
	Observation string          `json:"observation"`
	// Log 是模型的原始输出，回放给下一次规划。
	Log string `json:"-"`
}

// Execution 是一次运行的结果，由单个 Run 独占。
type Execution struct {
	Question string `json:"question"`
	Steps    []Step `json:"steps"`
	Answer   string `json:"answer,omitempty"`
	State    State  `json:"state"`
	Err      error  `json:"-"`
}

// Executor 是有界的规划-执行-观察循环，可被并发调用。
type Executor struct {
	llmClient     llm.Client
	registry      *tools.Registry
	maxIterations int
	llmTimeout    time.Duration
	prefix        string
}

// Option 定义可选的 Executor 配置。
type Option func(*Executor)

// defaultMaxIterations 是单次执行允许的最大步数。
const defaultMaxIterations = 5

// WithMaxIterations 设置最大步数，小于 1 时使用默认值。
func WithMaxIterations(n int) Option {
	return func(e *Executor) {
		if n >= 1 {
			e.maxIterations = n
		}
	}
}

// WithLLMTimeout 设置每次规划调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout <= 0 {
			e.llmTimeout = 0
			return
		}
		e.llmTimeout = timeout
	}
}

// WithPrefix 替换系统提示词的开头部分。
func WithPrefix(prefix string) Option {
	return func(e *Executor) {
		e.prefix = prefix
	}
}

// New 创建一个 Executor。
func New(llmClient llm.Client, registry *tools.Registry, opts ...Option) *Executor {
	ex := &Executor{
		llmClient:     llmClient,
		registry:      registry,
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ex)
		}
	}
	return ex
}

// MaxIterations 返回最大步数。
func (e *Executor) MaxIterations() int {
	return e.maxIterations
}

// Run 执行一次问答。出错时仍返回已完成的步骤。
func (e *Executor) Run(ctx context.Context, question string) (*Execution, error) {
	if e.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if e.registry.Len() == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未注册任何工具")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	log := logger.FromContext(ctx).With(slog.String("component", "agent"))
	system := systemPrompt(e.prefix, e.registry)
	exec := &Execution{Question: question, State: StatePlanning}

	var (
		current Step
		next    *plan
		direct  bool
	)
	for {
		switch exec.State {
		case StatePlanning:
			if err := ctx.Err(); err != nil {
				e.fail(exec, contextError(err))
				continue
			}
			p, err := e.plan(ctx, system, exec)
			switch {
			case xerrors.HasCode(err, CodePlanParse):
				// 格式错误作为观察结果反馈给下一次规划，并计入步数。
				current = Step{Action: "_Exception", Observation: invalidFormatObservation(err)}
				if p != nil {
					current.Log = p.log
				}
				exec.State = StateObserving
			case err != nil:
				e.fail(exec, err)
			case p.final:
				exec.Answer = p.answer
				exec.State = StateDone
			default:
				next = p
				exec.State = StateActing
			}

		case StateActing:
			observation, returnDirect, err := e.act(ctx, next)
			if err != nil {
				current = Step{Thought: next.thought, Action: next.action, ActionInput: next.input, Log: next.log, Observation: err.Error()}
				exec.Steps = append(exec.Steps, current)
				e.fail(exec, err)
				continue
			}
			current = Step{Thought: next.thought, Action: next.action, ActionInput: next.input, Log: next.log, Observation: observation}
			direct = returnDirect
			exec.State = StateObserving

		case StateObserving:
			exec.Steps = append(exec.Steps, current)
			log.Debug("agent step",
				slog.Int("step", len(exec.Steps)),
				slog.String("thought", current.Thought),
				slog.String("action", current.Action),
				slog.String("action_input", string(current.ActionInput)),
				slog.String("observation", current.Observation))
			switch {
			case direct:
				exec.Answer = current.Observation
				exec.State = StateDone
			case len(exec.Steps) >= e.maxIterations:
				e.fail(exec, xerrors.New(CodeMaxIterations,
					fmt.Sprintf("agent stopped after %d iterations without a final answer", e.maxIterations)))
			default:
				exec.State = StatePlanning
			}

		case StateDone:
			metrics.ObserveAgentRun(string(StateDone), len(exec.Steps))
			log.Info("agent finished", slog.Int("steps", len(exec.Steps)))
			return exec, nil

		case StateFailed:
			metrics.ObserveAgentRun(string(xerrors.CodeOf(exec.Err)), len(exec.Steps))
			log.Warn("agent failed",
				slog.Int("steps", len(exec.Steps)),
				slog.String("code", string(xerrors.CodeOf(exec.Err))),
				slog.String("error", exec.Err.Error()))
			return exec, exec.Err
		}
	}
}

func (e *Executor) fail(exec *Execution, err error) {
	exec.Err = err
	exec.State = StateFailed
}

func (e *Executor) plan(ctx context.Context, system string, exec *Execution) (*plan, error) {
	llmCtx := ctx
	if e.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, e.llmTimeout)
		defer cancel()
	}

	resp, err := e.llmClient.Generate(llmCtx, llm.Request{
		System:   system,
		Messages: transcript(exec.Question, exec.Steps),
		Stop:     []string{"\nObservation:"},
	})
	if err != nil {
		if _, coded := xerrors.From(err); coded {
			return nil, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if stdErrors.Is(err, context.Canceled) {
			return nil, xerrors.Wrap(xerrors.CodeCanceled, err, "")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(CodePlanParse, "empty reply")
	}
	p, err := parsePlan(resp.Content)
	if err != nil {
		return &plan{log: resp.Content}, err
	}
	return p, nil
}

// act 调用工具。参数错误与可恢复的节点错误作为观察结果返回，其余错误终止执行。
func (e *Executor) act(ctx context.Context, p *plan) (string, bool, error) {
	spec, ok := e.registry.Lookup(p.action)
	if !ok {
		return fmt.Sprintf("%s is not a valid tool, try one of [%s].", p.action, strings.Join(e.registry.Names(), ", ")), false, nil
	}

	observation, err := spec.Invoke(ctx, p.input)
	switch {
	case err == nil:
		return observation, spec.ReturnDirect, nil
	case tools.IsInputError(err):
		return "Invalid input: " + xerrors.MessageOf(err), false, nil
	case lightning.IsFatalNodeError(err):
		return "", false, err
	case lightning.IsNodeError(err):
		return "Node error: " + err.Error(), false, nil
	default:
		return "", false, err
	}
}

func contextError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "")
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "")
}
