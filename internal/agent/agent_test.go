package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/l402"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/tools"
)

// scriptedLLM 依次返回预设的回复，用尽后重复最后一条。
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	wait     time.Duration
	requests []llm.Request
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	idx := len(s.requests) - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return &llm.Response{Content: s.replies[idx]}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type infoInput struct{}

type echoInput struct {
	Text string `json:"text"`
}

func testRegistry(t *testing.T, infoErr error, extra ...*tools.Spec) *tools.Registry {
	t.Helper()
	info, err := tools.New("get_node_info", "Returns node info.", func(context.Context, infoInput) (any, error) {
		if infoErr != nil {
			return nil, infoErr
		}
		return lightning.NodeInfo{Alias: "alice", NumActiveChannels: 3}, nil
	})
	if err != nil {
		t.Fatalf("tools.New: %v", err)
	}
	echo, err := tools.New("echo", "Echoes text.", func(_ context.Context, in echoInput) (any, error) {
		return in.Text, nil
	})
	if err != nil {
		t.Fatalf("tools.New: %v", err)
	}
	reg, err := tools.NewRegistry(append([]*tools.Spec{info, echo}, extra...)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRunToolThenFinalAnswer(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		`{"thought": "I need the node info", "action": "get_node_info", "action_input": {}}`,
		"```json\n{\"thought\": \"done\", \"action\": \"Final Answer\", \"action_input\": \"The node alias is alice.\"}\n```",
	}}
	ex := New(model, testRegistry(t, nil))

	exec, err := ex.Run(context.Background(), "What is my node alias?")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if exec.State != StateDone || exec.Answer != "The node alias is alice." {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	if len(exec.Steps) != 1 || exec.Steps[0].Action != "get_node_info" || !strings.Contains(exec.Steps[0].Observation, `"alias":"alice"`) {
		t.Fatalf("unexpected steps: %+v", exec.Steps)
	}

	second := model.requests[1]
	if len(second.Messages) != 3 || !strings.HasPrefix(second.Messages[2].Content, "Observation: ") {
		t.Fatalf("observation not fed back: %+v", second.Messages)
	}
	if !strings.Contains(second.System, "get_node_info: Returns node info.") {
		t.Fatalf("tools missing from system prompt:\n%s", second.System)
	}
}

func TestRunStopsAtIterationCap(t *testing.T) {
	model := &scriptedLLM{replies: []string{`{"thought": "again", "action": "get_node_info", "action_input": {}}`}}
	ex := New(model, testRegistry(t, nil), WithMaxIterations(5))

	exec, err := ex.Run(context.Background(), "loop forever")
	if xerrors.CodeOf(err) != CodeMaxIterations {
		t.Fatalf("expected MAX_ITERATIONS_EXCEEDED, got %v", err)
	}
	if exec.State != StateFailed || len(exec.Steps) != 5 {
		t.Fatalf("expected 5 steps before failing, got %d (%s)", len(exec.Steps), exec.State)
	}
	if model.calls() != 5 {
		t.Fatalf("expected 5 planning calls, got %d", model.calls())
	}
}

func TestRunFeedsParseErrorsBack(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		"I think I should look at the node.",
		`{"thought": "ok", "action": "Final Answer", "action_input": "fine"}`,
	}}
	ex := New(model, testRegistry(t, nil))

	exec, err := ex.Run(context.Background(), "status?")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(exec.Steps) != 1 || exec.Steps[0].Action != "_Exception" || !strings.HasPrefix(exec.Steps[0].Observation, "Invalid format") {
		t.Fatalf("parse error not recorded as a step: %+v", exec.Steps)
	}
	if exec.Answer != "fine" {
		t.Fatalf("unexpected answer %q", exec.Answer)
	}
}

func TestRunParseErrorsCountTowardsCap(t *testing.T) {
	model := &scriptedLLM{replies: []string{"no json at all"}}
	ex := New(model, testRegistry(t, nil), WithMaxIterations(3))

	exec, err := ex.Run(context.Background(), "status?")
	if xerrors.CodeOf(err) != CodeMaxIterations || len(exec.Steps) != 3 {
		t.Fatalf("expected cap after 3 malformed replies, got %v with %d steps", err, len(exec.Steps))
	}
}

func TestRunRecordsInvalidToolInput(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		`{"thought": "t", "action": "echo", "action_input": {"text": 42}}`,
		`{"thought": "t", "action": "unknown_tool", "action_input": {}}`,
		`{"thought": "t", "action": "echo", "action_input": {"text": "hi"}}`,
		`{"thought": "t", "action": "Final Answer", "action_input": "hi"}`,
	}}
	ex := New(model, testRegistry(t, nil))

	exec, err := ex.Run(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(exec.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %+v", exec.Steps)
	}
	if !strings.HasPrefix(exec.Steps[0].Observation, "Invalid input") {
		t.Fatalf("tool input error not observed: %q", exec.Steps[0].Observation)
	}
	if !strings.Contains(exec.Steps[1].Observation, "is not a valid tool") {
		t.Fatalf("unknown tool not observed: %q", exec.Steps[1].Observation)
	}
	if exec.Steps[2].Observation != "hi" {
		t.Fatalf("unexpected observation %q", exec.Steps[2].Observation)
	}
}

func TestRunNodeErrors(t *testing.T) {
	act := `{"thought": "t", "action": "get_node_info", "action_input": {}}`
	final := `{"thought": "t", "action": "Final Answer", "action_input": "node is down"}`

	transient := lightning.NewNodeError(lightning.CodeNodeUnavailable, "GetInfo", errors.New("connection refused"))
	model := &scriptedLLM{replies: []string{act, final}}
	exec, err := New(model, testRegistry(t, transient)).Run(context.Background(), "info")
	if err != nil {
		t.Fatalf("transient node error must not abort: %v", err)
	}
	if !strings.HasPrefix(exec.Steps[0].Observation, "Node error") {
		t.Fatalf("unexpected observation %q", exec.Steps[0].Observation)
	}

	auth := lightning.NewNodeError(lightning.CodeNodeAuth, "GetInfo", errors.New("invalid macaroon"))
	model = &scriptedLLM{replies: []string{act, final}}
	exec, err = New(model, testRegistry(t, auth)).Run(context.Background(), "info")
	if !xerrors.HasCode(err, lightning.CodeNodeAuth) {
		t.Fatalf("expected NODE_AUTH_FAILED, got %v", err)
	}
	if model.calls() != 1 || exec.State != StateFailed {
		t.Fatalf("auth failure must short-circuit the run")
	}
}

func TestRunReturnDirect(t *testing.T) {
	paid, err := tools.New("quote_api", "Buys a quote.", func(_ context.Context, in echoInput) (any, error) {
		return "Quote number two", nil
	}, tools.WithReturnDirect())
	if err != nil {
		t.Fatalf("tools.New: %v", err)
	}
	model := &scriptedLLM{replies: []string{`{"thought": "buy", "action": "quote_api", "action_input": {"text": "quote 2"}}`}}
	exec, err := New(model, testRegistry(t, nil, paid)).Run(context.Background(), "Purchase quote #2")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if exec.Answer != "Quote number two" || model.calls() != 1 {
		t.Fatalf("return-direct tool must end the run: %+v", exec)
	}
}

func TestRunPaymentErrorsPropagate(t *testing.T) {
	paid, _ := tools.New("quote_api", "Buys a quote.", func(context.Context, echoInput) (any, error) {
		return nil, lightning.NewPaymentError(lightning.PaymentNoRoute, "ab", nil)
	}, tools.WithReturnDirect())
	model := &scriptedLLM{replies: []string{`{"thought": "buy", "action": "quote_api", "action_input": {"text": "q"}}`}}
	exec, err := New(model, testRegistry(t, nil, paid)).Run(context.Background(), "buy")
	if lightning.PaymentKindOf(err) != lightning.PaymentNoRoute {
		t.Fatalf("expected NO_ROUTE payment error, got %v", err)
	}
	if len(exec.Steps) != 1 {
		t.Fatalf("failed step must be kept for audit")
	}

	rejected, _ := tools.New("quote_api", "Buys a quote.", func(context.Context, echoInput) (any, error) {
		return nil, xerrors.New(l402.CodePaymentRejected, "rejected")
	})
	model = &scriptedLLM{replies: []string{`{"thought": "buy", "action": "quote_api", "action_input": {"text": "q"}}`}}
	if _, err := New(model, testRegistry(t, nil, rejected)).Run(context.Background(), "buy"); xerrors.CodeOf(err) != l402.CodePaymentRejected {
		t.Fatalf("expected PAYMENT_REJECTED, got %v", err)
	}
}

func TestRunLLMTimeout(t *testing.T) {
	model := &scriptedLLM{wait: 50 * time.Millisecond, replies: []string{"{}"}}
	ex := New(model, testRegistry(t, nil), WithLLMTimeout(10*time.Millisecond))

	_, err := ex.Run(context.Background(), "slow")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) || xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestParsePlan(t *testing.T) {
	p, err := parsePlan("Thought: easy\nFinal Answer: 42")
	if err != nil || !p.final || p.answer != "42" {
		t.Fatalf("plain final answer not accepted: %+v, %v", p, err)
	}
	p, err = parsePlan(`{"action": "final answer", "action_input": {"total_sat": 5}}`)
	if err != nil || p.answer != `{"total_sat": 5}` {
		t.Fatalf("object final answer not accepted: %+v, %v", p, err)
	}
	for _, bad := range []string{"", "{}", `{"action": "Final Answer", "action_input": ""}`, `{"action": 1}`} {
		if _, err := parsePlan(bad); xerrors.CodeOf(err) != CodePlanParse {
			t.Fatalf("%q: expected PLAN_PARSE_FAILED, got %v", bad, err)
		}
	}
}
