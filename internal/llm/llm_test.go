package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	xerrors "L402-Agent/internal/errors"
)

func TestStatusErrorRetryability(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests: true,
		http.StatusBadGateway:      true,
		http.StatusUnauthorized:    false,
		http.StatusBadRequest:      false,
	}
	for status, retryable := range cases {
		err := StatusError("OpenAI", status, "boom")
		if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
			t.Fatalf("%d: unexpected code %s", status, xerrors.CodeOf(err))
		}
		if xerrors.RetryableError(err) != retryable {
			t.Fatalf("%d: expected retryable=%v", status, retryable)
		}
	}
}

func TestCallErrorUsesContext(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")

	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()
	if got := xerrors.CodeOf(CallError(expired, "OpenAI", cause)); got != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %s", got)
	}

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if got := xerrors.CodeOf(CallError(canceled, "OpenAI", cause)); got != xerrors.CodeCanceled {
		t.Fatalf("expected CANCELED, got %s", got)
	}

	err := CallError(context.Background(), "OpenAI", cause)
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped upstream failure, got %v", err)
	}
}

func TestExtractJSONObject(t *testing.T) {
	got, ok := ExtractJSONObject("Thought: done\n```json\n{\"action\": \"Final Answer\", \"action_input\": \"a } b\"}\n```")
	if !ok || got != `{"action": "Final Answer", "action_input": "a } b"}` {
		t.Fatalf("unexpected extraction %q", got)
	}
	if _, ok := ExtractJSONObject("no object {"); ok {
		t.Fatalf("unterminated object must not match")
	}
}
