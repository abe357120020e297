package assistant

import (
	"context"
	"errors"
	"net/http"
	"testing"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/llm"
)

type failingLLM struct{ err error }

func (f failingLLM) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return nil, f.err
}

func TestResponderKeepsCodedLLMErrors(t *testing.T) {
	unauthorized := llm.StatusError("OpenAI", http.StatusUnauthorized, "invalid api key")
	_, err := faqResponder(failingLLM{unauthorized}, 0, "quotes.example.com")(context.Background(), "What can you do?")
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || xerrors.RetryableError(err) {
		t.Fatalf("a 401 must stay a non-retryable upstream failure, got %v (retryable=%v)", err, xerrors.RetryableError(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	canceled := llm.CallError(ctx, "OpenAI", context.Canceled)
	_, err = knowledgeResponder(failingLLM{canceled}, 0, nil)(context.Background(), "What is a channel?")
	if xerrors.CodeOf(err) != xerrors.CodeCanceled || xerrors.RetryableError(err) {
		t.Fatalf("a canceled call must stay CANCELED, got %v", err)
	}
}

func TestResponderCodesPlainLLMErrors(t *testing.T) {
	_, err := fallbackResponder(failingLLM{errors.New("connection reset")}, 0, "quotes.example.com")(context.Background(), "hello")
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || !xerrors.RetryableError(err) {
		t.Fatalf("an uncoded failure becomes a retryable upstream failure, got %v", err)
	}
}
