package assistant

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/knowledge"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/router"
)

const expertPrompt = `You are an expert in Blockchain technology. You have huge experience with Bitcoin and Lightning Network. Respond to the question.`

// faqText 描述本工具的功能，FAQ 与兜底回答共用。
func faqText(targetHost string) string {
	if strings.TrimSpace(targetHost) == "" {
		targetHost = "missed"
	}
	return fmt.Sprintf("You are a tool designed to help users communicate with Lightning Network that is on top of the bitcoin blockchain. "+
		"Also you are able to communicate with some websites API. One of them is: `%s`. "+
		"On this website you can find API data and services. You can also find other information. "+
		"Respond with information about your features.", targetHost)
}

func fallbackText(targetHost string) string {
	return "Respond that you don't have an answer for the user query and provide information about your features based on this text: ###" +
		faqText(targetHost) + "###"
}

// promptResponder 用固定的系统提示词直接回答问题。
func promptResponder(client llm.Client, timeout time.Duration, system func(question string) string) router.Handler {
	return func(ctx context.Context, question string) (*router.Answer, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		text, err := llm.Complete(ctx, client, system(question), "Question: "+question)
		if err != nil {
			if _, coded := xerrors.From(err); coded {
				return nil, err
			}
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
			}
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "大模型推理失败")
		}
		return &router.Answer{Text: text}, nil
	}
}

func knowledgeResponder(client llm.Client, timeout time.Duration, provider knowledge.Provider) router.Handler {
	return promptResponder(client, timeout, func(question string) string {
		if provider == nil {
			return expertPrompt
		}
		refs := knowledge.Render(provider.Query(question))
		if refs == "" {
			return expertPrompt
		}
		return expertPrompt + "\n\nReference notes:\n" + refs
	})
}

func faqResponder(client llm.Client, timeout time.Duration, targetHost string) router.Handler {
	text := faqText(targetHost)
	return promptResponder(client, timeout, func(string) string { return text })
}

func fallbackResponder(client llm.Client, timeout time.Duration, targetHost string) router.Handler {
	text := fallbackText(targetHost)
	return promptResponder(client, timeout, func(string) string { return text })
}
