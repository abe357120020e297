package router

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/llm"
)

// classifyPrompt 决定多个意图同时匹配时的优先级：按列出的顺序取第一个。
const classifyPrompt = `Classify the question into exactly one category and reply with the category label only.

NODE_INFO: payments, invoices, balances, channels or general info of the user's specific Lightning node.
PAID_API: retrieving data from the paid API, for example buying or fetching a quote.
FAQ: the functionality of this tool or how this tool may help the user.
KNOWLEDGE: general questions about Lightning Network technology, Bitcoin or blockchain.
OTHER: anything else.

If more than one category fits, choose the one listed first.`

// Classifier 借助大模型对问题进行分类，不保存任何状态。
type Classifier struct {
	llm     llm.Client
	timeout time.Duration
}

// NewClassifier 创建分类器。
func NewClassifier(client llm.Client, timeout time.Duration) *Classifier {
	return &Classifier{llm: client, timeout: timeout}
}

// Classify 返回问题的意图。返回值不在五个标签之内时报 CLASSIFICATION_FAILED，不重试。
func (c *Classifier) Classify(ctx context.Context, question string) (Intent, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	label, err := llm.Complete(ctx, c.llm, classifyPrompt, "Question: "+question)
	switch {
	case stdErrors.Is(err, llm.ErrEmptyCompletion):
		return "", xerrors.Wrap(CodeClassification, err, "")
	case err != nil && xerrors.CodeOf(err) != xerrors.CodeUnknown:
		return "", err
	case stdErrors.Is(err, context.DeadlineExceeded):
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "intent classification timed out")
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "intent classification failed")
	}
	return ParseIntent(label)
}
