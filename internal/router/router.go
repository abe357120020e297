package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"L402-Agent/internal/agent"
	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/pkg/logger"
)

// Answer 是下游处理器的输出。只有智能体路径会带上步骤。
type Answer struct {
	Text  string
	Steps []agent.Step
}

// Handler 处理某一意图下的问题。
type Handler func(ctx context.Context, question string) (*Answer, error)

// Handlers 为每个意图各声明一个处理器。
type Handlers struct {
	NodeInfo  Handler
	Knowledge Handler
	FAQ       Handler
	PaidAPI   Handler
	Other     Handler
}

// For 返回意图对应的处理器。
func (h Handlers) For(intent Intent) (Handler, error) {
	switch intent {
	case IntentNodeInfo:
		return h.NodeInfo, nil
	case IntentKnowledge:
		return h.Knowledge, nil
	case IntentFAQ:
		return h.FAQ, nil
	case IntentPaidAPI:
		return h.PaidAPI, nil
	case IntentOther:
		return h.Other, nil
	default:
		return nil, xerrors.New(CodeClassification, fmt.Sprintf("no handler for intent %q", intent))
	}
}

func (h Handlers) validate() error {
	for _, intent := range Intents() {
		handler, err := h.For(intent)
		if err != nil {
			return err
		}
		if handler == nil {
			return fmt.Errorf("router: handler for %s is not configured", intent)
		}
	}
	return nil
}

// Router 先分类再分派。
type Router struct {
	classifier *Classifier
	handlers   Handlers
}

// New 创建 Router，五个处理器缺一不可。
func New(classifier *Classifier, handlers Handlers) (*Router, error) {
	if classifier == nil {
		return nil, errors.New("router: classifier is required")
	}
	if err := handlers.validate(); err != nil {
		return nil, err
	}
	return &Router{classifier: classifier, handlers: handlers}, nil
}

// Route 对问题分类并调用对应的处理器。分类失败时不调用任何处理器。
func (r *Router) Route(ctx context.Context, question string) (Intent, *Answer, error) {
	intent, err := r.classifier.Classify(ctx, question)
	if err != nil {
		if xerrors.HasCode(err, CodeClassification) {
			metrics.ObserveIntent("invalid")
		}
		return "", nil, err
	}
	metrics.ObserveIntent(string(intent))
	logger.FromContext(ctx).Info("question classified", slog.String("intent", string(intent)))

	handler, err := r.handlers.For(intent)
	if err != nil {
		return intent, nil, err
	}
	answer, err := handler(ctx, question)
	return intent, answer, err
}
