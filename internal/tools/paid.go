package tools

import (
	"context"
	"errors"

	"L402-Agent/internal/l402"
)

// Fulfiller 是付费 API 调用链，*l402.Chain 实现了该接口。
type Fulfiller interface {
	Fulfill(ctx context.Context, query string) (*l402.Result, error)
}

type paidInput struct {
	Query string `json:"query" jsonschema:"minLength=1,description=The user request in natural language"`
}

// PaidAPITool 把 L402 调用链包装成工具。成功时响应正文直接作为最终答案。
func PaidAPITool(chain Fulfiller, name, description string) (*Spec, error) {
	if chain == nil {
		return nil, errors.New("tools: paid api tool requires a chain")
	}
	return New(name, description,
		func(ctx context.Context, in paidInput) (any, error) {
			result, err := chain.Fulfill(ctx, in.Query)
			if err != nil {
				return nil, err
			}
			return result.Answer, nil
		},
		WithStringInput("query"),
		WithReturnDirect())
}
