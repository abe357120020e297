package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	xerrors "L402-Agent/internal/errors"
)

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是一条对话消息。
type Message struct {
	Role    Role
	Content string
}

// Request 描述一次大模型调用。三个调用点（意图分类、智能体规划、参数抽取）共用该结构。
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	Stop        []string
}

// Response 是大模型返回的原始文本，由调用方负责校验格式。
type Response struct {
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ErrEmptyCompletion 表示大模型返回了空文本。
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Complete 以单条用户提示调用大模型并返回去除首尾空白的文本。
func Complete(ctx context.Context, client Client, system, prompt string) (string, error) {
	if client == nil {
		return "", errors.New("llm client is nil")
	}
	resp, err := client.Generate(ctx, Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Content), nil
}

// ExtractJSONObject 从模型输出中截取第一个完整的 JSON 对象，
// 兼容 ```json 代码块以及对象前后的解释性文字。
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// StatusError 把模型服务返回的 HTTP 错误状态转换为错误码。429 与 5xx 可以重试，其余 4xx 通常是配置问题。
func StatusError(provider string, status int, body string) error {
	retryable := status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	return xerrors.New(xerrors.CodeUpstreamFailure,
		fmt.Sprintf("%s 返回错误状态 %d: %s", provider, status, strings.TrimSpace(body)),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("status", strconv.Itoa(status)))
}

// CallError 包装一次调用失败，调用方的超时与取消分别映射为 TIMEOUT 与 CANCELED。
func CallError(ctx context.Context, provider string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, provider+" 调用超时")
	case errors.Is(ctx.Err(), context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, provider+" 调用被取消")
	default:
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 "+provider+" 失败",
			xerrors.WithMetadata("provider", provider))
	}
}
