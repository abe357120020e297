package l402

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/llm"
)

const extractSystemPrompt = `You are given the documentation of an HTTP API and a user question.
Choose the values of the endpoint parameters needed to answer the question.
Reply with one JSON object of the form {"params": {"<name>": "<value>"}} and nothing else.
If the question cannot be answered with this API, reply {"error": "<short reason>"}.`

// APIRequest 是一次待发送的 API 调用，在首次请求与付费重试之间保持不变。
type APIRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Builder 借助大模型从自然语言问题中抽取端点参数并构造请求。
type Builder struct {
	llm     llm.Client
	docs    *Documentation
	timeout time.Duration
}

// NewBuilder 创建 Builder。docs 必须已通过 Compile 校验。
func NewBuilder(client llm.Client, docs *Documentation, timeout time.Duration) *Builder {
	return &Builder{llm: client, docs: docs, timeout: timeout}
}

// Documentation 返回构造请求所依据的 API 文档。
func (b *Builder) Documentation() *Documentation {
	return b.docs
}

// Build 把问题转换为 APIRequest。任何抽取或校验失败都返回 REQUEST_CONSTRUCTION_FAILED。
func (b *Builder) Build(ctx context.Context, query string) (*APIRequest, error) {
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(CodeRequestConstruction, "query is empty")
	}
	if b.docs == nil {
		return nil, xerrors.New(CodeRequestConstruction, "API documentation is not configured")
	}

	params := map[string]string{}
	if len(b.docs.Params) > 0 {
		extracted, err := b.extract(ctx, query)
		if err != nil {
			return nil, err
		}
		params = extracted
	}

	u, err := b.docs.URL(params)
	if err != nil {
		return nil, xerrors.Wrap(CodeRequestConstruction, err, "")
	}
	return &APIRequest{Method: b.docs.Method, URL: u, Header: http.Header{}}, nil
}

func (b *Builder) extract(ctx context.Context, query string) (map[string]string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	prompt := b.docs.Text() + "\nQuestion: " + query
	text, err := llm.Complete(ctx, b.llm, extractSystemPrompt, prompt)
	if err != nil {
		return nil, xerrors.Wrap(CodeRequestConstruction, err, "parameter extraction failed")
	}
	return parseExtraction(text)
}

func parseExtraction(text string) (map[string]string, error) {
	raw, ok := llm.ExtractJSONObject(text)
	if !ok {
		return nil, xerrors.New(CodeRequestConstruction, "model did not return a JSON object",
			xerrors.WithMetadata("output", truncate(text, 200)))
	}
	var out struct {
		Params map[string]any `json:"params"`
		Error  string         `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, xerrors.Wrap(CodeRequestConstruction, err, "model returned invalid JSON")
	}
	if out.Error != "" {
		return nil, xerrors.New(CodeRequestConstruction, "query does not map to the API: "+out.Error)
	}
	params := make(map[string]string, len(out.Params))
	for k, v := range out.Params {
		switch val := v.(type) {
		case string:
			params[k] = strings.TrimSpace(val)
		case float64:
			params[k] = fmt.Sprintf("%v", val)
		case bool:
			params[k] = fmt.Sprintf("%t", val)
		default:
			return nil, xerrors.New(CodeRequestConstruction, "parameter "+k+" is not a scalar")
		}
	}
	return params, nil
}

// URL 用参数替换端点中的占位符。每个参数都必须存在并匹配其正则。
func (d *Documentation) URL(params map[string]string) (*url.URL, error) {
	if d.base == nil {
		return nil, fmt.Errorf("API documentation is not compiled")
	}
	path := d.Path
	for _, p := range d.Params {
		value, ok := params[p.Name]
		if !ok || value == "" {
			return nil, fmt.Errorf("missing parameter %s", p.Name)
		}
		if p.re != nil && !p.re.MatchString(value) {
			return nil, fmt.Errorf("parameter %s=%q does not match %s", p.Name, value, p.Pattern)
		}
		if strings.Contains(value, "/") || strings.Contains(value, "..") {
			return nil, fmt.Errorf("parameter %s=%q escapes the endpoint path", p.Name, value)
		}
		path = strings.ReplaceAll(path, "{"+p.Name+"}", value)
	}
	if strings.ContainsAny(path, "{}") {
		return nil, fmt.Errorf("unresolved placeholder in %s", path)
	}
	u := *d.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return &u, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
