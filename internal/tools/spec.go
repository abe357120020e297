package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/observability/metrics"
)

// Spec 是一个可被智能体调用的工具。注册后不可修改。
type Spec struct {
	Name        string
	Description string
	// ReturnDirect 为 true 时，工具成功返回的观察结果直接作为最终答案。
	ReturnDirect bool

	schema      []byte
	validator   *gojsonschema.Schema
	stringField string
	invoke      func(ctx context.Context, input []byte) (any, error)
}

// Option 自定义 Spec。
type Option func(*Spec)

// WithReturnDirect 标记工具结果直接作为最终答案。
func WithReturnDirect() Option {
	return func(s *Spec) {
		s.ReturnDirect = true
	}
}

// WithStringInput 允许以裸字符串作为输入，字符串会被放入指定字段。
func WithStringInput(field string) Option {
	return func(s *Spec) {
		s.stringField = field
	}
}

// New 从输入类型 T 反射出 JSON schema 并创建工具。
func New[T any](name, description string, fn func(ctx context.Context, in T) (any, error), opts ...Option) (*Spec, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("tools: name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tools: %s has no invoke function", name)
	}

	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := r.Reflect(new(T))
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: marshal schema for %s: %w", name, err)
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}

	s := &Spec{
		Name:        name,
		Description: strings.TrimSpace(description),
		schema:      raw,
		validator:   validator,
		invoke: func(ctx context.Context, input []byte) (any, error) {
			var in T
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, xerrors.Wrap(CodeToolInput, err, "")
			}
			return fn(ctx, in)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Schema 返回工具输入的 JSON schema。
func (s *Spec) Schema() string {
	return string(s.schema)
}

// Invoke 校验输入并调用工具，返回可供智能体阅读的观察文本。
func (s *Spec) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	start := time.Now()
	out, err := s.call(ctx, input)
	result := "ok"
	switch {
	case IsInputError(err):
		result = "invalid_input"
	case err != nil:
		result = "error"
	}
	metrics.ObserveToolCall(s.Name, result, time.Since(start))
	if err != nil {
		return "", err
	}
	return out, nil
}

func (s *Spec) call(ctx context.Context, input json.RawMessage) (string, error) {
	normalized, err := s.normalize(input)
	if err != nil {
		return "", err
	}
	if err := s.validate(normalized); err != nil {
		return "", err
	}
	value, err := s.invoke(ctx, normalized)
	if err != nil {
		return "", err
	}
	return render(value)
}

// normalize 把空输入视为空对象，并按需把裸字符串包装成对象。
func (s *Spec) normalize(input json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}"), nil
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return nil, xerrors.Wrap(CodeToolInput, err, "")
	}
	text = strings.TrimSpace(text)
	// 模型有时把对象序列化成字符串再传入。
	if strings.HasPrefix(text, "{") && json.Valid([]byte(text)) {
		return []byte(text), nil
	}
	if text == "" && s.stringField == "" {
		return []byte("{}"), nil
	}
	if s.stringField == "" {
		return nil, xerrors.New(CodeToolInput, fmt.Sprintf("%s expects a JSON object matching %s", s.Name, s.schema))
	}
	return json.Marshal(map[string]string{s.stringField: text})
}

func (s *Spec) validate(input []byte) error {
	result, err := s.validator.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return xerrors.Wrap(CodeToolInput, err, "")
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return xerrors.New(CodeToolInput, fmt.Sprintf("invalid input for %s: %s", s.Name, strings.Join(problems, "; ")))
}

func render(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("render tool result: %w", err)
	}
	return string(data), nil
}
