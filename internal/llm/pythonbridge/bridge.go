package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/llm"
)

const (
	providerName = "Python bridge"
	maxStderr    = 1024
)

// Client 每次推理启动一个 Python 进程，请求与结果都经由标准输入输出以 JSON 传递。
// 适合在本地复用已有的 LangChain 或私有模型脚本。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// bridgeResponse 是脚本写到标准输出的 JSON。脚本自己处理了失败时填写 error。
type bridgeResponse struct {
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type bridgeRequest struct {
	System      string          `json:"system,omitempty"`
	Messages    []bridgeMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Stop        []string        `json:"stop,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// Generate 把请求以 JSON 写入脚本标准输入，并从标准输出读取 {"content": "..."} 或 {"error": "..."}。
// ctx 结束时进程被杀死。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := bridgeRequest{
		System:      req.System,
		Messages:    make([]bridgeMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Timestamp:   time.Now().Unix(),
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, bridgeMessage{Role: string(msg.Role), Content: msg.Content})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, llm.CallError(ctx, providerName, fmt.Errorf("%w, stderr=%s", err, tail(stderr.String(), maxStderr)))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "Python 脚本返回错误: "+resp.Error,
			xerrors.WithRetryable(resp.Retryable))
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, llm.ErrEmptyCompletion
	}
	return &llm.Response{Content: resp.Content}, nil
}

// tail 保留 stderr 末尾，Python 的 traceback 关键信息在最后几行。
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
