package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/llm"
)

// shellClient 用 sh 代替 python 解释器运行一个测试脚本。
func shellClient(t *testing.T, script string) *Client {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bridge.sh"), []byte(script), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, err := NewClient("sh", "bridge.sh", dir)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestGenerateReadsContent(t *testing.T) {
	client := shellClient(t, "cat >/dev/null\necho '{\"content\": \"NODE_INFO\"}'\n")
	resp, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "NODE_INFO" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestGenerateScriptErrors(t *testing.T) {
	reported := shellClient(t, "cat >/dev/null\necho '{\"error\": \"rate limited\", \"retryable\": true}'\n")
	_, err := reported.Generate(context.Background(), llm.Request{})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable upstream failure, got %v", err)
	}

	crashed := shellClient(t, "cat >/dev/null\necho 'Traceback: boom' >&2\nexit 1\n")
	_, err = crashed.Generate(context.Background(), llm.Request{})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}

	empty := shellClient(t, "cat >/dev/null\necho '{\"content\": \"  \"}'\n")
	if _, err := empty.Generate(context.Background(), llm.Request{}); err != llm.ErrEmptyCompletion {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	cases := []struct{ base, script, want string }{
		{"", "", ""},
		{"/opt/app", "/abs/bridge.py", "/abs/bridge.py"},
		{"/opt/app", "scripts/bridge.py", "/opt/app/scripts/bridge.py"},
		{"", "bridge.py", "bridge.py"},
	}
	for _, tc := range cases {
		if got := ResolveScriptPath(tc.base, tc.script); got != tc.want {
			t.Fatalf("ResolveScriptPath(%q, %q) = %q, want %q", tc.base, tc.script, got, tc.want)
		}
	}
}

func TestTailKeepsEnd(t *testing.T) {
	if got := tail("  abcdef  ", 3); got != "...def" {
		t.Fatalf("unexpected tail %q", got)
	}
	if got := tail("ab", 3); got != "ab" {
		t.Fatalf("unexpected tail %q", got)
	}
}
