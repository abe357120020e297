package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("task_id", "t-1"))
	ctx := WithContext(context.Background(), l)

	FromContext(ctx).Info("claimed")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["task_id"] != "t-1" || entry["msg"] != "claimed" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if FromContext(context.Background()) == nil {
		t.Fatalf("FromContext must fall back to the default logger")
	}
}

func TestInitWritesAuditFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	if err := Init(Config{Level: "debug", Format: "text", OutputPaths: []string{"stderr"}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		_ = Init(Config{})
	})

	Audit().Info("payment succeeded", slog.String("payment_hash", "ab12"))
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"payment_hash":"ab12"`) {
		t.Fatalf("audit entry missing: %s", data)
	}
}

func TestRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w.maxSize = 10
	defer w.Close()

	for _, line := range []string{"first-1\n", "second\n", "third\n", "fourth\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	current, _ := os.ReadFile(path)
	if string(current) != "fourth\n" {
		t.Fatalf("unexpected current file %q", current)
	}
	first, _ := os.ReadFile(path + ".1")
	if string(first) != "third\n" {
		t.Fatalf("unexpected first backup %q", first)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("only maxBackups files may be kept")
	}

	// 过期的备份在下一次轮转时被清理。
	old := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(path+".1", old, old)
	if _, err := w.Write([]byte("fifth-xxxx\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Fatalf("expired backup must be removed, got %v", err)
	}
	if shifted, _ := os.ReadFile(path + ".1"); string(shifted) != "fourth\n" {
		t.Fatalf("unexpected first backup after rotation %q", shifted)
	}
}
