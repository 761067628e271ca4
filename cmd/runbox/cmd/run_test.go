package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oriys/runbox/internal/domain"
)

type recordingExecutor struct {
	spec domain.FunctionSpec
}

func (e *recordingExecutor) Execute(_ context.Context, spec domain.FunctionSpec) domain.ExecutionResult {
	e.spec = spec
	return domain.ExecutionResult{Status: domain.StatusSuccess, Output: "ok"}
}

func TestExecuteFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "main.js")
	if err := os.WriteFile(src, []byte("console.log('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := &recordingExecutor{}
	result, err := executeFile(context.Background(), exec, src, domain.RuntimeJavaScript, 5)
	if err != nil {
		t.Fatalf("executeFile err=%v", err)
	}
	if result.Output != "ok" {
		t.Fatalf("result=%+v", result)
	}
	want := domain.FunctionSpec{Runtime: domain.RuntimeJavaScript, Code: "console.log('hi')", TimeoutSeconds: 5}
	if exec.spec != want {
		t.Fatalf("spec=%+v, want %+v", exec.spec, want)
	}

	if _, err := executeFile(context.Background(), exec, filepath.Join(t.TempDir(), "missing.py"), domain.RuntimePython, 5); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRun_NoBackendAvailable(t *testing.T) {
	dir := t.TempDir()
	engineCfg := filepath.Join(dir, "engine.yaml")
	yaml := "engine:\n  disable_container: true\nlocal:\n  enabled: false\nlogging:\n  level: error\n"
	if err := os.WriteFile(engineCfg, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "handler.py")
	if err := os.WriteFile(src, []byte("def handler():\n    return 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "run", src, "--engine-config", engineCfg)
	if !errors.Is(err, errExecutionFailed) {
		t.Fatalf("err=%v, want errExecutionFailed", err)
	}
	if !strings.Contains(out, string(domain.ErrorKindUnavailable)) || !strings.Contains(out, "Exit Code:    -1") {
		t.Fatalf("output=%q, want unavailable result", out)
	}
}

func TestLoadEngineConfig_Default(t *testing.T) {
	cfg, err := loadEngineConfig("")
	if err != nil {
		t.Fatalf("loadEngineConfig err=%v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging level=%q, want warn", cfg.Logging.Level)
	}
	if _, err := loadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing engine config")
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "handler.py")
	other := filepath.Join(dir, "other.py")
	if err := os.WriteFile(src, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, src, io.Discard, func() { changes <- struct{}{} })
	}()

	// 等待 watcher 注册目录后再写入
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(other, []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(src, []byte("v2"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatalf("no change notification")
	}
	// 连续写入被去抖为一次通知
	select {
	case <-changes:
		t.Fatalf("burst of writes produced more than one notification")
	case <-time.After(3 * watchDebounce):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watchFile err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watchFile did not stop after cancel")
	}
}
