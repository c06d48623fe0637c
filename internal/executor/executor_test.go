package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apc-project/apc/internal/plan"
	"github.com/apc-project/apc/internal/provider"
)

func newTestExecutor(t *testing.T) (*SandboxExecutor, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := NewSandbox(root)
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	return NewSandboxExecutor(sb, provider.NewStub()), root
}

func TestWriteThenReadFile(t *testing.T) {
	ex, root := newTestExecutor(t)
	writeTask := plan.NewTask(plan.KindWriteFile, map[string]any{
		"path": "util.txt", "content": "hello", "overwrite": true,
	}, nil)
	res, err := ex.Execute(context.Background(), writeTask)
	if err != nil || !res.Success {
		t.Fatalf("write-file failed: %v %+v", err, res)
	}

	readTask := plan.NewTask(plan.KindReadFile, map[string]any{"path": "util.txt"}, nil)
	res, err = ex.Execute(context.Background(), readTask)
	if err != nil || !res.Success {
		t.Fatalf("read-file failed: %v %+v", err, res)
	}
	if res.Output != "hello" {
		t.Fatalf("got %q want %q", res.Output, "hello")
	}
	_ = root
}

func TestWriteFileOutsideSandboxRejected(t *testing.T) {
	ex, _ := newTestExecutor(t)
	task := plan.NewTask(plan.KindWriteFile, map[string]any{
		"path": "/etc/hosts", "content": "pwned", "overwrite": true,
	}, nil)
	res, err := ex.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected sandbox violation error")
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if _, statErr := os.Stat("/etc/hosts.apc-test-should-not-exist"); statErr == nil {
		t.Fatal("unexpected file created")
	}
}

func TestWriteFileExistsWithoutOverwriteFails(t *testing.T) {
	ex, root := newTestExecutor(t)
	if err := os.WriteFile(filepath.Join(root, "exists.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	task := plan.NewTask(plan.KindWriteFile, map[string]any{
		"path": "exists.txt", "content": "b", "overwrite": false,
	}, nil)
	_, err := ex.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected exists-and-no-overwrite failure")
	}
}

func TestDeleteNonexistentPathFails(t *testing.T) {
	ex, _ := newTestExecutor(t)
	task := plan.NewTask(plan.KindDeletePath, map[string]any{"path": "missing.txt"}, nil)
	_, err := ex.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected not-found failure")
	}
}

func TestExecuteCommandCapturesExitCode(t *testing.T) {
	ex, _ := newTestExecutor(t)
	task := plan.NewTask(plan.KindExecuteCommand, map[string]any{
		"argv": []any{"sh", "-c", "exit 7"},
	}, nil)
	res, err := ex.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute-command: %v", err)
	}
	if res.Success {
		t.Fatal("expected non-zero exit to report success=false")
	}
	if res.Artifacts["exit_code"] != 7 {
		t.Fatalf("got exit code %v want 7", res.Artifacts["exit_code"])
	}
}

func TestListDirectory(t *testing.T) {
	ex, root := newTestExecutor(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	task := plan.NewTask(plan.KindListDirectory, map[string]any{"path": "."}, nil)
	res, err := ex.Execute(context.Background(), task)
	if err != nil || !res.Success {
		t.Fatalf("list-directory failed: %v %+v", err, res)
	}
	paths, _ := res.Artifacts["paths"].([]string)
	if len(paths) != 1 || paths[0] != "a.txt" {
		t.Fatalf("got %v", paths)
	}
}
