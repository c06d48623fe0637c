// Package executor is the concrete reference implementation of the Task
// Executor contract: one primitive operation against the sandboxed working
// directory per call, generalized from the teacher's ReAct-style
// executor.go tool-dispatch loop (tool-call discrimination, bounded
// output) into the spec's fixed eight-kind operation surface.
package executor

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apc-project/apc/internal/apcerr"
	"github.com/apc-project/apc/internal/plan"
	"github.com/apc-project/apc/internal/provider"
)

// Executor runs one refined Task against the sandboxed working directory
// and returns a structured TaskResult. Implementations never evaluate
// paths relative to the process's current directory — every path argument
// goes through Sandbox.Canonicalize first.
type Executor interface {
	Execute(ctx context.Context, t *plan.Task) (plan.TaskResult, error)
}

// SandboxExecutor is the reference Executor. analyze-code and
// generate-content are provider-assisted, so it holds a Provider alongside
// the Sandbox.
type SandboxExecutor struct {
	Sandbox        *Sandbox
	Provider       provider.Provider
	DefaultTimeout time.Duration

	// Deny lists program names (argv[0]) execute-command refuses to run,
	// e.g. destructive shells invoked bare. Empty means allow everything
	// the sandbox and timeout still bound.
	Deny map[string]bool
}

// NewSandboxExecutor constructs a SandboxExecutor with a 30s default
// command timeout, matching the teacher's RunShell default.
func NewSandboxExecutor(sb *Sandbox, p provider.Provider) *SandboxExecutor {
	return &SandboxExecutor{Sandbox: sb, Provider: p, DefaultTimeout: defaultShellTimeout * time.Second}
}

func (e *SandboxExecutor) Execute(ctx context.Context, t *plan.Task) (plan.TaskResult, error) {
	start := time.Now()
	var res plan.TaskResult
	var err error

	switch t.Kind {
	case plan.KindReadFile:
		res, err = e.readFile(t.Params)
	case plan.KindWriteFile:
		res, err = e.writeFile(t.Params)
	case plan.KindCreateDirectory:
		res, err = e.createDirectory(t.Params)
	case plan.KindDeletePath:
		res, err = e.deletePath(t.Params)
	case plan.KindListDirectory:
		res, err = e.listDirectory(t.Params)
	case plan.KindExecuteCommand:
		res, err = e.executeCommand(ctx, t.Params)
	case plan.KindAnalyzeCode:
		res, err = e.analyzeCode(ctx, t.Params)
	case plan.KindGenerateContent:
		res, err = e.generateContent(ctx, t.Params)
	default:
		err = apcerr.Newf("execute", apcerr.Executor, "unknown task kind %q", t.Kind)
	}

	res.Duration = time.Since(start)
	if err != nil {
		res.Success = false
		res.ErrorCat = string(apcerr.CategoryOf(err))
		res.ErrorMsg = err.Error()
	}
	return res, err
}

func paramString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func paramBool(p map[string]any, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

func paramInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func paramStringSlice(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *SandboxExecutor) canonicalize(op string, p map[string]any) (string, error) {
	raw := paramString(p, "path")
	path, err := e.Sandbox.Canonicalize(raw)
	if err != nil {
		log.Printf("[EXEC] security event: %s attempted outside sandbox root=%q path=%q", op, e.Sandbox.Root, raw)
		return "", err
	}
	return path, nil
}

func (e *SandboxExecutor) readFile(p map[string]any) (plan.TaskResult, error) {
	path, err := e.canonicalize("read-file", p)
	if err != nil {
		return plan.TaskResult{}, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return plan.TaskResult{}, apcerr.New("read-file", apcerr.Executor, err)
	}
	if err != nil {
		return plan.TaskResult{}, apcerr.New("read-file", apcerr.Executor, err)
	}
	if info.Size() > maxReadBytes && paramInt(p, "start_line") == 0 {
		return plan.TaskResult{}, apcerr.Newf("read-file", apcerr.Executor, "file exceeds read ceiling (%d bytes)", info.Size())
	}
	text, err := readFile(path, paramInt(p, "start_line"), paramInt(p, "end_line"))
	if err != nil {
		return plan.TaskResult{}, apcerr.New("read-file", apcerr.Executor, err)
	}
	return plan.TaskResult{Success: true, Output: text, Artifacts: map[string]any{"content": text}}, nil
}

func (e *SandboxExecutor) writeFile(p map[string]any) (plan.TaskResult, error) {
	path, err := e.canonicalize("write-file", p)
	if err != nil {
		return plan.TaskResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return plan.TaskResult{}, apcerr.New("write-file", apcerr.Executor, err)
	}
	n, err := writeFile(path, paramString(p, "content"), paramBool(p, "overwrite"))
	if os.IsExist(err) {
		return plan.TaskResult{}, apcerr.New("write-file", apcerr.Executor, err)
	}
	if err != nil {
		return plan.TaskResult{}, apcerr.New("write-file", apcerr.Executor, err)
	}
	return plan.TaskResult{Success: true, Artifacts: map[string]any{"bytes_written": n}}, nil
}

func (e *SandboxExecutor) createDirectory(p map[string]any) (plan.TaskResult, error) {
	path, err := e.canonicalize("create-directory", p)
	if err != nil {
		return plan.TaskResult{}, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return plan.TaskResult{}, apcerr.Newf("create-directory", apcerr.Executor, "already exists: %s", path)
	}
	if paramBool(p, "recursive") {
		err = os.MkdirAll(path, 0o755)
	} else {
		err = os.Mkdir(path, 0o755)
	}
	if err != nil {
		return plan.TaskResult{}, apcerr.New("create-directory", apcerr.Executor, err)
	}
	return plan.TaskResult{Success: true}, nil
}

func (e *SandboxExecutor) deletePath(p map[string]any) (plan.TaskResult, error) {
	path, err := e.canonicalize("delete-path", p)
	if err != nil {
		return plan.TaskResult{}, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return plan.TaskResult{}, apcerr.New("delete-path", apcerr.Executor, statErr)
	}
	if paramBool(p, "recursive") {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
		if pathErr, ok := err.(*os.PathError); ok && strings.Contains(pathErr.Err.Error(), "directory not empty") {
			return plan.TaskResult{}, apcerr.Newf("delete-path", apcerr.Executor, "non-empty: %s", path)
		}
	}
	if err != nil {
		return plan.TaskResult{}, apcerr.New("delete-path", apcerr.Executor, err)
	}
	return plan.TaskResult{Success: true}, nil
}

func (e *SandboxExecutor) listDirectory(p map[string]any) (plan.TaskResult, error) {
	path, err := e.canonicalize("list-directory", p)
	if err != nil {
		return plan.TaskResult{}, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return plan.TaskResult{}, apcerr.New("list-directory", apcerr.Executor, statErr)
	}
	var entries []string
	if paramBool(p, "recursive") {
		err = filepath.Walk(path, func(walked string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if walked == path {
				return nil
			}
			rel, relErr := filepath.Rel(path, walked)
			if relErr != nil {
				return relErr
			}
			entries = append(entries, rel)
			return nil
		})
	} else {
		var dirEntries []os.DirEntry
		dirEntries, err = os.ReadDir(path)
		for _, d := range dirEntries {
			entries = append(entries, d.Name())
		}
	}
	if err != nil {
		return plan.TaskResult{}, apcerr.New("list-directory", apcerr.Executor, err)
	}
	return plan.TaskResult{Success: true, Artifacts: map[string]any{"paths": entries}}, nil
}

func (e *SandboxExecutor) executeCommand(ctx context.Context, p map[string]any) (plan.TaskResult, error) {
	argv := paramStringSlice(p, "argv")
	if len(argv) == 0 {
		return plan.TaskResult{}, apcerr.Newf("execute-command", apcerr.Executor, "empty argv")
	}
	if e.Deny[argv[0]] {
		return plan.TaskResult{}, apcerr.Newf("execute-command", apcerr.Executor, "not-allowed: %s", argv[0])
	}
	timeout := e.DefaultTimeout
	if t := paramInt(p, "timeout_seconds"); t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, stdout, stderr, err := runShell(cctx, e.Sandbox.Root, argv, paramString(p, "stdin"))
	if cctx.Err() != nil {
		return plan.TaskResult{}, apcerr.New("execute-command", apcerr.Timeout, cctx.Err())
	}
	if err != nil {
		return plan.TaskResult{}, apcerr.New("execute-command", apcerr.Executor, err)
	}
	return plan.TaskResult{
		Success: exitCode == 0,
		Output:  stdout,
		Artifacts: map[string]any{
			"exit_code": exitCode,
			"stdout":    stdout,
			"stderr":    stderr,
		},
	}, nil
}

func (e *SandboxExecutor) analyzeCode(ctx context.Context, p map[string]any) (plan.TaskResult, error) {
	snippet := paramString(p, "snippet")
	if snippet == "" {
		res, err := e.readFile(p)
		if err != nil {
			return plan.TaskResult{}, err
		}
		snippet = res.Output
	}
	summary, err := e.Provider.Summarize(ctx, "intent: "+paramString(p, "intent")+"\n\n"+snippet, "")
	if err != nil {
		return plan.TaskResult{}, err
	}
	return plan.TaskResult{Success: true, Output: summary, Artifacts: map[string]any{"findings": summary}}, nil
}

func (e *SandboxExecutor) generateContent(ctx context.Context, p map[string]any) (plan.TaskResult, error) {
	text, err := e.Provider.Summarize(ctx, "generate: "+paramString(p, "intent"), "")
	if err != nil {
		return plan.TaskResult{}, err
	}
	return plan.TaskResult{Success: true, Output: text, Artifacts: map[string]any{"generated": text}}, nil
}
