package executor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/apc-project/apc/internal/apcerr"
)

// Sandbox enforces the Task Executor's sandbox invariant: every path
// argument is canonicalized (symlinks resolved) and must lie strictly
// under the configured root. No repo in the reference corpus implements
// this check — the teacher's workspace.go only redirects bare filenames
// into a workspace directory — so this is built fresh in the teacher's
// idiom of small, independently testable path helpers (ExpandHome,
// ResolveOutputPath) rather than ported from anywhere.
type Sandbox struct {
	Root string

	// OnViolation is invoked with the offending raw path whenever
	// Canonicalize rejects it, so the caller can log a security event.
	// May be nil.
	OnViolation func(rawPath string)
}

// NewSandbox returns a Sandbox rooted at root, canonicalized once up front.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apcerr.New("sandbox-init", apcerr.Configuration, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = abs // root may not exist yet; create-directory tasks are allowed to make it
		} else {
			return nil, apcerr.New("sandbox-init", apcerr.Configuration, err)
		}
	}
	return &Sandbox{Root: resolved}, nil
}

// Canonicalize resolves rawPath (relative paths are taken relative to the
// sandbox root, never the process's current directory) and verifies the
// result lies strictly under Root. Symlinks are resolved before the check
// so a symlink escape is caught. Returns a sandbox-violation apcerr on
// failure.
func (s *Sandbox) Canonicalize(rawPath string) (string, error) {
	candidate := rawPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.Root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved := candidate
	if real, err := filepath.EvalSymlinks(candidate); err == nil {
		resolved = real
	} else if !os.IsNotExist(err) {
		// An I/O error other than not-exist is still reported through the
		// normal io failure category by the caller; canonicalization itself
		// only rejects for containment, not existence.
		resolved = candidate
	} else {
		// Path (or an ancestor) doesn't exist yet, e.g. a write-file target.
		// Resolve the deepest existing ancestor's symlinks and rejoin.
		resolved = s.resolveNonexistent(candidate)
	}

	if !s.within(resolved) {
		if s.OnViolation != nil {
			s.OnViolation(rawPath)
		}
		return "", apcerr.Newf("sandbox", apcerr.SandboxViolation, "path %q resolves outside sandbox root %q", rawPath, s.Root)
	}
	return resolved, nil
}

func (s *Sandbox) resolveNonexistent(candidate string) string {
	dir := filepath.Dir(candidate)
	for {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			rel, relErr := filepath.Rel(dir, candidate)
			if relErr == nil {
				return filepath.Join(real, rel)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return candidate
		}
		dir = parent
	}
}

func (s *Sandbox) within(resolved string) bool {
	if resolved == s.Root {
		return true
	}
	return strings.HasPrefix(resolved, s.Root+string(filepath.Separator))
}
