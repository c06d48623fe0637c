package executor

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading "~/" or a bare "~" with the user's home
// directory. Returns path unchanged if it does not start with "~".
//
// Expectations:
//   - Expands "~/foo" to "<home>/foo"
//   - Expands bare "~" to "<home>"
//   - Returns path unchanged when it does not start with "~"
//   - Returns path unchanged for "/absolute/path"
func ExpandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveOutputPath redirects bare filenames and "./"-relative paths
// produced by generate-content tasks to root (the sandbox root), so a
// model that names only a filename doesn't scatter output across whatever
// the sandbox root happens to contain. Paths that already carry a
// directory component are returned unchanged — the caller named an
// explicit location, which Sandbox.Canonicalize still enforces.
//
// Expectations:
//   - Bare filename ("report.md") → redirected to root
//   - "./" prefix ("./output.txt") → redirected to root
//   - Path with dir component ("docs/report.md") → not redirected
//   - Absolute path ("/tmp/out.txt") → not redirected
func ResolveOutputPath(root, path string) (resolved string, redirected bool) {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) == "." {
		return filepath.Join(root, clean), true
	}
	return path, false
}
