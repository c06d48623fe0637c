package context

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ignoreMatcher is a minimal .gitignore-syntax matcher covering the subset
// the Context Store needs: literal path/basename matches, "*" glob
// segments, and a trailing "/" marking a directory-only pattern. No
// example repo in the reference corpus imports a gitignore library, so
// this is hand-rolled rather than grounded on a third-party dependency.
type ignoreMatcher struct {
	patterns    []string
	dirOnly     []bool
}

// loadIgnoreMatcher reads .gitignore and .apcignore (same syntax, assistant
// specific) from root, if present.
func loadIgnoreMatcher(root string) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}
	for _, name := range []string{".gitignore", ".apcignore"} {
		if err := m.loadFile(filepath.Join(root, name)); err != nil {
			return nil, err
		}
	}
	// Always ignore VCS metadata, mirroring every gitignore in practice.
	m.add(".git/")
	return m, nil
}

func (m *ignoreMatcher) loadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.add(line)
	}
	return scanner.Err()
}

func (m *ignoreMatcher) add(pattern string) {
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	m.patterns = append(m.patterns, pattern)
	m.dirOnly = append(m.dirOnly, dirOnly)
}

func (m *ignoreMatcher) match(rel string) bool {
	return m.matches(rel, false)
}

func (m *ignoreMatcher) matchDir(rel string) bool {
	return m.matches(rel, true)
}

func (m *ignoreMatcher) matches(rel string, isDir bool) bool {
	base := filepath.Base(rel)
	for i, pat := range m.patterns {
		if m.dirOnly[i] && !isDir {
			continue
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if strings.HasPrefix(rel, pat+"/") {
			return true
		}
	}
	return false
}
