// Package context implements the Context Store: the bounded ProjectSummary
// (workspace-wide, persistent across plans) and per-plan Scratchpads the
// coordinator reads during context assembly and writes during state
// update. The async-write-plus-background-consolidation shape is
// generalized from the teacher's LevelDB-backed memory engine
// (internal/roles/memory/memory.go): kept HOW (buffered writes, a
// periodic "Dreamer" pass that reclaims space and expires stale entries),
// replaced WHAT (per-file CachedSummary records instead of episodic
// "Megram" entries).
package context

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// CachedSummary is one entry of the ProjectSummary map, keyed by
// workspace-relative path.
type CachedSummary struct {
	Path         string
	ContentHash  string
	ModifiedAt   time.Time
	Size         int64
	Language     string
	Summary      string
	LastAccess   time.Time
	AccessCount  int
}

// approxBytes estimates the memory footprint of one cached entry, used for
// ceiling enforcement. Exactness doesn't matter; monotonicity under growth
// does.
func (c *CachedSummary) approxBytes() int64 {
	return int64(len(c.Path)+len(c.ContentHash)+len(c.Language)+len(c.Summary)) + 128
}

// Limits configures the discovery, summarization and eviction pipeline.
type Limits struct {
	MaxFileBytes     int64         // files larger are chunked, not skipped outright unless over 8×MaxFileBytes
	MaxDepth         int
	TotalByteCeiling int64
	SummaryTTL       time.Duration
	ExcludePatterns  []string // glob patterns, in addition to .gitignore
	PriorityExt      []string // extensions summarized first (source > config > docs)
}

// DefaultLimits mirrors conservative values a real coordinator would ship
// with: a few hundred KB per summary budget, modest recursion depth.
var DefaultLimits = Limits{
	MaxFileBytes:     256 * 1024,
	MaxDepth:         12,
	TotalByteCeiling: 8 * 1024 * 1024,
	SummaryTTL:       24 * time.Hour,
	PriorityExt:      []string{".go", ".rs", ".py", ".ts", ".js", ".java"},
}

// ChangeReport is returned by Refresh, describing what changed since the
// last refresh.
type ChangeReport struct {
	Unchanged, Modified, Added, Deleted []string
}

// ProjectSummary is the workspace-wide bounded context, owned by the
// Context Store under a single-writer discipline.
type ProjectSummary struct {
	mu       sync.RWMutex
	root     string
	limits   Limits
	entries  map[string]*CachedSummary
	overview string
	logger   *slog.Logger
	cache    *SummaryCache // optional durable backing store; nil disables persistence
}

// NewProjectSummary constructs a ProjectSummary rooted at root.
func NewProjectSummary(root string, limits Limits, cache *SummaryCache) *ProjectSummary {
	return &ProjectSummary{
		root:    root,
		limits:  limits,
		entries: make(map[string]*CachedSummary),
		logger:  slog.Default().With("component", "context.project"),
		cache:   cache,
	}
}

// Overview returns the current aggregate project overview string.
func (s *ProjectSummary) Overview() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overview
}

// Reset discards every cached per-file summary and the aggregate overview,
// forcing the next Refresh to resummarize the whole workspace from
// scratch. The durable on-disk cache, if any, is left untouched; Refresh
// does not read it back, so every file is summarized again by the
// provider even where its content hash is unchanged.
func (s *ProjectSummary) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*CachedSummary)
	s.overview = ""
}

// Get returns the cached summary for a workspace-relative path, bumping its
// access metadata. The bool is false if nothing is cached for path.
func (s *ProjectSummary) Get(relPath string) (CachedSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[relPath]
	if !ok {
		return CachedSummary{}, false
	}
	e.LastAccess = time.Now()
	e.AccessCount++
	return *e, true
}

// TotalBytes reports the current approximate memory footprint across all
// cached summaries.
func (s *ProjectSummary) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.entries {
		total += e.approxBytes()
	}
	return total
}

// SummarizeFunc adapts provider.Provider.Summarize (which takes a
// context.Context) into the plain function this package calls; the Store
// wires this at construction time, closing over its own context.Context
// and deadline policy.
type SummarizeFunc func(text, prior string) (string, error)

// Refresh walks root honoring gitignore-style excludes, classifies every
// discovered file as unchanged/modified/added/deleted relative to the
// current cache, and re-summarizes modified and added files via summarize.
// Deleted files are evicted. Binary files, oversized files (beyond a hard
// cap), and gitignore/explicit-exclude matches are never stored.
func (s *ProjectSummary) Refresh(summarize SummarizeFunc) (ChangeReport, error) {
	ignore, err := loadIgnoreMatcher(s.root)
	if err != nil {
		return ChangeReport{}, err
	}

	discovered := make(map[string]os.FileInfo)
	err = filepath.Walk(s.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil // best-effort discovery; skip unreadable entries
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if depth := strings.Count(rel, string(filepath.Separator)); depth > s.limits.MaxDepth {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if ignore.matchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.match(rel) || s.excluded(rel) {
			return nil
		}
		discovered[rel] = info
		return nil
	})
	if err != nil {
		return ChangeReport{}, err
	}

	report := s.classify(discovered)

	s.mu.Lock()
	for _, rel := range report.Deleted {
		delete(s.entries, rel)
		if s.cache != nil {
			s.cache.Delete(rel)
		}
	}
	s.mu.Unlock()

	toSummarize := prioritize(append(append([]string{}, report.Modified...), report.Added...), s.limits.PriorityExt)
	for _, rel := range toSummarize {
		if err := s.summarizeOne(rel, discovered[rel], summarize); err != nil {
			s.logger.Warn("summarize failed", "path", rel, "err", err)
		}
	}

	if len(toSummarize) > 0 {
		s.rebuildOverview(summarize)
	}
	return report, nil
}

func (s *ProjectSummary) classify(discovered map[string]os.FileInfo) ChangeReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var report ChangeReport
	for rel, info := range discovered {
		existing, ok := s.entries[rel]
		if !ok {
			report.Added = append(report.Added, rel)
			continue
		}
		if existing.ModifiedAt.Equal(info.ModTime()) && existing.Size == info.Size() {
			report.Unchanged = append(report.Unchanged, rel)
			continue
		}
		report.Modified = append(report.Modified, rel)
	}
	for rel := range s.entries {
		if _, ok := discovered[rel]; !ok {
			report.Deleted = append(report.Deleted, rel)
		}
	}
	sort.Strings(report.Unchanged)
	sort.Strings(report.Modified)
	sort.Strings(report.Added)
	sort.Strings(report.Deleted)
	return report
}

func (s *ProjectSummary) summarizeOne(rel string, info os.FileInfo, summarize SummarizeFunc) error {
	full := filepath.Join(s.root, rel)
	if info.Size() > s.limits.MaxFileBytes*8 {
		return nil // hard cap: never touch pathologically large files
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return err
	}
	if looksBinary(data) {
		return nil
	}

	hash := sha256.Sum256(data)
	contentHash := hex.EncodeToString(hash[:])

	s.mu.RLock()
	if existing, ok := s.entries[rel]; ok && existing.ContentHash == contentHash {
		s.mu.RUnlock()
		return nil // same content under a new mtime; skip re-summarization
	}
	s.mu.RUnlock()

	language := languageOf(rel)
	summary, err := s.summarizeContent(data, language, summarize)
	if err != nil {
		return err
	}

	entry := &CachedSummary{
		Path:        rel,
		ContentHash: contentHash,
		ModifiedAt:  info.ModTime(),
		Size:        info.Size(),
		Language:    language,
		Summary:     summary,
		LastAccess:  time.Now(),
		AccessCount: 0,
	}
	s.mu.Lock()
	s.entries[rel] = entry
	s.enforceCeilingLocked()
	s.mu.Unlock()
	if s.cache != nil {
		s.cache.Put(rel, entry)
	}
	return nil
}

// summarizeContent chunks data on language-aware boundaries when it
// exceeds MaxFileBytes, summarizing each chunk and re-summarizing the
// concatenation, per the spec's chunking rule.
func (s *ProjectSummary) summarizeContent(data []byte, language string, summarize SummarizeFunc) (string, error) {
	if int64(len(data)) <= s.limits.MaxFileBytes {
		return summarize(string(data), "")
	}
	chunks := chunkByLanguage(string(data), language)
	var prior string
	for _, c := range chunks {
		next, err := summarize(c, prior)
		if err != nil {
			return "", err
		}
		prior = next
	}
	return prior, nil
}

func (s *ProjectSummary) rebuildOverview(summarize SummarizeFunc) {
	s.mu.RLock()
	var sb strings.Builder
	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e := s.entries[p]
		sb.WriteString(e.Path)
		sb.WriteString(": ")
		sb.WriteString(e.Summary)
		sb.WriteString("\n")
	}
	s.mu.RUnlock()

	overview, err := summarize(sb.String(), "")
	if err != nil {
		s.logger.Warn("overview rebuild failed", "err", err)
		return
	}
	s.mu.Lock()
	s.overview = overview
	s.mu.Unlock()
}

// enforceCeilingLocked evicts entries, by priority score, until total bytes
// is under the ceiling. Caller must hold s.mu for writing. TTL-expired
// entries are evicted first regardless of the ceiling.
func (s *ProjectSummary) enforceCeilingLocked() {
	now := time.Now()
	for rel, e := range s.entries {
		if s.limits.SummaryTTL > 0 && now.Sub(e.LastAccess) > s.limits.SummaryTTL {
			delete(s.entries, rel)
		}
	}

	var total int64
	for _, e := range s.entries {
		total += e.approxBytes()
	}
	if total <= s.limits.TotalByteCeiling {
		return
	}

	ordered := make([]*CachedSummary, 0, len(s.entries))
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return evictionScore(ordered[i], now) > evictionScore(ordered[j], now)
	})
	for _, e := range ordered {
		if total <= s.limits.TotalByteCeiling {
			break
		}
		delete(s.entries, e.Path)
		total -= e.approxBytes()
	}
}

// evictionScore combines recency-of-access (dominant), access frequency,
// and size into a single priority: higher score evicts first.
func evictionScore(e *CachedSummary, now time.Time) float64 {
	recencyPenalty := now.Sub(e.LastAccess).Seconds()
	frequencyBonus := float64(e.AccessCount) * 60 // each access buys a minute of immunity
	sizeTiebreak := float64(e.Size) / 1e6         // larger evicted first among near-ties
	return recencyPenalty - frequencyBonus + sizeTiebreak
}

func (s *ProjectSummary) excluded(rel string) bool {
	for _, pat := range s.limits.ExcludePatterns {
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

func prioritize(paths []string, priorityExt []string) []string {
	rank := func(p string) int {
		ext := filepath.Ext(p)
		for i, pe := range priorityExt {
			if ext == pe {
				return i
			}
		}
		return len(priorityExt)
	}
	sort.SliceStable(paths, func(i, j int) bool { return rank(paths[i]) < rank(paths[j]) })
	return paths
}

func looksBinary(data []byte) bool {
	if len(data) > 8192 {
		data = data[:8192]
	}
	return bytes.IndexByte(data, 0) != -1
}

func languageOf(rel string) string {
	switch filepath.Ext(rel) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".md":
		return "markdown"
	case ".json", ".yaml", ".yml", ".toml":
		return "config"
	default:
		return "unknown"
	}
}

// chunkText splits oversized content on language-agnostic line-count
// boundaries. chunkByLanguage (chunk.go) prefers brace/indentation/markup
// boundaries when the language is known and falls back to this for
// everything else, or when a language-aware split can't find a boundary.
func chunkText(text string) []string {
	const linesPerChunk = 400
	lines := strings.Split(text, "\n")
	var chunks []string
	for i := 0; i < len(lines); i += linesPerChunk {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, strings.Join(lines[i:end], "\n"))
	}
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}
