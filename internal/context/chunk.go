package context

import (
	"strings"

	"github.com/clipperhouse/uax29/v2/sentences"
)

// chunkByLanguage splits text on boundaries appropriate to language: top
// level brace blocks for curly-brace languages, blank-line-separated blocks
// for indentation-based languages, and heading boundaries for markup. It
// falls back to the line-count chunker when language is unrecognized or
// when it cannot find a single boundary (e.g. a minified one-liner).
func chunkByLanguage(text, language string) []string {
	switch language {
	case "go", "rust", "typescript", "javascript":
		if chunks := chunkByBraceBlocks(text); len(chunks) > 1 {
			return chunks
		}
	case "python":
		if chunks := chunkByIndentBlocks(text); len(chunks) > 1 {
			return chunks
		}
	case "markdown":
		if chunks := chunkByHeadings(text); len(chunks) > 1 {
			return chunks
		}
		if chunks := chunkByProse(text); len(chunks) > 1 {
			return chunks
		}
	}
	return chunkText(text)
}

// chunkByProse groups Unicode sentence boundaries (via uax29) into chunks,
// used for markdown/prose content with no heading structure to split on —
// the markup fallback named in the spec's chunking rule, as distinct from
// the brace/indentation boundaries used for source.
func chunkByProse(text string) []string {
	const sentencesPerChunk = 40
	var chunks []string
	var current strings.Builder
	count := 0
	seg := sentences.FromString(text)
	for seg.Next() {
		current.Write(seg.Value())
		count++
		if count >= sentencesPerChunk {
			chunks = append(chunks, current.String())
			current.Reset()
			count = 0
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// chunkByBraceBlocks splits on top-level "}" lines (brace depth returns to
// zero), keeping each top-level declaration together.
func chunkByBraceBlocks(text string) []string {
	lines := strings.Split(text, "\n")
	var chunks []string
	var current []string
	depth := 0
	for _, line := range lines {
		current = append(current, line)
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth <= 0 && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			depth = 0
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return mergeSmallChunks(chunks)
}

// chunkByIndentBlocks splits Python-like source on blank lines that return
// to column zero, approximating function/class boundaries.
func chunkByIndentBlocks(text string) []string {
	lines := strings.Split(text, "\n")
	var chunks []string
	var current []string
	for i, line := range lines {
		current = append(current, line)
		atTopLevel := len(line) > 0 && line[0] != ' ' && line[0] != '\t'
		nextBlank := i+1 >= len(lines) || strings.TrimSpace(lines[i+1]) == ""
		if atTopLevel && nextBlank && len(current) > 1 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return mergeSmallChunks(chunks)
}

// chunkByHeadings splits markdown on "#"-prefixed heading lines.
func chunkByHeadings(text string) []string {
	lines := strings.Split(text, "\n")
	var chunks []string
	var current []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return mergeSmallChunks(chunks)
}

// mergeSmallChunks folds runs of tiny adjacent chunks together so a file
// full of one-line declarations doesn't explode into hundreds of
// single-line summarize calls.
func mergeSmallChunks(chunks []string) []string {
	const minChunkLines = 20
	var out []string
	var pending string
	for _, c := range chunks {
		if pending != "" {
			pending = pending + "\n" + c
		} else {
			pending = c
		}
		if strings.Count(pending, "\n")+1 >= minChunkLines {
			out = append(out, pending)
			pending = ""
		}
	}
	if pending != "" {
		out = append(out, pending)
	}
	return out
}
