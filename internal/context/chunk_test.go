package context

import (
	"strings"
	"testing"
)

func TestChunkByLanguageSplitsGoOnTopLevelBraces(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("func f")
		sb.WriteString(strings.Repeat("x", 1))
		sb.WriteString("() {\n\treturn\n}\n\n")
	}
	chunks := chunkByLanguage(sb.String(), "go")
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range chunks {
		if strings.Count(c, "{") != strings.Count(c, "}") {
			t.Fatalf("chunk has unbalanced braces: %q", c)
		}
	}
}

func TestChunkByLanguageFallsBackForUnknownLanguage(t *testing.T) {
	text := strings.Repeat("line\n", 1000)
	got := chunkByLanguage(text, "unknown")
	want := chunkText(text)
	if len(got) != len(want) {
		t.Fatalf("expected fallback to chunkText, got %d chunks want %d", len(got), len(want))
	}
}

func TestChunkByHeadingsSplitsOnMarkdownHeadings(t *testing.T) {
	text := strings.Repeat("# Title\ncontent line\nmore content\n\n", 30)
	chunks := chunkByLanguage(text, "markdown")
	if len(chunks) < 2 {
		t.Fatalf("expected the headings to split the text into several chunks, got %d", len(chunks))
	}
}
