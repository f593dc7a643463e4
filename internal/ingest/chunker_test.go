package ingest

import (
	"reflect"
	"strings"
	"testing"
)

func TestChunkMarkdownHeadinglessDocumentYieldsOneChunk(t *testing.T) {
	chunks := ChunkMarkdown("Just a plain paragraph.\n\nAnd another one.")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Just a plain paragraph.\n\nAnd another one." {
		t.Fatalf("unexpected chunk text: %q", chunks[0].Text)
	}
	if len(chunks[0].HeaderPath) != 0 {
		t.Fatalf("expected empty header path, got %v", chunks[0].HeaderPath)
	}
}

func TestChunkMarkdownSplitsOnHeadingLevels(t *testing.T) {
	src := strings.Join([]string{
		"# Part One",
		"intro text",
		"## Chapter 1",
		"chapter one text",
		"### Section 1.1",
		"section text",
		"# Part Two",
		"part two text",
	}, "\n")

	chunks := ChunkMarkdown(src)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(chunks), chunks)
	}

	wantPaths := [][]string{
		{"Part One"},
		{"Part One", "Chapter 1"},
		{"Part One", "Chapter 1", "Section 1.1"},
		{"Part Two"},
	}
	wantTexts := []string{"intro text", "chapter one text", "section text", "part two text"}
	for i, chunk := range chunks {
		if chunk.Text != wantTexts[i] {
			t.Fatalf("chunk %d text = %q, want %q", i, chunk.Text, wantTexts[i])
		}
		if !reflect.DeepEqual(chunk.HeaderPath, wantPaths[i]) {
			t.Fatalf("chunk %d header path = %v, want %v", i, chunk.HeaderPath, wantPaths[i])
		}
	}
}

func TestChunkMarkdownResetsDeeperLevelsOnNewHeading(t *testing.T) {
	src := strings.Join([]string{
		"# A",
		"## B",
		"under b",
		"## C",
		"under c",
	}, "\n")

	chunks := ChunkMarkdown(src)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !reflect.DeepEqual(chunks[1].HeaderPath, []string{"A", "C"}) {
		t.Fatalf("expected stale sibling heading replaced, got %v", chunks[1].HeaderPath)
	}
}

func TestChunkMarkdownPreambleBeforeFirstHeading(t *testing.T) {
	chunks := ChunkMarkdown("preamble text\n\n# Title\nbody")
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != "preamble text" || len(chunks[0].HeaderPath) != 0 {
		t.Fatalf("unexpected preamble chunk: %+v", chunks[0])
	}
	if chunks[1].Text != "body" {
		t.Fatalf("unexpected body chunk: %+v", chunks[1])
	}
}

func TestChunkMarkdownIgnoresHeadingsInsideCodeFences(t *testing.T) {
	src := strings.Join([]string{
		"# Real Heading",
		"before fence",
		"```",
		"# not a heading",
		"```",
		"after fence",
	}, "\n")

	chunks := ChunkMarkdown(src)
	if len(chunks) != 1 {
		t.Fatalf("expected fence content to stay in one chunk, got %d chunks", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "# not a heading") {
		t.Fatalf("fence line missing from chunk: %q", chunks[0].Text)
	}
}

func TestChunkMarkdownKeepsDeepHeadingsInText(t *testing.T) {
	src := "# Top\nsome text\n#### Deep\nmore text"
	chunks := ChunkMarkdown(src)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "#### Deep") {
		t.Fatalf("level-4 heading should stay in chunk text: %q", chunks[0].Text)
	}
	if !reflect.DeepEqual(chunks[0].HeaderPath, []string{"Top"}) {
		t.Fatalf("unexpected header path: %v", chunks[0].HeaderPath)
	}
}

func TestChunkMarkdownAcceptsIndentedHeadings(t *testing.T) {
	src := "preamble\n  ## Indented Chapter\nbody text"
	chunks := ChunkMarkdown(src)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if !reflect.DeepEqual(chunks[1].HeaderPath, []string{"Indented Chapter"}) {
		t.Fatalf("indented heading not recognized as boundary: %v", chunks[1].HeaderPath)
	}
	if chunks[1].Text != "body text" {
		t.Fatalf("unexpected body chunk: %q", chunks[1].Text)
	}
}

func TestChunkMarkdownSkipsEmptySections(t *testing.T) {
	chunks := ChunkMarkdown("# Empty\n# Full\ncontent")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %+v", len(chunks), chunks)
	}
	if !reflect.DeepEqual(chunks[0].HeaderPath, []string{"Full"}) {
		t.Fatalf("unexpected header path: %v", chunks[0].HeaderPath)
	}
}

func TestChunkMarkdownEmptyInput(t *testing.T) {
	if chunks := ChunkMarkdown(""); len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
	if chunks := ChunkMarkdown("   \n\n  "); len(chunks) != 0 {
		t.Fatalf("expected no chunks for whitespace input, got %d", len(chunks))
	}
}

func TestChunkMarkdownPreservesAllBodyText(t *testing.T) {
	src := strings.Join([]string{
		"lead-in",
		"# One",
		"alpha",
		"## Two",
		"beta",
		"gamma",
		"# Three",
		"delta",
	}, "\n")

	chunks := ChunkMarkdown(src)
	joined := ""
	for _, c := range chunks {
		joined += c.Text + "\n"
	}
	for _, want := range []string{"lead-in", "alpha", "beta", "gamma", "delta"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("body text %q lost during chunking", want)
		}
	}
}
