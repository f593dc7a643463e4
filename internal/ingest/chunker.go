package ingest

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"morphingbook/pkg/domain"
)

// Heading levels 1-3 bound chunks; deeper headings stay inside chunk text.
const maxHeadingLevel = 3

// ChunkMarkdown splits markdown into chunks at ATX headings of levels 1-3.
// Each chunk records the heading hierarchy it falls under, outermost first.
// Heading lines themselves are not part of any chunk's text. A document
// with no headings yields exactly one chunk with the whole text. Chunks are
// returned in source order. Headings inside fenced code blocks are content,
// not boundaries, because they never reach the parsed tree as headings.
func ChunkMarkdown(markdown string) []domain.Chunk {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	type boundary struct {
		level      int
		title      string
		start, end int
	}
	var bounds []boundary
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > maxHeadingLevel {
			continue
		}
		lines := heading.Lines()
		if lines.Len() == 0 {
			continue
		}
		first := lines.At(0)
		start := lineStart(src, first.Start)
		// only ATX headings split; setext underlines stay in the text.
		// ATX markers may be indented by up to three spaces.
		marker := start
		for marker < len(src) && src[marker] == ' ' {
			marker++
		}
		if marker >= len(src) || src[marker] != '#' {
			continue
		}
		end := lineEnd(src, lines.At(lines.Len()-1).Stop)
		title := string(bytes.TrimSpace(first.Value(src)))
		bounds = append(bounds, boundary{level: heading.Level, title: title, start: start, end: end})
	}

	var chunks []domain.Chunk
	var stack [maxHeadingLevel]string
	headerPath := func() []string {
		var path []string
		for _, title := range stack {
			if title != "" {
				path = append(path, title)
			}
		}
		return path
	}
	cur := 0
	emit := func(end int) {
		chunkText := strings.TrimSpace(string(src[cur:end]))
		if chunkText == "" {
			return
		}
		chunks = append(chunks, domain.Chunk{
			Text:       chunkText,
			HeaderPath: headerPath(),
		})
	}
	for _, b := range bounds {
		emit(b.start)
		stack[b.level-1] = b.title
		for i := b.level; i < maxHeadingLevel; i++ {
			stack[i] = ""
		}
		cur = b.end
	}
	emit(len(src))
	return chunks
}

func lineStart(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	return bytes.LastIndexByte(src[:offset], '\n') + 1
}

func lineEnd(src []byte, offset int) int {
	if offset >= len(src) {
		return len(src)
	}
	idx := bytes.IndexByte(src[offset:], '\n')
	if idx < 0 {
		return len(src)
	}
	return offset + idx + 1
}
