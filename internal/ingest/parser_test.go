package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalParserPassesThroughPlainText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.md")
	content := "# Title\n\nSome body text."
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LocalParser{}.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != content {
		t.Fatalf("parse output = %q, want %q", got, content)
	}
}

func TestLocalParserMissingFile(t *testing.T) {
	_, err := LocalParser{}.Parse(context.Background(), filepath.Join(t.TempDir(), "absent.txt"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestHTMLToMarkdownKeepsHeadingsAndParagraphs(t *testing.T) {
	src := `<html><body>
<h1>Part One</h1>
<h2> Chapter   1 </h2>
<p>First paragraph.</p>
<h4>Deep Heading</h4>
<script>alert("skip me")</script>
<li>An item</li>
</body></html>`

	got, err := htmlToMarkdown(strings.NewReader(src))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(got, "# Part One\n") {
		t.Fatalf("h1 not converted:\n%s", got)
	}
	if !strings.Contains(got, "## Chapter 1\n") {
		t.Fatalf("h2 not converted with collapsed spaces:\n%s", got)
	}
	if strings.Contains(got, "#### ") {
		t.Fatalf("h4 should flatten to a paragraph, not a heading:\n%s", got)
	}
	if !strings.Contains(got, "Deep Heading") {
		t.Fatalf("h4 text lost:\n%s", got)
	}
	if strings.Contains(got, "alert") {
		t.Fatalf("script content must be dropped:\n%s", got)
	}
	if !strings.Contains(got, "First paragraph.") || !strings.Contains(got, "An item") {
		t.Fatalf("body text lost:\n%s", got)
	}
}

func TestRemoteParserUploadsFileAndDecodesMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.pdf")
	if err := os.WriteFile(path, []byte("pdf bytes"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/parse" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Filename != "book.pdf" {
			t.Errorf("filename = %q", header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"markdown": "# Parsed\ncontent"}`))
	}))
	defer srv.Close()

	p, err := NewRemoteParser(srv.URL, "secret")
	if err != nil {
		t.Fatalf("new remote parser: %v", err)
	}
	got, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != "# Parsed\ncontent" {
		t.Fatalf("markdown = %q", got)
	}
}

func TestRemoteParserErrorStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.pdf")
	if err := os.WriteFile(path, []byte("pdf bytes"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewRemoteParser(srv.URL, "")
	if err != nil {
		t.Fatalf("new remote parser: %v", err)
	}
	if _, err := p.Parse(context.Background(), path); err == nil {
		t.Fatalf("expected error for 503 response")
	}
}

func TestNewRemoteParserRequiresURL(t *testing.T) {
	if _, err := NewRemoteParser("   ", ""); err == nil {
		t.Fatalf("expected error for empty parser URL")
	}
	p, err := NewRemoteParser("http://parser.local/", "key")
	if err != nil {
		t.Fatalf("new remote parser: %v", err)
	}
	if p.baseURL != "http://parser.local" {
		t.Fatalf("base URL = %q", p.baseURL)
	}
}
