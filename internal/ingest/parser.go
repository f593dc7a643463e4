package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Parser turns a downloaded artifact into markdown text.
type Parser interface {
	Parse(ctx context.Context, path string) (string, error)
}

// RemoteParser calls a hosted markdown-parser service with the file and
// returns the markdown it produced.
type RemoteParser struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteParser constructs a client for the parser service.
func NewRemoteParser(baseURL, apiKey string) (*RemoteParser, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("parser URL required")
	}
	return &RemoteParser{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// Parse uploads the file and returns the service's markdown output.
func (p *RemoteParser) Parse(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/parse", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call parser service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("parser service error: %s", resp.Status)
	}
	var out struct {
		Markdown string `json:"markdown"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode parser response: %w", err)
	}
	if strings.TrimSpace(out.Markdown) == "" {
		return "", fmt.Errorf("parser service returned no content")
	}
	return out.Markdown, nil
}

// LocalParser extracts text on-box when no parser service is configured.
// PDF output carries no heading structure, so such documents chunk as a
// single unit downstream.
type LocalParser struct{}

// Parse dispatches on the file extension.
func (LocalParser) Parse(_ context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return parsePDF(path)
	case ".epub":
		return parseEPUB(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return string(data), nil
	}
}

func parsePDF(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	var parts []string
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// skip problematic pages instead of failing entirely
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText != "" {
			parts = append(parts, pageText)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return strings.Join(parts, "\n\n"), nil
}

func parseEPUB(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	defer reader.Close()
	files := make([]*zip.File, 0, len(reader.File))
	for _, f := range reader.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	var b strings.Builder
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		section, err := htmlToMarkdown(rc)
		rc.Close()
		if err != nil {
			continue
		}
		b.WriteString(section)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("no text extracted from EPUB")
	}
	return out, nil
}

// htmlToMarkdown keeps h1-h3 as markdown headings so the chunker can use
// them as boundaries; everything else flattens to paragraphs.
func htmlToMarkdown(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			case "h1", "h2", "h3":
				level := int(n.Data[1] - '0')
				title := collapseSpace(textContent(n))
				if title != "" {
					b.WriteString(strings.Repeat("#", level) + " " + title + "\n\n")
				}
				return
			case "p", "li", "blockquote", "h4", "h5", "h6":
				paragraph := collapseSpace(textContent(n))
				if paragraph != "" {
					b.WriteString(paragraph + "\n\n")
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String(), nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
