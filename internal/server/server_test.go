package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"morphingbook/internal/chat"
	"morphingbook/pkg/domain"
	"morphingbook/pkg/queue"
	"morphingbook/pkg/store"
)

type fakeChat struct {
	deltas []string
	err    error // returned before any delta
	midErr error // returned after all deltas
	msgs   []domain.ChatMessage
}

func (f *fakeChat) Stream(_ context.Context, _, _, _ string, onDelta func(string) error) error {
	if f.err != nil {
		return f.err
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return f.midErr
}

func (f *fakeChat) Messages(string, int) ([]domain.ChatMessage, error) {
	return f.msgs, nil
}

type fakeQueue struct {
	jobs     map[string]queue.Job
	enqueued []queue.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, bookID, bucket, path string) (queue.Job, error) {
	job := queue.Job{ID: fmt.Sprintf("job-%d", len(f.enqueued)+1), BookID: bookID, Bucket: bucket, Path: path, Status: queue.StatusQueued}
	f.enqueued = append(f.enqueued, job)
	return job, nil
}

func (f *fakeQueue) GetJob(_ context.Context, jobID string) (queue.Job, bool, error) {
	job, ok := f.jobs[jobID]
	return job, ok, nil
}

type fakeIndex struct {
	deleted []string
}

func (f *fakeIndex) Upsert(context.Context, []domain.Chunk) error { return nil }
func (f *fakeIndex) Search(context.Context, string, string, int) ([]domain.Chunk, error) {
	return nil, nil
}
func (f *fakeIndex) CountByFingerprint(context.Context, string) (int, error) { return 0, nil }
func (f *fakeIndex) DeleteByFingerprint(_ context.Context, fileHash string) error {
	f.deleted = append(f.deleted, fileHash)
	return nil
}

type fixture struct {
	srv   *Server
	store *store.MemoryStore
	queue *fakeQueue
	chat  *fakeChat
	index *fakeIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		queue: &fakeQueue{jobs: map[string]queue.Job{}},
		chat:  &fakeChat{deltas: []string{"Hel", "lo"}},
		index: &fakeIndex{},
	}
	srv, err := New(Config{Store: f.store, Queue: f.queue, Chat: f.chat, Index: f.index})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProcessBookAcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/books/process-book",
		`{"bookId": "book-1", "bucketName": "uploads", "filePath": "books/tale.pdf"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "processing" || resp["bookId"] != "book-1" || resp["jobId"] == "" {
		t.Fatalf("unexpected response: %v", resp)
	}

	if len(f.queue.enqueued) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(f.queue.enqueued))
	}
	job := f.queue.enqueued[0]
	if job.BookID != "book-1" || job.Bucket != "uploads" || job.Path != "books/tale.pdf" {
		t.Fatalf("unexpected job payload: %+v", job)
	}

	book, found, _ := f.store.GetBook("book-1")
	if !found {
		t.Fatalf("expected book row created")
	}
	if book.Status != domain.StatusProcessing {
		t.Fatalf("book status = %s", book.Status)
	}
	if book.Title != "tale" {
		t.Fatalf("book title = %q", book.Title)
	}
}

func TestProcessBookKeepsExistingRow(t *testing.T) {
	f := newFixture(t)
	_ = f.store.SaveBook(domain.Book{ID: "book-1", Title: "My Title", Status: domain.StatusFailed})

	rec := f.do(t, http.MethodPost, "/api/v1/books/process-book",
		`{"bookId": "book-1", "bucketName": "uploads", "filePath": "books/tale.pdf"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	book, _, _ := f.store.GetBook("book-1")
	if book.Title != "My Title" {
		t.Fatalf("existing row should not be overwritten, title = %q", book.Title)
	}
}

func TestProcessBookRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/books/process-book", `{"bookId": "book-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/books/process-book", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatStreamsSSEWithDoneSentinel(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/books/book-1/chat", `{"message": "hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"content":"Hel"}`) || !strings.Contains(body, `data: {"content":"lo"}`) {
		t.Fatalf("missing delta events:\n%s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("missing DONE sentinel:\n%s", body)
	}
}

func TestChatUnknownBookIsJSON404(t *testing.T) {
	f := newFixture(t)
	f.chat.err = chat.ErrBookNotFound

	rec := f.do(t, http.MethodPost, "/api/v1/books/missing/chat", `{"message": "hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestChatNotReadyBookIs409(t *testing.T) {
	f := newFixture(t)
	f.chat.err = fmt.Errorf("%w: status processing", chat.ErrBookNotReady)

	rec := f.do(t, http.MethodPost, "/api/v1/books/book-1/chat", `{"message": "hi"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatMidStreamErrorBecomesErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.chat.midErr = fmt.Errorf("generate answer: upstream reset")

	rec := f.do(t, http.MethodPost, "/api/v1/books/book-1/chat", `{"message": "hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"content":"Hel"}`) {
		t.Fatalf("partial output missing:\n%s", body)
	}
	if !strings.Contains(body, `data: {"error":"generate answer: upstream reset"}`) {
		t.Fatalf("error event missing:\n%s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("DONE sentinel must not follow an error:\n%s", body)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/books/book-1/chat", `{"message": "  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteBookRemovesVectorsOnLastReference(t *testing.T) {
	f := newFixture(t)
	_ = f.store.SaveBook(domain.Book{ID: "book-1", Status: domain.StatusReady, FileHash: "hash-1"})

	rec := f.do(t, http.MethodDelete, "/api/v1/books/book-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, found, _ := f.store.GetBook("book-1"); found {
		t.Fatalf("book should be deleted")
	}
	if len(f.index.deleted) != 1 || f.index.deleted[0] != "hash-1" {
		t.Fatalf("expected vector cleanup for hash-1, got %v", f.index.deleted)
	}
}

func TestDeleteBookKeepsVectorsWhileReferenced(t *testing.T) {
	f := newFixture(t)
	_ = f.store.SaveBook(domain.Book{ID: "book-1", Status: domain.StatusReady, FileHash: "hash-1"})
	_ = f.store.SaveBook(domain.Book{ID: "book-2", Status: domain.StatusReady, FileHash: "hash-1"})

	rec := f.do(t, http.MethodDelete, "/api/v1/books/book-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.index.deleted) != 0 {
		t.Fatalf("vectors still referenced by book-2, got cleanup %v", f.index.deleted)
	}
}

func TestGetAndListBooks(t *testing.T) {
	f := newFixture(t)
	_ = f.store.SaveBook(domain.Book{ID: "book-1", Title: "One", Status: domain.StatusReady, FileHash: "h"})

	rec := f.do(t, http.MethodGet, "/api/v1/books", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var books []domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &books); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(books) != 1 || books[0].ID != "book-1" {
		t.Fatalf("unexpected list: %+v", books)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/books/book-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/books/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	f.chat.msgs = []domain.ChatMessage{
		{ID: "m1", BookID: "book-1", Role: "user", Content: "q"},
		{ID: "m2", BookID: "book-1", Role: "assistant", Content: "a"},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/books/book-1/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var msgs []domain.ChatMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestJobEndpoint(t *testing.T) {
	f := newFixture(t)
	f.queue.jobs["job-9"] = queue.Job{ID: "job-9", BookID: "book-1", Status: queue.StatusDone}

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/job-9", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var job queue.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != queue.StatusDone {
		t.Fatalf("job status = %q", job.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/v1/books/process-book", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/books", `{}`); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/books/book-1/chat", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
